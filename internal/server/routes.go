package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/primal-host/primal-pds/internal/account"
	"github.com/primal-host/primal-pds/internal/blockstore"
	"github.com/primal-host/primal-pds/internal/domain"
	"github.com/primal-host/primal-pds/internal/eventlog"
	"github.com/primal-host/primal-pds/internal/identity"
)

// registerPLCDID submits a derived PLC genesis operation to the
// configured PLC directory in the background. Non-fatal: registration
// failures are logged, not surfaced to the account-creation caller.
func (s *Server) registerPLCDID(did string, op *account.PLCOperation, signingKey string) {
	if op == nil || s.cfg.PLCEndpoint == "" {
		return
	}
	go func() {
		if err := identity.RegisterDID(context.Background(), s.cfg.PLCEndpoint, did, op, signingKey); err != nil {
			log.Printf("Warning: PLC registration failed for %s: %v", did, err)
		}
	}()
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	// --- Public endpoints (no auth) ---
	s.echo.GET("/xrpc/_health", s.handleHealth)
	s.echo.GET("/.well-known/atproto-did", s.handleAtprotoDID)
	s.echo.GET("/xrpc/com.atproto.server.describeServer", s.handleDescribeServer)
	s.echo.POST("/xrpc/com.atproto.server.createSession", s.handleCreateSession)
	s.echo.GET("/xrpc/com.atproto.identity.resolveHandle", s.handleResolveHandle)
	s.echo.GET("/xrpc/com.atproto.sync.getRepo", s.handleGetRepo)
	s.echo.GET("/xrpc/com.atproto.sync.getLatestCommit", s.handleGetLatestCommit)
	s.echo.GET("/xrpc/com.atproto.sync.subscribeRepos", s.handleSubscribeRepos)
	s.echo.POST("/xrpc/com.atproto.sync.requestCrawl", s.handleRequestCrawl)
	s.echo.GET("/xrpc/com.atproto.sync.getBlob", s.handleGetBlob)

	// createAccount is public when registration is open; handleCreateAccountXRPC
	// itself checks cfg.RegistrationOpen / admin key when it isn't.
	s.echo.POST("/xrpc/com.atproto.server.createAccount", s.handleCreateAccountXRPC, s.optionalAuth)

	// --- Refresh-token protected ---
	s.echo.POST("/xrpc/com.atproto.server.refreshSession", s.handleRefreshSession, s.requireRefresh)

	// --- End-user auth (admin key or JWT access token) ---
	auth := s.echo.Group("", s.requireAuth)
	auth.GET("/xrpc/com.atproto.server.getSession", s.handleGetSession)
	auth.POST("/xrpc/com.atproto.server.deleteSession", s.handleDeleteSession)
	auth.POST("/xrpc/com.atproto.repo.uploadBlob", s.handleUploadBlob)

	// AT Protocol repo operations — reads are public, writes require auth
	// (checkRepoAuth additionally restricts writes to the repo's own DID
	// or an admin key).
	s.echo.GET("/xrpc/com.atproto.repo.getRecord", s.handleGetRecord)
	s.echo.GET("/xrpc/com.atproto.repo.listRecords", s.handleListRecords)
	s.echo.GET("/xrpc/com.atproto.repo.describeRepo", s.handleDescribeRepo)
	auth.POST("/xrpc/com.atproto.repo.createRecord", s.handleCreateRecord)
	auth.POST("/xrpc/com.atproto.repo.deleteRecord", s.handleDeleteRecord)
	auth.POST("/xrpc/com.atproto.repo.putRecord", s.handlePutRecord)
	auth.POST("/xrpc/com.atproto.repo.applyWrites", s.handleApplyWrites)

	// --- Management API (admin key only) ---
	admin := s.echo.Group("", s.adminAuth)

	// Domain management
	admin.POST("/xrpc/host.primal.pds.addDomain", s.handleAddDomain)
	admin.GET("/xrpc/host.primal.pds.listDomains", s.handleListDomains)
	admin.POST("/xrpc/host.primal.pds.updateDomain", s.handleUpdateDomain)
	admin.POST("/xrpc/host.primal.pds.removeDomain", s.handleRemoveDomain)

	// Account management
	admin.POST("/xrpc/host.primal.pds.createAccount", s.handleCreateAccount)
	admin.GET("/xrpc/host.primal.pds.listAccounts", s.handleListAccounts)
	admin.GET("/xrpc/host.primal.pds.getAccount", s.handleGetAccount)
	admin.POST("/xrpc/host.primal.pds.updateAccount", s.handleUpdateAccount)
	admin.POST("/xrpc/host.primal.pds.deleteAccount", s.handleDeleteAccount)

	// Repo lifecycle — distinct from account status: lets an operator take
	// a repo's sync surface offline (moderation hold, migration) without
	// touching the account row underneath it.
	admin.POST("/xrpc/host.primal.pds.setRepoStatus", s.handleSetRepoStatus)
}

// =====================================================================
// Public endpoints
// =====================================================================

// handleHealth returns basic server health information.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"version": "0.3.0",
	})
}

// handleAtprotoDID resolves a DID for the handle implied by the Host
// header. The Host header (e.g., "alice.1440.news") is looked up in the
// accounts table to find the corresponding DID.
func (s *Server) handleAtprotoDID(c echo.Context) error {
	handle := stripPort(c.Request().Host)
	ctx := c.Request().Context()

	domainName := s.extractDomainFromHandle(ctx, handle)
	if domainName == "" {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error":   "AccountNotFound",
			"message": "No account found for handle: " + handle,
		})
	}
	accounts := s.accountsFor(domainName)

	did, err := accounts.ResolveHandle(ctx, handle)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "AccountNotFound",
				"message": "No account found for handle: " + handle,
			})
		}
		log.Printf("Error resolving handle %q: %v", handle, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to resolve handle",
		})
	}

	return c.String(http.StatusOK, did)
}

// =====================================================================
// Domain management
// =====================================================================

type addDomainRequest struct {
	Domain string `json:"domain"`
}

// addDomainResponse includes the domain and its auto-created owner account.
type addDomainResponse struct {
	Domain        *domain.Domain   `json:"domain"`
	AdminAccount  *account.Account `json:"adminAccount"`
	AdminPassword string           `json:"adminPassword"`
}

// handleAddDomain creates a new hosted domain, auto-creates the domain
// admin (owner) account, and regenerates the Traefik routing config.
// The response includes the auto-generated admin password — this is the
// only time it's returned in plaintext.
func (s *Server) handleAddDomain(c echo.Context) error {
	var req addDomainRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid JSON body",
		})
	}

	req.Domain = strings.TrimSpace(strings.ToLower(req.Domain))
	if req.Domain == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "domain is required",
		})
	}

	ctx := c.Request().Context()

	// Create the domain record, then its tenant database.
	d, err := s.domains.Add(ctx, req.Domain)
	if err != nil {
		if isDuplicateKey(err) {
			return c.JSON(http.StatusConflict, map[string]string{
				"error":   "DomainExists",
				"message": "Domain already exists: " + req.Domain,
			})
		}
		log.Printf("Error adding domain %q: %v", req.Domain, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to add domain",
		})
	}

	if err := s.mgmtDB.CreateTenantDB(ctx, d.DBName); err != nil {
		log.Printf("Error creating tenant database for %q: %v", req.Domain, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Domain registered but tenant database creation failed",
		})
	}
	if err := s.pools.Add(ctx, req.Domain, d.DBName); err != nil {
		log.Printf("Error opening tenant pool for %q: %v", req.Domain, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Domain registered but tenant pool setup failed",
		})
	}

	// Auto-create the domain admin (owner) account.
	// The handle is the bare domain name (e.g., "1440.news").
	adminPass, err := account.GeneratePassword()
	if err != nil {
		log.Printf("Error generating admin password for %q: %v", req.Domain, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to generate admin password",
		})
	}

	adminAcct, plcOp, err := s.accountsFor(req.Domain).Create(ctx, account.CreateParams{
		Handle:          req.Domain,
		Password:        adminPass,
		Role:            account.RoleOwner,
		PLCEndpoint:     s.cfg.PLCEndpoint,
		ServiceEndpoint: "https://" + req.Domain,
	})
	if err != nil {
		// Domain was created but admin account failed. Log but don't
		// roll back the domain — it can be retried.
		log.Printf("Error creating admin account for domain %q: %v", req.Domain, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Domain created but admin account creation failed",
		})
	}
	s.registerPLCDID(adminAcct.DID, plcOp, adminAcct.SigningKey)

	if err := s.mgmtDB.InsertDIDRouting(ctx, adminAcct.DID, req.Domain); err != nil {
		log.Printf("Error recording did routing for %q: %v", adminAcct.DID, err)
	}

	store := s.pools.GetStore(req.Domain)
	if err := s.repos.InitRepo(ctx, store, adminAcct.DID, adminAcct.Handle, adminAcct.SigningKey); err != nil {
		log.Printf("Error initializing repo for %q: %v", adminAcct.DID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Domain and account created but repo initialization failed",
		})
	}
	emitIdentityEvent(ctx, store, adminAcct.DID, adminAcct.Handle)

	s.refreshTraefik(c)
	log.Printf("Domain added: %s (admin: %s, did: %s)", req.Domain, adminAcct.Handle, adminAcct.DID)

	return c.JSON(http.StatusOK, addDomainResponse{
		Domain:        d,
		AdminAccount:  adminAcct,
		AdminPassword: adminPass,
	})
}

// handleListDomains returns all configured domains.
func (s *Server) handleListDomains(c echo.Context) error {
	domains, err := s.domains.List(c.Request().Context())
	if err != nil {
		log.Printf("Error listing domains: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to list domains",
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"domains": domains,
	})
}

type updateDomainRequest struct {
	Domain string `json:"domain"`
	Status string `json:"status"`
}

// handleUpdateDomain changes a domain's status and regenerates Traefik config.
func (s *Server) handleUpdateDomain(c echo.Context) error {
	var req updateDomainRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid JSON body",
		})
	}

	req.Domain = strings.TrimSpace(strings.ToLower(req.Domain))
	if req.Domain == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "domain is required",
		})
	}

	switch req.Status {
	case "active", "disabled":
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "status must be 'active' or 'disabled'",
		})
	}

	d, err := s.domains.Update(c.Request().Context(), req.Domain, req.Status)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "DomainNotFound",
				"message": "Domain not found: " + req.Domain,
			})
		}
		log.Printf("Error updating domain %q: %v", req.Domain, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to update domain",
		})
	}

	s.refreshTraefik(c)
	log.Printf("Domain updated: %s -> %s", req.Domain, req.Status)
	return c.JSON(http.StatusOK, d)
}

type removeDomainRequest struct {
	Domain string `json:"domain"`
}

// handleRemoveDomain deletes a domain (and all its accounts via CASCADE)
// and regenerates the Traefik routing configuration.
func (s *Server) handleRemoveDomain(c echo.Context) error {
	var req removeDomainRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid JSON body",
		})
	}

	req.Domain = strings.TrimSpace(strings.ToLower(req.Domain))
	if req.Domain == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "domain is required",
		})
	}

	ctx := c.Request().Context()
	dbName, err := s.domains.Remove(ctx, req.Domain)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "DomainNotFound",
				"message": "Domain not found: " + req.Domain,
			})
		}
		log.Printf("Error removing domain %q: %v", req.Domain, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to remove domain",
		})
	}

	s.pools.Remove(req.Domain)
	if err := s.mgmtDB.DropTenantDB(ctx, dbName); err != nil {
		log.Printf("Warning: failed to drop tenant database %q: %v", dbName, err)
	}

	s.refreshTraefik(c)
	log.Printf("Domain removed: %s (all accounts cascade-deleted)", req.Domain)
	return c.JSON(http.StatusOK, map[string]string{
		"message": "Domain removed: " + req.Domain,
	})
}

// =====================================================================
// Account management
// =====================================================================

type createAccountRequest struct {
	Domain   string `json:"domain"`
	Handle   string `json:"handle"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// handleCreateAccount creates a new account under a domain. The handle
// is automatically suffixed with the domain if not already (e.g.,
// "alice" under "1440.news" becomes "alice.1440.news"). If password is
// omitted, one is auto-generated and returned.
func (s *Server) handleCreateAccount(c echo.Context) error {
	var req createAccountRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid JSON body",
		})
	}

	req.Domain = strings.TrimSpace(strings.ToLower(req.Domain))
	req.Handle = strings.TrimSpace(strings.ToLower(req.Handle))

	if req.Domain == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "domain is required",
		})
	}
	if req.Handle == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "handle is required",
		})
	}

	// Validate role if provided.
	switch req.Role {
	case "", account.RoleUser, account.RoleAdmin:
		// Valid (empty defaults to user in the store).
	case account.RoleOwner:
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "owner role is assigned automatically during domain creation",
		})
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "role must be 'user' or 'admin'",
		})
	}

	ctx := c.Request().Context()

	// Look up the domain.
	_, err := s.domains.GetByName(ctx, req.Domain)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "DomainNotFound",
				"message": "Domain not found: " + req.Domain,
			})
		}
		log.Printf("Error looking up domain %q: %v", req.Domain, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to look up domain",
		})
	}

	// Build the full handle: "alice" + "1440.news" → "alice.1440.news".
	// If the handle already ends with the domain, use it as-is.
	fullHandle := req.Handle
	if !strings.HasSuffix(fullHandle, "."+req.Domain) {
		fullHandle = req.Handle + "." + req.Domain
	}

	// Auto-generate password if not provided.
	password := req.Password
	autoGenerated := false
	if password == "" {
		password, err = account.GeneratePassword()
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{
				"error":   "InternalError",
				"message": "Failed to generate password",
			})
		}
		autoGenerated = true
	}

	acct, plcOp, err := s.accountsFor(req.Domain).Create(ctx, account.CreateParams{
		Handle:          fullHandle,
		Email:           req.Email,
		Password:        password,
		Role:            req.Role,
		PLCEndpoint:     s.cfg.PLCEndpoint,
		ServiceEndpoint: "https://" + req.Domain,
	})
	if err != nil {
		if isDuplicateKey(err) {
			return c.JSON(http.StatusConflict, map[string]string{
				"error":   "HandleTaken",
				"message": "Handle already taken: " + fullHandle,
			})
		}
		log.Printf("Error creating account %q: %v", fullHandle, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to create account",
		})
	}
	s.registerPLCDID(acct.DID, plcOp, acct.SigningKey)

	if err := s.mgmtDB.InsertDIDRouting(ctx, acct.DID, req.Domain); err != nil {
		log.Printf("Error recording did routing for %q: %v", acct.DID, err)
	}

	store := s.pools.GetStore(req.Domain)
	if err := s.repos.InitRepo(ctx, store, acct.DID, acct.Handle, acct.SigningKey); err != nil {
		log.Printf("Error initializing repo for %q: %v", acct.DID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Account created but repo initialization failed",
		})
	}
	emitIdentityEvent(ctx, store, acct.DID, acct.Handle)

	log.Printf("Account created: %s (did: %s, role: %s, domain: %s)", acct.Handle, acct.DID, acct.Role, req.Domain)

	resp := map[string]any{"account": acct}
	if autoGenerated {
		resp["password"] = password
	}
	return c.JSON(http.StatusOK, resp)
}

// handleListAccounts returns accounts under a domain.
// Query parameter: ?domain=1440.news (required — accounts live in
// per-domain tenant databases, so listing spans one domain at a time)
func (s *Server) handleListAccounts(c echo.Context) error {
	ctx := c.Request().Context()
	domainName := c.QueryParam("domain")
	if domainName == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "domain query parameter is required",
		})
	}

	if _, err := s.domains.GetByName(ctx, domainName); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "DomainNotFound",
				"message": "Domain not found: " + domainName,
			})
		}
		log.Printf("Error looking up domain %q: %v", domainName, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to look up domain",
		})
	}

	accounts, err := s.accountsFor(domainName).List(ctx)
	if err != nil {
		log.Printf("Error listing accounts: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to list accounts",
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"accounts": accounts,
	})
}

// handleGetAccount retrieves an account by handle or DID.
// Query parameters: ?handle=alice.1440.news or ?did=did:plc:...
func (s *Server) handleGetAccount(c echo.Context) error {
	ctx := c.Request().Context()
	handle := c.QueryParam("handle")
	did := c.QueryParam("did")

	if handle == "" && did == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "handle or did query parameter is required",
		})
	}

	accounts, notFound := s.accountsForIdentifier(ctx, handle, did)
	if notFound {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error":   "AccountNotFound",
			"message": "Account not found",
		})
	}

	var acct *account.Account
	var err error
	if handle != "" {
		acct, err = accounts.GetByHandle(ctx, handle)
	} else {
		acct, err = accounts.GetByDID(ctx, did)
	}

	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "AccountNotFound",
				"message": "Account not found",
			})
		}
		log.Printf("Error getting account: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to get account",
		})
	}
	return c.JSON(http.StatusOK, acct)
}

type updateAccountRequest struct {
	Handle    string `json:"handle"`
	NewHandle string `json:"newHandle"`
	Status    string `json:"status"`
	Role      string `json:"role"`
}

// handleUpdateAccount modifies an account's handle, status, and/or role.
// At least one of newHandle, status, or role must be provided. A status
// change drives the account's repo lifecycle (§3): "removed" tombstones
// the repo, "suspended"/"disabled" deactivate it, and "active" reactivates
// it — each transition also emits the matching firehose event.
func (s *Server) handleUpdateAccount(c echo.Context) error {
	var req updateAccountRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid JSON body",
		})
	}

	req.Handle = strings.TrimSpace(strings.ToLower(req.Handle))
	req.NewHandle = strings.TrimSpace(strings.ToLower(req.NewHandle))
	if req.Handle == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "handle is required",
		})
	}

	if req.NewHandle == "" && req.Status == "" && req.Role == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "at least one of newHandle, status, or role is required",
		})
	}

	ctx := c.Request().Context()
	domainName := s.extractDomainFromHandle(ctx, req.Handle)
	if domainName == "" {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error":   "AccountNotFound",
			"message": "Account not found: " + req.Handle,
		})
	}
	accounts := s.accountsFor(domainName)
	store := s.pools.GetStore(domainName)

	var result *account.Account
	var err error

	// Rename the handle if requested.
	if req.NewHandle != "" {
		result, err = accounts.UpdateHandle(ctx, req.Handle, req.NewHandle)
		if err != nil {
			return accountError(c, err, req.Handle)
		}
		emitHandleEvent(ctx, store, result.DID, req.NewHandle)
		req.Handle = req.NewHandle
	}

	// Update status if provided.
	if req.Status != "" {
		switch req.Status {
		case account.StatusActive, account.StatusSuspended, account.StatusDisabled, account.StatusRemoved:
		default:
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error":   "InvalidRequest",
				"message": "status must be 'active', 'suspended', 'disabled', or 'removed'",
			})
		}

		result, err = accounts.UpdateStatus(ctx, req.Handle, req.Status)
		if err != nil {
			return accountError(c, err, req.Handle)
		}
		applyRepoStatusTransition(ctx, store, result.DID, req.Status)
	}

	// Update role if provided.
	if req.Role != "" {
		switch req.Role {
		case account.RoleAdmin, account.RoleUser:
		default:
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error":   "InvalidRequest",
				"message": "role must be 'admin' or 'user'",
			})
		}

		result, err = accounts.UpdateRole(ctx, req.Handle, req.Role)
		if err != nil {
			return accountError(c, err, req.Handle)
		}
	}

	log.Printf("Account updated: %s (newHandle=%s, status=%s, role=%s)", req.Handle, req.NewHandle, req.Status, req.Role)
	return c.JSON(http.StatusOK, result)
}

// applyRepoStatusTransition drives a repo's lifecycle state (§3) off an
// account status change and emits the matching firehose #account or
// #tombstone event. Store errors are logged, not surfaced: the account
// row is already the source of truth, and the repo lifecycle call is
// best-effort bookkeeping on top of it.
func applyRepoStatusTransition(ctx context.Context, store blockstore.Store, did, status string) {
	switch status {
	case account.StatusRemoved:
		if err := store.TombstoneRepo(ctx, did); err != nil {
			log.Printf("Warning: failed to tombstone repo for %s: %v", did, err)
			return
		}
		payload, err := eventlog.EncodeTombstonePayload(&eventlog.TombstonePayload{DID: did})
		if err != nil {
			log.Printf("Warning: failed to encode tombstone event for %s: %v", did, err)
			return
		}
		if _, err := store.PersistEvent(ctx, did, eventlog.KindTombstone, payload); err != nil {
			log.Printf("Warning: failed to persist tombstone event for %s: %v", did, err)
		}

	case account.StatusSuspended, account.StatusDisabled:
		if err := store.DeactivateRepo(ctx, did); err != nil {
			log.Printf("Warning: failed to deactivate repo for %s: %v", did, err)
			return
		}
		emitAccountEvent(ctx, store, did, false, status)

	case account.StatusActive:
		if err := store.ActivateRepo(ctx, did); err != nil {
			log.Printf("Warning: failed to activate repo for %s: %v", did, err)
			return
		}
		emitAccountEvent(ctx, store, did, true, status)
	}
}

// emitIdentityEvent persists a #identity firehose event for a DID whose
// identity data (handle, DID document) was just established or changed.
func emitIdentityEvent(ctx context.Context, store blockstore.Store, did, handle string) {
	payload, err := eventlog.EncodeIdentityPayload(&eventlog.IdentityPayload{DID: did, Handle: &handle})
	if err != nil {
		log.Printf("Warning: failed to encode identity event for %s: %v", did, err)
		return
	}
	if _, err := store.PersistEvent(ctx, did, eventlog.KindIdentity, payload); err != nil {
		log.Printf("Warning: failed to persist identity event for %s: %v", did, err)
	}
}

// emitAccountEvent persists a #account firehose event reflecting an
// account's active state and status.
func emitAccountEvent(ctx context.Context, store blockstore.Store, did string, active bool, status string) {
	payload, err := eventlog.EncodeAccountPayload(&eventlog.AccountPayload{DID: did, Active: active, Status: &status})
	if err != nil {
		log.Printf("Warning: failed to encode account event for %s: %v", did, err)
		return
	}
	if _, err := store.PersistEvent(ctx, did, eventlog.KindAccount, payload); err != nil {
		log.Printf("Warning: failed to persist account event for %s: %v", did, err)
	}
}

// emitHandleEvent persists a legacy #handle firehose event for a DID
// whose handle was just renamed.
func emitHandleEvent(ctx context.Context, store blockstore.Store, did, handle string) {
	payload, err := eventlog.EncodeHandlePayload(&eventlog.HandlePayload{DID: did, Handle: handle})
	if err != nil {
		log.Printf("Warning: failed to encode handle event for %s: %v", did, err)
		return
	}
	if _, err := store.PersistEvent(ctx, did, eventlog.KindHandle, payload); err != nil {
		log.Printf("Warning: failed to persist handle event for %s: %v", did, err)
	}
}

type deleteAccountRequest struct {
	Handle string `json:"handle"`
}

// handleDeleteAccount permanently removes an account. Owner accounts
// cannot be deleted — remove the domain instead.
func (s *Server) handleDeleteAccount(c echo.Context) error {
	var req deleteAccountRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid JSON body",
		})
	}

	req.Handle = strings.TrimSpace(strings.ToLower(req.Handle))
	if req.Handle == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "handle is required",
		})
	}

	ctx := c.Request().Context()
	domainName := s.extractDomainFromHandle(ctx, req.Handle)
	if domainName == "" {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error":   "AccountNotFound",
			"message": "Account not found: " + req.Handle,
		})
	}

	if err := s.accountsFor(domainName).Delete(ctx, req.Handle); err != nil {
		return accountError(c, err, req.Handle)
	}

	log.Printf("Account deleted: %s", req.Handle)
	return c.JSON(http.StatusOK, map[string]string{
		"message": "Account deleted: " + req.Handle,
	})
}

type setRepoStatusRequest struct {
	DID    string `json:"did"`
	Status string `json:"status"`
}

// handleSetRepoStatus moves a repo directly between active, deactivated,
// and tombstoned (§3), independent of the account's own status. Unlike
// handleUpdateAccount's status hook, this never touches the account row.
func (s *Server) handleSetRepoStatus(c echo.Context) error {
	var req setRepoStatusRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid JSON body",
		})
	}

	if req.DID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "did is required",
		})
	}

	ctx := c.Request().Context()
	domainName, err := s.mgmtDB.LookupDIDDomain(ctx, req.DID)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error":   "RepoNotFound",
			"message": "Repo not found: " + req.DID,
		})
	}
	store := s.pools.GetStore(domainName)
	if store == nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Domain unavailable",
		})
	}

	switch req.Status {
	case blockstore.StatusActive:
		err = store.ActivateRepo(ctx, req.DID)
	case blockstore.StatusDeactivated:
		err = store.DeactivateRepo(ctx, req.DID)
	case blockstore.StatusTombstoned:
		err = store.TombstoneRepo(ctx, req.DID)
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "status must be 'active', 'deactivated', or 'tombstoned'",
		})
	}
	if err != nil {
		log.Printf("Error setting repo status for %s to %s: %v", req.DID, req.Status, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to update repo status",
		})
	}

	if req.Status == blockstore.StatusTombstoned {
		payload, perr := eventlog.EncodeTombstonePayload(&eventlog.TombstonePayload{DID: req.DID})
		if perr == nil {
			if _, perr := store.PersistEvent(ctx, req.DID, eventlog.KindTombstone, payload); perr != nil {
				log.Printf("Warning: failed to persist tombstone event for %s: %v", req.DID, perr)
			}
		}
	} else {
		emitAccountEvent(ctx, store, req.DID, req.Status == blockstore.StatusActive, req.Status)
	}

	log.Printf("Repo status set: %s -> %s", req.DID, req.Status)
	return c.JSON(http.StatusOK, map[string]string{
		"did":    req.DID,
		"status": req.Status,
	})
}

// =====================================================================
// Helpers
// =====================================================================

// refreshTraefik regenerates the Traefik dynamic config file.
func (s *Server) refreshTraefik(c echo.Context) {
	if err := s.domains.WriteTraefikConfig(c.Request().Context(), s.cfg.TraefikConfigDir); err != nil {
		log.Printf("Warning: failed to write Traefik config: %v", err)
	}
}

// accountError maps account package errors to HTTP responses.
func accountError(c echo.Context, err error, handle string) error {
	switch {
	case errors.Is(err, account.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{
			"error":   "AccountNotFound",
			"message": "Account not found: " + handle,
		})
	case errors.Is(err, account.ErrOwnerProtected):
		return c.JSON(http.StatusForbidden, map[string]string{
			"error":   "OwnerProtected",
			"message": err.Error(),
		})
	default:
		log.Printf("Error on account %q: %v", handle, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to update account",
		})
	}
}

// stripPort removes the port suffix from a host string.
func stripPort(host string) string {
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}

// isDuplicateKey checks whether an error is a PostgreSQL unique
// constraint violation (error code 23505).
func isDuplicateKey(err error) bool {
	return strings.Contains(err.Error(), "23505") ||
		strings.Contains(err.Error(), "duplicate key") ||
		strings.Contains(err.Error(), "unique constraint")
}
