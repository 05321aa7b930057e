// primal-pds is a multi-tenant AT Protocol Personal Data Server.
//
// It reads configuration from db.json in the working directory, connects
// to PostgreSQL, bootstraps the management schema, opens per-domain
// tenant databases (each holding its own account directory, repo blocks,
// and firehose log), generates Traefik routing config for active domains,
// and starts an HTTP server with both standard AT Protocol endpoints and
// a management API.
//
// Usage:
//
//	./primal-pds              # reads ./db.json, starts server
//	docker compose up -d      # runs via Docker with mounted config
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/primal-host/primal-pds/internal/account"
	"github.com/primal-host/primal-pds/internal/auth"
	"github.com/primal-host/primal-pds/internal/config"
	"github.com/primal-host/primal-pds/internal/database"
	"github.com/primal-host/primal-pds/internal/domain"
	"github.com/primal-host/primal-pds/internal/repoengine"
	"github.com/primal-host/primal-pds/internal/server"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("primal-pds starting...")

	cfg, err := config.Load("db.json")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (listen=%s db=%s/%s)", cfg.ListenAddr, cfg.DBConn, cfg.DBName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received %v, shutting down...", sig)
		cancel()
	}()

	// Open management database and bootstrap management schema.
	mgmtDB, err := database.OpenManagement(ctx, cfg.ConnString(), cfg.ConnBase())
	if err != nil {
		log.Fatalf("Failed to connect to management database: %v", err)
	}
	defer mgmtDB.Close()
	log.Println("Management database connected, schema bootstrapped")

	batchDelay := time.Duration(cfg.SubscribeBatchDelay * float64(time.Second))
	pools := database.NewPoolManager(cfg.ConnBase(), cfg.RollbackWindow, batchDelay)
	defer pools.Close()

	domains := domain.NewStore(mgmtDB)

	// Load existing domains and open their tenant pools (each Add call
	// also bootstraps that tenant's firehose Manager).
	allDomains, err := domains.List(ctx)
	if err != nil {
		log.Fatalf("Failed to list domains: %v", err)
	}

	for _, d := range allDomains {
		if err := pools.Add(ctx, d.Domain, d.DBName); err != nil {
			log.Printf("Warning: failed to open tenant pool for %s: %v", d.Domain, err)
			continue
		}
		log.Printf("Tenant pool opened: %s -> %s", d.Domain, d.DBName)
	}

	repos := repoengine.NewManager()

	// Re-initialize repos for every existing account. InitRepo is
	// idempotent against an already-bootstrapped repo, so this just
	// ensures nothing was left half-provisioned by a prior crash.
	for _, d := range allDomains {
		store := pools.GetStore(d.Domain)
		if store == nil {
			continue
		}

		tenantAccounts := account.NewStore(&database.DB{Pool: pools.Get(d.Domain)})
		accts, err := tenantAccounts.List(ctx)
		if err != nil {
			log.Printf("Warning: failed to list accounts for %s: %v", d.Domain, err)
			continue
		}

		for _, acct := range accts {
			if acct.SigningKey == "" {
				continue
			}
			if err := repos.InitRepo(ctx, store, acct.DID, acct.Handle, acct.SigningKey); err != nil {
				log.Printf("Warning: failed to init repo for %s: %v", acct.DID, err)
			}
		}
		log.Printf("Repos verified for %d accounts in %s", len(accts), d.Domain)
	}

	if err := domains.WriteTraefikConfig(ctx, cfg.TraefikConfigDir); err != nil {
		log.Printf("Warning: initial Traefik config write failed: %v", err)
	} else {
		log.Printf("Traefik config written to %s", cfg.TraefikConfigDir)
	}

	jwtMgr := auth.NewJWTManager(cfg.JWTSecret, "primal-pds")

	srv := server.New(cfg, mgmtDB, pools, domains, repos, jwtMgr)
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("primal-pds stopped")
}
