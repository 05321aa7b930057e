// Package blockstore defines the abstract, pluggable storage contract
// (§4.2) that the repo engine and event log are built against: content
// addressed block CRUD, sequence-stamped commit application, and repo
// lifecycle. Two implementations satisfy it — MemStore, an in-memory
// reference/test oracle, and PgStore, a Postgres-backed durable store
// modeled on the teacher's tenant-database schema.
package blockstore

import (
	"context"
	"errors"
	"time"

	"github.com/ipfs/go-cid"
)

// Sentinel errors from the storage contract (§7).
var (
	ErrBlockNotFound  = errors.New("blockstore: block not found")
	ErrRepoNotFound   = errors.New("blockstore: repo not found")
	ErrRepoExists     = errors.New("blockstore: repo already exists")
	ErrInactiveRepo   = errors.New("blockstore: repo is not active")
	ErrRepoTombstoned = errors.New("blockstore: repo is tombstoned")
)

// Repo status values (§3 Repository lifecycle).
const (
	StatusActive      = "active"
	StatusDeactivated = "deactivated"
	StatusTombstoned  = "tombstoned"
)

// RepoRecord is the durable AtpRepo record (§3).
type RepoRecord struct {
	DID         string
	Head        cid.Cid
	Rev         string
	SigningKey  string
	RotationKey string
	Handle      string
	Status      string
	CreatedAt   time.Time
}

// SeqBlock pairs a block with the sequence number it was first written
// under, as yielded by ReadBlocksBySeq.
type SeqBlock struct {
	CID  cid.Cid
	Data []byte
	Seq  uint64
}

// EventRecord is a persisted firehose event (§3 Event). Payload is the
// already wire-encoded event body; the store treats it as opaque.
type EventRecord struct {
	Seq     uint64
	Kind    string // commit, identity, account, tombstone, handle
	RepoDID string
	Payload []byte
	Time    time.Time
}

// Store is the abstract storage contract every backend implements.
type Store interface {
	// Read returns a single block's bytes, or ErrBlockNotFound.
	Read(ctx context.Context, c cid.Cid) ([]byte, error)
	// ReadMany batch-reads blocks, splitting hits from misses.
	ReadMany(ctx context.Context, cids []cid.Cid) (found map[cid.Cid][]byte, missing []cid.Cid, err error)
	// Write stores a single content-addressed block scoped to repoDID,
	// stamping it with the next sequence number iff newly created.
	Write(ctx context.Context, repoDID string, data []byte) (c cid.Cid, created bool, err error)
	// WriteBlocks is an atomic batch form of Write.
	WriteBlocks(ctx context.Context, repoDID string, datas [][]byte) (cids []cid.Cid, created []bool, err error)

	// ApplyCommit atomically: allocates the next sequence number, writes
	// every block in newBlocks stamped with it, persists the commit's
	// event record, and advances the repo head to (commitCID, rev). All
	// effects are visible together or not at all.
	ApplyCommit(ctx context.Context, repoDID string, commitCID cid.Cid, rev string, newBlocks map[cid.Cid][]byte, eventPayload []byte) (seq uint64, err error)

	// PersistEvent records a non-commit event (identity/account/tombstone/
	// handle) under a freshly allocated sequence number.
	PersistEvent(ctx context.Context, repoDID, kind string, payload []byte) (seq uint64, err error)

	// ReadBlocksBySeq streams blocks in ascending sequence order, starting
	// strictly after sinceSeq. repoDID filters to one repo when non-empty.
	ReadBlocksBySeq(ctx context.Context, sinceSeq uint64, repoDID string) (<-chan SeqBlock, <-chan error)
	// ReadEventsBySeq streams events in ascending sequence order, starting
	// strictly after sinceSeq. repoDID filters to one repo when non-empty.
	ReadEventsBySeq(ctx context.Context, sinceSeq uint64, repoDID string) (<-chan EventRecord, <-chan error)

	// LoadRepo resolves a DID (or handle, backend-dependent) to its repo
	// record. Returns ErrRepoNotFound if missing; status enforcement is
	// the caller's job, not the store's — a tombstoned or deactivated
	// record is returned normally so read and write paths can apply
	// different policies (reads reject only tombstoned via
	// ErrRepoTombstoned; writes also reject deactivated via
	// ErrInactiveRepo — see repoengine.openRepoForRead/openRepoForWrite
	// and §7).
	LoadRepo(ctx context.Context, didOrHandle string) (*RepoRecord, error)
	CreateRepo(ctx context.Context, r *RepoRecord) error
	DeactivateRepo(ctx context.Context, did string) error
	ActivateRepo(ctx context.Context, did string) error
	TombstoneRepo(ctx context.Context, did string) error

	// AllocateSeq returns a fresh, monotone sequence number not tied to any
	// block or event (used by out-of-band events like identity/account).
	AllocateSeq(ctx context.Context) (uint64, error)
	// LastSeq returns the most recently allocated sequence number, or 0 if
	// none has been allocated yet.
	LastSeq(ctx context.Context) (uint64, error)

	// Notify returns a channel that receives a value after every
	// successful ApplyCommit or PersistEvent — the firehose pump's wakeup
	// signal. Implementations must never block a writer on this send.
	Notify() <-chan struct{}
}

// RepoPutter adapts a Store into an mst.BlockPutter scoped to one repo.
type RepoPutter struct {
	Store   Store
	RepoDID string
}

// Put stores a raw node block and returns its CID.
func (p RepoPutter) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	c, _, err := p.Store.Write(ctx, p.RepoDID, data)
	return c, err
}

// RepoGetter adapts a Store into an mst.BlockGetter.
type RepoGetter struct {
	Store Store
}

// Get reads a single block's bytes.
func (g RepoGetter) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	return g.Store.Read(ctx, c)
}
