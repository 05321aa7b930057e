package repoengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/bluesky-social/indigo/atproto/data"
	"github.com/bluesky-social/indigo/atproto/syntax"

	"github.com/ipfs/go-cid"

	"github.com/primal-host/primal-pds/internal/blockstore"
	carpkg "github.com/primal-host/primal-pds/internal/car"
	"github.com/primal-host/primal-pds/internal/mst"
)

// Manager orchestrates all repository operations for the PDS. It is
// stateless — every method takes the blockstore.Store to operate against,
// so a single Manager serves every tenant.
type Manager struct{}

// NewManager creates a repo Manager.
func NewManager() *Manager {
	return &Manager{}
}

// RecordEntry is a single record in a list response.
type RecordEntry struct {
	URI string
	CID string
	Val map[string]any
}

// CommitResult captures everything about a commit that downstream
// consumers — the firehose pump, chiefly — need to build wire events.
type CommitResult struct {
	CommitCID cid.Cid
	Rev       string
	PrevRev   string
	PrevData  *cid.Cid
	Ops       []RepoOp
	DiffCAR   []byte
	Seq       uint64
}

// collectingPutter wraps an mst.BlockPutter, recording every block it
// writes so the caller can build a diff CAR and an event payload without
// a second pass over the store.
type collectingPutter struct {
	inner mst.BlockPutter
	seen  map[cid.Cid][]byte
}

func newCollectingPutter(inner mst.BlockPutter) *collectingPutter {
	return &collectingPutter{inner: inner, seen: make(map[cid.Cid][]byte)}
}

func (p *collectingPutter) Put(ctx context.Context, raw []byte) (cid.Cid, error) {
	c, err := p.inner.Put(ctx, raw)
	if err != nil {
		return cid.Undef, err
	}
	p.seen[c] = raw
	return c, nil
}

// InitRepo creates an empty repository for a new account: an empty MST,
// an initial signed commit, and the repo record row. Safe to call more
// than once — returns nil if a repo already exists for did.
func (m *Manager) InitRepo(ctx context.Context, store blockstore.Store, did, handle, signingKey string) error {
	if _, err := store.LoadRepo(ctx, did); err == nil {
		return nil
	} else if err != blockstore.ErrRepoNotFound {
		return fmt.Errorf("repoengine: init check: %w", err)
	}

	priv, err := ParseKey(signingKey)
	if err != nil {
		return fmt.Errorf("repoengine: init: %w", err)
	}

	putter := newCollectingPutter(blockstore.RepoPutter{Store: store, RepoDID: did})
	tree := mst.Empty()
	mstRoot, err := tree.Flush(ctx, putter)
	if err != nil {
		return fmt.Errorf("repoengine: init flush empty mst: %w", err)
	}

	rev := syntax.NewTIDClock(0).Next().String()
	commit := &Commit{DID: did, Version: RepoVersion, Data: mstRoot, Rev: rev}
	if err := SignCommit(commit, priv); err != nil {
		return fmt.Errorf("repoengine: init sign: %w", err)
	}
	commitBytes, err := EncodeCommit(commit)
	if err != nil {
		return fmt.Errorf("repoengine: init encode commit: %w", err)
	}
	commitCID, err := ComputeCID(commitBytes)
	if err != nil {
		return fmt.Errorf("repoengine: init commit cid: %w", err)
	}
	putter.seen[commitCID] = commitBytes

	if err := store.CreateRepo(ctx, &blockstore.RepoRecord{
		DID:        did,
		Handle:     handle,
		Head:       commitCID,
		Rev:        rev,
		SigningKey: signingKey,
		Status:     blockstore.StatusActive,
	}); err != nil {
		return fmt.Errorf("repoengine: init create repo: %w", err)
	}

	var carBuf bytes.Buffer
	if err := writeCARFromSeen(&carBuf, commitCID, putter.seen); err != nil {
		return fmt.Errorf("repoengine: init diff car: %w", err)
	}
	payload, err := EncodeCommitEventPayload(&CommitEventPayload{
		DID: did, Rev: rev, CommitCID: commitCID, CAR: carBuf.Bytes(),
	})
	if err != nil {
		return fmt.Errorf("repoengine: init encode payload: %w", err)
	}

	if _, err := store.ApplyCommit(ctx, did, commitCID, rev, putter.seen, payload); err != nil {
		return fmt.Errorf("repoengine: init apply commit: %w", err)
	}
	return nil
}

// CreateRecord adds a record under a freshly minted TID rkey.
func (m *Manager) CreateRecord(ctx context.Context, store blockstore.Store, did, signingKey, collection string, record map[string]any) (uri string, result *CommitResult, err error) {
	rkey := syntax.NewTIDClock(0).Next().String()
	return m.PutRecord(ctx, store, did, signingKey, collection, rkey, record)
}

// GetRecord reads a record from the repo by collection + rkey.
func (m *Manager) GetRecord(ctx context.Context, store blockstore.Store, did, collection, rkey string) (cidStr string, record map[string]any, err error) {
	tree, _, _, err := openRepoForRead(ctx, store, did)
	if err != nil {
		return "", nil, err
	}

	path := RecordPath(collection, rkey)
	recordCID, err := tree.Get(path)
	if err != nil {
		return "", nil, fmt.Errorf("repoengine: get record mst: %w", err)
	}
	if recordCID == nil {
		return "", nil, fmt.Errorf("repoengine: record not found: %s", path)
	}

	raw, err := store.Read(ctx, *recordCID)
	if err != nil {
		return "", nil, fmt.Errorf("repoengine: get record block: %w", err)
	}
	rec, err := DecodeRecord(raw)
	if err != nil {
		return "", nil, fmt.Errorf("repoengine: decode record: %w", err)
	}
	return recordCID.String(), rec, nil
}

// DeleteRecord removes a record from the repo.
func (m *Manager) DeleteRecord(ctx context.Context, store blockstore.Store, did, signingKey, collection, rkey string) (*CommitResult, error) {
	priv, err := ParseKey(signingKey)
	if err != nil {
		return nil, fmt.Errorf("repoengine: delete: %w", err)
	}

	tree, commit, rec, err := openRepoForWrite(ctx, store, did)
	if err != nil {
		return nil, err
	}

	path := RecordPath(collection, rkey)
	prev, err := tree.Get(path)
	if err != nil {
		return nil, fmt.Errorf("repoengine: delete mst lookup: %w", err)
	}
	if prev == nil {
		return nil, fmt.Errorf("repoengine: record not found: %s", path)
	}
	deletedTree, err := tree.Delete(path)
	if err != nil {
		return nil, fmt.Errorf("repoengine: delete mst remove: %w", err)
	}

	ops := []RepoOp{{Action: ActionDelete, Path: path, Prev: prev}}
	return commitRepo(ctx, store, did, priv, deletedTree, commit, rec, ops)
}

// PutRecord creates or updates a record at a specific rkey.
func (m *Manager) PutRecord(ctx context.Context, store blockstore.Store, did, signingKey, collection, rkey string, record map[string]any) (uri string, result *CommitResult, err error) {
	priv, err := ParseKey(signingKey)
	if err != nil {
		return "", nil, fmt.Errorf("repoengine: put: %w", err)
	}

	rawJSON, err := json.Marshal(record)
	if err != nil {
		return "", nil, fmt.Errorf("repoengine: put marshal json: %w", err)
	}
	parsed, err := data.UnmarshalJSON(rawJSON)
	if err != nil {
		return "", nil, fmt.Errorf("repoengine: put parse record: %w", err)
	}
	cborBytes, err := EncodeRecord(parsed)
	if err != nil {
		return "", nil, fmt.Errorf("repoengine: put encode: %w", err)
	}
	recordCID, err := ComputeCID(cborBytes)
	if err != nil {
		return "", nil, fmt.Errorf("repoengine: put cid: %w", err)
	}

	tree, commit, rec, err := openRepoForWrite(ctx, store, did)
	if err != nil {
		return "", nil, err
	}

	if _, _, err := store.Write(ctx, did, cborBytes); err != nil {
		return "", nil, fmt.Errorf("repoengine: put store block: %w", err)
	}

	path := RecordPath(collection, rkey)
	newTree, prev, err := tree.Put(path, recordCID)
	if err != nil {
		return "", nil, fmt.Errorf("repoengine: put mst insert: %w", err)
	}

	action := ActionCreate
	if prev != nil {
		action = ActionUpdate
	}
	ops := []RepoOp{{Action: action, Path: path, CID: &recordCID, Prev: prev}}

	result, err = commitRepo(ctx, store, did, priv, newTree, commit, rec, ops)
	if err != nil {
		return "", nil, err
	}

	atURI := "at://" + did + "/" + collection + "/" + rkey
	return atURI, result, nil
}

// WriteOp describes a single operation within an apply_writes batch.
type WriteOp struct {
	Action     Action
	Collection string
	RKey       string         // required for update/delete; minted for create if empty
	Record     map[string]any // required for create/update
}

// WriteOpResult describes one op's outcome within a successful batch.
type WriteOpResult struct {
	Action Action
	URI    string
	CID    string
}

// ApplyWritesResult is the outcome of a successful ApplyWrites batch: one
// commit covering every op, plus the per-op results in batch order.
type ApplyWritesResult struct {
	Commit  *CommitResult
	Results []WriteOpResult
}

// ApplyWrites atomically applies a batch of record writes as a single
// commit. Ops are applied to one in-memory copy of the MST in the order
// given; a batch that targets the same collection/rkey twice fails with
// ErrConflictingWrites and no effect. If swapCommit is non-empty, it must
// match the repo's current head or the call fails with
// ErrConcurrentModification before any op is applied.
func (m *Manager) ApplyWrites(ctx context.Context, store blockstore.Store, did, signingKey string, writes []WriteOp, swapCommit string) (*ApplyWritesResult, error) {
	priv, err := ParseKey(signingKey)
	if err != nil {
		return nil, fmt.Errorf("repoengine: apply writes: %w", err)
	}

	tree, commit, rec, err := openRepoForWrite(ctx, store, did)
	if err != nil {
		return nil, err
	}
	if swapCommit != "" && swapCommit != rec.Head.String() {
		return nil, ErrConcurrentModification
	}

	seen := make(map[string]bool, len(writes))
	ops := make([]RepoOp, 0, len(writes))
	results := make([]WriteOpResult, 0, len(writes))

	for _, w := range writes {
		rkey := w.RKey
		if rkey == "" {
			if w.Action != ActionCreate {
				return nil, fmt.Errorf("repoengine: apply writes: rkey required for action %q", w.Action)
			}
			rkey = syntax.NewTIDClock(0).Next().String()
		}
		path := RecordPath(w.Collection, rkey)
		if seen[path] {
			return nil, ErrConflictingWrites
		}
		seen[path] = true

		switch w.Action {
		case ActionCreate, ActionUpdate:
			rawJSON, err := json.Marshal(w.Record)
			if err != nil {
				return nil, fmt.Errorf("repoengine: apply writes marshal json: %w", err)
			}
			parsed, err := data.UnmarshalJSON(rawJSON)
			if err != nil {
				return nil, fmt.Errorf("repoengine: apply writes parse record: %w", err)
			}
			cborBytes, err := EncodeRecord(parsed)
			if err != nil {
				return nil, fmt.Errorf("repoengine: apply writes encode: %w", err)
			}
			recordCID, err := ComputeCID(cborBytes)
			if err != nil {
				return nil, fmt.Errorf("repoengine: apply writes cid: %w", err)
			}
			if _, _, err := store.Write(ctx, did, cborBytes); err != nil {
				return nil, fmt.Errorf("repoengine: apply writes store block: %w", err)
			}

			newTree, prev, err := tree.Put(path, recordCID)
			if err != nil {
				return nil, fmt.Errorf("repoengine: apply writes mst insert: %w", err)
			}
			tree = newTree

			action := ActionCreate
			if prev != nil {
				action = ActionUpdate
			}
			ops = append(ops, RepoOp{Action: action, Path: path, CID: &recordCID, Prev: prev})
			results = append(results, WriteOpResult{Action: action, URI: "at://" + did + "/" + path, CID: recordCID.String()})

		case ActionDelete:
			prev, err := tree.Get(path)
			if err != nil {
				return nil, fmt.Errorf("repoengine: apply writes mst lookup: %w", err)
			}
			if prev == nil {
				return nil, fmt.Errorf("repoengine: record not found: %s", path)
			}
			deletedTree, err := tree.Delete(path)
			if err != nil {
				return nil, fmt.Errorf("repoengine: apply writes mst remove: %w", err)
			}
			tree = deletedTree

			ops = append(ops, RepoOp{Action: ActionDelete, Path: path, Prev: prev})
			results = append(results, WriteOpResult{Action: ActionDelete, URI: "at://" + did + "/" + path})

		default:
			return nil, fmt.Errorf("repoengine: apply writes: unknown action %q", w.Action)
		}
	}

	commitResult, err := commitRepo(ctx, store, did, priv, tree, commit, rec, ops)
	if err != nil {
		return nil, err
	}
	return &ApplyWritesResult{Commit: commitResult, Results: results}, nil
}

// ListRecords returns records in a collection with cursor pagination.
// When reverse is true, records are returned in descending key order —
// the MST only walks forward, so the reverse case reads the full
// collection once and serves pages off the reversed slice.
func (m *Manager) ListRecords(ctx context.Context, store blockstore.Store, did, collection string, limit int, cursor string, reverse bool) ([]RecordEntry, string, error) {
	tree, _, _, err := openRepoForRead(ctx, store, did)
	if err != nil {
		return nil, "", err
	}

	if limit <= 0 || limit > 100 {
		limit = 50
	}
	prefix := collection + "/"

	if reverse {
		return listRecordsReverse(ctx, store, tree, did, prefix, limit, cursor)
	}

	start := ""
	if cursor != "" {
		start = prefix + cursor
	}

	entries, err := tree.List(prefix, start, limit+1)
	if err != nil {
		return nil, "", fmt.Errorf("repoengine: list: %w", err)
	}

	var records []RecordEntry
	var nextCursor string
	for i, e := range entries {
		if i == limit {
			nextCursor = strings.TrimPrefix(entries[limit-1].Key, prefix)
			break
		}
		rec, err := readRecordEntry(ctx, store, did, e)
		if err != nil {
			return nil, "", err
		}
		records = append(records, rec)
	}
	return records, nextCursor, nil
}

func listRecordsReverse(ctx context.Context, store blockstore.Store, tree mst.Tree, did, prefix string, limit int, cursor string) ([]RecordEntry, string, error) {
	all, err := tree.List(prefix, "", 0)
	if err != nil {
		return nil, "", fmt.Errorf("repoengine: list reverse: %w", err)
	}
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}

	start := 0
	if cursor != "" {
		for i, e := range all {
			if strings.TrimPrefix(e.Key, prefix) == cursor {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}

	var records []RecordEntry
	for _, e := range all[start:end] {
		rec, err := readRecordEntry(ctx, store, did, e)
		if err != nil {
			return nil, "", err
		}
		records = append(records, rec)
	}

	var nextCursor string
	if end < len(all) {
		nextCursor = strings.TrimPrefix(all[end-1].Key, prefix)
	}
	return records, nextCursor, nil
}

func readRecordEntry(ctx context.Context, store blockstore.Store, did string, e mst.ListEntry) (RecordEntry, error) {
	raw, err := store.Read(ctx, e.Val)
	if err != nil {
		return RecordEntry{}, fmt.Errorf("repoengine: list get block %s: %w", e.Val, err)
	}
	rec, err := DecodeRecord(raw)
	if err != nil {
		return RecordEntry{}, fmt.Errorf("repoengine: list decode: %w", err)
	}
	return RecordEntry{
		URI: "at://" + did + "/" + e.Key,
		CID: e.Val.String(),
		Val: rec,
	}, nil
}

// DescribeRepo returns the distinct collection NSIDs present in a repo.
func (m *Manager) DescribeRepo(ctx context.Context, store blockstore.Store, did string) ([]string, error) {
	tree, _, _, err := openRepoForRead(ctx, store, did)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	err = tree.Walk(func(key string, _ cid.Cid) error {
		if idx := strings.IndexByte(key, '/'); idx > 0 {
			seen[key[:idx]] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("repoengine: describe walk: %w", err)
	}

	collections := make([]string, 0, len(seen))
	for c := range seen {
		collections = append(collections, c)
	}
	return collections, nil
}

// GetRoot returns the current commit CID and rev for a DID.
func (m *Manager) GetRoot(ctx context.Context, store blockstore.Store, did string) (commitCID cid.Cid, rev string, err error) {
	rec, err := store.LoadRepo(ctx, did)
	if err != nil {
		return cid.Undef, "", fmt.Errorf("repoengine: get root: %w", err)
	}
	return rec.Head, rec.Rev, nil
}

// ExportRepo writes the full repository as a CAR v1 archive to w: every
// block reachable from the current commit, MST nodes and records alike.
func (m *Manager) ExportRepo(ctx context.Context, store blockstore.Store, did string, w io.Writer) error {
	rec, err := store.LoadRepo(ctx, did)
	if err != nil {
		return fmt.Errorf("repoengine: export: %w", err)
	}
	if rec.Status == blockstore.StatusTombstoned {
		return blockstore.ErrRepoTombstoned
	}

	commitRaw, err := store.Read(ctx, rec.Head)
	if err != nil {
		return fmt.Errorf("repoengine: export read commit: %w", err)
	}
	commit, err := DecodeCommit(commitRaw)
	if err != nil {
		return fmt.Errorf("repoengine: export decode commit: %w", err)
	}

	tree, err := mst.LoadTree(ctx, blockstore.RepoGetter{Store: store}, commit.Data)
	if err != nil {
		return fmt.Errorf("repoengine: export load mst: %w", err)
	}

	blocks := []carpkg.Block{{CID: rec.Head, Data: commitRaw}}
	for _, c := range tree.AllNodeCIDs() {
		raw, err := store.Read(ctx, c)
		if err != nil {
			return fmt.Errorf("repoengine: export mst block %s: %w", c, err)
		}
		blocks = append(blocks, carpkg.Block{CID: c, Data: raw})
	}

	entries, err := tree.List("", "", 0)
	if err != nil {
		return fmt.Errorf("repoengine: export list records: %w", err)
	}
	for _, e := range entries {
		raw, err := store.Read(ctx, e.Val)
		if err != nil {
			return fmt.Errorf("repoengine: export record block %s: %w", e.Val, err)
		}
		blocks = append(blocks, carpkg.Block{CID: e.Val, Data: raw})
	}

	return carpkg.WriteCAR(w, rec.Head, blocks)
}

// openRepoForRead loads the current commit and reconstructs the MST for a
// read-only operation (getRecord, listRecords, describeRepo). Deactivated
// repos still serve reads; only a tombstoned repo is rejected.
func openRepoForRead(ctx context.Context, store blockstore.Store, did string) (mst.Tree, *Commit, *blockstore.RepoRecord, error) {
	rec, err := store.LoadRepo(ctx, did)
	if err != nil {
		return mst.Tree{}, nil, nil, fmt.Errorf("repoengine: open load repo: %w", err)
	}
	if rec.Status == blockstore.StatusTombstoned {
		return mst.Tree{}, nil, nil, blockstore.ErrRepoTombstoned
	}
	return loadRepoTree(ctx, store, rec)
}

// openRepoForWrite loads the current commit and reconstructs the MST for a
// mutating operation (putRecord, deleteRecord, applyWrites). Only an active
// repo may be written to.
func openRepoForWrite(ctx context.Context, store blockstore.Store, did string) (mst.Tree, *Commit, *blockstore.RepoRecord, error) {
	rec, err := store.LoadRepo(ctx, did)
	if err != nil {
		return mst.Tree{}, nil, nil, fmt.Errorf("repoengine: open load repo: %w", err)
	}
	if rec.Status == blockstore.StatusTombstoned {
		return mst.Tree{}, nil, nil, blockstore.ErrRepoTombstoned
	}
	if rec.Status != blockstore.StatusActive {
		return mst.Tree{}, nil, nil, blockstore.ErrInactiveRepo
	}
	return loadRepoTree(ctx, store, rec)
}

// loadRepoTree reads the commit a repo record points at and rebuilds the
// MST from it. Shared by both open paths once status has been checked.
func loadRepoTree(ctx context.Context, store blockstore.Store, rec *blockstore.RepoRecord) (mst.Tree, *Commit, *blockstore.RepoRecord, error) {
	commitRaw, err := store.Read(ctx, rec.Head)
	if err != nil {
		return mst.Tree{}, nil, nil, fmt.Errorf("repoengine: open read commit: %w", err)
	}
	commit, err := DecodeCommit(commitRaw)
	if err != nil {
		return mst.Tree{}, nil, nil, fmt.Errorf("repoengine: open decode commit: %w", err)
	}

	tree, err := mst.LoadTree(ctx, blockstore.RepoGetter{Store: store}, commit.Data)
	if err != nil {
		return mst.Tree{}, nil, nil, fmt.Errorf("repoengine: open load mst: %w", err)
	}
	return tree, commit, rec, nil
}

// commitRepo flushes the mutated tree, signs a new commit chained to the
// previous one, builds the diff CAR and event payload, and applies
// everything atomically through the store.
func commitRepo(ctx context.Context, store blockstore.Store, did string, priv atcrypto.PrivateKeyExportable, tree mst.Tree, prevCommit *Commit, prevRec *blockstore.RepoRecord, ops []RepoOp) (*CommitResult, error) {
	putter := newCollectingPutter(blockstore.RepoPutter{Store: store, RepoDID: did})
	mstRoot, err := tree.Flush(ctx, putter)
	if err != nil {
		return nil, fmt.Errorf("repoengine: commit flush mst: %w", err)
	}

	rev := syntax.NewTIDClock(0).Next().String()
	prevHead := prevRec.Head
	commit := &Commit{DID: did, Version: RepoVersion, Data: mstRoot, Prev: &prevHead, Rev: rev}

	if err := SignCommit(commit, priv); err != nil {
		return nil, fmt.Errorf("repoengine: commit sign: %w", err)
	}

	commitBytes, err := EncodeCommit(commit)
	if err != nil {
		return nil, fmt.Errorf("repoengine: commit encode: %w", err)
	}
	commitCID, err := ComputeCID(commitBytes)
	if err != nil {
		return nil, fmt.Errorf("repoengine: commit cid: %w", err)
	}
	putter.seen[commitCID] = commitBytes

	var carBuf bytes.Buffer
	if err := writeCARFromSeen(&carBuf, commitCID, putter.seen); err != nil {
		return nil, fmt.Errorf("repoengine: commit diff car: %w", err)
	}

	var prevData *cid.Cid
	if prevCommit != nil {
		d := prevCommit.Data
		prevData = &d
	}

	payload, err := EncodeCommitEventPayload(&CommitEventPayload{
		DID: did, Rev: rev, PrevRev: prevRec.Rev, CommitCID: commitCID,
		PrevData: prevData, Ops: ops, CAR: carBuf.Bytes(),
	})
	if err != nil {
		return nil, fmt.Errorf("repoengine: commit encode payload: %w", err)
	}

	seq, err := store.ApplyCommit(ctx, did, commitCID, rev, putter.seen, payload)
	if err != nil {
		return nil, fmt.Errorf("repoengine: commit apply: %w", err)
	}

	return &CommitResult{
		CommitCID: commitCID,
		Rev:       rev,
		PrevRev:   prevRec.Rev,
		PrevData:  prevData,
		Ops:       ops,
		DiffCAR:   carBuf.Bytes(),
		Seq:       seq,
	}, nil
}

func writeCARFromSeen(w io.Writer, root cid.Cid, seen map[cid.Cid][]byte) error {
	blocks := make([]carpkg.Block, 0, len(seen))
	for c, raw := range seen {
		blocks = append(blocks, carpkg.Block{CID: c, Data: raw})
	}
	return carpkg.WriteCAR(w, root, blocks)
}
