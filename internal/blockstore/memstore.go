package blockstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/primal-host/primal-pds/internal/mst"
)

// blockStamp records the sequence number and owning repo a block was
// first written under.
type blockStamp struct {
	seq uint64
	did string
	c   cid.Cid
}

// MemStore is the in-memory reference implementation of Store. It is also
// the test oracle: every behavioral property in spec §8 is checked
// against it directly, with no network or disk involved.
type MemStore struct {
	mu       sync.Mutex
	blocks   map[cid.Cid][]byte
	seenFor  map[cid.Cid]map[string]bool // cid -> set of repo DIDs that have written it
	stamped  []blockStamp
	events   []EventRecord
	repos    map[string]*RepoRecord
	seq      uint64
	notifyCh chan struct{}
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		blocks:   make(map[cid.Cid][]byte),
		seenFor:  make(map[cid.Cid]map[string]bool),
		repos:    make(map[string]*RepoRecord),
		notifyCh: make(chan struct{}, 1),
	}
}

func (m *MemStore) notify() {
	select {
	case m.notifyCh <- struct{}{}:
	default:
	}
}

// Notify returns the writer-wakeup channel.
func (m *MemStore) Notify() <-chan struct{} { return m.notifyCh }

// Read returns a block's bytes.
func (m *MemStore) Read(_ context.Context, c cid.Cid) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blocks[c]
	if !ok {
		return nil, ErrBlockNotFound
	}
	return data, nil
}

// ReadMany batch-reads blocks.
func (m *MemStore) ReadMany(_ context.Context, cids []cid.Cid) (map[cid.Cid][]byte, []cid.Cid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := make(map[cid.Cid][]byte, len(cids))
	var missing []cid.Cid
	for _, c := range cids {
		if data, ok := m.blocks[c]; ok {
			found[c] = data
		} else {
			missing = append(missing, c)
		}
	}
	return found, missing, nil
}

// writeLocked stores data for repoDID, allocating a sequence number only
// the first time this exact content has ever been seen. Caller holds m.mu.
func (m *MemStore) writeLocked(repoDID string, data []byte) (cid.Cid, bool, error) {
	c, err := mst.ComputeCID(data)
	if err != nil {
		return cid.Undef, false, err
	}
	if _, ok := m.seenFor[c]; !ok {
		m.blocks[c] = data
		m.seenFor[c] = make(map[string]bool, 1)
		m.seq++
		m.stamped = append(m.stamped, blockStamp{seq: m.seq, did: repoDID, c: c})
		m.seenFor[c][repoDID] = true
		return c, true, nil
	}
	if !m.seenFor[c][repoDID] {
		m.seenFor[c][repoDID] = true
	}
	return c, false, nil
}

// Write stores a single block.
func (m *MemStore) Write(_ context.Context, repoDID string, data []byte) (cid.Cid, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(repoDID, data)
}

// WriteBlocks atomically writes a batch of blocks.
func (m *MemStore) WriteBlocks(_ context.Context, repoDID string, datas [][]byte) ([]cid.Cid, []bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cids := make([]cid.Cid, len(datas))
	created := make([]bool, len(datas))
	for i, d := range datas {
		c, isNew, err := m.writeLocked(repoDID, d)
		if err != nil {
			return nil, nil, err
		}
		cids[i] = c
		created[i] = isNew
	}
	return cids, created, nil
}

// ApplyCommit atomically writes new blocks, the commit's event, and
// advances the repo head.
func (m *MemStore) ApplyCommit(_ context.Context, repoDID string, commitCID cid.Cid, rev string, newBlocks map[cid.Cid][]byte, eventPayload []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	repo, ok := m.repos[repoDID]
	if !ok {
		return 0, ErrRepoNotFound
	}

	m.seq++
	seq := m.seq
	for c, data := range newBlocks {
		if _, ok := m.blocks[c]; !ok {
			m.blocks[c] = data
			m.seenFor[c] = map[string]bool{repoDID: true}
		} else if !m.seenFor[c][repoDID] {
			m.seenFor[c][repoDID] = true
		}
		m.stamped = append(m.stamped, blockStamp{seq: seq, did: repoDID, c: c})
	}

	m.events = append(m.events, EventRecord{
		Seq: seq, Kind: "commit", RepoDID: repoDID, Payload: eventPayload, Time: time.Now(),
	})

	repo.Head = commitCID
	repo.Rev = rev

	m.notify()
	return seq, nil
}

// PersistEvent records a non-commit event.
func (m *MemStore) PersistEvent(_ context.Context, repoDID, kind string, payload []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	seq := m.seq
	m.events = append(m.events, EventRecord{
		Seq: seq, Kind: kind, RepoDID: repoDID, Payload: payload, Time: time.Now(),
	})
	m.notify()
	return seq, nil
}

// ReadBlocksBySeq streams blocks with seq > sinceSeq in ascending order.
func (m *MemStore) ReadBlocksBySeq(ctx context.Context, sinceSeq uint64, repoDID string) (<-chan SeqBlock, <-chan error) {
	out := make(chan SeqBlock)
	errCh := make(chan error, 1)

	m.mu.Lock()
	snapshot := make([]blockStamp, 0, len(m.stamped))
	for _, s := range m.stamped {
		if s.seq <= sinceSeq {
			continue
		}
		if repoDID != "" && s.did != repoDID {
			continue
		}
		snapshot = append(snapshot, s)
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].seq < snapshot[j].seq })
	blocks := m.blocks
	m.mu.Unlock()

	go func() {
		defer close(out)
		defer close(errCh)
		for _, s := range snapshot {
			select {
			case out <- SeqBlock{CID: s.c, Data: blocks[s.c], Seq: s.seq}:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()
	return out, errCh
}

// ReadEventsBySeq streams events with seq > sinceSeq in ascending order.
func (m *MemStore) ReadEventsBySeq(ctx context.Context, sinceSeq uint64, repoDID string) (<-chan EventRecord, <-chan error) {
	out := make(chan EventRecord)
	errCh := make(chan error, 1)

	m.mu.Lock()
	snapshot := make([]EventRecord, 0, len(m.events))
	for _, e := range m.events {
		if e.Seq <= sinceSeq {
			continue
		}
		if repoDID != "" && e.RepoDID != repoDID {
			continue
		}
		snapshot = append(snapshot, e)
	}
	m.mu.Unlock()

	go func() {
		defer close(out)
		defer close(errCh)
		for _, e := range snapshot {
			select {
			case out <- e:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()
	return out, errCh
}

// LoadRepo resolves a DID or handle to its repo record.
func (m *MemStore) LoadRepo(_ context.Context, didOrHandle string) (*RepoRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.repos[didOrHandle]; ok {
		cp := *r
		return &cp, nil
	}
	for _, r := range m.repos {
		if r.Handle == didOrHandle {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrRepoNotFound
}

// CreateRepo registers a new repo record.
func (m *MemStore) CreateRepo(_ context.Context, r *RepoRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.repos[r.DID]; ok {
		return ErrRepoExists
	}
	cp := *r
	if cp.Status == "" {
		cp.Status = StatusActive
	}
	m.repos[r.DID] = &cp
	return nil
}

func (m *MemStore) setStatus(did, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.repos[did]
	if !ok {
		return ErrRepoNotFound
	}
	r.Status = status
	return nil
}

// DeactivateRepo marks a repo deactivated (reversible; reads still allowed).
func (m *MemStore) DeactivateRepo(_ context.Context, did string) error {
	return m.setStatus(did, StatusDeactivated)
}

// ActivateRepo restores a deactivated repo to active.
func (m *MemStore) ActivateRepo(_ context.Context, did string) error {
	return m.setStatus(did, StatusActive)
}

// TombstoneRepo permanently marks a repo tombstoned.
func (m *MemStore) TombstoneRepo(_ context.Context, did string) error {
	return m.setStatus(did, StatusTombstoned)
}

// AllocateSeq hands out a fresh monotone sequence number.
func (m *MemStore) AllocateSeq(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return m.seq, nil
}

// LastSeq returns the most recently allocated sequence number.
func (m *MemStore) LastSeq(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq, nil
}
