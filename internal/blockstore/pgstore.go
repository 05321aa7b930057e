package blockstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/primal-host/primal-pds/internal/mst"
)

// Schema is the DDL for a tenant database backing PgStore. One tenant
// database holds one or more repositories, mirroring the teacher's
// per-domain tenant database layout.
const Schema = `
CREATE TABLE IF NOT EXISTS repos (
    did          VARCHAR(255) PRIMARY KEY,
    handle       VARCHAR(253),
    head_cid     VARCHAR(255) NOT NULL DEFAULT '',
    rev          VARCHAR(50)  NOT NULL DEFAULT '',
    signing_key  VARCHAR(255) NOT NULL,
    rotation_key VARCHAR(255) NOT NULL DEFAULT '',
    status       VARCHAR(20)  NOT NULL DEFAULT 'active',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_repos_handle ON repos(handle);

CREATE TABLE IF NOT EXISTS blocks (
    cid        VARCHAR(255) PRIMARY KEY,
    data       BYTEA NOT NULL
);

-- block_stamps: per-repo ownership + first-seen sequence for a block,
-- separate from the content-addressed blocks table since the same block
-- may be shared by (or first seen under) more than one repo.
CREATE TABLE IF NOT EXISTS block_stamps (
    seq   BIGINT NOT NULL,
    did   VARCHAR(255) NOT NULL,
    cid   VARCHAR(255) NOT NULL,
    PRIMARY KEY (did, cid)
);
CREATE INDEX IF NOT EXISTS idx_block_stamps_seq ON block_stamps(seq);

CREATE TABLE IF NOT EXISTS firehose_events (
    seq        BIGSERIAL PRIMARY KEY,
    kind       VARCHAR(20) NOT NULL,
    repo_did   VARCHAR(255) NOT NULL,
    payload    BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// PgStore is the durable Store backend: a Postgres-backed blockstore and
// event log, built the way the teacher builds its tenant persistence —
// one pgxpool.Pool, plain SQL, fmt.Errorf("pkg: action: %w", err) error
// wrapping.
type PgStore struct {
	pool     *pgxpool.Pool
	notifyCh chan struct{}
}

// NewPgStore wraps an already-connected, already-bootstrapped pool. Callers
// run Schema against the pool before constructing a PgStore (mirroring
// PoolManager.Add in the teacher's database package).
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool, notifyCh: make(chan struct{}, 1)}
}

func (s *PgStore) notify() {
	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
}

// Notify returns the writer-wakeup channel. Pumps backed by PgStore should
// still poll on a timer, since commits from other processes never signal
// this channel.
func (s *PgStore) Notify() <-chan struct{} { return s.notifyCh }

// Read returns a single block's bytes.
func (s *PgStore) Read(ctx context.Context, c cid.Cid) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM blocks WHERE cid = $1`, c.String()).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBlockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blockstore: read %s: %w", c, err)
	}
	return data, nil
}

// ReadMany batch-reads blocks.
func (s *PgStore) ReadMany(ctx context.Context, cids []cid.Cid) (map[cid.Cid][]byte, []cid.Cid, error) {
	found := make(map[cid.Cid][]byte, len(cids))
	var missing []cid.Cid
	for _, c := range cids {
		data, err := s.Read(ctx, c)
		if errors.Is(err, ErrBlockNotFound) {
			missing = append(missing, c)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		found[c] = data
	}
	return found, missing, nil
}

func writeBlockTx(ctx context.Context, tx pgx.Tx, repoDID string, data []byte, seq uint64) (cid.Cid, bool, error) {
	c, err := mst.ComputeCID(data)
	if err != nil {
		return cid.Undef, false, err
	}
	tag, err := tx.Exec(ctx, `INSERT INTO blocks (cid, data) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		c.String(), data)
	if err != nil {
		return cid.Undef, false, fmt.Errorf("blockstore: write block %s: %w", c, err)
	}
	created := tag.RowsAffected() > 0

	if created {
		if _, err := tx.Exec(ctx,
			`INSERT INTO block_stamps (seq, did, cid) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			seq, repoDID, c.String()); err != nil {
			return cid.Undef, false, fmt.Errorf("blockstore: stamp block %s: %w", c, err)
		}
	}
	return c, created, nil
}

// Write stores a single block and, when its content is new, stamps it
// with the sequence number following the latest persisted event. No
// sequence number is allocated for the stamp.
func (s *PgStore) Write(ctx context.Context, repoDID string, data []byte) (cid.Cid, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return cid.Undef, false, fmt.Errorf("blockstore: write begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var seq uint64
	if err := tx.QueryRow(ctx, `SELECT seq FROM firehose_events ORDER BY seq DESC LIMIT 1`).Scan(&seq); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return cid.Undef, false, fmt.Errorf("blockstore: write seq lookup: %w", err)
	}
	seq++

	c, created, err := writeBlockTx(ctx, tx, repoDID, data, seq)
	if err != nil {
		return cid.Undef, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return cid.Undef, false, fmt.Errorf("blockstore: write commit: %w", err)
	}
	return c, created, nil
}

// WriteBlocks atomically writes a batch of blocks.
func (s *PgStore) WriteBlocks(ctx context.Context, repoDID string, datas [][]byte) ([]cid.Cid, []bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("blockstore: write blocks begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var seq uint64
	if err := tx.QueryRow(ctx, `SELECT seq FROM firehose_events ORDER BY seq DESC LIMIT 1`).Scan(&seq); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, fmt.Errorf("blockstore: write blocks seq lookup: %w", err)
	}

	cids := make([]cid.Cid, len(datas))
	created := make([]bool, len(datas))
	for i, d := range datas {
		seq++
		c, isNew, err := writeBlockTx(ctx, tx, repoDID, d, seq)
		if err != nil {
			return nil, nil, err
		}
		cids[i] = c
		created[i] = isNew
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("blockstore: write blocks commit: %w", err)
	}
	return cids, created, nil
}

// ApplyCommit atomically writes new blocks, the commit's event, and
// advances the repo head, inside a single Postgres transaction.
func (s *PgStore) ApplyCommit(ctx context.Context, repoDID string, commitCID cid.Cid, rev string, newBlocks map[cid.Cid][]byte, eventPayload []byte) (uint64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("blockstore: apply commit begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM repos WHERE did = $1)`, repoDID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("blockstore: apply commit repo check: %w", err)
	}
	if !exists {
		return 0, ErrRepoNotFound
	}

	var seq uint64
	err = tx.QueryRow(ctx,
		`INSERT INTO firehose_events (kind, repo_did, payload) VALUES ('commit', $1, $2) RETURNING seq`,
		repoDID, eventPayload,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("blockstore: apply commit insert event: %w", err)
	}

	for c, data := range newBlocks {
		if _, _, err := writeBlockTx(ctx, tx, repoDID, data, seq); err != nil {
			return 0, fmt.Errorf("blockstore: apply commit write block %s: %w", c, err)
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE repos SET head_cid = $1, rev = $2 WHERE did = $3`,
		commitCID.String(), rev, repoDID); err != nil {
		return 0, fmt.Errorf("blockstore: apply commit update head: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("blockstore: apply commit commit tx: %w", err)
	}
	s.notify()
	return seq, nil
}

// PersistEvent records a non-commit event.
func (s *PgStore) PersistEvent(ctx context.Context, repoDID, kind string, payload []byte) (uint64, error) {
	var seq uint64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO firehose_events (kind, repo_did, payload) VALUES ($1, $2, $3) RETURNING seq`,
		kind, repoDID, payload,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("blockstore: persist event: %w", err)
	}
	s.notify()
	return seq, nil
}

// ReadBlocksBySeq streams blocks with seq > sinceSeq in ascending order.
func (s *PgStore) ReadBlocksBySeq(ctx context.Context, sinceSeq uint64, repoDID string) (<-chan SeqBlock, <-chan error) {
	out := make(chan SeqBlock)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		var rows pgx.Rows
		var err error
		if repoDID != "" {
			rows, err = s.pool.Query(ctx,
				`SELECT bs.seq, b.cid, b.data FROM block_stamps bs
				 JOIN blocks b ON b.cid = bs.cid
				 WHERE bs.seq > $1 AND bs.did = $2 ORDER BY bs.seq ASC`, sinceSeq, repoDID)
		} else {
			rows, err = s.pool.Query(ctx,
				`SELECT bs.seq, b.cid, b.data FROM block_stamps bs
				 JOIN blocks b ON b.cid = bs.cid
				 WHERE bs.seq > $1 ORDER BY bs.seq ASC`, sinceSeq)
		}
		if err != nil {
			errCh <- fmt.Errorf("blockstore: read blocks by seq: %w", err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var seq uint64
			var cidStr string
			var data []byte
			if err := rows.Scan(&seq, &cidStr, &data); err != nil {
				errCh <- fmt.Errorf("blockstore: scan block: %w", err)
				return
			}
			c, err := cid.Decode(cidStr)
			if err != nil {
				errCh <- fmt.Errorf("blockstore: decode cid %q: %w", cidStr, err)
				return
			}
			select {
			case out <- SeqBlock{CID: c, Data: data, Seq: seq}:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		if err := rows.Err(); err != nil {
			errCh <- fmt.Errorf("blockstore: iterate blocks: %w", err)
		}
	}()
	return out, errCh
}

// ReadEventsBySeq streams events with seq > sinceSeq in ascending order.
func (s *PgStore) ReadEventsBySeq(ctx context.Context, sinceSeq uint64, repoDID string) (<-chan EventRecord, <-chan error) {
	out := make(chan EventRecord)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		var rows pgx.Rows
		var err error
		if repoDID != "" {
			rows, err = s.pool.Query(ctx,
				`SELECT seq, kind, repo_did, payload, created_at FROM firehose_events
				 WHERE seq > $1 AND repo_did = $2 ORDER BY seq ASC`, sinceSeq, repoDID)
		} else {
			rows, err = s.pool.Query(ctx,
				`SELECT seq, kind, repo_did, payload, created_at FROM firehose_events
				 WHERE seq > $1 ORDER BY seq ASC`, sinceSeq)
		}
		if err != nil {
			errCh <- fmt.Errorf("blockstore: read events by seq: %w", err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var e EventRecord
			var t time.Time
			if err := rows.Scan(&e.Seq, &e.Kind, &e.RepoDID, &e.Payload, &t); err != nil {
				errCh <- fmt.Errorf("blockstore: scan event: %w", err)
				return
			}
			e.Time = t
			select {
			case out <- e:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		if err := rows.Err(); err != nil {
			errCh <- fmt.Errorf("blockstore: iterate events: %w", err)
		}
	}()
	return out, errCh
}

// LoadRepo resolves a DID or handle to its repo record.
func (s *PgStore) LoadRepo(ctx context.Context, didOrHandle string) (*RepoRecord, error) {
	var r RepoRecord
	var headStr string
	err := s.pool.QueryRow(ctx,
		`SELECT did, handle, head_cid, rev, signing_key, rotation_key, status, created_at
		 FROM repos WHERE did = $1 OR handle = $1`, didOrHandle,
	).Scan(&r.DID, &r.Handle, &headStr, &r.Rev, &r.SigningKey, &r.RotationKey, &r.Status, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRepoNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blockstore: load repo %q: %w", didOrHandle, err)
	}
	if headStr != "" {
		head, err := cid.Decode(headStr)
		if err != nil {
			return nil, fmt.Errorf("blockstore: decode head cid: %w", err)
		}
		r.Head = head
	}
	return &r, nil
}

// CreateRepo registers a new repo record.
func (s *PgStore) CreateRepo(ctx context.Context, r *RepoRecord) error {
	status := r.Status
	if status == "" {
		status = StatusActive
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO repos (did, handle, head_cid, rev, signing_key, rotation_key, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.DID, r.Handle, r.Head.String(), r.Rev, r.SigningKey, r.RotationKey, status)
	if err != nil {
		return fmt.Errorf("blockstore: create repo %q: %w", r.DID, err)
	}
	return nil
}

func (s *PgStore) setStatus(ctx context.Context, did, status string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE repos SET status = $1 WHERE did = $2`, status, did)
	if err != nil {
		return fmt.Errorf("blockstore: set status %q: %w", did, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRepoNotFound
	}
	return nil
}

// DeactivateRepo marks a repo deactivated.
func (s *PgStore) DeactivateRepo(ctx context.Context, did string) error {
	return s.setStatus(ctx, did, StatusDeactivated)
}

// ActivateRepo restores a deactivated repo to active.
func (s *PgStore) ActivateRepo(ctx context.Context, did string) error {
	return s.setStatus(ctx, did, StatusActive)
}

// TombstoneRepo permanently marks a repo tombstoned.
func (s *PgStore) TombstoneRepo(ctx context.Context, did string) error {
	return s.setStatus(ctx, did, StatusTombstoned)
}

// AllocateSeq hands out a fresh monotone sequence number by inserting a
// placeholder event row of kind '_alloc' — BIGSERIAL guarantees
// monotonicity even across processes. The placeholder row stays in
// firehose_events, so LastSeq counts it and the firehose pump skips it
// as an event it cannot encode.
func (s *PgStore) AllocateSeq(ctx context.Context) (uint64, error) {
	var seq uint64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO firehose_events (kind, repo_did, payload) VALUES ('_alloc', '', '') RETURNING seq`,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("blockstore: allocate seq: %w", err)
	}
	return seq, nil
}

// LastSeq returns the most recently allocated sequence number.
func (s *PgStore) LastSeq(ctx context.Context) (uint64, error) {
	var seq uint64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM firehose_events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("blockstore: last seq: %w", err)
	}
	return seq, nil
}
