package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/primal-host/primal-pds/internal/blockstore"
)

// gapTimeout is how long the pump waits for a missing sequence number
// to appear before emitting a synthetic gap marker (§4.5, §5). Not
// user-configurable.
const gapTimeout = 60 * time.Second

const (
	gapPollInterval     = 500 * time.Millisecond
	fallbackPollDefault = 1 * time.Second
	subscriberBufSize   = 256
	maxConsecutiveErrs  = 5
)

// Sentinel errors for out-of-range subscribe cursors (§6, §7).
var (
	ErrOutdatedCursor = errors.New("eventlog: cursor is outside the rollback window")
	ErrFutureCursor   = errors.New("eventlog: cursor is ahead of the last known sequence")
)

// Manager drains persisted events in sequence order and fans them out
// to independent per-subscriber pumps, mirroring the teacher's
// Manager but pulled against the generic Store contract instead of a
// single Postgres pool, and extended with gap and rollback handling.
type Manager struct {
	store          blockstore.Store
	rollbackWindow uint64
	batchDelay     time.Duration
}

// NewManager builds a Manager. rollbackWindow of 0 means unlimited
// replay history; batchDelay of 0 means no artificial delay between
// drains beyond the store's notify channel.
func NewManager(store blockstore.Store, rollbackWindow int64, batchDelay time.Duration) *Manager {
	rw := uint64(0)
	if rollbackWindow > 0 {
		rw = uint64(rollbackWindow)
	}
	return &Manager{store: store, rollbackWindow: rw, batchDelay: batchDelay}
}

// Subscribe starts a pump for one firehose consumer. cursor is the
// last sequence the caller already has; nil means "start from the
// live tail", matching a bare subscribeRepos connection with no
// cursor query parameter. The returned channel yields wire-ready
// frames in ascending seq order and is closed when the pump stops;
// the returned cancel func releases the subscriber's resources and
// must be called exactly once.
func (m *Manager) Subscribe(ctx context.Context, cursor *int64) (<-chan []byte, func(), error) {
	lastSeq, err := m.store.LastSeq(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("eventlog: subscribe: %w", err)
	}

	start := lastSeq
	if cursor != nil {
		if *cursor < 0 {
			return nil, nil, fmt.Errorf("eventlog: subscribe: negative cursor")
		}
		start = uint64(*cursor)
		if start > lastSeq {
			return nil, nil, ErrFutureCursor
		}
		if m.rollbackWindow > 0 && lastSeq > m.rollbackWindow && start < lastSeq-m.rollbackWindow {
			return nil, nil, ErrOutdatedCursor
		}
	}

	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan []byte, subscriberBufSize)
	go m.pump(subCtx, out, start)

	return out, cancel, nil
}

// pump is the long-lived cooperative task for one subscriber (§4.5).
// It drains events past cursor, waits on the store's notify channel
// (or a fallback poll) when caught up, and never blocks other
// subscribers: all of its state is local.
func (m *Manager) pump(ctx context.Context, out chan<- []byte, cursor uint64) {
	defer close(out)

	notify := m.store.Notify()
	fallback := fallbackPollDefault
	consecutiveErrs := 0

	for {
		advanced, err := m.drainOnce(ctx, out, &cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutiveErrs++
			log.Printf("eventlog: pump error at cursor %d: %v", cursor, err)
			if consecutiveErrs >= maxConsecutiveErrs {
				log.Printf("eventlog: disconnecting subscriber after repeated storage errors at cursor %d", cursor)
				return
			}
		} else {
			consecutiveErrs = 0
		}

		if ctx.Err() != nil {
			return
		}

		if m.batchDelay > 0 {
			select {
			case <-time.After(m.batchDelay):
			case <-ctx.Done():
				return
			}
		}

		if advanced {
			// More may already be available; query again without
			// waiting on notify.
			continue
		}

		select {
		case <-notify:
		case <-time.After(fallback):
		case <-ctx.Done():
			return
		}
	}
}

// drainOnce streams every currently-available event past *cursor to
// out, handling gaps as it goes, and reports whether it delivered
// anything (so the caller can skip its idle wait).
func (m *Manager) drainOnce(ctx context.Context, out chan<- []byte, cursor *uint64) (bool, error) {
	events, errs := m.store.ReadEventsBySeq(ctx, *cursor, "")
	advanced := false

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return advanced, nil
			}

			if ev.Seq > *cursor+1 {
				filled, err := m.awaitSeq(ctx, *cursor+1)
				if err != nil {
					return advanced, err
				}
				if filled {
					// The missing event is now visible; restart the
					// read from the current cursor to pick it up in
					// order instead of skipping past it.
					return advanced, nil
				}
				gapFrame, err := encodeGapFrame(*cursor+1, ev.Seq-1, time.Now())
				if err != nil {
					return advanced, fmt.Errorf("encode gap marker: %w", err)
				}
				log.Printf("eventlog: gap in seq %d..%d after %s, emitting marker", *cursor+1, ev.Seq-1, gapTimeout)
				if err := send(ctx, out, gapFrame); err != nil {
					return advanced, err
				}
				*cursor = ev.Seq - 1
				advanced = true
			}

			frame, err := encodeFrame(ev)
			if err != nil {
				log.Printf("eventlog: skipping unencodable event seq %d: %v", ev.Seq, err)
				*cursor = ev.Seq
				advanced = true
				continue
			}
			if err := send(ctx, out, frame); err != nil {
				return advanced, err
			}
			*cursor = ev.Seq
			advanced = true

		case err, ok := <-errs:
			if ok && err != nil {
				return advanced, err
			}
		case <-ctx.Done():
			return advanced, ctx.Err()
		}
	}
}

// awaitSeq waits up to gapTimeout for sequence number want to become
// visible, waking on the store's notify channel or a short poll
// interval — the condition-variable wait described in §4.5.
func (m *Manager) awaitSeq(ctx context.Context, want uint64) (bool, error) {
	deadline := time.NewTimer(gapTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(gapPollInterval)
	defer ticker.Stop()
	notify := m.store.Notify()

	for {
		ok, err := m.hasSeq(ctx, want)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		select {
		case <-notify:
		case <-ticker.C:
		case <-deadline.C:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// hasSeq reports whether sequence number want has become visible yet.
func (m *Manager) hasSeq(ctx context.Context, want uint64) (bool, error) {
	events, errs := m.store.ReadEventsBySeq(ctx, want-1, "")
	select {
	case ev, ok := <-events:
		if !ok {
			return false, nil
		}
		return ev.Seq == want, nil
	case err, ok := <-errs:
		if ok {
			return false, err
		}
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func send(ctx context.Context, out chan<- []byte, frame []byte) error {
	select {
	case out <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
