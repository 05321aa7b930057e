package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/primal-host/primal-pds/internal/blockstore"
	"github.com/primal-host/primal-pds/internal/repoengine"
)

func TestIdentityPayloadRoundTrip(t *testing.T) {
	handle := "alice.example.com"
	p := &IdentityPayload{DID: "did:example:alice", Handle: &handle}

	raw, err := EncodeIdentityPayload(p)
	require.NoError(t, err)

	got, err := DecodeIdentityPayload(raw)
	require.NoError(t, err)
	require.Equal(t, p.DID, got.DID)
	require.NotNil(t, got.Handle)
	require.Equal(t, handle, *got.Handle)
}

func TestAccountPayloadRoundTrip(t *testing.T) {
	status := "suspended"
	p := &AccountPayload{DID: "did:example:alice", Active: false, Status: &status}

	raw, err := EncodeAccountPayload(p)
	require.NoError(t, err)

	got, err := DecodeAccountPayload(raw)
	require.NoError(t, err)
	require.Equal(t, p.DID, got.DID)
	require.False(t, got.Active)
	require.Equal(t, status, *got.Status)
}

func TestTombstonePayloadRoundTrip(t *testing.T) {
	p := &TombstonePayload{DID: "did:example:alice"}

	raw, err := EncodeTombstonePayload(p)
	require.NoError(t, err)

	got, err := DecodeTombstonePayload(raw)
	require.NoError(t, err)
	require.Equal(t, p.DID, got.DID)
}

func TestHandlePayloadRoundTrip(t *testing.T) {
	p := &HandlePayload{DID: "did:example:alice", Handle: "alice.example.com"}

	raw, err := EncodeHandlePayload(p)
	require.NoError(t, err)

	got, err := DecodeHandlePayload(raw)
	require.NoError(t, err)
	require.Equal(t, p.DID, got.DID)
	require.Equal(t, p.Handle, got.Handle)
}

func TestSubscribeRejectsFutureCursor(t *testing.T) {
	store := blockstore.NewMemStore()
	mgr := NewManager(store, 0, 0)

	cursor := int64(100)
	_, _, err := mgr.Subscribe(context.Background(), &cursor)
	require.ErrorIs(t, err, ErrFutureCursor)
}

func TestSubscribeRejectsOutdatedCursor(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemStore()
	for i := 0; i < 5; i++ {
		_, err := store.AllocateSeq(ctx)
		require.NoError(t, err)
	}

	mgr := NewManager(store, 2, 0)
	cursor := int64(0)
	_, _, err := mgr.Subscribe(ctx, &cursor)
	require.ErrorIs(t, err, ErrOutdatedCursor)
}

func TestPumpDeliversCommitEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := blockstore.NewMemStore()
	did := "did:example:abc"
	require.NoError(t, store.CreateRepo(ctx, &blockstore.RepoRecord{DID: did}))

	commitCID, err := repoengine.ComputeCID([]byte("commit-one"))
	require.NoError(t, err)

	payload, err := repoengine.EncodeCommitEventPayload(&repoengine.CommitEventPayload{
		DID:       did,
		Rev:       "rev1",
		CommitCID: commitCID,
	})
	require.NoError(t, err)

	seq, err := store.ApplyCommit(ctx, did, commitCID, "rev1", nil, payload)
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)

	mgr := NewManager(store, 0, 5*time.Millisecond)
	start := int64(0)
	ch, release, err := mgr.Subscribe(ctx, &start)
	require.NoError(t, err)
	defer release()

	select {
	case frame, ok := <-ch:
		require.True(t, ok)
		require.NotEmpty(t, frame)
	case <-ctx.Done():
		t.Fatal("timed out waiting for commit frame")
	}
}

func TestPumpClosesChannelOnCancel(t *testing.T) {
	store := blockstore.NewMemStore()
	ctx, cancel := context.WithCancel(context.Background())

	mgr := NewManager(store, 0, 0)
	ch, release, err := mgr.Subscribe(ctx, nil)
	require.NoError(t, err)

	cancel()
	release()

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("pump channel never closed after cancel")
	}
}
