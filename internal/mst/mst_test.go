package mst

import (
	"context"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"
)

// testPutter is a trivial in-memory BlockPutter for exercising Flush.
type testPutter struct {
	blocks map[cid.Cid][]byte
}

func newTestPutter() *testPutter {
	return &testPutter{blocks: make(map[cid.Cid][]byte)}
}

func (p *testPutter) Put(_ context.Context, data []byte) (cid.Cid, error) {
	c, err := ComputeCID(data)
	if err != nil {
		return cid.Undef, err
	}
	p.blocks[c] = data
	return c, nil
}

func valCID(t *testing.T, s string) cid.Cid {
	t.Helper()
	c, err := ComputeCID([]byte(s))
	require.NoError(t, err)
	return c
}

func buildTree(t *testing.T, keys []string) (Tree, *testPutter) {
	t.Helper()
	tr := Empty()
	for _, k := range keys {
		var err error
		tr, err = tr.Add(k, valCID(t, "val-"+k))
		require.NoError(t, err)
	}
	p := newTestPutter()
	_, err := tr.Flush(context.Background(), p)
	require.NoError(t, err)
	return tr, p
}

func TestOrderIndependence(t *testing.T) {
	keys := []string{"a", "b", "c", "d", "e"}
	shuffled := []string{"c", "e", "a", "d", "b"}

	treeA, putterA := buildTree(t, keys)
	treeB, putterB := buildTree(t, shuffled)

	rootA, err := treeA.Flush(context.Background(), putterA)
	require.NoError(t, err)
	rootB, err := treeB.Flush(context.Background(), putterB)
	require.NoError(t, err)

	require.True(t, rootA.Equals(rootB), "root CIDs must match regardless of insertion order")
}

func TestAddThenDeleteRestoresRoot(t *testing.T) {
	tr := Empty()
	tr, err := tr.Add("app.bsky.feed.post/1", valCID(t, "1"))
	require.NoError(t, err)
	tr, err = tr.Add("app.bsky.feed.post/2", valCID(t, "2"))
	require.NoError(t, err)

	putter := newTestPutter()
	rootBefore, err := tr.Flush(context.Background(), putter)
	require.NoError(t, err)

	tr2, err := tr.Add("app.bsky.feed.post/3", valCID(t, "3"))
	require.NoError(t, err)
	tr2, err = tr2.Delete("app.bsky.feed.post/3")
	require.NoError(t, err)

	putter2 := newTestPutter()
	rootAfter, err := tr2.Flush(context.Background(), putter2)
	require.NoError(t, err)

	require.True(t, rootBefore.Equals(rootAfter))
}

func TestDoubleUpdateCollapses(t *testing.T) {
	tr := Empty()
	tr, err := tr.Add("k/1", valCID(t, "v0"))
	require.NoError(t, err)

	chained, err := tr.Update("k/1", valCID(t, "v1"))
	require.NoError(t, err)
	chained, err = chained.Update("k/1", valCID(t, "v2"))
	require.NoError(t, err)

	direct, err := tr.Update("k/1", valCID(t, "v2"))
	require.NoError(t, err)

	pc := newTestPutter()
	pd := newTestPutter()
	rc, err := chained.Flush(context.Background(), pc)
	require.NoError(t, err)
	rd, err := direct.Flush(context.Background(), pd)
	require.NoError(t, err)
	require.True(t, rc.Equals(rd))
}

func TestDiffEmptyIsEmpty(t *testing.T) {
	tr, _ := buildTree(t, []string{"a/1", "a/2"})
	diff, err := Diff(tr, tr)
	require.NoError(t, err)
	require.Empty(t, diff.Creates)
	require.Empty(t, diff.Updates)
	require.Empty(t, diff.Deletes)
	require.Empty(t, diff.NewCIDs)
}

func TestDiffMinimal(t *testing.T) {
	old := Empty()
	old, err := old.Add("post/x", valCID(t, "v1"))
	require.NoError(t, err)
	old, err = old.Add("post/y", valCID(t, "v2"))
	require.NoError(t, err)
	_, err = old.Flush(context.Background(), newTestPutter())
	require.NoError(t, err)

	newer, err := old.Update("post/x", valCID(t, "v3"))
	require.NoError(t, err)
	newer, err = newer.Add("post/z", valCID(t, "v4"))
	require.NoError(t, err)
	newer, err = newer.Delete("post/y")
	require.NoError(t, err)

	oldPutter := newTestPutter()
	_, err = old.Flush(context.Background(), oldPutter)
	require.NoError(t, err)
	newPutter := newTestPutter()
	_, err = newer.Flush(context.Background(), newPutter)
	require.NoError(t, err)

	diff, err := Diff(old, newer)
	require.NoError(t, err)
	require.Len(t, diff.Creates, 1)
	require.Equal(t, "post/z", diff.Creates[0].Key)
	require.Len(t, diff.Updates, 1)
	require.Equal(t, "post/x", diff.Updates[0].Key)
	require.Len(t, diff.Deletes, 1)
	require.Equal(t, "post/y", diff.Deletes[0].Key)
}

func TestGetMissingReturnsNil(t *testing.T) {
	tr := Empty()
	v, err := tr.Get("a/1")
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestAddExistingFails(t *testing.T) {
	tr := Empty()
	tr, err := tr.Add("a/1", valCID(t, "v"))
	require.NoError(t, err)
	_, err = tr.Add("a/1", valCID(t, "v2"))
	require.ErrorIs(t, err, ErrKeyExists)
}

func TestUpdateMissingFails(t *testing.T) {
	tr := Empty()
	_, err := tr.Update("a/1", valCID(t, "v"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestDeleteMissingFails(t *testing.T) {
	tr := Empty()
	_, err := tr.Delete("a/1")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestListPrefixAndCursor(t *testing.T) {
	tr, _ := buildTree(t, []string{
		"app.bsky.feed.post/1", "app.bsky.feed.post/2", "app.bsky.feed.post/3",
		"app.bsky.feed.like/1",
	})
	entries, err := tr.List("app.bsky.feed.post/", "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	paged, err := tr.List("app.bsky.feed.post/", "app.bsky.feed.post/1", 1)
	require.NoError(t, err)
	require.Len(t, paged, 1)
	require.Equal(t, "app.bsky.feed.post/2", paged[0].Key)
}

func TestRoundTripLoad(t *testing.T) {
	tr, putter := buildTree(t, []string{"a/1", "a/2", "a/3", "b/1"})
	root, err := tr.Flush(context.Background(), putter)
	require.NoError(t, err)

	loaded, err := LoadTree(context.Background(), testGetter{putter}, root)
	require.NoError(t, err)

	v, err := loaded.Get("a/2")
	require.NoError(t, err)
	require.NotNil(t, v)
}

type testGetter struct{ p *testPutter }

func (g testGetter) Get(_ context.Context, c cid.Cid) ([]byte, error) {
	b, ok := g.p.blocks[c]
	if !ok {
		return nil, cidNotFoundErr{c}
	}
	return b, nil
}

type cidNotFoundErr struct{ c cid.Cid }

func (e cidNotFoundErr) Error() string { return "block not found: " + e.c.String() }
