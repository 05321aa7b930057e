package mst

import (
	"strings"

	"github.com/ipfs/go-cid"
)

// VisitFn is called once per key/value pair during a Walk, in ascending
// key order.
type VisitFn func(key string, val cid.Cid) error

// Walk performs an in-order, left-to-right traversal of every key in the
// tree (left subtree, then each entry followed by its right subtree),
// calling fn for each.
func (t Tree) Walk(fn VisitFn) error {
	return walkNode(t.root, fn)
}

func walkNode(n *node, fn VisitFn) error {
	if n == nil {
		return nil
	}
	if err := walkNode(n.left, fn); err != nil {
		return err
	}
	for _, e := range n.entries {
		if err := fn(e.key, e.val); err != nil {
			return err
		}
		if err := walkNode(e.right, fn); err != nil {
			return err
		}
	}
	return nil
}

// ListEntry is one row of a List result.
type ListEntry struct {
	Key string
	Val cid.Cid
}

// List returns up to limit entries whose key matches prefix, in ascending
// key order, starting strictly after start (an exclusive cursor). A zero
// limit means unlimited.
func (t Tree) List(prefix, start string, limit int) ([]ListEntry, error) {
	var out []ListEntry
	err := t.Walk(func(key string, val cid.Cid) error {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			return nil
		}
		if start != "" && key <= start {
			return nil
		}
		if limit > 0 && len(out) >= limit {
			return errStopWalk
		}
		out = append(out, ListEntry{Key: key, Val: val})
		return nil
	})
	if err == errStopWalk {
		err = nil
	}
	return out, err
}

var errStopWalk = walkStop{}

type walkStop struct{}

func (walkStop) Error() string { return "mst: walk stopped" }

// AllNodeCIDs returns the CID of every MST node block reachable from the
// tree's root (the set enumerated for CAR export). The tree must be
// flushed first so every node carries a cached CID.
func (t Tree) AllNodeCIDs() []cid.Cid {
	var out []cid.Cid
	collectNodeCIDs(t.root, &out)
	return out
}

func collectNodeCIDs(n *node, out *[]cid.Cid) {
	if n == nil {
		return
	}
	if n.cid.Defined() {
		*out = append(*out, n.cid)
	}
	collectNodeCIDs(n.left, out)
	for _, e := range n.entries {
		collectNodeCIDs(e.right, out)
	}
}
