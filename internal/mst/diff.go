package mst

import "github.com/ipfs/go-cid"

// Update describes a key whose value changed between two trees.
type Update struct {
	Key  string
	Prev cid.Cid
	New  cid.Cid
}

// Create describes a key present only in the newer tree.
type Create struct {
	Key string
	CID cid.Cid
}

// Delete describes a key present only in the older tree.
type Delete struct {
	Key string
	CID cid.Cid
}

// DiffResult is the deterministic, minimal structural diff between two
// trees: disjoint create/update/delete sets over keys, plus the set of
// MST node CIDs reachable from the new tree but not the old one.
type DiffResult struct {
	Creates []Create
	Updates []Update
	Deletes []Delete
	NewCIDs []cid.Cid
}

// Diff computes the deterministic difference between old and new. Both
// trees must already be flushed so every node carries a cached CID — the
// new-node set is computed as new.AllNodeCIDs() minus old.AllNodeCIDs(),
// which is equivalent to walking both trees in lockstep and
// short-circuiting subtrees whose root CIDs already match, but simpler to
// state and verify correct.
func Diff(oldTree, newTree Tree) (DiffResult, error) {
	oldEntries, err := oldTree.List("", "", 0)
	if err != nil {
		return DiffResult{}, err
	}
	newEntries, err := newTree.List("", "", 0)
	if err != nil {
		return DiffResult{}, err
	}

	var result DiffResult
	i, j := 0, 0
	for i < len(oldEntries) && j < len(newEntries) {
		oe, ne := oldEntries[i], newEntries[j]
		switch {
		case oe.Key < ne.Key:
			result.Deletes = append(result.Deletes, Delete{Key: oe.Key, CID: oe.Val})
			i++
		case oe.Key > ne.Key:
			result.Creates = append(result.Creates, Create{Key: ne.Key, CID: ne.Val})
			j++
		default:
			if !oe.Val.Equals(ne.Val) {
				result.Updates = append(result.Updates, Update{Key: oe.Key, Prev: oe.Val, New: ne.Val})
			}
			i++
			j++
		}
	}
	for ; i < len(oldEntries); i++ {
		result.Deletes = append(result.Deletes, Delete{Key: oldEntries[i].Key, CID: oldEntries[i].Val})
	}
	for ; j < len(newEntries); j++ {
		result.Creates = append(result.Creates, Create{Key: newEntries[j].Key, CID: newEntries[j].Val})
	}

	oldCIDs := make(map[cid.Cid]bool, 64)
	for _, c := range oldTree.AllNodeCIDs() {
		oldCIDs[c] = true
	}
	for _, c := range newTree.AllNodeCIDs() {
		if !oldCIDs[c] {
			result.NewCIDs = append(result.NewCIDs, c)
		}
	}

	return result, nil
}
