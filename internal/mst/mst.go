// Package mst implements the repository's Merkle Search Tree: an
// immutable, content-addressed, ordered map from record paths to value
// CIDs. The tree's structure — and therefore its root CID — is a pure
// function of its key/value contents, independent of insertion order.
//
// Mutations (Add, Update, Delete) return a new Tree that shares unchanged
// subtrees with the original; the original Tree is never modified. This
// mirrors how the teacher's repo layer treats commits as immutable
// snapshots linked by "prev", just one level deeper in the data model.
package mst

import (
	"crypto/sha256"
	"errors"
	"math/bits"
	"sort"

	"github.com/ipfs/go-cid"
)

// Sentinel errors for MST operations, per the core error taxonomy.
var (
	ErrKeyNotFound = errors.New("mst: key not found")
	ErrKeyExists   = errors.New("mst: key already exists")
	ErrInvalidKey  = errors.New("mst: invalid key")
)

// node is the in-memory representation of one MST layer. It mirrors the
// persisted block shape (l, e:[{p,k,v,t}]) but keeps full keys rather than
// prefix-compressed suffixes, and caches its CID once computed so unchanged
// subtrees are never re-encoded.
type node struct {
	height  int
	left    *node // subtree holding keys less than entries[0].key
	entries []entry
	cid     cid.Cid // zero Cid (Defined()==false) until Flush computes it
}

type entry struct {
	key   string
	val   cid.Cid
	right *node // subtree holding keys between this entry and the next
}

// Tree is an immutable snapshot of a Merkle Search Tree.
type Tree struct {
	root *node // nil represents the empty tree
}

// Empty returns the empty tree.
func Empty() Tree {
	return Tree{}
}

// IsEmpty reports whether the tree has no entries.
func (t Tree) IsEmpty() bool {
	return t.root == nil
}

// Height returns floor(leadingZeroBits(sha256(key))/4), the MST layer a
// key belongs to.
func Height(key string) int {
	sum := sha256.Sum256([]byte(key))
	lz := 0
	for _, b := range sum {
		if b == 0 {
			lz += 8
			continue
		}
		lz += bits.LeadingZeros8(b)
		break
	}
	return lz / 4
}

// ValidateKey checks that a record path is well formed: "<collection>/<rkey>"
// with a non-empty collection and rkey, ASCII only, and a bounded length.
func ValidateKey(key string) error {
	if len(key) == 0 || len(key) > 256 {
		return ErrInvalidKey
	}
	slash := -1
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c >= 0x80 {
			return ErrInvalidKey
		}
		if c == '/' {
			if slash != -1 {
				return ErrInvalidKey // exactly one separator
			}
			slash = i
		}
	}
	if slash <= 0 || slash == len(key)-1 {
		return ErrInvalidKey
	}
	return nil
}

func search(entries []entry, key string) (idx int, exact bool) {
	idx = sort.Search(len(entries), func(i int) bool { return entries[i].key >= key })
	exact = idx < len(entries) && entries[idx].key == key
	return
}

func cloneEntries(src []entry) []entry {
	if len(src) == 0 {
		return nil
	}
	dst := make([]entry, len(src))
	copy(dst, src)
	return dst
}

// Get returns the value CID for key, or nil if key is absent.
func (t Tree) Get(key string) (*cid.Cid, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	h := Height(key)
	n := t.root
	for n != nil {
		switch {
		case n.height < h:
			return nil, nil
		case n.height == h:
			if idx, exact := search(n.entries, key); exact {
				v := n.entries[idx].val
				return &v, nil
			}
			return nil, nil
		default: // n.height > h: descend
			idx, exact := search(n.entries, key)
			if exact {
				v := n.entries[idx].val
				return &v, nil
			}
			if idx == 0 {
				n = n.left
			} else {
				n = n.entries[idx-1].right
			}
		}
	}
	return nil, nil
}

// Add inserts a new key. Returns ErrKeyExists if key is already present.
func (t Tree) Add(key string, val cid.Cid) (Tree, error) {
	if err := ValidateKey(key); err != nil {
		return t, err
	}
	existing, err := t.Get(key)
	if err != nil {
		return t, err
	}
	if existing != nil {
		return t, ErrKeyExists
	}
	newRoot, err := upsert(t.root, key, Height(key), val)
	if err != nil {
		return t, err
	}
	return Tree{root: newRoot}, nil
}

// Update replaces the value at an existing key. Returns ErrKeyNotFound if
// key is absent. The entry's value is replaced in place on a shallow clone
// of the path to the root, preserving every other block.
func (t Tree) Update(key string, val cid.Cid) (Tree, error) {
	if err := ValidateKey(key); err != nil {
		return t, err
	}
	h := Height(key)
	newRoot, found, err := replaceValue(t.root, key, h, val)
	if err != nil {
		return t, err
	}
	if !found {
		return t, ErrKeyNotFound
	}
	return Tree{root: newRoot}, nil
}

// Delete removes a key. Returns ErrKeyNotFound if key is absent.
func (t Tree) Delete(key string) (Tree, error) {
	if err := ValidateKey(key); err != nil {
		return t, err
	}
	newRoot, err := remove(t.root, key, Height(key))
	if err != nil {
		return t, err
	}
	return Tree{root: newRoot}, nil
}

// Put is a convenience combinator: Update if present, Add otherwise.
// Returns the previous value (nil for a fresh create).
func (t Tree) Put(key string, val cid.Cid) (newTree Tree, prev *cid.Cid, err error) {
	if err := ValidateKey(key); err != nil {
		return t, nil, err
	}
	prev, err = t.Get(key)
	if err != nil {
		return t, nil, err
	}
	if prev == nil {
		newTree, err = t.Add(key, val)
		return newTree, nil, err
	}
	newTree, err = t.Update(key, val)
	return newTree, prev, err
}

// upsert inserts (key, val) into the subtree rooted at n, where key's own
// layer is h. n may be nil (empty subtree).
func upsert(n *node, key string, h int, val cid.Cid) (*node, error) {
	if n == nil {
		return &node{height: h, entries: []entry{{key: key, val: val}}}, nil
	}
	switch {
	case n.height == h:
		return spliceEntry(n, key, val)
	case n.height < h:
		// key's layer sits above this entire subtree: split n around key
		// and synthesize a new ancestor node at layer h.
		left, right, err := splitAround(n, key)
		if err != nil {
			return nil, err
		}
		return &node{
			height:  h,
			left:    left,
			entries: []entry{{key: key, val: val, right: right}},
		}, nil
	default: // n.height > h: descend into the gap spanning key
		idx, _ := search(n.entries, key)
		var child *node
		if idx == 0 {
			child = n.left
		} else {
			child = n.entries[idx-1].right
		}
		newChild, err := upsert(child, key, h, val)
		if err != nil {
			return nil, err
		}
		out := &node{height: n.height, left: n.left, entries: cloneEntries(n.entries)}
		if idx == 0 {
			out.left = newChild
		} else {
			out.entries[idx-1].right = newChild
		}
		return out, nil
	}
}

// spliceEntry inserts a new entry into a node whose height already equals
// the new key's layer, splitting the subtree spanning the insertion gap.
func spliceEntry(n *node, key string, val cid.Cid) (*node, error) {
	idx, _ := search(n.entries, key)
	var spanning *node
	if idx == 0 {
		spanning = n.left
	} else {
		spanning = n.entries[idx-1].right
	}
	subLeft, subRight, err := splitAround(spanning, key)
	if err != nil {
		return nil, err
	}

	newEntries := make([]entry, 0, len(n.entries)+1)
	newEntries = append(newEntries, cloneEntries(n.entries[:idx])...)
	if idx > 0 {
		newEntries[idx-1].right = subLeft
	}
	newEntries = append(newEntries, entry{key: key, val: val, right: subRight})
	newEntries = append(newEntries, cloneEntries(n.entries[idx:])...)

	newLeft := n.left
	if idx == 0 {
		newLeft = subLeft
	}
	return &node{height: n.height, left: newLeft, entries: newEntries}, nil
}

// splitAround partitions the subtree rooted at n into two trees: all keys
// strictly less than key, and all keys strictly greater. n itself is never
// mutated. Used both to carve out room for a new entry and to synthesize
// ancestor nodes above an existing root.
func splitAround(n *node, key string) (less, greater *node, err error) {
	if n == nil {
		return nil, nil, nil
	}
	idx, _ := search(n.entries, key)

	var spanning *node
	if idx == 0 {
		spanning = n.left
	} else {
		spanning = n.entries[idx-1].right
	}
	subLess, subGreater, err := splitAround(spanning, key)
	if err != nil {
		return nil, nil, err
	}

	switch {
	case idx == 0:
		// nothing from this node is less than key; everything is greater.
		greaterEntries := cloneEntries(n.entries)
		greater = &node{height: n.height, left: subGreater, entries: greaterEntries}
		less = subLess
	case idx == len(n.entries):
		// everything from this node is less than key.
		lessEntries := cloneEntries(n.entries)
		lessEntries[len(lessEntries)-1].right = subLess
		less = &node{height: n.height, left: n.left, entries: lessEntries}
		greater = subGreater
	default:
		lessEntries := cloneEntries(n.entries[:idx])
		lessEntries[len(lessEntries)-1].right = subLess
		less = &node{height: n.height, left: n.left, entries: lessEntries}

		greaterEntries := cloneEntries(n.entries[idx:])
		greater = &node{height: n.height, left: subGreater, entries: greaterEntries}
	}
	return less, greater, nil
}

// replaceValue walks to the unique entry for key and replaces only its
// value, cloning the path from root to that entry.
func replaceValue(n *node, key string, h int, val cid.Cid) (*node, bool, error) {
	if n == nil {
		return nil, false, nil
	}
	if n.height < h {
		return n, false, nil
	}
	idx, exact := search(n.entries, key)
	if n.height == h {
		if !exact {
			return n, false, nil
		}
		out := &node{height: n.height, left: n.left, entries: cloneEntries(n.entries)}
		out.entries[idx].val = val
		return out, true, nil
	}
	// n.height > h: descend.
	if exact {
		// Should not happen (heights differ for distinct keys), but handle
		// defensively by treating it as not found at this layer.
		return n, false, nil
	}
	var child *node
	if idx == 0 {
		child = n.left
	} else {
		child = n.entries[idx-1].right
	}
	newChild, found, err := replaceValue(child, key, h, val)
	if err != nil || !found {
		return n, found, err
	}
	out := &node{height: n.height, left: n.left, entries: cloneEntries(n.entries)}
	if idx == 0 {
		out.left = newChild
	} else {
		out.entries[idx-1].right = newChild
	}
	return out, true, nil
}

// remove deletes key (whose layer is h) from the subtree rooted at n.
func remove(n *node, key string, h int) (*node, error) {
	if n == nil {
		return nil, ErrKeyNotFound
	}
	if n.height < h {
		return nil, ErrKeyNotFound
	}
	idx, exact := search(n.entries, key)
	if n.height == h {
		if !exact {
			return nil, ErrKeyNotFound
		}
		var leftOfGap *node
		if idx == 0 {
			leftOfGap = n.left
		} else {
			leftOfGap = n.entries[idx-1].right
		}
		rightOfGap := n.entries[idx].right

		merged, err := mergeSubtrees(leftOfGap, rightOfGap)
		if err != nil {
			return nil, err
		}

		remaining := make([]entry, 0, len(n.entries)-1)
		remaining = append(remaining, cloneEntries(n.entries[:idx])...)
		remaining = append(remaining, cloneEntries(n.entries[idx+1:])...)

		if len(remaining) == 0 {
			// Node collapses entirely to its sole remaining subtree.
			return merged, nil
		}

		newLeft := n.left
		if idx == 0 {
			newLeft = merged
		} else {
			remaining[idx-1].right = merged
		}
		return &node{height: n.height, left: newLeft, entries: remaining}, nil
	}

	// n.height > h: descend and rebuild.
	if exact {
		return nil, ErrKeyNotFound
	}
	var child *node
	if idx == 0 {
		child = n.left
	} else {
		child = n.entries[idx-1].right
	}
	newChild, err := remove(child, key, h)
	if err != nil {
		return nil, err
	}
	out := &node{height: n.height, left: n.left, entries: cloneEntries(n.entries)}
	if idx == 0 {
		out.left = newChild
	} else {
		out.entries[idx-1].right = newChild
	}
	return out, nil
}

// mergeSubtrees joins two subtrees that become adjacent after an entry is
// deleted between them. Equal-height subtrees concatenate their entry
// lists; otherwise the shorter tree is grafted onto the taller one's
// nearest edge.
func mergeSubtrees(a, b *node) (*node, error) {
	if a == nil {
		return b, nil
	}
	if b == nil {
		return a, nil
	}
	switch {
	case a.height == b.height:
		entries := cloneEntries(a.entries)
		entries[len(entries)-1].right = b.left
		entries = append(entries, cloneEntries(b.entries)...)
		return &node{height: a.height, left: a.left, entries: entries}, nil
	case a.height > b.height:
		entries := cloneEntries(a.entries)
		last := len(entries) - 1
		merged, err := mergeSubtrees(entries[last].right, b)
		if err != nil {
			return nil, err
		}
		entries[last].right = merged
		return &node{height: a.height, left: a.left, entries: entries}, nil
	default:
		merged, err := mergeSubtrees(a, b.left)
		if err != nil {
			return nil, err
		}
		entries := cloneEntries(b.entries)
		return &node{height: b.height, left: merged, entries: entries}, nil
	}
}
