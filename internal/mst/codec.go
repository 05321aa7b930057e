package mst

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/primal-host/primal-pds/internal/dagcbor"
)

// BlockPutter stores a raw DAG-CBOR block and reports its CID.
type BlockPutter interface {
	Put(ctx context.Context, data []byte) (cid.Cid, error)
}

// BlockGetter resolves a CID to its raw DAG-CBOR bytes. A blockstore.Store
// exposes Read rather than Get; blockstore.RepoGetter adapts it.
type BlockGetter interface {
	Get(ctx context.Context, c cid.Cid) ([]byte, error)
}

// ComputeCID returns the CIDv1 (SHA-256, DAG-CBOR codec) for raw block bytes.
func ComputeCID(raw []byte) (cid.Cid, error) {
	prefix := cid.NewPrefixV1(cid.DagCBOR, multihash.SHA2_256)
	return prefix.Sum(raw)
}

// encodeNode serializes a node to its canonical DAG-CBOR block bytes:
// {l: CID|null, e: [{p,k,v,t}, ...]}, keys prefix-compressed against the
// previous entry in the list (p=0 for the first entry).
func encodeNode(n *node) ([]byte, error) {
	var buf bytes.Buffer
	if err := dagcbor.WriteMapHeader(&buf, 2); err != nil {
		return nil, err
	}
	if err := dagcbor.WriteTextString(&buf, "l"); err != nil {
		return nil, err
	}
	var leftCID *cid.Cid
	if n.left != nil {
		leftCID = &n.left.cid
	}
	if err := dagcbor.WriteNullableLink(&buf, leftCID); err != nil {
		return nil, err
	}

	if err := dagcbor.WriteTextString(&buf, "e"); err != nil {
		return nil, err
	}
	if err := dagcbor.WriteArrayHeader(&buf, len(n.entries)); err != nil {
		return nil, err
	}
	prevKey := ""
	for _, e := range n.entries {
		p := sharedPrefixLen(prevKey, e.key)
		suffix := []byte(e.key[p:])

		if err := dagcbor.WriteMapHeader(&buf, 4); err != nil {
			return nil, err
		}
		if err := dagcbor.WriteTextString(&buf, "p"); err != nil {
			return nil, err
		}
		if err := dagcbor.WriteUint(&buf, uint64(p)); err != nil {
			return nil, err
		}
		if err := dagcbor.WriteTextString(&buf, "k"); err != nil {
			return nil, err
		}
		if err := dagcbor.WriteByteString(&buf, suffix); err != nil {
			return nil, err
		}
		if err := dagcbor.WriteTextString(&buf, "v"); err != nil {
			return nil, err
		}
		if err := dagcbor.WriteLink(&buf, e.val); err != nil {
			return nil, err
		}
		if err := dagcbor.WriteTextString(&buf, "t"); err != nil {
			return nil, err
		}
		var rightCID *cid.Cid
		if e.right != nil {
			rightCID = &e.right.cid
		}
		if err := dagcbor.WriteNullableLink(&buf, rightCID); err != nil {
			return nil, err
		}

		prevKey = e.key
	}
	return buf.Bytes(), nil
}

func sharedPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// decodedNode is the result of decodeNodeBlock, which parses a persisted
// MST node block. Child subtree pointers are left as unresolved CIDs (left
// and each entry's right carry them) since decodeNodeBlock does not
// recurse — loadNode resolves every child through BlockGetter.
type decodedNode struct {
	height  int
	left    *cid.Cid
	entries []decodedEntry
}

type decodedEntry struct {
	key   string
	val   cid.Cid
	right *cid.Cid
}

func decodeNodeBlock(raw []byte) (*decodedNode, error) {
	r := dagcbor.NewReader(bytes.NewReader(raw))
	n, err := r.ReadMapHeader()
	if err != nil {
		return nil, fmt.Errorf("mst: decode node map header: %w", err)
	}
	if n != 2 {
		return nil, fmt.Errorf("mst: decode node: expected 2 fields, got %d", n)
	}

	out := &decodedNode{}
	for i := 0; i < 2; i++ {
		key, err := r.ReadTextString()
		if err != nil {
			return nil, fmt.Errorf("mst: decode node field key: %w", err)
		}
		switch key {
		case "l":
			left, err := r.ReadNullableLink()
			if err != nil {
				return nil, fmt.Errorf("mst: decode node left: %w", err)
			}
			out.left = left
		case "e":
			count, err := r.ReadArrayHeader()
			if err != nil {
				return nil, fmt.Errorf("mst: decode node entries header: %w", err)
			}
			prevKey := ""
			out.entries = make([]decodedEntry, count)
			for j := 0; j < count; j++ {
				fc, err := r.ReadMapHeader()
				if err != nil || fc != 4 {
					return nil, fmt.Errorf("mst: decode entry %d: %w", j, err)
				}
				var p uint64
				var suffix []byte
				var val cid.Cid
				var right *cid.Cid
				for f := 0; f < 4; f++ {
					fk, err := r.ReadTextString()
					if err != nil {
						return nil, fmt.Errorf("mst: decode entry field key: %w", err)
					}
					switch fk {
					case "p":
						p, err = r.ReadUint()
					case "k":
						suffix, err = r.ReadByteString()
					case "v":
						val, err = r.ReadLink()
					case "t":
						right, err = r.ReadNullableLink()
					default:
						return nil, fmt.Errorf("mst: unknown entry field %q", fk)
					}
					if err != nil {
						return nil, fmt.Errorf("mst: decode entry field %q: %w", fk, err)
					}
				}
				if int(p) > len(prevKey) {
					return nil, fmt.Errorf("mst: entry %d: prefix length exceeds previous key", j)
				}
				fullKey := prevKey[:p] + string(suffix)
				out.entries[j] = decodedEntry{key: fullKey, val: val, right: right}
				prevKey = fullKey
			}
		default:
			return nil, fmt.Errorf("mst: unknown node field %q", key)
		}
	}

	if len(out.entries) > 0 {
		out.height = Height(out.entries[0].key)
	}
	return out, nil
}

// Flush encodes every dirty (uncached-CID) node reachable from the root,
// writes each through putter bottom-up, and returns the root CID. Nodes
// that already carry a cached CID (unchanged since load) are skipped.
func (t Tree) Flush(ctx context.Context, putter BlockPutter) (cid.Cid, error) {
	if t.root == nil {
		// The empty tree still has a canonical root block: {l:null, e:[]}.
		empty := &node{}
		return flushNode(ctx, empty, putter)
	}
	return flushNode(ctx, t.root, putter)
}

func flushNode(ctx context.Context, n *node, putter BlockPutter) (cid.Cid, error) {
	if n.cid.Defined() {
		return n.cid, nil
	}
	if n.left != nil {
		if _, err := flushNode(ctx, n.left, putter); err != nil {
			return cid.Undef, err
		}
	}
	for i := range n.entries {
		if n.entries[i].right != nil {
			if _, err := flushNode(ctx, n.entries[i].right, putter); err != nil {
				return cid.Undef, err
			}
		}
	}
	raw, err := encodeNode(n)
	if err != nil {
		return cid.Undef, fmt.Errorf("mst: encode node: %w", err)
	}
	c, err := putter.Put(ctx, raw)
	if err != nil {
		return cid.Undef, fmt.Errorf("mst: put node block: %w", err)
	}
	n.cid = c
	return c, nil
}

// LoadTree reconstructs a Tree by resolving node blocks starting at root,
// eagerly fetching every reachable node through getter. Loaded nodes carry
// their known CID, so a subsequent Flush touches only nodes created by new
// mutations.
func LoadTree(ctx context.Context, getter BlockGetter, root cid.Cid) (Tree, error) {
	n, err := loadNode(ctx, getter, root)
	if err != nil {
		return Tree{}, err
	}
	return Tree{root: n}, nil
}

func loadNode(ctx context.Context, getter BlockGetter, c cid.Cid) (*node, error) {
	raw, err := getter.Get(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("mst: load node %s: %w", c, err)
	}
	d, err := decodeNodeBlock(raw)
	if err != nil {
		return nil, fmt.Errorf("mst: load node %s: %w", c, err)
	}

	out := &node{height: d.height, cid: c}
	if d.left != nil {
		left, err := loadNode(ctx, getter, *d.left)
		if err != nil {
			return nil, err
		}
		out.left = left
	}
	out.entries = make([]entry, len(d.entries))
	for i, de := range d.entries {
		e := entry{key: de.key, val: de.val}
		if de.right != nil {
			right, err := loadNode(ctx, getter, *de.right)
			if err != nil {
				return nil, err
			}
			e.right = right
		}
		out.entries[i] = e
	}
	if len(out.entries) == 0 && out.left == nil {
		// Canonical empty-tree block: represent as the nil root.
		return nil, nil
	}
	return out, nil
}

// RootCID returns the tree's current root CID. It calls Flush, so any
// node changed since the last flush or load is written through putter
// first.
func (t Tree) RootCID(ctx context.Context, putter BlockPutter) (cid.Cid, error) {
	return t.Flush(ctx, putter)
}
