package repoengine

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/ipfs/go-cid"

	"github.com/primal-host/primal-pds/internal/dagcbor"
)

// RepoVersion is the atproto repository format version this engine
// produces and accepts.
const RepoVersion = int64(3)

var (
	// ErrBadSignature is returned by VerifyCommit when the signature does
	// not match the commit's unsigned bytes.
	ErrBadSignature = errors.New("repoengine: bad commit signature")
	// ErrVersionMismatch is returned when decoding a commit with an
	// unsupported repo version.
	ErrVersionMismatch = errors.New("repoengine: unsupported repo version")
)

// Commit is a single signed repository commit (§3 Commit). Data is the
// root CID of the MST holding every record at this point in history.
type Commit struct {
	DID     string
	Version int64
	Data    cid.Cid
	Prev    *cid.Cid
	Rev     string
	Sig     []byte
}

// canonical map key order for the commit object, per CBOR's canonical
// "shortest key first, then lexicographic" rule: did, rev, sig, data,
// prev, version.
func (c *Commit) encode(includeSig bool) ([]byte, error) {
	var buf bytes.Buffer
	n := 5
	if includeSig {
		n = 6
	}
	if err := dagcbor.WriteMapHeader(&buf, n); err != nil {
		return nil, err
	}

	if err := dagcbor.WriteTextString(&buf, "did"); err != nil {
		return nil, err
	}
	if err := dagcbor.WriteTextString(&buf, c.DID); err != nil {
		return nil, err
	}

	if err := dagcbor.WriteTextString(&buf, "rev"); err != nil {
		return nil, err
	}
	if err := dagcbor.WriteTextString(&buf, c.Rev); err != nil {
		return nil, err
	}

	if includeSig {
		if err := dagcbor.WriteTextString(&buf, "sig"); err != nil {
			return nil, err
		}
		if err := dagcbor.WriteByteString(&buf, c.Sig); err != nil {
			return nil, err
		}
	}

	if err := dagcbor.WriteTextString(&buf, "data"); err != nil {
		return nil, err
	}
	if err := dagcbor.WriteLink(&buf, c.Data); err != nil {
		return nil, err
	}

	if err := dagcbor.WriteTextString(&buf, "prev"); err != nil {
		return nil, err
	}
	if err := dagcbor.WriteNullableLink(&buf, c.Prev); err != nil {
		return nil, err
	}

	if err := dagcbor.WriteTextString(&buf, "version"); err != nil {
		return nil, err
	}
	if err := dagcbor.WriteUint(&buf, uint64(c.Version)); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// EncodeCommit serializes a fully signed commit to DAG-CBOR bytes, ready
// to be content-addressed and stored as a block.
func EncodeCommit(c *Commit) ([]byte, error) {
	if len(c.Sig) == 0 {
		return nil, fmt.Errorf("repoengine: encode unsigned commit")
	}
	return c.encode(true)
}

// encodeUnsigned serializes the commit without its sig field — the
// exact byte sequence that gets signed and later re-verified.
func encodeUnsigned(c *Commit) ([]byte, error) {
	return c.encode(false)
}

// SignCommit computes the commit's unsigned bytes and signs them,
// filling in c.Sig.
func SignCommit(c *Commit, priv atcrypto.PrivateKeyExportable) error {
	unsigned, err := encodeUnsigned(c)
	if err != nil {
		return fmt.Errorf("repoengine: sign encode: %w", err)
	}
	sig, err := priv.HashAndSign(unsigned)
	if err != nil {
		return fmt.Errorf("repoengine: sign: %w", err)
	}
	c.Sig = sig
	return nil
}

// VerifyCommit checks a commit's signature against the given public key.
func VerifyCommit(c *Commit, pub atcrypto.PublicKey) error {
	unsigned, err := encodeUnsigned(c)
	if err != nil {
		return fmt.Errorf("repoengine: verify encode: %w", err)
	}
	if err := pub.HashAndVerify(unsigned, c.Sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

// DecodeCommit parses a signed commit from DAG-CBOR bytes.
func DecodeCommit(raw []byte) (*Commit, error) {
	r := dagcbor.NewReader(bytes.NewReader(raw))
	n, err := r.ReadMapHeader()
	if err != nil {
		return nil, fmt.Errorf("repoengine: decode commit header: %w", err)
	}

	c := &Commit{}
	for i := 0; i < n; i++ {
		key, err := r.ReadTextString()
		if err != nil {
			return nil, fmt.Errorf("repoengine: decode commit key: %w", err)
		}
		switch key {
		case "did":
			c.DID, err = r.ReadTextString()
		case "rev":
			c.Rev, err = r.ReadTextString()
		case "sig":
			c.Sig, err = r.ReadByteString()
		case "data":
			c.Data, err = r.ReadLink()
		case "prev":
			c.Prev, err = r.ReadNullableLink()
		case "version":
			var v uint64
			v, err = r.ReadUint()
			c.Version = int64(v)
		default:
			return nil, fmt.Errorf("repoengine: decode commit: unknown field %q", key)
		}
		if err != nil {
			return nil, fmt.Errorf("repoengine: decode commit field %q: %w", key, err)
		}
	}
	if c.Version != 0 && c.Version != RepoVersion {
		return nil, ErrVersionMismatch
	}
	return c, nil
}
