package repoengine

import (
	"bytes"
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/primal-host/primal-pds/internal/dagcbor"
)

// CommitEventPayload is the durable, protocol-agnostic record of one
// commit, exactly what the storage layer persists under an ApplyCommit
// event. internal/eventlog decodes this and re-projects it into the
// AT Protocol wire frame (#commit) at subscribe/replay time — keeping
// the hard commit/MST logic here free of any wire-format concerns.
type CommitEventPayload struct {
	DID       string
	Rev       string
	PrevRev   string
	CommitCID cid.Cid
	PrevData  *cid.Cid
	Ops       []RepoOp
	CAR       []byte
}

// EncodeCommitEventPayload serializes a CommitEventPayload to DAG-CBOR.
func EncodeCommitEventPayload(p *CommitEventPayload) ([]byte, error) {
	var buf bytes.Buffer

	if err := dagcbor.WriteMapHeader(&buf, 7); err != nil {
		return nil, err
	}
	fields := []struct {
		key   string
		write func() error
	}{
		{"did", func() error { return dagcbor.WriteTextString(&buf, p.DID) }},
		{"ops", func() error { return writeOps(&buf, p.Ops) }},
		{"rev", func() error { return dagcbor.WriteTextString(&buf, p.Rev) }},
		{"prevRev", func() error { return dagcbor.WriteTextString(&buf, p.PrevRev) }},
		{"carBytes", func() error { return dagcbor.WriteByteString(&buf, p.CAR) }},
		{"prevData", func() error { return dagcbor.WriteNullableLink(&buf, p.PrevData) }},
		{"commitCid", func() error { return dagcbor.WriteLink(&buf, p.CommitCID) }},
	}
	for _, f := range fields {
		if err := dagcbor.WriteTextString(&buf, f.key); err != nil {
			return nil, err
		}
		if err := f.write(); err != nil {
			return nil, fmt.Errorf("repoengine: encode event payload %q: %w", f.key, err)
		}
	}
	return buf.Bytes(), nil
}

func writeOps(w *bytes.Buffer, ops []RepoOp) error {
	if err := dagcbor.WriteArrayHeader(w, len(ops)); err != nil {
		return err
	}
	for _, op := range ops {
		if err := dagcbor.WriteMapHeader(w, 4); err != nil {
			return err
		}
		if err := dagcbor.WriteTextString(w, "cid"); err != nil {
			return err
		}
		if err := dagcbor.WriteNullableLink(w, op.CID); err != nil {
			return err
		}
		if err := dagcbor.WriteTextString(w, "path"); err != nil {
			return err
		}
		if err := dagcbor.WriteTextString(w, op.Path); err != nil {
			return err
		}
		if err := dagcbor.WriteTextString(w, "prev"); err != nil {
			return err
		}
		if err := dagcbor.WriteNullableLink(w, op.Prev); err != nil {
			return err
		}
		if err := dagcbor.WriteTextString(w, "action"); err != nil {
			return err
		}
		if err := dagcbor.WriteTextString(w, string(op.Action)); err != nil {
			return err
		}
	}
	return nil
}

// DecodeCommitEventPayload parses DAG-CBOR bytes produced by
// EncodeCommitEventPayload.
func DecodeCommitEventPayload(raw []byte) (*CommitEventPayload, error) {
	r := dagcbor.NewReader(bytes.NewReader(raw))
	n, err := r.ReadMapHeader()
	if err != nil {
		return nil, fmt.Errorf("repoengine: decode event payload header: %w", err)
	}
	p := &CommitEventPayload{}
	for i := 0; i < n; i++ {
		key, err := r.ReadTextString()
		if err != nil {
			return nil, err
		}
		switch key {
		case "did":
			p.DID, err = r.ReadTextString()
		case "rev":
			p.Rev, err = r.ReadTextString()
		case "prevRev":
			p.PrevRev, err = r.ReadTextString()
		case "carBytes":
			p.CAR, err = r.ReadByteString()
		case "prevData":
			p.PrevData, err = r.ReadNullableLink()
		case "commitCid":
			p.CommitCID, err = r.ReadLink()
		case "ops":
			p.Ops, err = readOps(r)
		default:
			return nil, fmt.Errorf("repoengine: decode event payload: unknown field %q", key)
		}
		if err != nil {
			return nil, fmt.Errorf("repoengine: decode event payload field %q: %w", key, err)
		}
	}
	return p, nil
}

func readOps(r *dagcbor.Reader) ([]RepoOp, error) {
	n, err := r.ReadArrayHeader()
	if err != nil {
		return nil, err
	}
	ops := make([]RepoOp, n)
	for i := 0; i < n; i++ {
		m, err := r.ReadMapHeader()
		if err != nil {
			return nil, err
		}
		var op RepoOp
		for j := 0; j < m; j++ {
			key, err := r.ReadTextString()
			if err != nil {
				return nil, err
			}
			switch key {
			case "cid":
				op.CID, err = r.ReadNullableLink()
			case "path":
				op.Path, err = r.ReadTextString()
			case "prev":
				op.Prev, err = r.ReadNullableLink()
			case "action":
				var s string
				s, err = r.ReadTextString()
				op.Action = Action(s)
			default:
				return nil, fmt.Errorf("repoengine: decode op: unknown field %q", key)
			}
			if err != nil {
				return nil, err
			}
		}
		ops[i] = op
	}
	return ops, nil
}
