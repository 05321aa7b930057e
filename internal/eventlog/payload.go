// Package eventlog turns the opaque, sequence-stamped events a Store
// persists (§4.2) into the AT Protocol firehose wire format (§4.5,
// §6), and runs the per-subscriber pump that drains them in order.
// Commit events carry a repoengine.CommitEventPayload; the out-of-band
// identity/account/tombstone/handle kinds carry one of the payload
// types below, encoded the same hand-rolled DAG-CBOR way as the repo
// engine's own block shapes so every durable event stays self-describing
// without pulling in a generic codec.
package eventlog

import (
	"bytes"
	"fmt"

	"github.com/primal-host/primal-pds/internal/dagcbor"
)

// Event kinds, matching blockstore.EventRecord.Kind.
const (
	KindCommit    = "commit"
	KindIdentity  = "identity"
	KindAccount   = "account"
	KindTombstone = "tombstone"
	KindHandle    = "handle"
)

// IdentityPayload backs a #identity firehose event: a DID's identity
// data (handle, DID document) changed.
type IdentityPayload struct {
	DID    string
	Handle *string
}

// EncodeIdentityPayload serializes an IdentityPayload to DAG-CBOR.
func EncodeIdentityPayload(p *IdentityPayload) ([]byte, error) {
	var buf bytes.Buffer
	n := 1
	if p.Handle != nil {
		n = 2
	}
	if err := dagcbor.WriteMapHeader(&buf, n); err != nil {
		return nil, err
	}
	if err := writeTextField(&buf, "did", p.DID); err != nil {
		return nil, err
	}
	if p.Handle != nil {
		if err := writeTextField(&buf, "handle", *p.Handle); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeIdentityPayload parses bytes produced by EncodeIdentityPayload.
func DecodeIdentityPayload(raw []byte) (*IdentityPayload, error) {
	r := dagcbor.NewReader(bytes.NewReader(raw))
	n, err := r.ReadMapHeader()
	if err != nil {
		return nil, fmt.Errorf("eventlog: decode identity payload: %w", err)
	}
	p := &IdentityPayload{}
	for i := 0; i < n; i++ {
		key, err := r.ReadTextString()
		if err != nil {
			return nil, err
		}
		switch key {
		case "did":
			p.DID, err = r.ReadTextString()
		case "handle":
			var h string
			h, err = r.ReadTextString()
			p.Handle = &h
		default:
			return nil, fmt.Errorf("eventlog: decode identity payload: unknown field %q", key)
		}
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

// AccountPayload backs a #account firehose event: an account's active
// status changed (deactivated, suspended, takendown, deleted, or
// reactivated).
type AccountPayload struct {
	DID    string
	Active bool
	Status *string
}

// EncodeAccountPayload serializes an AccountPayload to DAG-CBOR.
func EncodeAccountPayload(p *AccountPayload) ([]byte, error) {
	var buf bytes.Buffer
	n := 2
	if p.Status != nil {
		n = 3
	}
	if err := dagcbor.WriteMapHeader(&buf, n); err != nil {
		return nil, err
	}
	if err := writeTextField(&buf, "did", p.DID); err != nil {
		return nil, err
	}
	if err := dagcbor.WriteTextString(&buf, "active"); err != nil {
		return nil, err
	}
	if err := dagcbor.WriteBool(&buf, p.Active); err != nil {
		return nil, err
	}
	if p.Status != nil {
		if err := writeTextField(&buf, "status", *p.Status); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeAccountPayload parses bytes produced by EncodeAccountPayload.
func DecodeAccountPayload(raw []byte) (*AccountPayload, error) {
	r := dagcbor.NewReader(bytes.NewReader(raw))
	n, err := r.ReadMapHeader()
	if err != nil {
		return nil, fmt.Errorf("eventlog: decode account payload: %w", err)
	}
	p := &AccountPayload{}
	for i := 0; i < n; i++ {
		key, err := r.ReadTextString()
		if err != nil {
			return nil, err
		}
		switch key {
		case "did":
			p.DID, err = r.ReadTextString()
		case "active":
			p.Active, err = r.ReadBool()
		case "status":
			var s string
			s, err = r.ReadTextString()
			p.Status = &s
		default:
			return nil, fmt.Errorf("eventlog: decode account payload: unknown field %q", key)
		}
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

// TombstonePayload backs a legacy #tombstone firehose event: a DID has
// been permanently deleted from the host.
type TombstonePayload struct {
	DID string
}

// EncodeTombstonePayload serializes a TombstonePayload to DAG-CBOR.
func EncodeTombstonePayload(p *TombstonePayload) ([]byte, error) {
	var buf bytes.Buffer
	if err := dagcbor.WriteMapHeader(&buf, 1); err != nil {
		return nil, err
	}
	if err := writeTextField(&buf, "did", p.DID); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeTombstonePayload parses bytes produced by EncodeTombstonePayload.
func DecodeTombstonePayload(raw []byte) (*TombstonePayload, error) {
	r := dagcbor.NewReader(bytes.NewReader(raw))
	n, err := r.ReadMapHeader()
	if err != nil {
		return nil, fmt.Errorf("eventlog: decode tombstone payload: %w", err)
	}
	p := &TombstonePayload{}
	for i := 0; i < n; i++ {
		key, err := r.ReadTextString()
		if err != nil {
			return nil, err
		}
		switch key {
		case "did":
			p.DID, err = r.ReadTextString()
		default:
			return nil, fmt.Errorf("eventlog: decode tombstone payload: unknown field %q", key)
		}
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

// HandlePayload backs a legacy #handle firehose event: a DID's handle
// changed, without a full identity refresh.
type HandlePayload struct {
	DID    string
	Handle string
}

// EncodeHandlePayload serializes a HandlePayload to DAG-CBOR.
func EncodeHandlePayload(p *HandlePayload) ([]byte, error) {
	var buf bytes.Buffer
	if err := dagcbor.WriteMapHeader(&buf, 2); err != nil {
		return nil, err
	}
	if err := writeTextField(&buf, "did", p.DID); err != nil {
		return nil, err
	}
	if err := writeTextField(&buf, "handle", p.Handle); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeHandlePayload parses bytes produced by EncodeHandlePayload.
func DecodeHandlePayload(raw []byte) (*HandlePayload, error) {
	r := dagcbor.NewReader(bytes.NewReader(raw))
	n, err := r.ReadMapHeader()
	if err != nil {
		return nil, fmt.Errorf("eventlog: decode handle payload: %w", err)
	}
	p := &HandlePayload{}
	for i := 0; i < n; i++ {
		key, err := r.ReadTextString()
		if err != nil {
			return nil, err
		}
		switch key {
		case "did":
			p.DID, err = r.ReadTextString()
		case "handle":
			p.Handle, err = r.ReadTextString()
		default:
			return nil, fmt.Errorf("eventlog: decode handle payload: unknown field %q", key)
		}
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

func writeTextField(buf *bytes.Buffer, key, val string) error {
	if err := dagcbor.WriteTextString(buf, key); err != nil {
		return err
	}
	return dagcbor.WriteTextString(buf, val)
}
