package eventlog

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/events"
	lexutil "github.com/bluesky-social/indigo/lex/util"
	cbg "github.com/whyrusleeping/cbor-gen"

	"github.com/primal-host/primal-pds/internal/blockstore"
	"github.com/primal-host/primal-pds/internal/dagcbor"
	"github.com/primal-host/primal-pds/internal/repoengine"
)

// encodeFrame turns a persisted EventRecord into a wire-ready firehose
// frame: an EventHeader followed by the type-specific CBOR body, exactly
// as a subscriber expects to read it off the wire.
func encodeFrame(ev blockstore.EventRecord) ([]byte, error) {
	switch ev.Kind {
	case KindCommit:
		return encodeCommitFrame(ev)
	case KindIdentity:
		return encodeIdentityFrame(ev)
	case KindAccount:
		return encodeAccountFrame(ev)
	case KindTombstone:
		return encodeTombstoneFrame(ev)
	case KindHandle:
		return encodeHandleFrame(ev)
	default:
		return nil, fmt.Errorf("eventlog: unknown event kind %q", ev.Kind)
	}
}

func encodeCommitFrame(ev blockstore.EventRecord) ([]byte, error) {
	p, err := repoengine.DecodeCommitEventPayload(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("eventlog: decode commit payload seq %d: %w", ev.Seq, err)
	}

	ops := make([]*atproto.SyncSubscribeRepos_RepoOp, len(p.Ops))
	for i, op := range p.Ops {
		wireOp := &atproto.SyncSubscribeRepos_RepoOp{
			Action: string(op.Action),
			Path:   op.Path,
		}
		if op.CID != nil {
			ll := lexutil.LexLink(*op.CID)
			wireOp.Cid = &ll
		}
		if op.Prev != nil {
			ll := lexutil.LexLink(*op.Prev)
			wireOp.Prev = &ll
		}
		ops[i] = wireOp
	}

	var since *string
	if p.PrevRev != "" {
		since = &p.PrevRev
	}
	var prevData *lexutil.LexLink
	if p.PrevData != nil {
		ll := lexutil.LexLink(*p.PrevData)
		prevData = &ll
	}

	commit := &atproto.SyncSubscribeRepos_Commit{
		Seq:      int64(ev.Seq),
		Repo:     p.DID,
		Rev:      p.Rev,
		Since:    since,
		Commit:   lexutil.LexLink(p.CommitCID),
		PrevData: prevData,
		Blocks:   lexutil.LexBytes(p.CAR),
		Ops:      ops,
		Blobs:    []lexutil.LexLink{},
		Time:     ev.Time.UTC().Format(time.RFC3339Nano),
		Rebase:   false,
		TooBig:   false,
	}

	return marshalFrame("#commit", commit)
}

func encodeIdentityFrame(ev blockstore.EventRecord) ([]byte, error) {
	p, err := DecodeIdentityPayload(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("eventlog: decode identity payload seq %d: %w", ev.Seq, err)
	}
	identity := &atproto.SyncSubscribeRepos_Identity{
		Seq:    int64(ev.Seq),
		Did:    p.DID,
		Handle: p.Handle,
		Time:   ev.Time.UTC().Format(time.RFC3339Nano),
	}
	return marshalFrame("#identity", identity)
}

func encodeAccountFrame(ev blockstore.EventRecord) ([]byte, error) {
	p, err := DecodeAccountPayload(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("eventlog: decode account payload seq %d: %w", ev.Seq, err)
	}
	account := &atproto.SyncSubscribeRepos_Account{
		Seq:    int64(ev.Seq),
		Did:    p.DID,
		Active: p.Active,
		Status: p.Status,
		Time:   ev.Time.UTC().Format(time.RFC3339Nano),
	}
	return marshalFrame("#account", account)
}

func encodeTombstoneFrame(ev blockstore.EventRecord) ([]byte, error) {
	p, err := DecodeTombstonePayload(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("eventlog: decode tombstone payload seq %d: %w", ev.Seq, err)
	}
	tombstone := &atproto.SyncSubscribeRepos_Tombstone{
		Seq:  int64(ev.Seq),
		Did:  p.DID,
		Time: ev.Time.UTC().Format(time.RFC3339Nano),
	}
	return marshalFrame("#tombstone", tombstone)
}

func encodeHandleFrame(ev blockstore.EventRecord) ([]byte, error) {
	p, err := DecodeHandlePayload(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("eventlog: decode handle payload seq %d: %w", ev.Seq, err)
	}
	handle := &atproto.SyncSubscribeRepos_Handle{
		Seq:    int64(ev.Seq),
		Did:    p.DID,
		Handle: p.Handle,
		Time:   ev.Time.UTC().Format(time.RFC3339Nano),
	}
	return marshalFrame("#handle", handle)
}

func marshalFrame(msgType string, body interface {
	MarshalCBOR(w io.Writer) error
}) ([]byte, error) {
	var buf bytes.Buffer
	w := cbg.NewCborWriter(&buf)

	header := events.EventHeader{Op: events.EvtKindMessage, MsgType: msgType}
	if err := header.MarshalCBOR(w); err != nil {
		return nil, fmt.Errorf("eventlog: marshal header %s: %w", msgType, err)
	}
	if err := body.MarshalCBOR(w); err != nil {
		return nil, fmt.Errorf("eventlog: marshal body %s: %w", msgType, err)
	}
	return buf.Bytes(), nil
}

// EncodeErrorFrame builds a firehose error frame (EvtKindErrorFrame),
// the standard way a subscribeRepos connection tells the client why it
// is about to close — used for out-of-range and future cursors (§6, §7).
func EncodeErrorFrame(code, message string) ([]byte, error) {
	var buf bytes.Buffer
	w := cbg.NewCborWriter(&buf)

	header := events.EventHeader{Op: events.EvtKindErrorFrame}
	if err := header.MarshalCBOR(w); err != nil {
		return nil, fmt.Errorf("eventlog: marshal error header: %w", err)
	}

	body := &events.ErrorFrame{Error: code, Message: message}
	if err := body.MarshalCBOR(w); err != nil {
		return nil, fmt.Errorf("eventlog: marshal error body: %w", err)
	}

	return buf.Bytes(), nil
}

// encodeGapFrame marks a run of sequence numbers the pump gave up
// waiting for (§4.5 gap handling). It has no atproto counterpart, so
// the body is encoded with the same hand-rolled DAG-CBOR used for
// internal block shapes, framed behind the same EventHeader
// subscribers already parse.
func encodeGapFrame(fromSeq, toSeq uint64, at time.Time) ([]byte, error) {
	var buf bytes.Buffer
	w := cbg.NewCborWriter(&buf)

	header := events.EventHeader{Op: events.EvtKindMessage, MsgType: "#gap"}
	if err := header.MarshalCBOR(w); err != nil {
		return nil, fmt.Errorf("eventlog: marshal gap header: %w", err)
	}

	if err := dagcbor.WriteMapHeader(w, 3); err != nil {
		return nil, err
	}
	if err := dagcbor.WriteTextString(w, "fromSeq"); err != nil {
		return nil, err
	}
	if err := dagcbor.WriteUint(w, fromSeq); err != nil {
		return nil, err
	}
	if err := dagcbor.WriteTextString(w, "toSeq"); err != nil {
		return nil, err
	}
	if err := dagcbor.WriteUint(w, toSeq); err != nil {
		return nil, err
	}
	if err := dagcbor.WriteTextString(w, "time"); err != nil {
		return nil, err
	}
	if err := dagcbor.WriteTextString(w, at.UTC().Format(time.RFC3339Nano)); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
