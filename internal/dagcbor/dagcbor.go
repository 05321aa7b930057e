// Package dagcbor implements the small, deterministic subset of DAG-CBOR
// needed to encode and decode the repo's content-addressed block shapes:
// MST nodes and commit objects. Both have a fixed, known field layout, so
// a hand-rolled encoder/decoder is simpler and more auditable here than
// threading them through a generic reflection-based CBOR library — the
// surrounding codebase still reaches for cbor-gen and indigo's generated
// types wherever the shape isn't bespoke (firehose frames, signing).
//
// Encoding follows the DAG-CBOR convention used throughout IPLD: maps use
// definite-length major type 5 with text-string keys in the order given,
// and CID links are tag 42 over a byte string whose first byte is the
// identity multibase prefix (0x00) followed by the raw CID bytes.
package dagcbor

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
)

const cidLinkTag = 42

// --- Writing ---

func writeHeader(w io.Writer, major byte, n uint64) error {
	mt := major << 5
	switch {
	case n < 24:
		_, err := w.Write([]byte{mt | byte(n)})
		return err
	case n <= 0xff:
		_, err := w.Write([]byte{mt | 24, byte(n)})
		return err
	case n <= 0xffff:
		var buf [3]byte
		buf[0] = mt | 25
		binary.BigEndian.PutUint16(buf[1:], uint16(n))
		_, err := w.Write(buf[:])
		return err
	case n <= 0xffffffff:
		var buf [5]byte
		buf[0] = mt | 26
		binary.BigEndian.PutUint32(buf[1:], uint32(n))
		_, err := w.Write(buf[:])
		return err
	default:
		var buf [9]byte
		buf[0] = mt | 27
		binary.BigEndian.PutUint64(buf[1:], n)
		_, err := w.Write(buf[:])
		return err
	}
}

// WriteMapHeader writes a definite-length map header with n key/value pairs.
func WriteMapHeader(w io.Writer, n int) error { return writeHeader(w, 5, uint64(n)) }

// WriteArrayHeader writes a definite-length array header with n elements.
func WriteArrayHeader(w io.Writer, n int) error { return writeHeader(w, 4, uint64(n)) }

// WriteTextString writes a CBOR text string (major type 3).
func WriteTextString(w io.Writer, s string) error {
	if err := writeHeader(w, 3, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// WriteByteString writes a CBOR byte string (major type 2).
func WriteByteString(w io.Writer, b []byte) error {
	if err := writeHeader(w, 2, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// WriteUint writes an unsigned integer (major type 0).
func WriteUint(w io.Writer, v uint64) error { return writeHeader(w, 0, v) }

// WriteNull writes the CBOR null simple value.
func WriteNull(w io.Writer) error {
	_, err := w.Write([]byte{0xf6})
	return err
}

// WriteBool writes a CBOR boolean.
func WriteBool(w io.Writer, v bool) error {
	b := byte(0xf4)
	if v {
		b = 0xf5
	}
	_, err := w.Write([]byte{b})
	return err
}

// WriteLink writes a CID as a DAG-CBOR tag-42 link.
func WriteLink(w io.Writer, c cid.Cid) error {
	if err := writeHeader(w, 6, cidLinkTag); err != nil {
		return err
	}
	raw := c.Bytes()
	buf := make([]byte, len(raw)+1)
	buf[0] = 0x00 // identity multibase prefix, per dag-cbor link convention
	copy(buf[1:], raw)
	return WriteByteString(w, buf)
}

// WriteNullableLink writes either a link or null.
func WriteNullableLink(w io.Writer, c *cid.Cid) error {
	if c == nil {
		return WriteNull(w)
	}
	return WriteLink(w, *c)
}

// --- Reading ---

// Reader decodes the DAG-CBOR subset written above.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r for decoding.
func NewReader(r io.Reader) *Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return &Reader{br: br}
	}
	return &Reader{br: bufio.NewReader(r)}
}

func (r *Reader) readHeader() (byte, uint64, error) {
	b, err := r.br.ReadByte()
	if err != nil {
		return 0, 0, err
	}
	major := b >> 5
	low := b & 0x1f
	switch {
	case low < 24:
		return major, uint64(low), nil
	case low == 24:
		b2, err := r.br.ReadByte()
		return major, uint64(b2), err
	case low == 25:
		var buf [2]byte
		if _, err := io.ReadFull(r.br, buf[:]); err != nil {
			return 0, 0, err
		}
		return major, uint64(binary.BigEndian.Uint16(buf[:])), nil
	case low == 26:
		var buf [4]byte
		if _, err := io.ReadFull(r.br, buf[:]); err != nil {
			return 0, 0, err
		}
		return major, uint64(binary.BigEndian.Uint32(buf[:])), nil
	case low == 27:
		var buf [8]byte
		if _, err := io.ReadFull(r.br, buf[:]); err != nil {
			return 0, 0, err
		}
		return major, binary.BigEndian.Uint64(buf[:]), nil
	default:
		return 0, 0, fmt.Errorf("dagcbor: unsupported additional info %d", low)
	}
}

// ReadMapHeader reads a map header and returns the number of entries.
func (r *Reader) ReadMapHeader() (int, error) {
	major, n, err := r.readHeader()
	if err != nil {
		return 0, err
	}
	if major != 5 {
		return 0, fmt.Errorf("dagcbor: expected map, got major type %d", major)
	}
	return int(n), nil
}

// ReadArrayHeader reads an array header and returns the element count.
func (r *Reader) ReadArrayHeader() (int, error) {
	major, n, err := r.readHeader()
	if err != nil {
		return 0, err
	}
	if major != 4 {
		return 0, fmt.Errorf("dagcbor: expected array, got major type %d", major)
	}
	return int(n), nil
}

// ReadTextString reads a text string.
func (r *Reader) ReadTextString() (string, error) {
	major, n, err := r.readHeader()
	if err != nil {
		return "", err
	}
	if major != 3 {
		return "", fmt.Errorf("dagcbor: expected text string, got major type %d", major)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.br, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// ReadByteString reads a byte string.
func (r *Reader) ReadByteString() ([]byte, error) {
	major, n, err := r.readHeader()
	if err != nil {
		return nil, err
	}
	if major != 2 {
		return nil, fmt.Errorf("dagcbor: expected byte string, got major type %d", major)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadUint reads an unsigned integer.
func (r *Reader) ReadUint() (uint64, error) {
	major, n, err := r.readHeader()
	if err != nil {
		return 0, err
	}
	if major != 0 {
		return 0, fmt.Errorf("dagcbor: expected uint, got major type %d", major)
	}
	return n, nil
}

// ReadBool reads a CBOR boolean simple value.
func (r *Reader) ReadBool() (bool, error) {
	b, err := r.br.ReadByte()
	if err != nil {
		return false, err
	}
	switch b {
	case 0xf4:
		return false, nil
	case 0xf5:
		return true, nil
	default:
		return false, fmt.Errorf("dagcbor: expected bool, got byte 0x%02x", b)
	}
}

// PeekIsNull reports whether the next value is the CBOR null simple value,
// without consuming it unless it is.
func (r *Reader) PeekIsNull() (bool, error) {
	b, err := r.br.Peek(1)
	if err != nil {
		return false, err
	}
	if b[0] == 0xf6 {
		_, _ = r.br.ReadByte()
		return true, nil
	}
	return false, nil
}

// ReadLink reads a tag-42 CID link.
func (r *Reader) ReadLink() (cid.Cid, error) {
	major, tag, err := r.readHeader()
	if err != nil {
		return cid.Undef, err
	}
	if major != 6 || tag != cidLinkTag {
		return cid.Undef, fmt.Errorf("dagcbor: expected cid link tag, got major=%d tag=%d", major, tag)
	}
	raw, err := r.ReadByteString()
	if err != nil {
		return cid.Undef, err
	}
	if len(raw) == 0 || raw[0] != 0x00 {
		return cid.Undef, fmt.Errorf("dagcbor: malformed cid link bytes")
	}
	return cid.Cast(raw[1:])
}

// ReadNullableLink reads either a link or null, returning a nil pointer for null.
func (r *Reader) ReadNullableLink() (*cid.Cid, error) {
	isNull, err := r.PeekIsNull()
	if err != nil {
		return nil, err
	}
	if isNull {
		return nil, nil
	}
	c, err := r.ReadLink()
	if err != nil {
		return nil, err
	}
	return &c, nil
}
