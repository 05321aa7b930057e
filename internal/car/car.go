// Package car provides CAR v1 read/write helpers shared by repo export
// and firehose commit payloads, adapting the teacher's ExportCAR /
// ExportDiffCAR pair to stream over an arbitrary set of (cid, bytes)
// pairs rather than a fixed in-memory blockstore.
package car

import (
	"bufio"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	gocar "github.com/ipld/go-car"
	carutil "github.com/ipld/go-car/util"
)

// Block is a single content-addressed block to include in a CAR archive.
type Block struct {
	CID  cid.Cid
	Data []byte
}

// WriteCAR writes a CAR v1 archive with the given root and blocks. The
// root's own block, if present in blocks, is written first so a
// streaming reader can act on it before the rest of the archive arrives.
func WriteCAR(w io.Writer, root cid.Cid, blocks []Block) error {
	h := &gocar.CarHeader{
		Roots:   []cid.Cid{root},
		Version: 1,
	}
	if err := gocar.WriteHeader(h, w); err != nil {
		return fmt.Errorf("car: write header: %w", err)
	}

	wrote := false
	for _, b := range blocks {
		if b.CID.Equals(root) {
			if err := carutil.LdWrite(w, b.CID.Bytes(), b.Data); err != nil {
				return fmt.Errorf("car: write root block: %w", err)
			}
			wrote = true
			break
		}
	}
	if !wrote {
		return fmt.Errorf("car: root block %s not present in block set", root)
	}

	for _, b := range blocks {
		if b.CID.Equals(root) {
			continue
		}
		if err := carutil.LdWrite(w, b.CID.Bytes(), b.Data); err != nil {
			return fmt.Errorf("car: write block %s: %w", b.CID, err)
		}
	}
	return nil
}

// ReadCAR reads a full CAR v1 archive, returning its declared roots and
// every block in archive order. No package in this module calls it.
func ReadCAR(r io.Reader) (roots []cid.Cid, blocks []Block, err error) {
	br := bufio.NewReader(r)
	h, err := gocar.ReadHeader(br)
	if err != nil {
		return nil, nil, fmt.Errorf("car: read header: %w", err)
	}
	if h.Version != 1 {
		return nil, nil, fmt.Errorf("car: unsupported version %d", h.Version)
	}

	for {
		c, data, err := carutil.ReadNode(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("car: read block: %w", err)
		}
		blocks = append(blocks, Block{CID: c, Data: data})
	}
	return h.Roots, blocks, nil
}
