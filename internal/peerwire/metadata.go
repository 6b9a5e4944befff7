package peerwire

import (
	"crypto/sha1"
	"fmt"

	"serma/internal/errs"
)

// Reassembler accumulates ut_metadata pieces and produces the raw
// "info" dict once every piece has arrived, verifying it against the
// expected info-hash by SHA-1.
type Reassembler struct {
	total      int64
	numPieces  int
	pieces     [][]byte
	haveCount  int
}

// NewReassembler prepares a reassembler for a metadata blob of the given
// total size.
func NewReassembler(totalSize int64) *Reassembler {
	n := int((totalSize + MetadataPieceSize - 1) / MetadataPieceSize)
	return &Reassembler{total: totalSize, numPieces: n, pieces: make([][]byte, n)}
}

// NumPieces returns how many pieces make up the metadata blob.
func (r *Reassembler) NumPieces() int { return r.numPieces }

// HavePiece reports whether piece i has already been stored.
func (r *Reassembler) HavePiece(i int) bool {
	return i >= 0 && i < len(r.pieces) && r.pieces[i] != nil
}

// AddPiece stores piece i's data. Returns an error if i is out of range
// or the data length is inconsistent with BEP-9's fixed piece size.
func (r *Reassembler) AddPiece(i int, data []byte) error {
	if i < 0 || i >= r.numPieces {
		return fmt.Errorf("peerwire: piece index %d out of range [0,%d)", i, r.numPieces)
	}
	isLast := i == r.numPieces-1
	want := MetadataPieceSize
	if isLast {
		want = int(r.total) - i*MetadataPieceSize
	}
	if len(data) != want {
		return fmt.Errorf("peerwire: piece %d length %d, want %d", i, len(data), want)
	}
	if r.pieces[i] == nil {
		r.haveCount++
	}
	r.pieces[i] = data
	return nil
}

// Complete reports whether every piece has arrived.
func (r *Reassembler) Complete() bool { return r.haveCount == r.numPieces }

// Verify concatenates every piece and checks its SHA-1 against
// expectedInfoHash, returning the raw info dict bytes on success.
func (r *Reassembler) Verify(expectedInfoHash [20]byte) ([]byte, error) {
	if !r.Complete() {
		return nil, fmt.Errorf("peerwire: metadata incomplete: %d/%d pieces", r.haveCount, r.numPieces)
	}
	raw := make([]byte, 0, r.total)
	for _, p := range r.pieces {
		raw = append(raw, p...)
	}
	sum := sha1.Sum(raw)
	if sum != expectedInfoHash {
		err := fmt.Errorf("peerwire: metadata sha1 mismatch: got %x, want %x", sum, expectedInfoHash)
		return nil, errs.New(errs.KindHashMismatch, "peerwire.Reassembler.Verify", err)
	}
	return raw, nil
}
