package peerwire

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"serma/internal/errs"
)

func TestReassemblerVerifiesCompleteMetadata(t *testing.T) {
	info := bytes.Repeat([]byte{0x42}, MetadataPieceSize+100)
	hash := sha1.Sum(info)

	r := NewReassembler(int64(len(info)))
	if r.NumPieces() != 2 {
		t.Fatalf("NumPieces() = %d, want 2", r.NumPieces())
	}
	if err := r.AddPiece(0, info[:MetadataPieceSize]); err != nil {
		t.Fatalf("AddPiece(0): %v", err)
	}
	if r.Complete() {
		t.Fatal("expected incomplete after only piece 0")
	}
	if err := r.AddPiece(1, info[MetadataPieceSize:]); err != nil {
		t.Fatalf("AddPiece(1): %v", err)
	}
	if !r.Complete() {
		t.Fatal("expected complete after both pieces")
	}

	got, err := r.Verify(hash)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !bytes.Equal(got, info) {
		t.Fatal("Verify() returned different bytes than the original info dict")
	}
}

func TestReassemblerRejectsBadSHA1(t *testing.T) {
	info := []byte("hello metadata")
	r := NewReassembler(int64(len(info)))
	if err := r.AddPiece(0, info); err != nil {
		t.Fatalf("AddPiece: %v", err)
	}
	var wrongHash [20]byte
	_, err := r.Verify(wrongHash)
	if err == nil {
		t.Fatal("expected sha1 mismatch error")
	}
	if !errs.Is(err, errs.KindHashMismatch) {
		t.Fatalf("expected a KindHashMismatch error, got %v", err)
	}
}

func TestReassemblerRejectsWrongPieceLength(t *testing.T) {
	r := NewReassembler(MetadataPieceSize + 10)
	if err := r.AddPiece(0, make([]byte, MetadataPieceSize-1)); err == nil {
		t.Fatal("expected error for undersized non-final piece")
	}
}

func TestReassemblerRejectsOutOfRangePiece(t *testing.T) {
	r := NewReassembler(MetadataPieceSize)
	if err := r.AddPiece(5, make([]byte, MetadataPieceSize)); err == nil {
		t.Fatal("expected error for out-of-range piece index")
	}
}

func TestVerifyBeforeCompleteFails(t *testing.T) {
	r := NewReassembler(MetadataPieceSize * 2)
	if _, err := r.Verify([20]byte{}); err == nil {
		t.Fatal("expected error verifying an incomplete reassembler")
	}
}
