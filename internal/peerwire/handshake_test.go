package peerwire

import (
	"bytes"
	"testing"
)

func TestHandshakeRoundTrip(t *testing.T) {
	infoHash := [20]byte{1, 2, 3}
	peerID := [20]byte{9, 9, 9}
	h := NewHandshake(infoHash, peerID)

	var buf bytes.Buffer
	if err := h.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if buf.Len() != 68 {
		t.Fatalf("handshake length = %d, want 68", buf.Len())
	}

	got, err := ReadHandshake(&buf)
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if got.InfoHash != infoHash || got.PeerID != peerID {
		t.Fatalf("ReadHandshake() = %+v, want info hash %x peer id %x", got, infoHash, peerID)
	}
	if !got.SupportsExtensions() {
		t.Fatal("expected SupportsExtensions to be true for NewHandshake's reserved bytes")
	}
}

func TestReadHandshakeRejectsWrongProtocolLength(t *testing.T) {
	buf := bytes.NewBuffer([]byte{5, 'h', 'e', 'l', 'l', 'o'})
	if _, err := ReadHandshake(buf); err == nil {
		t.Fatal("expected error for wrong protocol name length")
	}
}

func TestHandshakeWithoutExtensionBitDoesNotSupportExtensions(t *testing.T) {
	var h Handshake
	if h.SupportsExtensions() {
		t.Fatal("zero-value handshake should not claim extension support")
	}
}
