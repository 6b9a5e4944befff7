// Package peerwire implements the BitTorrent peer wire protocol surface
// the enricher needs: the BEP-3 base handshake, the BEP-10 extension
// handshake, and BEP-9 ut_metadata piece exchange. It stops there
// deliberately — no piece selection, no choke/unchoke state machine, no
// persistent peer connections — because the enricher only needs the
// `info` dictionary, a well-defined early-conversation exchange
// (a full torrent client would be overkill for resolving metadata alone).
package peerwire

import (
	"fmt"
	"io"
)

const protocolName = "BitTorrent protocol"

// Handshake is the fixed 68-byte BEP-3 handshake.
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// extensionReservedByte and extensionReservedBit mark BEP-10 support in
// the handshake's reserved bytes
// (bit 20 from the right, i.e. byte 5 bit 0x10).
const extensionReservedByte = 5
const extensionReservedBit = 0x10

// NewHandshake builds a handshake advertising extension-protocol support.
func NewHandshake(infoHash, peerID [20]byte) Handshake {
	h := Handshake{InfoHash: infoHash, PeerID: peerID}
	h.Reserved[extensionReservedByte] = extensionReservedBit
	return h
}

// Write sends the handshake over w.
func (h Handshake) Write(w io.Writer) error {
	buf := make([]byte, 0, 68)
	buf = append(buf, byte(len(protocolName)))
	buf = append(buf, []byte(protocolName)...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	_, err := w.Write(buf)
	return err
}

// ReadHandshake reads and validates a peer's handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var lenByte [1]byte
	if _, err := io.ReadFull(r, lenByte[:]); err != nil {
		return Handshake{}, fmt.Errorf("peerwire: read protocol length: %w", err)
	}
	if int(lenByte[0]) != len(protocolName) {
		return Handshake{}, fmt.Errorf("peerwire: unexpected protocol name length %d", lenByte[0])
	}
	proto := make([]byte, lenByte[0])
	if _, err := io.ReadFull(r, proto); err != nil {
		return Handshake{}, fmt.Errorf("peerwire: read protocol name: %w", err)
	}
	if string(proto) != protocolName {
		return Handshake{}, fmt.Errorf("peerwire: unexpected protocol name %q", proto)
	}
	var h Handshake
	if _, err := io.ReadFull(r, h.Reserved[:]); err != nil {
		return Handshake{}, fmt.Errorf("peerwire: read reserved bytes: %w", err)
	}
	if _, err := io.ReadFull(r, h.InfoHash[:]); err != nil {
		return Handshake{}, fmt.Errorf("peerwire: read info hash: %w", err)
	}
	if _, err := io.ReadFull(r, h.PeerID[:]); err != nil {
		return Handshake{}, fmt.Errorf("peerwire: read peer id: %w", err)
	}
	return h, nil
}

// SupportsExtensions reports whether the peer's reserved bytes declare
// BEP-10 support.
func (h Handshake) SupportsExtensions() bool {
	return h.Reserved[extensionReservedByte]&extensionReservedBit != 0
}
