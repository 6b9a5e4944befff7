package peerwire

import (
	"encoding/binary"
	"fmt"
	"io"

	"serma/internal/bencode"
)

// Message IDs in the base wire protocol that this package cares about.
const (
	msgExtended byte = 20
)

const extHandshakeSubID byte = 0

// MaxMetadataSize rejects absurd metadata_size claims a malicious or
// broken peer might send before any allocation happens.
const MaxMetadataSize = 16 * 1024 * 1024

// MetadataPieceSize is the fixed ut_metadata piece length (BEP-9), the
// last piece being shorter.
const MetadataPieceSize = 16 * 1024

// ReadMessage reads one length-prefixed base-protocol message. A
// zero-length message is a keep-alive, reported as (0, nil, nil).
func ReadMessage(r io.Reader) (id byte, payload []byte, err error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, fmt.Errorf("peerwire: read message length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return 0, nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, fmt.Errorf("peerwire: read message body: %w", err)
	}
	return buf[0], buf[1:], nil
}

func writeMessage(w io.Writer, id byte, payload []byte) error {
	buf := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(1+len(payload)))
	buf[4] = id
	copy(buf[5:], payload)
	_, err := w.Write(buf)
	return err
}

// WriteExtensionHandshake sends the BEP-10 handshake declaring this
// node's local ut_metadata message id.
func WriteExtensionHandshake(w io.Writer, localUTMetadataID byte) error {
	body := bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"m": bencode.Dict(map[string]bencode.Value{
			"ut_metadata": bencode.Int(int64(localUTMetadataID)),
		}),
	}))
	payload := append([]byte{extHandshakeSubID}, body...)
	return writeMessage(w, msgExtended, payload)
}

// ExtensionHandshake is the decoded peer response to our handshake.
type ExtensionHandshake struct {
	UTMetadataID byte
	MetadataSize int64
}

// ParseExtensionHandshake decodes a BEP-10 handshake payload (the bytes
// after the sub-id 0 that ReadMessage already split off).
func ParseExtensionHandshake(body []byte) (ExtensionHandshake, error) {
	v, _, err := bencode.Decode(body)
	if err != nil {
		return ExtensionHandshake{}, fmt.Errorf("peerwire: decode extension handshake: %w", err)
	}
	m, ok := v.GetDict("m")
	if !ok {
		return ExtensionHandshake{}, fmt.Errorf("peerwire: extension handshake missing m dict")
	}
	utID, ok := m.GetInt("ut_metadata")
	if !ok {
		return ExtensionHandshake{}, fmt.Errorf("peerwire: peer does not support ut_metadata")
	}
	size, _ := v.GetInt("metadata_size")
	if size > MaxMetadataSize {
		return ExtensionHandshake{}, fmt.Errorf("peerwire: metadata_size %d exceeds limit", size)
	}
	return ExtensionHandshake{UTMetadataID: byte(utID), MetadataSize: size}, nil
}

// ut_metadata message types (BEP-9).
const (
	utMetaRequest int64 = 0
	utMetaData    int64 = 1
	utMetaReject  int64 = 2
)

// WriteMetadataRequest asks peer (whose local ut_metadata id is
// peerUTMetadataID) for the metadata piece numbered piece.
func WriteMetadataRequest(w io.Writer, peerUTMetadataID byte, piece int) error {
	body := bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"msg_type": bencode.Int(utMetaRequest),
		"piece":    bencode.Int(int64(piece)),
	}))
	payload := append([]byte{peerUTMetadataID}, body...)
	return writeMessage(w, msgExtended, payload)
}

// MetadataPiece is a decoded ut_metadata data message.
type MetadataPiece struct {
	Piece     int
	TotalSize int64
	Data      []byte
	Rejected  bool
}

// ParseMetadataMessage decodes an extended-message payload (the bytes
// after the sub-id byte) addressed to our local ut_metadata id.
func ParseMetadataMessage(body []byte) (MetadataPiece, error) {
	v, n, err := bencode.Decode(body)
	if err != nil {
		return MetadataPiece{}, fmt.Errorf("peerwire: decode ut_metadata header: %w", err)
	}
	msgType, ok := v.GetInt("msg_type")
	if !ok {
		return MetadataPiece{}, fmt.Errorf("peerwire: ut_metadata message missing msg_type")
	}
	piece, _ := v.GetInt("piece")

	switch msgType {
	case utMetaReject:
		return MetadataPiece{Piece: int(piece), Rejected: true}, nil
	case utMetaData:
		total, _ := v.GetInt("total_size")
		return MetadataPiece{Piece: int(piece), TotalSize: total, Data: body[n:]}, nil
	default:
		return MetadataPiece{}, fmt.Errorf("peerwire: unexpected msg_type %d in data context", msgType)
	}
}
