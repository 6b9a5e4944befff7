package enrich

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"serma/internal/bencode"
	"serma/internal/krpc"
	"serma/internal/peerwire"
)

// writeExtendedMessage frames a BEP-10 extended message the way the real
// peer wire protocol does: a 4-byte big-endian length, message id 20,
// sub-id, then payload. peerwire keeps this unexported since Serma only
// ever sends requests, never data; the test fake peer needs the data
// side too.
func writeExtendedMessage(conn net.Conn, subID byte, payload []byte) error {
	buf := make([]byte, 4+1+1+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(2+len(payload)))
	buf[4] = 20
	buf[5] = subID
	copy(buf[6:], payload)
	_, err := conn.Write(buf)
	return err
}

func TestExtractTitleReadsNameField(t *testing.T) {
	info := bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"name":         bencode.Str("ubuntu-24.04.iso"),
		"piece length": bencode.Int(262144),
	}))
	if got := extractTitle(info); got != "ubuntu-24.04.iso" {
		t.Fatalf("extractTitle() = %q, want ubuntu-24.04.iso", got)
	}
}

func TestExtractTitleMissingNameReturnsEmpty(t *testing.T) {
	info := bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"piece length": bencode.Int(16384),
	}))
	if got := extractTitle(info); got != "" {
		t.Fatalf("extractTitle() = %q, want empty", got)
	}
}

// fakePeer runs a minimal BitTorrent peer over a listener: it completes
// the BEP-3/10 handshakes and serves a single ut_metadata piece, letting
// fetchMetadata's full exchange be exercised without a live DHT or swarm.
func fakePeer(t *testing.T, ln net.Listener, infoHash [20]byte, info []byte) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	peerHS, err := peerwire.ReadHandshake(conn)
	if err != nil || peerHS.InfoHash != infoHash {
		t.Errorf("fakePeer: bad incoming handshake: %v", err)
		return
	}
	var peerID [20]byte
	if err := peerwire.NewHandshake(infoHash, peerID).Write(conn); err != nil {
		t.Errorf("fakePeer: write handshake: %v", err)
		return
	}

	id, payload, err := peerwire.ReadMessage(conn)
	if err != nil || id != 20 || len(payload) == 0 || payload[0] != 0 {
		t.Errorf("fakePeer: expected extension handshake, got id=%d err=%v", id, err)
		return
	}
	ehs, err := peerwire.ParseExtensionHandshake(payload[1:])
	if err != nil {
		t.Errorf("fakePeer: parse extension handshake: %v", err)
		return
	}
	const localUTMetadataID = 7
	// The serving side's extension handshake also declares metadata_size,
	// which peerwire.WriteExtensionHandshake never includes.
	ehsReply := bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"m":             bencode.Dict(map[string]bencode.Value{"ut_metadata": bencode.Int(localUTMetadataID)}),
		"metadata_size": bencode.Int(int64(len(info))),
	}))
	if err := writeExtendedMessage(conn, 0, ehsReply); err != nil {
		t.Errorf("fakePeer: write extension handshake: %v", err)
		return
	}
	_ = ehs

	_, reqPayload, err := peerwire.ReadMessage(conn)
	if err != nil || len(reqPayload) == 0 {
		t.Errorf("fakePeer: read metadata request: %v", err)
		return
	}
	header := bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"msg_type":   bencode.Int(1),
		"piece":      bencode.Int(0),
		"total_size": bencode.Int(int64(len(info))),
	}))
	body := append(header, info...)
	// Addressed using the id the enricher declared for itself in its own
	// extension handshake, not fakePeer's localUTMetadataID.
	if err := writeExtendedMessage(conn, 1, body); err != nil {
		t.Errorf("fakePeer: write metadata piece: %v", err)
	}
}

func TestFetchMetadataCompletesSinglePieceExchange(t *testing.T) {
	info := bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"name": bencode.Str("test-file.bin"),
	}))
	infoHash := sha1.Sum(info)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		fakePeer(t, ln, infoHash, info)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	udpAddr := &net.UDPAddr{IP: addr.IP, Port: addr.Port}

	got, err := fetchMetadata(context.Background(), udpAddr, infoHash, 2*time.Second)
	if err != nil {
		t.Fatalf("fetchMetadata: %v", err)
	}
	if string(got) != string(info) {
		t.Fatalf("fetchMetadata returned %q, want %q", got, info)
	}
	<-done
}

func TestRacePeersReturnsFirstSuccessAndIgnoresFailures(t *testing.T) {
	info := bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"name": bencode.Str("race-test.bin"),
	}))
	infoHash := sha1.Sum(info)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		fakePeer(t, ln, infoHash, info)
	}()

	goodAddr := ln.Addr().(*net.TCPAddr)
	goodUDP := &net.UDPAddr{IP: goodAddr.IP, Port: goodAddr.Port}

	// A listener closed before use: dialing its address fails immediately,
	// exercising racePeers' failure path alongside the real peer.
	deadLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadAddr := deadLn.Addr().(*net.TCPAddr)
	deadLn.Close()
	deadUDP := &net.UDPAddr{IP: deadAddr.IP, Port: deadAddr.Port}

	e := &Enricher{cfg: Config{PeerTimeout: 2 * time.Second}, log: zerolog.Nop()}
	got := e.racePeers(context.Background(), []*net.UDPAddr{deadUDP, goodUDP}, infoHash)
	if string(got) != string(info) {
		t.Fatalf("racePeers returned %q, want %q", got, info)
	}
	<-done
}

func TestRacePeersReturnsNilWhenAllFail(t *testing.T) {
	deadLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadAddr := deadLn.Addr().(*net.TCPAddr)
	deadLn.Close()
	deadUDP := &net.UDPAddr{IP: deadAddr.IP, Port: deadAddr.Port}

	e := &Enricher{cfg: Config{PeerTimeout: 500 * time.Millisecond}, log: zerolog.Nop()}
	got := e.racePeers(context.Background(), []*net.UDPAddr{deadUDP}, krpc.ID{})
	if got != nil {
		t.Fatalf("racePeers = %v, want nil", got)
	}
}
