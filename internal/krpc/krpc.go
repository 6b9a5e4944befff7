// Package krpc encodes and decodes the KRPC messages the DHT speaks:
// ping, find_node, get_peers, announce_peer, and BEP-51's
// sample_infohashes, plus their responses and errors. Message shapes
// follow the struct layout other bencode-over-DHT implementations in
// the wild use (bencode:"..." tags with omitempty for optional fields),
// even though encoding here goes through internal/bencode's Value tree
// rather than reflection-based struct tags.
package krpc

import (
	"crypto/rand"
	"fmt"

	"serma/internal/bencode"
)

// ID is a 20-byte DHT node/info-hash identifier.
type ID [20]byte

func (id ID) String() string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 40)
	for i, b := range id {
		out[i*2] = hexdigits[b>>4]
		out[i*2+1] = hexdigits[b&0xf]
	}
	return string(out)
}

func (id ID) Bytes() []byte { return id[:] }

// ParseID decodes a 40-character hex string into an ID.
func ParseID(hex string) (ID, error) {
	var id ID
	if len(hex) != 40 {
		return id, fmt.Errorf("krpc: id %q is not 40 hex characters", hex)
	}
	for i := 0; i < 20; i++ {
		hi, err := hexVal(hex[i*2])
		if err != nil {
			return id, err
		}
		lo, err := hexVal(hex[i*2+1])
		if err != nil {
			return id, err
		}
		id[i] = hi<<4 | lo
	}
	return id, nil
}

func hexVal(b byte) (byte, error) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', nil
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, nil
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("krpc: invalid hex digit %q", b)
	}
}

// RandomID generates a random 20-byte identifier, suitable for this
// node's own DHT identity when none is configured.
func RandomID() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("krpc: generate random id: %w", err)
	}
	return id, nil
}

// Xor returns the XOR distance between id and other.
func (id ID) Xor(other ID) ID {
	var out ID
	for i := range id {
		out[i] = id[i] ^ other[i]
	}
	return out
}

// Less orders IDs as big-endian integers, used to compare XOR distances.
func (id ID) Less(other ID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// MsgType is the "y" field: query, response, or error.
type MsgType string

const (
	TypeQuery    MsgType = "q"
	TypeResponse MsgType = "r"
	TypeError    MsgType = "e"
)

// Query names the "q" field.
type Query string

const (
	QueryPing             Query = "ping"
	QueryFindNode         Query = "find_node"
	QueryGetPeers         Query = "get_peers"
	QueryAnnouncePeer     Query = "announce_peer"
	QuerySampleInfohashes Query = "sample_infohashes"
)

// Msg is a decoded KRPC message. The fields actually populated depend on
// Type and Q; callers inspect Args/Response/Error as appropriate.
type Msg struct {
	TxnID string
	Type  MsgType
	Q     Query

	// Args, present on queries.
	ArgsID       ID
	ArgsTarget   ID
	ArgsInfoHash ID
	ArgsToken    []byte
	ArgsPort     int
	ArgsImpliedPort bool

	// Response fields.
	RespID     ID
	RespNodes  []NodeInfo
	RespToken  []byte
	RespValues []CompactPeer
	// sample_infohashes response extras.
	RespInterval  int64
	RespAvailable int64
	RespSamples   []ID

	// Error fields.
	ErrCode int64
	ErrMsg  string
}

// NodeInfo is a compact 26-byte node/IP/port triple as carried in
// "nodes" fields.
type NodeInfo struct {
	ID   ID
	IP   [4]byte
	Port uint16
}

// CompactPeer is a compact 6-byte IP/port pair as carried in get_peers
// "values" responses.
type CompactPeer struct {
	IP   [4]byte
	Port uint16
}

// Decode parses a raw KRPC message.
func Decode(raw []byte) (Msg, error) {
	v, _, err := bencode.Decode(raw)
	if err != nil {
		return Msg{}, fmt.Errorf("krpc: decode: %w", err)
	}
	if v.Kind != bencode.KindDict {
		return Msg{}, fmt.Errorf("krpc: top-level value is not a dict")
	}
	var m Msg
	t, ok := v.GetString("t")
	if !ok {
		return Msg{}, fmt.Errorf("krpc: missing transaction id")
	}
	m.TxnID = string(t)

	y, ok := v.GetString("y")
	if !ok {
		return Msg{}, fmt.Errorf("krpc: missing message type")
	}
	m.Type = MsgType(y)

	switch m.Type {
	case TypeQuery:
		q, ok := v.GetString("q")
		if !ok {
			return Msg{}, fmt.Errorf("krpc: query missing q")
		}
		m.Q = Query(q)
		a, ok := v.GetDict("a")
		if !ok {
			return Msg{}, fmt.Errorf("krpc: query missing a")
		}
		if id, ok := a.GetString("id"); ok {
			copy(m.ArgsID[:], id)
		}
		if target, ok := a.GetString("target"); ok {
			copy(m.ArgsTarget[:], target)
		}
		if ih, ok := a.GetString("info_hash"); ok {
			copy(m.ArgsInfoHash[:], ih)
		}
		if tok, ok := a.GetString("token"); ok {
			m.ArgsToken = tok
		}
		if port, ok := a.GetInt("port"); ok {
			m.ArgsPort = int(port)
		}
		if ip, ok := a.GetInt("implied_port"); ok {
			m.ArgsImpliedPort = ip != 0
		}
	case TypeResponse:
		r, ok := v.GetDict("r")
		if !ok {
			return Msg{}, fmt.Errorf("krpc: response missing r")
		}
		if id, ok := r.GetString("id"); ok {
			copy(m.RespID[:], id)
		}
		if nodes, ok := r.GetString("nodes"); ok {
			m.RespNodes = decodeCompactNodes(nodes)
		}
		if tok, ok := r.GetString("token"); ok {
			m.RespToken = tok
		}
		if values, ok := r.GetList("values"); ok {
			for _, val := range values {
				if val.Kind == bencode.KindString && len(val.Str) == 6 {
					m.RespValues = append(m.RespValues, decodeCompactPeer(val.Str))
				}
			}
		}
		if interval, ok := r.GetInt("interval"); ok {
			m.RespInterval = interval
		}
		if avail, ok := r.GetInt("num"); ok {
			m.RespAvailable = avail
		}
		if samples, ok := r.GetString("samples"); ok {
			for i := 0; i+20 <= len(samples); i += 20 {
				var id ID
				copy(id[:], samples[i:i+20])
				m.RespSamples = append(m.RespSamples, id)
			}
		}
	case TypeError:
		e, ok := v.GetDict("e")
		_ = ok
		if e.Kind == bencode.KindList && len(e.List) >= 2 {
			if e.List[0].Kind == bencode.KindInt {
				m.ErrCode = e.List[0].Int
			}
			if e.List[1].Kind == bencode.KindString {
				m.ErrMsg = string(e.List[1].Str)
			}
		}
	default:
		return Msg{}, fmt.Errorf("krpc: unknown message type %q", m.Type)
	}
	return m, nil
}

func decodeCompactNodes(b []byte) []NodeInfo {
	var out []NodeInfo
	for i := 0; i+26 <= len(b); i += 26 {
		var n NodeInfo
		copy(n.ID[:], b[i:i+20])
		copy(n.IP[:], b[i+20:i+24])
		n.Port = uint16(b[i+24])<<8 | uint16(b[i+25])
		out = append(out, n)
	}
	return out
}

func decodeCompactPeer(b []byte) CompactPeer {
	var p CompactPeer
	copy(p.IP[:], b[0:4])
	p.Port = uint16(b[4])<<8 | uint16(b[5])
	return p
}

func encodeCompactNodes(nodes []NodeInfo) []byte {
	out := make([]byte, 0, len(nodes)*26)
	for _, n := range nodes {
		out = append(out, n.ID[:]...)
		out = append(out, n.IP[:]...)
		out = append(out, byte(n.Port>>8), byte(n.Port))
	}
	return out
}

// PingQuery builds a ping query.
func PingQuery(txnID string, from ID) []byte {
	return bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"t": bencode.Str(txnID),
		"y": bencode.Str(string(TypeQuery)),
		"q": bencode.Str(string(QueryPing)),
		"a": bencode.Dict(map[string]bencode.Value{"id": bencode.Str(string(from[:]))}),
	}))
}

// FindNodeQuery builds a find_node query.
func FindNodeQuery(txnID string, from, target ID) []byte {
	return bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"t": bencode.Str(txnID),
		"y": bencode.Str(string(TypeQuery)),
		"q": bencode.Str(string(QueryFindNode)),
		"a": bencode.Dict(map[string]bencode.Value{
			"id":     bencode.Str(string(from[:])),
			"target": bencode.Str(string(target[:])),
		}),
	}))
}

// GetPeersQuery builds a get_peers query.
func GetPeersQuery(txnID string, from, infoHash ID) []byte {
	return bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"t": bencode.Str(txnID),
		"y": bencode.Str(string(TypeQuery)),
		"q": bencode.Str(string(QueryGetPeers)),
		"a": bencode.Dict(map[string]bencode.Value{
			"id":        bencode.Str(string(from[:])),
			"info_hash": bencode.Str(string(infoHash[:])),
		}),
	}))
}

// SampleInfohashesQuery builds a BEP-51 sample_infohashes query.
func SampleInfohashesQuery(txnID string, from, target ID) []byte {
	return bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"t": bencode.Str(txnID),
		"y": bencode.Str(string(TypeQuery)),
		"q": bencode.Str(string(QuerySampleInfohashes)),
		"a": bencode.Dict(map[string]bencode.Value{
			"id":     bencode.Str(string(from[:])),
			"target": bencode.Str(string(target[:])),
		}),
	}))
}

// FindNodeResponse builds a find_node/ping-style response carrying the
// K closest known nodes.
func FindNodeResponse(txnID string, id ID, nodes []NodeInfo) []byte {
	return bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"t": bencode.Str(txnID),
		"y": bencode.Str(string(TypeResponse)),
		"r": bencode.Dict(map[string]bencode.Value{
			"id":    bencode.Str(string(id[:])),
			"nodes": bencode.Str(string(encodeCompactNodes(nodes))),
		}),
	}))
}

// GetPeersResponse builds the "never claim to have peers" response:
// closest nodes plus a token, no values.
func GetPeersResponse(txnID string, id ID, token []byte, nodes []NodeInfo) []byte {
	return bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"t": bencode.Str(txnID),
		"y": bencode.Str(string(TypeResponse)),
		"r": bencode.Dict(map[string]bencode.Value{
			"id":    bencode.Str(string(id[:])),
			"token": bencode.Str(string(token)),
			"nodes": bencode.Str(string(encodeCompactNodes(nodes))),
		}),
	}))
}

// AnnouncePeerResponse acknowledges an announce_peer query.
func AnnouncePeerResponse(txnID string, id ID) []byte {
	return bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"t": bencode.Str(txnID),
		"y": bencode.Str(string(TypeResponse)),
		"r": bencode.Dict(map[string]bencode.Value{
			"id": bencode.Str(string(id[:])),
		}),
	}))
}

// SampleInfohashesResponse builds an empty-sample BEP-51 response: this
// node never claims to have any info-hashes available.
func SampleInfohashesResponse(txnID string, id ID, nodes []NodeInfo) []byte {
	return bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"t": bencode.Str(txnID),
		"y": bencode.Str(string(TypeResponse)),
		"r": bencode.Dict(map[string]bencode.Value{
			"id":       bencode.Str(string(id[:])),
			"interval": bencode.Int(21600),
			"num":      bencode.Int(0),
			"samples":  bencode.Str(""),
			"nodes":    bencode.Str(string(encodeCompactNodes(nodes))),
		}),
	}))
}
