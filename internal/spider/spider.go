// Package spider runs the DHT node that harvests info-hashes from
// inbound get_peers/announce_peer traffic. It never issues get_peers
// queries of its own and never claims to have peers —
// it only answers queries correctly enough to stay reachable, and reads
// every info_hash argument that passes through it. Ported from the
// reference implementation's spider.rs bootstrap/known-nodes/seen-hashes
// loop, translated from its hand-rolled BencParser into
// internal/bencode+internal/krpc.
package spider

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"serma/internal/bloomfilter"
	"serma/internal/dht"
	"serma/internal/krpc"
	"serma/internal/storage"
)

// Config tunes the spider's behavior.
type Config struct {
	Port          int
	NodeID        krpc.ID
	Bootstrap     []string
	MaxKnownNodes int
	BloomItems    uint
	BloomFPRate   float64

	// WalkInterval is how often the walker sends a probe to a random
	// sample of the routing table. Defaults to one second.
	WalkInterval time.Duration
	// WalkSampleSize is how many contacts the walker probes per tick.
	WalkSampleSize int
	// RebootstrapCheck is how often the table size is checked against
	// RebootstrapThreshold.
	RebootstrapCheck time.Duration
	// RebootstrapThreshold re-runs bootstrap once the table shrinks
	// below this many contacts. Zero disables the shrinkage trigger;
	// bootstrap still always runs once at startup.
	RebootstrapThreshold int
}

// Spider owns the DHT socket, routing table and sighting dedup filter.
type Spider struct {
	cfg    Config
	store  *storage.Store
	log    zerolog.Logger
	table  *dht.Table
	seen   *bloomfilter.Filter
	trans  dht.Datagrammer
	onHash func(infoHashHex string)

	mu      sync.Mutex
	txnCtr  uint32
	walkCtr uint32

	// malformed counts inbound datagrams that failed to decode as KRPC,
	// e.g. garbage UDP traffic or a corrupted packet.
	malformed uint64
}

// New creates a Spider bound to trans (a direct UDP socket or a SOCKS5
// tunnel).
func New(cfg Config, trans dht.Datagrammer, store *storage.Store, log zerolog.Logger) *Spider {
	return &Spider{
		cfg:   cfg,
		store: store,
		log:   log,
		table: dht.NewTable(cfg.NodeID, cfg.MaxKnownNodes),
		seen:  bloomfilter.New(cfg.BloomItems, cfg.BloomFPRate),
		trans: trans,
	}
}

// Run drives the receive loop, the periodic walker, and the shrinkage
// watchdog until ctx is cancelled. Bootstrap runs once at startup and
// again whenever the watchdog finds the table has shrunk below
// cfg.RebootstrapThreshold; the walker runs independently of both, on
// its own short tick, probing a random sample of the table rather than
// the bootstrap host list.
func (s *Spider) Run(ctx context.Context) error {
	s.bootstrap()

	walkInterval := s.cfg.WalkInterval
	if walkInterval <= 0 {
		walkInterval = time.Second
	}
	walkTicker := time.NewTicker(walkInterval)
	defer walkTicker.Stop()

	checkInterval := s.cfg.RebootstrapCheck
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	checkTicker := time.NewTicker(checkInterval)
	defer checkTicker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.receiveLoop(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			s.trans.Close()
			<-done
			return nil
		case <-walkTicker.C:
			s.walkTick()
		case <-checkTicker.C:
			s.maybeRebootstrap()
		}
	}
}

func (s *Spider) receiveLoop(ctx context.Context) {
	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return
		}
		n, from, err := s.trans.ReceiveFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Debug().Err(err).Msg("spider: receive error")
			continue
		}
		s.handleDatagram(buf[:n], from)
	}
}

func (s *Spider) handleDatagram(raw []byte, from *net.UDPAddr) {
	msg, err := krpc.Decode(raw)
	if err != nil {
		atomic.AddUint64(&s.malformed, 1)
		return // malformed packets are silently dropped
	}

	switch msg.Type {
	case krpc.TypeQuery:
		s.handleQuery(msg, from)
	case krpc.TypeResponse:
		s.handleResponse(msg, from)
	}
}

func (s *Spider) handleQuery(msg krpc.Msg, from *net.UDPAddr) {
	s.table.Update(dht.Contact{ID: msg.ArgsID, Addr: from.String(), LastSeen: time.Now(), Good: true})

	switch msg.Q {
	case krpc.QueryGetPeers:
		s.ingestHash(msg.ArgsInfoHash)
		closest := s.table.Closest(msg.ArgsInfoHash, 8)
		resp := krpc.GetPeersResponse(msg.TxnID, s.cfg.NodeID, token(msg.ArgsInfoHash), toNodeInfos(closest))
		s.send(resp, from)
	case krpc.QueryAnnouncePeer:
		s.ingestHash(msg.ArgsInfoHash)
		s.send(krpc.AnnouncePeerResponse(msg.TxnID, s.cfg.NodeID), from)
	case krpc.QueryFindNode:
		closest := s.table.Closest(msg.ArgsTarget, 8)
		s.send(krpc.FindNodeResponse(msg.TxnID, s.cfg.NodeID, toNodeInfos(closest)), from)
	case krpc.QueryPing:
		s.send(krpc.AnnouncePeerResponse(msg.TxnID, s.cfg.NodeID), from)
	case krpc.QuerySampleInfohashes:
		// This node never claims to have any; still return useful
		// routing hints.
		closest := s.table.Closest(msg.ArgsTarget, 8)
		s.send(krpc.SampleInfohashesResponse(msg.TxnID, s.cfg.NodeID, toNodeInfos(closest)), from)
	}
}

func (s *Spider) handleResponse(msg krpc.Msg, from *net.UDPAddr) {
	s.table.Update(dht.Contact{ID: msg.RespID, Addr: from.String(), LastSeen: time.Now(), Good: true})
	for _, n := range msg.RespNodes {
		addr := &net.UDPAddr{IP: net.IP(n.IP[:]), Port: int(n.Port)}
		s.table.Update(dht.Contact{ID: n.ID, Addr: addr.String(), LastSeen: time.Now()})
	}
	// A sample_infohashes reply is a real discovery channel too; feed
	// it through the same dedup path as inbound queries.
	for _, sample := range msg.RespSamples {
		s.ingestHash(sample)
	}
}

func (s *Spider) ingestHash(hash krpc.ID) {
	if hash == (krpc.ID{}) {
		return
	}
	if s.seen.TestAndAdd(hash.Bytes()) {
		return
	}
	if _, err := s.store.UpsertSighting(hash.String()); err != nil {
		s.log.Warn().Err(err).Str("hash", hash.String()).Msg("spider: upsert sighting failed")
		return
	}
	if s.onHash != nil {
		s.onHash(hash.String())
	}
}

// OnHash registers a callback invoked once per newly-sighted info-hash,
// used to wake the enricher's storage scan early rather than waiting out
// its idle sleep.
func (s *Spider) OnHash(fn func(infoHashHex string)) { s.onHash = fn }

// MalformedCount returns the number of inbound datagrams that failed
// KRPC decoding since the spider started.
func (s *Spider) MalformedCount() uint64 { return atomic.LoadUint64(&s.malformed) }

// bootstrap seeds the table from the configured bootstrap hosts and
// sends find_node to each one, both at startup and whenever
// maybeRebootstrap finds the table has shrunk too far.
func (s *Spider) bootstrap() {
	dht.Bootstrap(s.table, s.cfg.Bootstrap)
	for _, h := range s.cfg.Bootstrap {
		addr, err := net.ResolveUDPAddr("udp", h)
		if err != nil {
			continue
		}
		s.send(krpc.FindNodeQuery(s.nextTxnID(), s.cfg.NodeID, randomID()), addr)
	}
}

// maybeRebootstrap re-runs bootstrap once the table has shrunk below
// cfg.RebootstrapThreshold. A threshold of zero disables this check.
func (s *Spider) maybeRebootstrap() {
	if s.cfg.RebootstrapThreshold <= 0 {
		return
	}
	if s.table.Len() < s.cfg.RebootstrapThreshold {
		s.log.Info().Int("size", s.table.Len()).Msg("spider: routing table shrank, rebootstrapping")
		s.bootstrap()
	}
}

// walkTick probes a small random sample of the table with find_node or
// sample_infohashes, alternating between the two so both keep the table
// fresh and occasionally surface hashes via BEP-51.
func (s *Spider) walkTick() {
	sampleSize := s.cfg.WalkSampleSize
	if sampleSize <= 0 {
		sampleSize = 8
	}
	useSample := s.nextWalkTick()%2 == 0
	for _, c := range s.table.RandomSample(sampleSize) {
		addr, err := net.ResolveUDPAddr("udp", c.Addr)
		if err != nil {
			continue
		}
		if useSample {
			s.send(krpc.SampleInfohashesQuery(s.nextTxnID(), s.cfg.NodeID, randomID()), addr)
		} else {
			s.send(krpc.FindNodeQuery(s.nextTxnID(), s.cfg.NodeID, randomID()), addr)
		}
	}
}

func (s *Spider) nextWalkTick() uint32 {
	s.mu.Lock()
	s.walkCtr++
	n := s.walkCtr
	s.mu.Unlock()
	return n
}

func (s *Spider) send(payload []byte, to *net.UDPAddr) {
	if _, err := s.trans.SendTo(payload, to); err != nil {
		s.log.Debug().Err(err).Msg("spider: send error")
	}
}

func (s *Spider) nextTxnID() string {
	s.mu.Lock()
	s.txnCtr++
	id := s.txnCtr
	s.mu.Unlock()
	return strconv.Itoa(int(id))
}

func toNodeInfos(contacts []dht.Contact) []krpc.NodeInfo {
	out := make([]krpc.NodeInfo, 0, len(contacts))
	for _, c := range contacts {
		addr, err := net.ResolveUDPAddr("udp", c.Addr)
		if err != nil || addr.IP.To4() == nil {
			continue
		}
		var n krpc.NodeInfo
		n.ID = c.ID
		copy(n.IP[:], addr.IP.To4())
		n.Port = uint16(addr.Port)
		out = append(out, n)
	}
	return out
}

func randomID() krpc.ID {
	var id krpc.ID
	// crypto-grade randomness is unnecessary here: this id only seeds
	// find_node and sample_infohashes targets, never authenticates
	// anything.
	now := time.Now().UnixNano()
	for i := range id {
		id[i] = byte(now >> (uint(i%8) * 8))
		now = now*6364136223846793005 + 1
	}
	return id
}

// token derives a get_peers announce token from the queried info-hash.
// A constant-ish, cheap-to-verify token is sufficient here: this spider
// never uses the token itself (it never issues announce_peer), it only
// has to echo something a well-behaved peer will return unmodified.
func token(infoHash krpc.ID) []byte {
	return infoHash[:4]
}
