package enrich

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"serma/internal/dht"
	"serma/internal/krpc"
)

// lookup runs an iterative Kademlia get_peers lookup for infoHash: it
// queries the closest known contacts, folds newly-learned nodes back
// into the candidate set, and collects every peer address any queried
// node returns, until it has enough peers, runs out of fresh candidates,
// or the context expires.
type lookup struct {
	trans   dht.Datagrammer
	table   *dht.Table
	localID krpc.ID
	txnCtr  atomic.Uint32

	mu      sync.Mutex
	pending map[string]chan krpc.Msg
}

func newLookup(trans dht.Datagrammer, table *dht.Table, localID krpc.ID) *lookup {
	l := &lookup{trans: trans, table: table, localID: localID, pending: make(map[string]chan krpc.Msg)}
	return l
}

// serveResponses must run in its own goroutine for the lifetime of the
// enricher: it demultiplexes inbound datagrams to whichever lookup
// issued the matching transaction id.
func (l *lookup) serveResponses(ctx context.Context) {
	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return
		}
		n, _, err := l.trans.ReceiveFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		msg, err := krpc.Decode(buf[:n])
		if err != nil || msg.Type != krpc.TypeResponse {
			continue
		}
		l.mu.Lock()
		ch, ok := l.pending[msg.TxnID]
		l.mu.Unlock()
		if ok {
			select {
			case ch <- msg:
			default:
			}
		}
	}
}

func (l *lookup) nextTxnID() string {
	return strconv.FormatUint(uint64(l.txnCtr.Add(1)), 10)
}

// GetPeers runs the iterative lookup, returning up to wantPeers unique
// peer addresses.
func (l *lookup) GetPeers(ctx context.Context, infoHash krpc.ID, wantPeers, maxIterations int, perQueryTimeout time.Duration) []*net.UDPAddr {
	var (
		peersMu sync.Mutex
		peers   []*net.UDPAddr
		seen    = make(map[string]bool)
	)

	candidates := l.table.Closest(infoHash, 8)
	queried := make(map[string]bool)

	for iter := 0; iter < maxIterations && len(candidates) > 0; iter++ {
		if ctx.Err() != nil {
			break
		}
		batch := candidates
		candidates = nil

		var wg sync.WaitGroup
		for _, c := range batch {
			if queried[c.Addr] {
				continue
			}
			queried[c.Addr] = true
			addr, err := net.ResolveUDPAddr("udp", c.Addr)
			if err != nil {
				continue
			}

			wg.Add(1)
			go func(addr *net.UDPAddr) {
				defer wg.Done()
				msg, ok := l.queryOne(ctx, infoHash, addr, perQueryTimeout)
				if !ok {
					return
				}
				for _, v := range msg.RespValues {
					a := &net.UDPAddr{IP: net.IP(v.IP[:]), Port: int(v.Port)}
					key := a.String()
					peersMu.Lock()
					if !seen[key] {
						seen[key] = true
						peers = append(peers, a)
					}
					peersMu.Unlock()
				}
				for _, n := range msg.RespNodes {
					nAddr := &net.UDPAddr{IP: net.IP(n.IP[:]), Port: int(n.Port)}
					contact := dht.Contact{ID: n.ID, Addr: nAddr.String(), LastSeen: time.Now()}
					l.table.Update(contact) // grow the table across lookups, not just this one
					if !queried[nAddr.String()] {
						candidates = append(candidates, contact)
					}
				}
			}(addr)
		}
		wg.Wait()

		peersMu.Lock()
		have := len(peers)
		peersMu.Unlock()
		if have >= wantPeers {
			break
		}
	}

	peersMu.Lock()
	defer peersMu.Unlock()
	if len(peers) > wantPeers {
		peers = peers[:wantPeers]
	}
	return peers
}

func (l *lookup) queryOne(ctx context.Context, infoHash krpc.ID, addr *net.UDPAddr, timeoutDur time.Duration) (krpc.Msg, bool) {
	txnID := l.nextTxnID()
	ch := make(chan krpc.Msg, 1)
	l.mu.Lock()
	l.pending[txnID] = ch
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.pending, txnID)
		l.mu.Unlock()
	}()

	if _, err := l.trans.SendTo(krpc.GetPeersQuery(txnID, l.localID, infoHash), addr); err != nil {
		return krpc.Msg{}, false
	}

	timer := time.NewTimer(timeoutDur)
	defer timer.Stop()
	select {
	case msg := <-ch:
		return msg, true
	case <-timer.C:
		return krpc.Msg{}, false
	case <-ctx.Done():
		return krpc.Msg{}, false
	}
}
