// Package enrich resolves info-hashes to metadata: it runs an iterative
// DHT peer lookup, connects to candidate peers over TCP, performs the
// BEP-3 handshake and BEP-10 extension handshake, then requests and
// reassembles the BEP-9 ut_metadata pieces, verifying the result by
// SHA-1 before it is ever persisted. Ported from the reference
// implementation's enrich.rs scan-and-spawn loop: a bounded worker pool
// pulls missing-metadata records from storage and races a handful of
// candidate peers per hash, keeping the first success.
package enrich

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"serma/internal/bencode"
	"serma/internal/dht"
	"serma/internal/errs"
	"serma/internal/index"
	"serma/internal/krpc"
	"serma/internal/peerwire"
	"serma/internal/storage"
)

// Config tunes the enricher.
type Config struct {
	MaxConcurrent   int
	PeersPerHash    int
	PeerTimeout     time.Duration
	LookupTimeout   time.Duration
	BackoffBaseMS   int64
	BackoffCapMS    int64
	MissingScanSize int
	ScanIdleSleep   time.Duration
}

// Enricher is the metadata-resolution actor.
type Enricher struct {
	cfg    Config
	store  *storage.Store
	idx    *index.Index
	log    zerolog.Logger
	lookup *lookup
	sem    chan struct{}

	// inFlight tracks hashes currently being enriched so duplicate
	// scans never spawn two workers for the same hash.
	inFlight *lru.Cache

	// wake lets Notify cut Run's idle sleep short when the spider
	// sights a hash, instead of waiting out the full scan interval.
	wake chan struct{}
}

// New creates an Enricher. trans is the enricher's own DHT datagram
// transport — separate from the spider's, so its get_peers lookups never
// contend with the spider's inbound-query handling, matching the
// reference implementation binding its own DHT server inside enrich.rs.
func New(cfg Config, trans dht.Datagrammer, table *dht.Table, localID krpc.ID, store *storage.Store, idx *index.Index, log zerolog.Logger) (*Enricher, error) {
	cache, err := lru.New(4096)
	if err != nil {
		return nil, fmt.Errorf("enrich: create in-flight cache: %w", err)
	}
	return &Enricher{
		cfg:      cfg,
		store:    store,
		idx:      idx,
		log:      log,
		lookup:   newLookup(trans, table, localID),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		inFlight: cache,
		wake:     make(chan struct{}, 1),
	}, nil
}

// Notify wakes Run's scan loop early, skipping the rest of its idle
// sleep. Intended to be wired to spider.Spider.OnHash so a freshly
// sighted hash gets a chance at enrichment without waiting out the
// full scan interval.
func (e *Enricher) Notify(string) {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run drains storage's missing-metadata backlog until ctx is cancelled.
func (e *Enricher) Run(ctx context.Context) error {
	go e.lookup.serveResponses(ctx)

	idleSleep := e.cfg.ScanIdleSleep
	if idleSleep <= 0 {
		idleSleep = 5 * time.Second
	}

	g, gctx := errgroup.WithContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		default:
		}

		missing, err := e.store.IterMissingMetadata(e.cfg.MissingScanSize)
		if err != nil {
			e.log.Warn().Err(err).Msg("enrich: scan failed")
			e.sleepOrWake(ctx, idleSleep)
			continue
		}
		if len(missing) == 0 {
			e.sleepOrWake(ctx, idleSleep)
			continue
		}

		for _, record := range missing {
			hash := record.InfoHashHex
			if _, already := e.inFlight.Get(hash); already {
				continue
			}
			select {
			case e.sem <- struct{}{}:
			case <-ctx.Done():
				return g.Wait()
			}
			e.inFlight.Add(hash, struct{}{})

			r := record
			g.Go(func() error {
				defer func() { <-e.sem; e.inFlight.Remove(r.InfoHashHex) }()
				if err := e.enrichOne(gctx, r); err != nil {
					e.log.Debug().Err(err).Str("hash", r.InfoHashHex).Msg("enrich: attempt failed")
					if _, ferr := e.store.RecordEnrichFailure(r.InfoHashHex, e.cfg.BackoffBaseMS, e.cfg.BackoffCapMS); ferr != nil {
						e.log.Warn().Err(ferr).Msg("enrich: failed to record failure")
					}
				}
				return nil
			})
		}

		e.sleepOrWake(ctx, 2*time.Second)
	}
}

func (e *Enricher) sleepOrWake(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	case <-e.wake:
	}
}

func (e *Enricher) enrichOne(ctx context.Context, record storage.Record) error {
	infoHash, err := krpc.ParseID(record.InfoHashHex)
	if err != nil {
		return fmt.Errorf("enrich: invalid info hash %q: %w", record.InfoHashHex, err)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, e.cfg.LookupTimeout)
	peers := e.lookup.GetPeers(lookupCtx, infoHash, e.cfg.PeersPerHash*2, 3, e.cfg.PeerTimeout)
	cancel()
	if len(peers) == 0 {
		return fmt.Errorf("enrich: no peers found")
	}

	if int64(len(peers)) > record.Seeders {
		if _, err := e.store.SetSeeders(record.InfoHashHex, int64(len(peers))); err != nil {
			e.log.Warn().Err(err).Msg("enrich: failed to update seeder estimate")
		}
	}

	if len(peers) > e.cfg.PeersPerHash {
		peers = peers[:e.cfg.PeersPerHash]
	}

	if ctx.Err() != nil {
		return errs.New(errs.KindCancelled, "enrich.enrichOne", ctx.Err())
	}
	infoBytes := e.racePeers(ctx, peers, infoHash)
	if infoBytes == nil {
		return fmt.Errorf("enrich: no peer yielded metadata")
	}

	title := extractTitle(infoBytes)
	files := extractFiles(infoBytes)
	updated, err := e.store.StoreMetadataFields(record.InfoHashHex, title, infoBytes, files)
	if err != nil {
		return fmt.Errorf("enrich: store metadata: %w", err)
	}

	displayTitle := updated.Title
	if displayTitle == "" {
		displayTitle = fmt.Sprintf("Torrent %s", updated.InfoHashHex)
	}
	fileNames := make([]string, len(updated.Files))
	for i, f := range updated.Files {
		fileNames[i] = f.Name
	}
	if err := e.idx.Upsert(index.Doc{
		InfoHashHex: updated.InfoHashHex,
		Title:       displayTitle,
		Magnet:      updated.Magnet,
		Seeders:     updated.Seeders,
		FileNames:   fileNames,
	}); err != nil {
		e.log.Warn().Err(err).Msg("enrich: index upsert failed")
	}
	return nil
}

// peerRaceConcurrency bounds how many candidate peers are dialed at
// once per hash.
const peerRaceConcurrency = 4

// racePeers fans peers out across a small worker pool, cancelling every
// sibling attempt the moment one yields metadata. It returns nil if
// every attempt fails or ctx is cancelled first.
func (e *Enricher) racePeers(ctx context.Context, peers []*net.UDPAddr, infoHash krpc.ID) []byte {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, peerRaceConcurrency)
	result := make(chan []byte, 1)
	var wg sync.WaitGroup

	for _, addr := range peers {
		if raceCtx.Err() != nil {
			break
		}
		select {
		case sem <- struct{}{}:
		case <-raceCtx.Done():
		}
		if raceCtx.Err() != nil {
			break
		}

		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			b, err := fetchMetadata(raceCtx, addr, infoHash, e.cfg.PeerTimeout)
			if err != nil {
				if raceCtx.Err() == nil {
					e.log.Trace().Err(err).Str("addr", addr.String()).Msg("enrich: peer failed")
				}
				return
			}
			select {
			case result <- b:
				cancel()
			default:
			}
		}()
	}

	go func() {
		wg.Wait()
		close(result)
	}()

	return <-result
}

// fetchMetadata performs the full BEP-3/10/9 exchange against a single
// peer and returns the verified raw "info" dict bytes.
func fetchMetadata(ctx context.Context, addr *net.UDPAddr, infoHash krpc.ID, timeout time.Duration) ([]byte, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tcpAddr := &net.TCPAddr{IP: addr.IP, Port: addr.Port}
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(dialCtx, "tcp", tcpAddr.String())
	if err != nil {
		return nil, errs.New(classifyNetErr(err), "enrich.fetchMetadata.dial", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	var peerID [20]byte
	rand.Read(peerID[:])
	hs := peerwire.NewHandshake(infoHash, peerID)
	if err := hs.Write(conn); err != nil {
		return nil, errs.New(classifyNetErr(err), "enrich.fetchMetadata.writeHandshake", err)
	}
	peerHS, err := peerwire.ReadHandshake(conn)
	if err != nil {
		return nil, errs.New(classifyNetErr(err), "enrich.fetchMetadata.readHandshake", err)
	}
	if peerHS.InfoHash != infoHash {
		return nil, errs.New(errs.KindProtocolInvalid, "enrich.fetchMetadata", fmt.Errorf("peer echoed wrong info hash"))
	}
	if !peerHS.SupportsExtensions() {
		return nil, errs.New(errs.KindProtocolInvalid, "enrich.fetchMetadata", fmt.Errorf("peer does not support extension protocol"))
	}

	const localUTMetadataID = 1
	if err := peerwire.WriteExtensionHandshake(conn, localUTMetadataID); err != nil {
		return nil, errs.New(classifyNetErr(err), "enrich.fetchMetadata.writeExtensionHandshake", err)
	}

	var peerUTMetadataID byte
	var metadataSize int64
	var reassembler *peerwire.Reassembler

	for {
		id, payload, err := peerwire.ReadMessage(conn)
		if err != nil {
			return nil, errs.New(classifyNetErr(err), "enrich.fetchMetadata.readMessage", err)
		}
		if id == 0 {
			continue // keep-alive
		}
		if id != 20 || len(payload) == 0 {
			continue
		}
		subID, body := payload[0], payload[1:]
		if subID == 0 {
			ehs, err := peerwire.ParseExtensionHandshake(body)
			if err != nil {
				return nil, errs.New(errs.KindProtocolInvalid, "enrich.fetchMetadata", err)
			}
			peerUTMetadataID = ehs.UTMetadataID
			metadataSize = ehs.MetadataSize
			reassembler = peerwire.NewReassembler(metadataSize)
			for i := 0; i < reassembler.NumPieces(); i++ {
				if err := peerwire.WriteMetadataRequest(conn, peerUTMetadataID, i); err != nil {
					return nil, errs.New(classifyNetErr(err), "enrich.fetchMetadata.writeMetadataRequest", err)
				}
			}
			continue
		}

		if reassembler == nil {
			continue
		}
		piece, err := peerwire.ParseMetadataMessage(body)
		if err != nil {
			continue
		}
		if piece.Rejected {
			return nil, fmt.Errorf("peer rejected metadata piece %d", piece.Piece)
		}
		if err := reassembler.AddPiece(piece.Piece, piece.Data); err != nil {
			return nil, errs.New(errs.KindProtocolInvalid, "enrich.fetchMetadata", err)
		}
		if reassembler.Complete() {
			return reassembler.Verify(infoHash)
		}
	}
}

func extractTitle(infoBencode []byte) string {
	v, _, err := bencode.Decode(infoBencode)
	if err != nil {
		return ""
	}
	name, ok := v.GetString("name")
	if !ok {
		return ""
	}
	return string(name)
}

// extractFiles reads the info dict's "files" list (multi-file torrent)
// or top-level "length" (single-file torrent) into storage.FileEntry
// values.
func extractFiles(infoBencode []byte) []storage.FileEntry {
	v, _, err := bencode.Decode(infoBencode)
	if err != nil {
		return nil
	}
	if list, ok := v.GetList("files"); ok {
		out := make([]storage.FileEntry, 0, len(list))
		for _, item := range list {
			pathList, ok := item.GetList("path")
			if !ok {
				continue
			}
			parts := make([]string, 0, len(pathList))
			for _, p := range pathList {
				if p.Kind == bencode.KindString {
					parts = append(parts, string(p.Str))
				}
			}
			length, _ := item.GetInt("length")
			out = append(out, storage.FileEntry{Name: strings.Join(parts, "/"), Length: length})
		}
		return out
	}
	if length, ok := v.GetInt("length"); ok {
		name, _ := v.GetString("name")
		return []storage.FileEntry{{Name: string(name), Length: length}}
	}
	return nil
}

// classifyNetErr tags a network failure as transient (timeouts, resets —
// worth retrying a different peer later) or permanent (refused,
// unreachable).
func classifyNetErr(err error) errs.Kind {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errs.KindNetworkTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, syscall.ECONNREFUSED) ||
			errors.Is(opErr.Err, syscall.EHOSTUNREACH) ||
			errors.Is(opErr.Err, syscall.ENETUNREACH) {
			return errs.KindNetworkPermanent
		}
	}
	return errs.KindNetworkTransient
}

