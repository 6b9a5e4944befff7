package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"serma/internal/api"
	"serma/internal/cleanup"
	"serma/internal/config"
	"serma/internal/dht"
	"serma/internal/enrich"
	"serma/internal/index"
	"serma/internal/krpc"
	"serma/internal/socks5"
	"serma/internal/spider"
	"serma/internal/storage"
	"serma/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.NewLogger(cfg.LogLevel)

	nodeID, err := resolveNodeID(cfg.DHTNodeID)
	if err != nil {
		return fmt.Errorf("failed to resolve dht node id: %w", err)
	}

	store, err := storage.Open(filepath.Join(cfg.DataDir, "badger"))
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	idx, err := index.Open(filepath.Join(cfg.DataDir, "bleve"))
	if err != nil {
		return fmt.Errorf("failed to open index: %w", err)
	}
	defer idx.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	spiderTrans, err := newTransport(ctx, cfg, cfg.DHTPort)
	if err != nil {
		return fmt.Errorf("failed to open spider dht transport: %w", err)
	}
	enrichTrans, err := newTransport(ctx, cfg, 0)
	if err != nil {
		return fmt.Errorf("failed to open enricher dht transport: %w", err)
	}

	sp := spider.New(spider.Config{
		Port:                  cfg.DHTPort,
		NodeID:                nodeID,
		Bootstrap:             cfg.BootstrapNodes,
		MaxKnownNodes:         cfg.SpiderMaxKnownNodes,
		BloomItems:            cfg.SpiderBloomItems,
		BloomFPRate:           cfg.SpiderBloomFPRate,
		WalkInterval:          cfg.SpiderWalkInterval,
		WalkSampleSize:        cfg.SpiderWalkSampleSize,
		RebootstrapCheck:      cfg.SpiderRebootstrapCheck,
		RebootstrapThreshold:  cfg.SpiderRebootstrapThreshold,
	}, spiderTrans, store, log)

	enrichTable := dht.NewTable(nodeID, cfg.SpiderMaxKnownNodes)
	dht.Bootstrap(enrichTable, cfg.BootstrapNodes)
	enricher, err := enrich.New(enrich.Config{
		MaxConcurrent:   cfg.EnrichMaxConcurrent,
		PeersPerHash:    cfg.EnrichPeersPerHash,
		PeerTimeout:     cfg.EnrichPeerTimeout,
		LookupTimeout:   cfg.EnrichLookupTimeout,
		BackoffBaseMS:   cfg.EnrichBackoffBase.Milliseconds(),
		BackoffCapMS:    cfg.EnrichBackoffCap.Milliseconds(),
		MissingScanSize: cfg.EnrichMissingScanLim,
	}, enrichTrans, enrichTable, nodeID, store, idx, log)
	if err != nil {
		return fmt.Errorf("failed to create enricher: %w", err)
	}
	sp.OnHash(enricher.Notify)

	sweeper := cleanup.New(cleanup.Config{
		Interval:      cfg.CleanupInterval,
		Batch:         cfg.CleanupBatch,
		MaxSweepTime:  time.Duration(cfg.CleanupMaxMillis) * time.Millisecond,
		TorrentTTL:    cfg.CleanupTorrentTTL,
		LowSeedGrace:  cfg.CleanupLowSeedGrace,
		MaxTorrents:   cfg.MaxTorrents,
		FailThreshold: cfg.CleanupFailThreshold,
	}, store, idx, log)

	router := api.NewRouter(cfg, log, store, idx)
	server := api.NewServer(cfg, router)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.SpiderEnabled {
		g.Go(func() error { return sp.Run(gctx) })
	} else {
		log.Info().Msg("spider: disabled via SERMA_SPIDER")
	}
	g.Go(func() error { return enricher.Run(gctx) })
	if cfg.CleanupEnabled {
		g.Go(func() error { return sweeper.Run(gctx) })
	} else {
		log.Info().Msg("cleanup: disabled via SERMA_CLEANUP")
	}
	g.Go(func() error { return api.Run(gctx, server, 10*time.Second) })

	log.Info().Str("http_port", cfg.HTTPPort).Int("dht_port", cfg.DHTPort).Msg("serma started")

	err = g.Wait()
	log.Info().Msg("serma shut down")
	return err
}

// resolveNodeID parses a configured hex node id, or mints a random one if
// none was given — an operator who wants a stable identity across
// restarts sets SERMA_DHT_NODE_ID explicitly.
func resolveNodeID(hex string) (krpc.ID, error) {
	if hex == "" {
		return krpc.RandomID()
	}
	return krpc.ParseID(hex)
}

// newTransport opens the DHT datagram transport either directly on port
// (0 means let the OS choose) or, if cfg.SOCKS5Addr is set, through a
// SOCKS5 UDP ASSOCIATE tunnel.
func newTransport(ctx context.Context, cfg *config.Config, port int) (dht.Datagrammer, error) {
	if cfg.SOCKS5Addr == "" {
		return dht.ListenDirect(port)
	}
	proxyCfg, err := socks5.ParseProxyString(cfg.SOCKS5Addr)
	if err != nil {
		return nil, fmt.Errorf("parse socks5 proxy: %w", err)
	}
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return socks5.Dial(dialCtx, proxyCfg)
}
