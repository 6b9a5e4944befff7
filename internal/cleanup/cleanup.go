// Package cleanup periodically sweeps storage to keep it bounded: expired
// records drop out by TTL, long-idle low-seed records drop out after a
// grace period, records that keep failing enrichment are evicted, and an
// optional hard cap evicts the oldest records if the other phases aren't
// enough. Grounded on original_source/cleanup.rs,
// which this package tracks closely. Every deletion removes both the KV
// record and its full-text document in the same step, keeping the two
// stores' biconditional intact.
package cleanup

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"serma/internal/errs"
	"serma/internal/index"
	"serma/internal/storage"
)

// lowSeedThreshold mirrors the reference implementation's hardcoded "no
// longer low-seed" cutoff.
const lowSeedThreshold = 2

// Config tunes the sweep.
type Config struct {
	Interval       time.Duration
	Batch          int
	MaxSweepTime   time.Duration
	TorrentTTL     time.Duration
	LowSeedGrace   time.Duration
	MaxTorrents    int
	FailThreshold  int
}

// Sweeper runs the periodic retention sweep.
type Sweeper struct {
	cfg   Config
	store *storage.Store
	idx   *index.Index
	log   zerolog.Logger
}

// New creates a Sweeper.
func New(cfg Config, store *storage.Store, idx *index.Index, log zerolog.Logger) *Sweeper {
	return &Sweeper{cfg: cfg, store: store, idx: idx, log: log}
}

// Run ticks every cfg.Interval until ctx is cancelled, running one sweep
// per tick.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Sweeper) sweepOnce() {
	deadline := time.Now().Add(maxOrDefault(s.cfg.MaxSweepTime, time.Second))
	batch := s.cfg.Batch
	if batch <= 0 {
		batch = 5000
	}

	deleted, scanned := 0, 0

	d, c := s.sweepExpired(deadline, batch)
	deleted += d
	scanned += c

	if time.Now().Before(deadline) {
		d, c = s.sweepLowSeed(deadline, batch)
		deleted += d
		scanned += c
	}

	if time.Now().Before(deadline) && s.cfg.FailThreshold > 0 {
		d, c = s.sweepChronicFailures(deadline, batch)
		deleted += d
		scanned += c
	}

	if s.cfg.MaxTorrents > 0 {
		deleted += s.enforceMaxTorrents(deadline)
	}

	s.log.Debug().Int("scanned", scanned).Int("deleted", deleted).Msg("cleanup: sweep")
}

func (s *Sweeper) sweepExpired(deadline time.Time, batch int) (deleted, scanned int) {
	ttl := s.cfg.TorrentTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	cutoff := time.Now().Add(-ttl).UnixMilli()

	for time.Now().Before(deadline) {
		hashes, err := s.store.ScanStaleSince(cutoff, batch)
		if err != nil {
			s.log.Warn().Err(err).Msg("cleanup: scan stale failed")
			return deleted, scanned
		}
		if len(hashes) == 0 {
			return deleted, scanned
		}
		for _, hash := range hashes {
			scanned++
			s.deleteRecord(hash)
			deleted++
			if time.Now().After(deadline) {
				return deleted, scanned
			}
		}
		if len(hashes) < batch {
			return deleted, scanned
		}
	}
	return deleted, scanned
}

func (s *Sweeper) sweepLowSeed(deadline time.Time, batch int) (deleted, scanned int) {
	grace := s.cfg.LowSeedGrace
	if grace <= 0 {
		grace = 20 * time.Minute
	}
	cutoffFirstSeen := time.Now().Add(-grace).UnixMilli()

	hashes, err := s.store.ScanLowSeed(lowSeedThreshold, batch)
	if err != nil {
		s.log.Warn().Err(err).Msg("cleanup: scan low-seed failed")
		return deleted, scanned
	}
	for _, hash := range hashes {
		scanned++
		record, err := s.store.Get(hash)
		if err != nil {
			continue
		}
		if record.Seeders >= lowSeedThreshold {
			continue // index entry was already stale by the time we got here
		}
		if record.FirstSeenUnixMS <= cutoffFirstSeen {
			s.deleteRecord(hash)
			deleted++
		}
		if time.Now().After(deadline) {
			break
		}
	}
	return deleted, scanned
}

// sweepChronicFailures evicts hashes that have failed enrichment at
// least FailThreshold times and still have no metadata: a hash this
// stubborn is most likely a dead or unreachable torrent rather than one
// still waiting its turn, so there is no point keeping it around with a
// permanently growing backoff.
func (s *Sweeper) sweepChronicFailures(deadline time.Time, batch int) (deleted, scanned int) {
	hashes, err := s.store.ScanChronicFailures(s.cfg.FailThreshold, batch)
	if err != nil {
		s.log.Warn().Err(err).Msg("cleanup: scan chronic failures failed")
		return deleted, scanned
	}
	for _, hash := range hashes {
		scanned++
		s.deleteRecord(hash)
		deleted++
		if time.Now().After(deadline) {
			break
		}
	}
	return deleted, scanned
}

// enforceMaxTorrents evicts oldest-by-last_seen records until the store is
// back under the configured cap, one record at a time, so a single
// runaway ingestion burst cannot wedge the sweep for an unbounded amount
// of time.
func (s *Sweeper) enforceMaxTorrents(deadline time.Time) int {
	deleted := 0
	for time.Now().Before(deadline) {
		count, err := s.store.Count()
		if err != nil {
			s.log.Warn().Err(err).Msg("cleanup: count failed")
			return deleted
		}
		if count <= s.cfg.MaxTorrents {
			return deleted
		}
		oldest, err := s.store.ScanStaleSince(farFutureUnixMS(), 1)
		if err != nil || len(oldest) == 0 {
			return deleted
		}
		s.deleteRecord(oldest[0])
		deleted++
	}
	return deleted
}

func (s *Sweeper) deleteRecord(hash string) {
	if err := s.store.Delete(hash); err != nil && !errs.Is(err, errs.KindCancelled) {
		s.log.Warn().Err(err).Str("hash", hash).Msg("cleanup: delete record failed")
	}
	if err := s.idx.Delete(hash); err != nil {
		s.log.Warn().Err(err).Str("hash", hash).Msg("cleanup: delete index doc failed")
	}
}

func maxOrDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// farFutureUnixMS is a cutoff guaranteed to be after every real record's
// last_seen, so ScanStaleSince(farFutureUnixMS(), 1) returns the single
// oldest record regardless of how old it is.
func farFutureUnixMS() int64 {
	return time.Now().Add(100 * 365 * 24 * time.Hour).UnixMilli()
}
