// Package ingest seeds the spider from an external hash list: Serma can
// start from zero, but operators with a known hash set (e.g. from an old
// crawl) can pre-populate storage without waiting on DHT discovery.
// Ported from the reference implementation's ingest.rs file-or-stdin
// fallback.
package ingest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"serma/internal/storage"
)

var hex40Re = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Run reads 40-hex info-hash lines from <dataDir>/hashes.txt if present,
// otherwise from stdin, and upserts each one into store as a bare
// sighting. It never touches the full-text index: an ingested hash has
// no "info" dict, and the index only ever holds entries for records
// that do.
func Run(dataDir string, store *storage.Store, log zerolog.Logger) error {
	path := filepath.Join(dataDir, "hashes.txt")

	var r io.Reader
	if f, err := os.Open(path); err == nil {
		defer f.Close()
		r = f
		log.Info().Str("path", path).Msg("ingesting hashes from file")
	} else {
		r = os.Stdin
		log.Info().Msg("ingesting hashes from stdin")
	}

	scanner := bufio.NewScanner(r)
	count := 0
	for scanner.Scan() {
		candidate := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if candidate == "" {
			continue
		}
		if !hex40Re.MatchString(candidate) {
			log.Debug().Str("value", candidate).Msg("skipping non-40-hex line")
			continue
		}

		if _, err := store.UpsertSighting(candidate); err != nil {
			log.Warn().Err(err).Str("hash", candidate).Msg("failed to upsert ingested hash")
			continue
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("ingest: read: %w", err)
	}
	log.Info().Int("count", count).Msg("ingest complete")
	return nil
}
