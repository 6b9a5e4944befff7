// Command serma-ingest seeds storage from a known hash list without
// starting the spider, enricher, or HTTP server — an operator with an
// existing hash set runs this once, then starts serma normally.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"serma/internal/config"
	"serma/internal/ingest"
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

	store, err := storage.Open(filepath.Join(cfg.DataDir, "badger"))
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	return ingest.Run(cfg.DataDir, store, log)
}
