package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	clearSermaEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "./data" {
		t.Fatalf("DataDir = %q, want ./data", cfg.DataDir)
	}
	if cfg.DHTPort != 6881 {
		t.Fatalf("DHTPort = %d, want 6881", cfg.DHTPort)
	}
	if cfg.EnrichPeerTimeout != 10*time.Second {
		t.Fatalf("EnrichPeerTimeout = %v, want 10s", cfg.EnrichPeerTimeout)
	}
	if cfg.CleanupTorrentTTL != 720*time.Hour {
		t.Fatalf("CleanupTorrentTTL = %v, want 720h", cfg.CleanupTorrentTTL)
	}
	if len(cfg.BootstrapNodes) == 0 {
		t.Fatal("expected default bootstrap nodes to be populated")
	}
	if cfg.SpiderWalkInterval != time.Second {
		t.Fatalf("SpiderWalkInterval = %v, want 1s", cfg.SpiderWalkInterval)
	}
	if cfg.SpiderRebootstrapThreshold != 32 {
		t.Fatalf("SpiderRebootstrapThreshold = %d, want 32", cfg.SpiderRebootstrapThreshold)
	}
}

func TestLoadReadsEnvOverride(t *testing.T) {
	clearSermaEnv(t)
	t.Setenv("SERMA_DHT_PORT", "7000")
	t.Setenv("SERMA_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DHTPort != 7000 {
		t.Fatalf("DHTPort = %d, want 7000", cfg.DHTPort)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadDefaultsSpiderAndCleanupEnabled(t *testing.T) {
	clearSermaEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.SpiderEnabled {
		t.Fatal("SpiderEnabled = false, want true by default")
	}
	if !cfg.CleanupEnabled {
		t.Fatal("CleanupEnabled = false, want true by default")
	}
}

func TestLoadDisablesSpiderAndCleanupViaEnv(t *testing.T) {
	clearSermaEnv(t)
	t.Setenv("SERMA_SPIDER", "off")
	t.Setenv("SERMA_CLEANUP", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SpiderEnabled {
		t.Fatal("SpiderEnabled = true, want false with SERMA_SPIDER=off")
	}
	if cfg.CleanupEnabled {
		t.Fatal("CleanupEnabled = true, want false with SERMA_CLEANUP=0")
	}
}

func TestLoadSplitsBootstrapNodesOnComma(t *testing.T) {
	clearSermaEnv(t)
	t.Setenv("SERMA_BOOTSTRAP_NODES", "a.example:6881,b.example:6881")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"a.example:6881", "b.example:6881"}
	if len(cfg.BootstrapNodes) != len(want) {
		t.Fatalf("BootstrapNodes = %v, want %v", cfg.BootstrapNodes, want)
	}
	for i := range want {
		if cfg.BootstrapNodes[i] != want[i] {
			t.Fatalf("BootstrapNodes = %v, want %v", cfg.BootstrapNodes, want)
		}
	}
}

// clearSermaEnv ensures no SERMA_* variable leaks in from the test
// runner's environment and pollutes a defaults assertion.
func clearSermaEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] != '=' {
				continue
			}
			key := kv[:i]
			if len(key) > 6 && key[:6] == "SERMA_" {
				old, had := os.LookupEnv(key)
				os.Unsetenv(key)
				if had {
					t.Cleanup(func() { os.Setenv(key, old) })
				}
			}
			break
		}
	}
}
