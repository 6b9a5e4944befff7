// Package config loads Serma's runtime configuration from the process
// environment. All knobs are SERMA_* variables; there is no config file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable of the spider, enricher, cleanup sweep,
// storage layer and HTTP front-end.
type Config struct {
	DataDir string `mapstructure:"data_dir"`

	DHTPort     int    `mapstructure:"dht_port"`
	DHTNodeID   string `mapstructure:"dht_node_id"`
	BootstrapNodes []string `mapstructure:"bootstrap_nodes"`

	SpiderEnabled   bool `mapstructure:"-"`
	CleanupEnabled  bool `mapstructure:"-"`

	SpiderMaxKnownNodes int `mapstructure:"spider_max_known_nodes"`
	SpiderBloomItems    uint `mapstructure:"spider_bloom_items"`
	SpiderBloomFPRate   float64 `mapstructure:"spider_bloom_fp_rate"`

	SpiderWalkInterval         time.Duration `mapstructure:"spider_walk_interval"`
	SpiderWalkSampleSize       int           `mapstructure:"spider_walk_sample_size"`
	SpiderRebootstrapCheck     time.Duration `mapstructure:"spider_rebootstrap_check"`
	SpiderRebootstrapThreshold int           `mapstructure:"spider_rebootstrap_threshold"`

	EnrichMaxConcurrent  int           `mapstructure:"enrich_max_concurrent"`
	EnrichPeersPerHash   int           `mapstructure:"enrich_peers_per_hash"`
	EnrichPeerTimeout    time.Duration `mapstructure:"enrich_peer_timeout"`
	EnrichLookupTimeout  time.Duration `mapstructure:"enrich_lookup_timeout"`
	EnrichBackoffBase    time.Duration `mapstructure:"enrich_backoff_base"`
	EnrichBackoffCap     time.Duration `mapstructure:"enrich_backoff_cap"`
	EnrichMissingScanLim int           `mapstructure:"enrich_missing_scan_limit"`

	CleanupInterval      time.Duration `mapstructure:"cleanup_interval"`
	CleanupBatch         int           `mapstructure:"cleanup_batch"`
	CleanupMaxMillis     int           `mapstructure:"cleanup_max_ms"`
	CleanupTorrentTTL    time.Duration `mapstructure:"cleanup_torrent_ttl"`
	CleanupLowSeedGrace  time.Duration `mapstructure:"cleanup_low_seed_grace"`
	CleanupFailThreshold int           `mapstructure:"cleanup_fail_threshold"`
	MaxTorrents          int           `mapstructure:"max_torrents"`

	SOCKS5Addr string `mapstructure:"socks5_addr"`

	HTTPPort        string        `mapstructure:"http_port"`
	HTTPReadTimeout time.Duration `mapstructure:"http_read_timeout"`
	HTTPWriteTimeout time.Duration `mapstructure:"http_write_timeout"`
	HTTPIdleTimeout time.Duration `mapstructure:"http_idle_timeout"`
	SearchRateLimit float64       `mapstructure:"search_rate_limit"`
	CORSAllowedOrigins []string   `mapstructure:"cors_allowed_origins"`

	LogLevel string `mapstructure:"log_level"`
}

// Load reads configuration from SERMA_* environment variables.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("serma")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := map[string]interface{}{
		"data_dir":    "./data",
		"dht_port":    6881,
		"dht_node_id": "",

		"spider_max_known_nodes": 2000,
		"spider_bloom_items":     10_000_000,
		"spider_bloom_fp_rate":   0.01,

		"spider_walk_interval":         "1s",
		"spider_walk_sample_size":      8,
		"spider_rebootstrap_check":     "30s",
		"spider_rebootstrap_threshold": 32,

		"enrich_max_concurrent":    8,
		"enrich_peers_per_hash":    12,
		"enrich_peer_timeout":      "10s",
		"enrich_lookup_timeout":    "15s",
		"enrich_backoff_base":      "30s",
		"enrich_backoff_cap":       "24h",
		"enrich_missing_scan_limit": 64,

		"cleanup_interval":        "5m",
		"cleanup_batch":           500,
		"cleanup_max_ms":          250,
		"cleanup_torrent_ttl":     "720h",
		"cleanup_low_seed_grace":  "168h",
		"cleanup_fail_threshold":  5,
		"max_torrents":            0,

		"socks5_addr": "",

		"http_port":          "8080",
		"http_read_timeout":  "15s",
		"http_write_timeout": "15s",
		"http_idle_timeout":  "60s",
		"search_rate_limit":  5,

		"log_level": "info",
	}
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	for key := range defaults {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if raw := v.GetString("bootstrap_nodes"); raw != "" {
		cfg.BootstrapNodes = strings.Split(raw, ",")
	} else if len(cfg.BootstrapNodes) == 0 {
		cfg.BootstrapNodes = []string{
			"router.bittorrent.com:6881",
			"dht.transmissionbt.com:6881",
			"router.utorrent.com:6881",
		}
	}
	if raw := v.GetString("cors_allowed_origins"); raw != "" {
		cfg.CORSAllowedOrigins = strings.Split(raw, ",")
	}

	cfg.SpiderEnabled = parseEnabled(os.Getenv("SERMA_SPIDER"), true)
	cfg.CleanupEnabled = parseEnabled(os.Getenv("SERMA_CLEANUP"), true)

	return &cfg, nil
}

// parseEnabled resolves a disable-toggle env var: absent keeps fallback,
// {0,false,off,no} (case-insensitive) forces false, {1,true,on,yes}
// forces true, anything else keeps fallback.
func parseEnabled(raw string, fallback bool) bool {
	if raw == "" {
		return fallback
	}
	switch strings.ToLower(raw) {
	case "0", "false", "off", "no":
		return false
	case "1", "true", "on", "yes":
		return true
	default:
		return fallback
	}
}
