package storage

import "time"

// FileEntry is one file within a resolved multi-file torrent.
type FileEntry struct {
	Name   string
	Length int64
}

// Record is the canonical, durable representation of one torrent known
// to the spider.
type Record struct {
	InfoHashHex     string
	Title           string
	Magnet          string
	Seeders         int64
	InfoBencode     []byte // raw "info" dict bytes once resolved, nil until then
	Files           []FileEntry
	FirstSeenUnixMS int64
	LastSeenUnixMS  int64
	EnrichFailures  int
	NextEnrichAt    int64 // unix ms; next scheduled retry per the backoff policy
}

// HasMetadata reports whether the info dict has been resolved.
func (r Record) HasMetadata() bool { return len(r.InfoBencode) > 0 }

func nowUnixMS() int64 { return time.Now().UnixMilli() }
