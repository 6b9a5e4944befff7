// Package storage is the embedded key-value layer backing every durable
// Record: the canonical source of truth the full-text index is derived
// from and kept in sync with. Grounded on the reference implementation's
// sled-based storage.rs, adapted to github.com/dgraph-io/badger/v4 — the
// embedded, ACID, single-process LSM-tree store i5heu-ouroboros-db
// demonstrates using sled the same way.
package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"serma/internal/errs"
	"serma/pkg/magnet"
)

const (
	prefixRecord   = "torrent:"
	prefixLastSeen = "idx:last_seen:"
	prefixLowSeed  = "idx:low_seed:"
)

// Store is the embedded KV layer. All operations are safe for
// concurrent use; badger serializes writers internally.
type Store struct {
	db *badger.DB
}

// Open opens (creating if absent) the badger database under dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errs.New(errs.KindStorageBackend, "storage.Open", err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errs.New(errs.KindStorageBackend, "storage.Close", err)
	}
	return nil
}

func recordKey(infoHashHex string) []byte {
	return []byte(prefixRecord + infoHashHex)
}

func lastSeenIndexKey(unixMS int64, infoHashHex string) []byte {
	buf := make([]byte, len(prefixLastSeen)+8+len(infoHashHex))
	n := copy(buf, prefixLastSeen)
	binary.BigEndian.PutUint64(buf[n:], uint64(unixMS))
	copy(buf[n+8:], infoHashHex)
	return buf
}

func lowSeedIndexKey(seeders int64, infoHashHex string) []byte {
	buf := make([]byte, len(prefixLowSeed)+8+len(infoHashHex))
	n := copy(buf, prefixLowSeed)
	binary.BigEndian.PutUint64(buf[n:], uint64(seeders))
	copy(buf[n+8:], infoHashHex)
	return buf
}

func encodeRecord(r Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, fmt.Errorf("storage: encode record: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeRecord(b []byte) (Record, error) {
	var r Record
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&r); err != nil {
		return Record{}, fmt.Errorf("storage: decode record: %w", err)
	}
	return r, nil
}

// getTxn reads a record within an open transaction, returning
// errs.ErrNotFound if absent.
func getTxn(txn *badger.Txn, infoHashHex string) (Record, error) {
	item, err := txn.Get(recordKey(infoHashHex))
	if err == badger.ErrKeyNotFound {
		return Record{}, errs.ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	var r Record
	err = item.Value(func(val []byte) error {
		decoded, derr := decodeRecord(val)
		if derr != nil {
			return derr
		}
		r = decoded
		return nil
	})
	return r, err
}

// putRecordAndIndexes writes the record plus its two secondary index
// entries within txn, removing stale index entries first (the reference
// implementation's cleanup.rs "fix stale index entries" discipline,
// applied here at write time rather than read time).
func putRecordAndIndexes(txn *badger.Txn, old *Record, r Record) error {
	enc, err := encodeRecord(r)
	if err != nil {
		return err
	}
	if old != nil {
		_ = txn.Delete(lastSeenIndexKey(old.LastSeenUnixMS, old.InfoHashHex))
		_ = txn.Delete(lowSeedIndexKey(old.Seeders, old.InfoHashHex))
	}
	if err := txn.Set(recordKey(r.InfoHashHex), enc); err != nil {
		return err
	}
	if err := txn.Set(lastSeenIndexKey(r.LastSeenUnixMS, r.InfoHashHex), nil); err != nil {
		return err
	}
	if err := txn.Set(lowSeedIndexKey(r.Seeders, r.InfoHashHex), nil); err != nil {
		return err
	}
	return nil
}

// UpsertSighting records that infoHashHex was observed right now,
// creating the record if it is new. It never touches metadata or the
// full-text index — that is StoreMetadataFields's job, and it always
// happens after the first UpsertSighting for a given hash.
func (s *Store) UpsertSighting(infoHashHex string) (Record, error) {
	var result Record
	err := s.db.Update(func(txn *badger.Txn) error {
		now := nowUnixMS()
		existing, err := getTxn(txn, infoHashHex)
		var old *Record
		if err == nil {
			prev := existing
			old = &prev
			existing.LastSeenUnixMS = now
			result = existing
		} else if err == errs.ErrNotFound {
			result = Record{
				InfoHashHex:     infoHashHex,
				Magnet:          magnet.Build(infoHashHex, "", nil),
				FirstSeenUnixMS: now,
				LastSeenUnixMS:  now,
			}
		} else {
			return err
		}
		return putRecordAndIndexes(txn, old, result)
	})
	if err != nil {
		return Record{}, errs.New(errs.KindStorageBackend, "storage.UpsertSighting", err)
	}
	return result, nil
}

// StoreMetadataFields persists a resolved title, raw info dict and file
// list for an already-sighted hash, clearing its enrich-failure backoff
// state. Verification against the hash's SHA-1 happens in the enricher
// before this is called; storage simply persists the already-validated
// bytes.
func (s *Store) StoreMetadataFields(infoHashHex, title string, infoBencode []byte, files []FileEntry) (Record, error) {
	var result Record
	err := s.db.Update(func(txn *badger.Txn) error {
		existing, err := getTxn(txn, infoHashHex)
		var old *Record
		now := nowUnixMS()
		if err == errs.ErrNotFound {
			existing = Record{InfoHashHex: infoHashHex, FirstSeenUnixMS: now, LastSeenUnixMS: now}
		} else if err != nil {
			return err
		} else {
			old = &existing
		}
		if title != "" {
			existing.Title = title
			existing.Magnet = magnet.Build(existing.InfoHashHex, title, nil)
		} else if existing.Magnet == "" {
			existing.Magnet = magnet.Build(existing.InfoHashHex, "", nil)
		}
		existing.InfoBencode = infoBencode
		existing.Files = files
		existing.EnrichFailures = 0
		existing.NextEnrichAt = 0
		result = existing
		return putRecordAndIndexes(txn, old, result)
	})
	if err != nil {
		return Record{}, errs.New(errs.KindStorageBackend, "storage.StoreMetadataFields", err)
	}
	return result, nil
}

// SetSeeders updates the seeder count observed for a hash.
func (s *Store) SetSeeders(infoHashHex string, seeders int64) (Record, error) {
	var result Record
	err := s.db.Update(func(txn *badger.Txn) error {
		existing, err := getTxn(txn, infoHashHex)
		var old *Record
		now := nowUnixMS()
		if err == errs.ErrNotFound {
			existing = Record{InfoHashHex: infoHashHex, FirstSeenUnixMS: now, LastSeenUnixMS: now}
		} else if err != nil {
			return err
		} else {
			prev := existing
			old = &prev
		}
		existing.Seeders = seeders
		result = existing
		return putRecordAndIndexes(txn, old, result)
	})
	if err != nil {
		return Record{}, errs.New(errs.KindStorageBackend, "storage.SetSeeders", err)
	}
	return result, nil
}

// RecordEnrichFailure increments the failure counter and schedules the
// next retry per an exponential backoff policy: the delay starts at
// backoffBaseMS, doubles with each further failure, and is capped at
// backoffCapMS.
func (s *Store) RecordEnrichFailure(infoHashHex string, backoffBaseMS, backoffCapMS int64) (Record, error) {
	var result Record
	err := s.db.Update(func(txn *badger.Txn) error {
		existing, err := getTxn(txn, infoHashHex)
		if err != nil {
			return err
		}
		old := existing
		existing.EnrichFailures++
		delay := backoffBaseMS << uint(minInt(existing.EnrichFailures-1, 32))
		if delay > backoffCapMS || delay <= 0 {
			delay = backoffCapMS
		}
		existing.NextEnrichAt = nowUnixMS() + delay
		result = existing
		return putRecordAndIndexes(txn, &old, result)
	})
	if err != nil {
		return Record{}, errs.New(errs.KindStorageBackend, "storage.RecordEnrichFailure", err)
	}
	return result, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Get returns the record for infoHashHex, or errs.ErrNotFound.
func (s *Store) Get(infoHashHex string) (Record, error) {
	var result Record
	err := s.db.View(func(txn *badger.Txn) error {
		r, err := getTxn(txn, infoHashHex)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err == errs.ErrNotFound {
		return Record{}, errs.ErrNotFound
	}
	if err != nil {
		return Record{}, errs.New(errs.KindStorageBackend, "storage.Get", err)
	}
	return result, nil
}

// Delete removes a record and its index entries.
func (s *Store) Delete(infoHashHex string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		existing, err := getTxn(txn, infoHashHex)
		if err == errs.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		_ = txn.Delete(lastSeenIndexKey(existing.LastSeenUnixMS, existing.InfoHashHex))
		_ = txn.Delete(lowSeedIndexKey(existing.Seeders, existing.InfoHashHex))
		return txn.Delete(recordKey(infoHashHex))
	})
	if err != nil {
		return errs.New(errs.KindStorageBackend, "storage.Delete", err)
	}
	return nil
}

// IterMissingMetadata scans up to limit records lacking resolved
// metadata whose backoff has elapsed, for the enricher to pick up.
func (s *Store) IterMissingMetadata(limit int) ([]Record, error) {
	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		now := nowUnixMS()
		prefix := []byte(prefixRecord)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var r Record
			err := item.Value(func(val []byte) error {
				decoded, derr := decodeRecord(val)
				if derr != nil {
					return derr
				}
				r = decoded
				return nil
			})
			if err != nil {
				return err
			}
			if r.HasMetadata() {
				continue
			}
			if r.NextEnrichAt > now {
				continue
			}
			out = append(out, r)
			if len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, errs.New(errs.KindStorageBackend, "storage.IterMissingMetadata", err)
	}
	return out, nil
}

// ScanChronicFailures returns up to limit hashes that have failed
// enrichment at least threshold times and still lack metadata, for the
// cleanup sweep's chronic-failure eviction phase.
func (s *Store) ScanChronicFailures(threshold, limit int) ([]string, error) {
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(prefixRecord)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var r Record
			err := item.Value(func(val []byte) error {
				decoded, derr := decodeRecord(val)
				if derr != nil {
					return derr
				}
				r = decoded
				return nil
			})
			if err != nil {
				return err
			}
			if r.HasMetadata() || r.EnrichFailures < threshold {
				continue
			}
			out = append(out, r.InfoHashHex)
			if len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, errs.New(errs.KindStorageBackend, "storage.ScanChronicFailures", err)
	}
	return out, nil
}

// ScanStaleSince returns up to batch hashes whose last_seen is older
// than cutoffUnixMS, ordered oldest-first, for the cleanup sweep's TTL
// phase.
func (s *Store) ScanStaleSince(cutoffUnixMS int64, batch int) ([]string, error) {
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(prefixLastSeen)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			ts, hash, err := parseTimestampIndexKey(key, prefixLastSeen)
			if err != nil {
				continue
			}
			if ts >= cutoffUnixMS {
				break
			}
			out = append(out, hash)
			if len(out) >= batch {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, errs.New(errs.KindStorageBackend, "storage.ScanStaleSince", err)
	}
	return out, nil
}

// ScanLowSeed returns up to batch hashes with seeder counts below
// threshold, for the cleanup sweep's low-seed phase.
func (s *Store) ScanLowSeed(threshold int64, batch int) ([]string, error) {
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(prefixLowSeed)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			seeders, hash, err := parseTimestampIndexKey(key, prefixLowSeed)
			if err != nil {
				continue
			}
			if seeders >= threshold {
				break
			}
			out = append(out, hash)
			if len(out) >= batch {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, errs.New(errs.KindStorageBackend, "storage.ScanLowSeed", err)
	}
	return out, nil
}

// Count returns the total number of records (used by the cleanup
// sweep's hard-cap phase).
func (s *Store) Count() (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(prefixRecord)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, errs.New(errs.KindStorageBackend, "storage.Count", err)
	}
	return n, nil
}

func parseTimestampIndexKey(key []byte, prefix string) (int64, string, error) {
	rest := key[len(prefix):]
	if len(rest) < 8 {
		return 0, "", fmt.Errorf("storage: malformed index key")
	}
	n := int64(binary.BigEndian.Uint64(rest[:8]))
	return n, string(rest[8:]), nil
}
