// Package bloomfilter wraps bits-and-blooms/bloom for the spider's
// sighting dedup: a probabilistic set that lets millions of repeat
// info-hash sightings be discarded without a storage round trip.
package bloomfilter

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// Filter is a concurrency-safe probabilistic membership set.
type Filter struct {
	mu sync.Mutex
	bf *bloom.BloomFilter
}

// New creates a filter sized for n expected items at the given false
// positive rate; bloom.NewWithEstimates turns those into concrete
// bit/hash-count parameters.
func New(n uint, fpRate float64) *Filter {
	return &Filter{bf: bloom.NewWithEstimates(n, fpRate)}
}

// TestAndAdd reports whether data was (probably) already present, and
// adds it regardless.
func (f *Filter) TestAndAdd(data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bf.TestAndAdd(data)
}
