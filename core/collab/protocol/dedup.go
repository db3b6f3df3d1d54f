package protocol

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

// Deduper tracks recently seen envelope IDs so redelivered frames are
// dropped before they touch peer or sync state. A bloom filter answers
// the common "never seen" case cheaply; an exact TTL'd set confirms hits
// so false positives never drop fresh envelopes.
type Deduper struct {
	filter     *bloom.BloomFilter
	timestamps map[string]time.Time
	ttl        time.Duration
	mu         sync.Mutex
}

// NewDeduper creates a deduper sized for the expected envelope rate.
func NewDeduper(expected uint, falsePositiveRate float64, ttl time.Duration) *Deduper {
	return &Deduper{
		filter:     bloom.NewWithEstimates(expected, falsePositiveRate),
		timestamps: make(map[string]time.Time),
		ttl:        ttl,
	}
}

// Seen records the ID and reports whether it was already tracked within
// the TTL window.
func (d *Deduper) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if d.filter.TestString(id) {
		if at, ok := d.timestamps[id]; ok && now.Sub(at) < d.ttl {
			return true
		}
	}
	d.filter.AddString(id)
	d.timestamps[id] = now
	return false
}

// Sweep drops expired entries from the exact set. The bloom filter is
// rebuilt once the set empties so it cannot saturate over a long session.
func (d *Deduper) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, at := range d.timestamps {
		if now.Sub(at) >= d.ttl {
			delete(d.timestamps, id)
			removed++
		}
	}
	if len(d.timestamps) == 0 && removed > 0 {
		d.filter.ClearAll()
	}
	return removed
}

// Len returns the number of exactly tracked IDs.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timestamps)
}
