// Package cache provides a TTL-bounded in-memory store of the most recent
// register values per (device, kind, address, count) key. The polling
// scheduler keeps it warm; the API read path consults it.
package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/Jonathan0823/nexusbus/internal/domain"
	"github.com/Jonathan0823/nexusbus/internal/metrics"
)

// DefaultTTL is applied when an entry is stored without an explicit TTL.
const DefaultTTL = 5 * time.Minute

// Entry is one cached value set. Entries are replaced wholesale on every
// successful read; there is no partial merge.
type Entry struct {
	DeviceID  string              `json:"device_id"`
	Kind      domain.RegisterKind `json:"register_kind"`
	Address   uint16              `json:"address"`
	Count     uint16              `json:"count"`
	Values    []uint16            `json:"values"`
	Timestamp time.Time           `json:"cached_at"`
	TTL       time.Duration       `json:"ttl"`
}

// Expired reports whether the entry's age exceeds its TTL.
func (e *Entry) Expired(now time.Time) bool {
	return now.Sub(e.Timestamp) > e.TTL
}

// Stats summarizes the store contents, computed by scanning under the lock.
type Stats struct {
	TotalEntries   int `json:"total_entries"`
	ActiveEntries  int `json:"active_entries"`
	ExpiredEntries int `json:"expired_entries"`
}

// RegisterCache stores the latest register values fetched per key. One mutex
// guards the whole map: entries are small and every operation is O(1)
// amortized, so per-key locking would buy nothing here.
type RegisterCache struct {
	mu         sync.Mutex
	store      map[string]*Entry
	defaultTTL time.Duration
	collector  *metrics.Collector
	now        func() time.Time
}

// New creates a cache. collector may be nil to disable metrics recording.
func New(defaultTTL time.Duration, collector *metrics.Collector) *RegisterCache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &RegisterCache{
		store:      make(map[string]*Entry),
		defaultTTL: defaultTTL,
		collector:  collector,
		now:        time.Now,
	}
}

func key(deviceID string, kind domain.RegisterKind, address, count uint16) string {
	return fmt.Sprintf("%s:%s:%d:%d", deviceID, kind, address, count)
}

// Set stores or overwrites the entry for the key with the current timestamp.
// A ttl <= 0 uses the cache default.
func (c *RegisterCache) Set(deviceID string, kind domain.RegisterKind, address, count uint16, values []uint16, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	entry := &Entry{
		DeviceID:  deviceID,
		Kind:      kind,
		Address:   address,
		Count:     count,
		Values:    values,
		Timestamp: c.now(),
		TTL:       ttl,
	}

	c.mu.Lock()
	c.store[key(deviceID, kind, address, count)] = entry
	c.mu.Unlock()

	if c.collector != nil {
		c.collector.RecordCacheSet()
	}
}

// Get returns the entry for the key if present and not expired. An expired
// entry is deleted as a side effect and reported absent; this lazy eviction
// bounds staleness without a background sweep on the hot path.
func (c *RegisterCache) Get(deviceID string, kind domain.RegisterKind, address, count uint16) (*Entry, bool) {
	k := key(deviceID, kind, address, count)

	c.mu.Lock()
	entry, ok := c.store[k]
	if ok && entry.Expired(c.now()) {
		delete(c.store, k)
		ok = false
		entry = nil
		if c.collector != nil {
			c.collector.RecordCacheEviction()
		}
	}
	c.mu.Unlock()

	if c.collector != nil {
		if ok {
			c.collector.RecordCacheHit()
		} else {
			c.collector.RecordCacheMiss()
		}
	}
	return entry, ok
}

// CleanupExpired removes every currently-expired entry and returns how many
// were removed. Intended for periodic housekeeping independent of access
// patterns.
func (c *RegisterCache) CleanupExpired() int {
	now := c.now()

	c.mu.Lock()
	removed := 0
	for k, entry := range c.store {
		if entry.Expired(now) {
			delete(c.store, k)
			removed++
		}
	}
	c.mu.Unlock()

	if c.collector != nil {
		for i := 0; i < removed; i++ {
			c.collector.RecordCacheEviction()
		}
	}
	return removed
}

// Clear drops everything.
func (c *RegisterCache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.store)
	c.store = make(map[string]*Entry)
	return n
}

// GetStats returns entry counts.
func (c *RegisterCache) GetStats() Stats {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	stats := Stats{TotalEntries: len(c.store)}
	for _, entry := range c.store {
		if entry.Expired(now) {
			stats.ExpiredEntries++
		}
	}
	stats.ActiveEntries = stats.TotalEntries - stats.ExpiredEntries
	return stats
}

// Entries returns a snapshot of all entries, optionally filtered by device.
// An empty deviceID returns everything.
func (c *RegisterCache) Entries(deviceID string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, len(c.store))
	for _, entry := range c.store {
		if deviceID != "" && entry.DeviceID != deviceID {
			continue
		}
		out = append(out, *entry)
	}
	return out
}
