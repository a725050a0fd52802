package cache_test

import (
	"reflect"
	"testing"
	"time"

	"github.com/Jonathan0823/nexusbus/internal/cache"
	"github.com/Jonathan0823/nexusbus/internal/domain"
	"github.com/Jonathan0823/nexusbus/internal/metrics"
)

func TestSetAndGet(t *testing.T) {
	c := cache.New(time.Minute, nil)
	values := []uint16{100, 200, 300}

	c.Set("pump-1", domain.KindHolding, 10, 3, values, time.Minute)

	entry, ok := c.Get("pump-1", domain.KindHolding, 10, 3)
	if !ok {
		t.Fatal("expected a hit")
	}
	if !reflect.DeepEqual(entry.Values, values) {
		t.Errorf("expected %v, got %v", values, entry.Values)
	}
	if entry.Timestamp.IsZero() {
		t.Error("expected a timestamp")
	}
}

func TestKeyIsFullTuple(t *testing.T) {
	c := cache.New(time.Minute, nil)
	c.Set("pump-1", domain.KindHolding, 10, 3, []uint16{1, 2, 3}, time.Minute)

	misses := []struct {
		name     string
		deviceID string
		kind     domain.RegisterKind
		address  uint16
		count    uint16
	}{
		{"different device", "pump-2", domain.KindHolding, 10, 3},
		{"different kind", "pump-1", domain.KindInput, 10, 3},
		{"different address", "pump-1", domain.KindHolding, 11, 3},
		{"different count", "pump-1", domain.KindHolding, 10, 2},
	}
	for _, tt := range misses {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := c.Get(tt.deviceID, tt.kind, tt.address, tt.count); ok {
				t.Error("expected a miss")
			}
		})
	}
}

func TestSetReplacesWholesale(t *testing.T) {
	c := cache.New(time.Minute, nil)
	c.Set("pump-1", domain.KindHolding, 0, 2, []uint16{1, 2}, time.Minute)
	c.Set("pump-1", domain.KindHolding, 0, 2, []uint16{9, 8}, time.Minute)

	entry, ok := c.Get("pump-1", domain.KindHolding, 0, 2)
	if !ok {
		t.Fatal("expected a hit")
	}
	if !reflect.DeepEqual(entry.Values, []uint16{9, 8}) {
		t.Errorf("expected replacement values, got %v", entry.Values)
	}
}

func TestExpiredEntryIsLazilyEvicted(t *testing.T) {
	collector := metrics.NewCollector(nil)
	c := cache.New(time.Minute, collector)
	c.Set("pump-1", domain.KindCoil, 0, 1, []uint16{1}, 20*time.Millisecond)

	time.Sleep(50 * time.Millisecond)

	if _, ok := c.Get("pump-1", domain.KindCoil, 0, 1); ok {
		t.Fatal("expected expired entry to miss")
	}
	// The expired entry was deleted, not just hidden.
	if stats := c.GetStats(); stats.TotalEntries != 0 {
		t.Errorf("expected 0 entries after lazy eviction, got %d", stats.TotalEntries)
	}

	snap := collector.GetSnapshot()
	if snap.Cache.Evictions != 1 {
		t.Errorf("expected 1 eviction, got %d", snap.Cache.Evictions)
	}
	if snap.Cache.Misses != 1 {
		t.Errorf("expected 1 miss, got %d", snap.Cache.Misses)
	}
}

func TestDefaultTTLApplied(t *testing.T) {
	c := cache.New(30*time.Millisecond, nil)
	c.Set("pump-1", domain.KindHolding, 0, 1, []uint16{7}, 0)

	if _, ok := c.Get("pump-1", domain.KindHolding, 0, 1); !ok {
		t.Fatal("expected fresh entry to hit")
	}
	time.Sleep(60 * time.Millisecond)
	if _, ok := c.Get("pump-1", domain.KindHolding, 0, 1); ok {
		t.Fatal("expected entry to expire via default TTL")
	}
}

func TestCleanupExpired(t *testing.T) {
	c := cache.New(time.Minute, nil)
	c.Set("a", domain.KindHolding, 0, 1, []uint16{1}, 20*time.Millisecond)
	c.Set("b", domain.KindHolding, 0, 1, []uint16{2}, 20*time.Millisecond)
	c.Set("c", domain.KindHolding, 0, 1, []uint16{3}, time.Minute)

	time.Sleep(50 * time.Millisecond)

	if removed := c.CleanupExpired(); removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	stats := c.GetStats()
	if stats.TotalEntries != 1 || stats.ActiveEntries != 1 {
		t.Errorf("unexpected stats after cleanup: %+v", stats)
	}
	if removed := c.CleanupExpired(); removed != 0 {
		t.Errorf("second cleanup expected 0, got %d", removed)
	}
}

func TestClear(t *testing.T) {
	c := cache.New(time.Minute, nil)
	c.Set("a", domain.KindHolding, 0, 1, []uint16{1}, time.Minute)
	c.Set("b", domain.KindInput, 5, 2, []uint16{2, 3}, time.Minute)

	if removed := c.Clear(); removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	if stats := c.GetStats(); stats.TotalEntries != 0 {
		t.Errorf("expected empty cache, got %+v", stats)
	}
}

func TestEntriesFilterByDevice(t *testing.T) {
	c := cache.New(time.Minute, nil)
	c.Set("a", domain.KindHolding, 0, 1, []uint16{1}, time.Minute)
	c.Set("a", domain.KindInput, 5, 2, []uint16{2, 3}, time.Minute)
	c.Set("b", domain.KindHolding, 0, 1, []uint16{4}, time.Minute)

	if got := len(c.Entries("")); got != 3 {
		t.Errorf("expected 3 entries unfiltered, got %d", got)
	}
	if got := len(c.Entries("a")); got != 2 {
		t.Errorf("expected 2 entries for device a, got %d", got)
	}
	if got := len(c.Entries("missing")); got != 0 {
		t.Errorf("expected 0 entries for unknown device, got %d", got)
	}
}
