// Package metrics collects process-wide counters for request volume, cache
// activity and poll cycles. The Collector keeps the flat snapshot served by
// the API; the Registry mirrors the same events into Prometheus.
package metrics

import (
	"sync"
	"time"

	"github.com/Jonathan0823/nexusbus/internal/domain"
)

// ModbusSnapshot is the request-side portion of a metrics snapshot.
type ModbusSnapshot struct {
	TotalRequests      uint64            `json:"total_requests"`
	SuccessfulRequests uint64            `json:"successful_requests"`
	FailedRequests     uint64            `json:"failed_requests"`
	SuccessRatePercent float64           `json:"success_rate_percent"`
	AverageLatencyMs   float64           `json:"average_latency_ms"`
	RequestsByKind     map[string]uint64 `json:"requests_by_kind"`
	ErrorsByKind       map[string]uint64 `json:"errors_by_kind"`
}

// CacheSnapshot is the cache portion of a metrics snapshot.
type CacheSnapshot struct {
	Hits           uint64  `json:"hits"`
	Misses         uint64  `json:"misses"`
	Sets           uint64  `json:"sets"`
	Evictions      uint64  `json:"evictions"`
	HitRatePercent float64 `json:"hit_rate_percent"`
}

// PollingSnapshot is the poll-cycle portion of a metrics snapshot.
type PollingSnapshot struct {
	TotalCycles            uint64     `json:"total_cycles"`
	SuccessfulCycles       uint64     `json:"successful_cycles"`
	FailedCycles           uint64     `json:"failed_cycles"`
	TotalTargetsPolled     uint64     `json:"total_targets_polled"`
	TotalTargetsSuccess    uint64     `json:"total_targets_success"`
	TotalTargetsFailed     uint64     `json:"total_targets_failed"`
	SuccessRatePercent     float64    `json:"success_rate_percent"`
	AverageCycleDurationMs float64    `json:"average_cycle_duration_ms"`
	LastCycleTime          *time.Time `json:"last_cycle_time"`
}

// Snapshot is the flat structure exposed to the metrics sink.
type Snapshot struct {
	UptimeSeconds float64         `json:"uptime_seconds"`
	Modbus        ModbusSnapshot  `json:"modbus"`
	Cache         CacheSnapshot   `json:"cache"`
	Polling       PollingSnapshot `json:"polling"`
}

// Collector is the process-wide counter store. One instance is constructed at
// startup and passed into every component that records events; counters only
// grow until an explicit Reset.
type Collector struct {
	registry *Registry // optional Prometheus mirror

	mu        sync.Mutex
	startTime time.Time

	totalRequests      uint64
	successfulRequests uint64
	failedRequests     uint64
	totalLatency       time.Duration
	requestsByKind     map[string]uint64
	errorsByKind       map[string]uint64

	cacheHits      uint64
	cacheMisses    uint64
	cacheSets      uint64
	cacheEvictions uint64

	totalCycles         uint64
	successfulCycles    uint64
	failedCycles        uint64
	totalTargetsPolled  uint64
	totalTargetsSuccess uint64
	totalTargetsFailed  uint64
	totalCycleDuration  time.Duration
	lastCycleTime       time.Time
}

// NewCollector creates a collector. registry may be nil to skip the
// Prometheus mirror (tests do this).
func NewCollector(registry *Registry) *Collector {
	return &Collector{
		registry:       registry,
		startTime:      time.Now(),
		requestsByKind: make(map[string]uint64),
		errorsByKind:   make(map[string]uint64),
	}
}

// RecordRequest records one register operation against a device.
func (c *Collector) RecordRequest(kind domain.RegisterKind, success bool, latency time.Duration) {
	c.mu.Lock()
	c.totalRequests++
	c.requestsByKind[string(kind)]++
	if success {
		c.successfulRequests++
	} else {
		c.failedRequests++
		c.errorsByKind[string(kind)]++
	}
	c.totalLatency += latency
	c.mu.Unlock()

	if c.registry != nil {
		c.registry.RecordRequest(string(kind), success, latency.Seconds())
	}
}

// RecordCacheHit records a cache hit.
func (c *Collector) RecordCacheHit() {
	c.mu.Lock()
	c.cacheHits++
	c.mu.Unlock()
	if c.registry != nil {
		c.registry.CacheHits.Inc()
	}
}

// RecordCacheMiss records a cache miss.
func (c *Collector) RecordCacheMiss() {
	c.mu.Lock()
	c.cacheMisses++
	c.mu.Unlock()
	if c.registry != nil {
		c.registry.CacheMisses.Inc()
	}
}

// RecordCacheSet records a cache store.
func (c *Collector) RecordCacheSet() {
	c.mu.Lock()
	c.cacheSets++
	c.mu.Unlock()
	if c.registry != nil {
		c.registry.CacheSets.Inc()
	}
}

// RecordCacheEviction records an expired-entry removal.
func (c *Collector) RecordCacheEviction() {
	c.mu.Lock()
	c.cacheEvictions++
	c.mu.Unlock()
	if c.registry != nil {
		c.registry.CacheEvictions.Inc()
	}
}

// RecordPollCycle records one completed polling cycle. A cycle with zero
// failures counts as successful.
func (c *Collector) RecordPollCycle(successCount, failureCount int, duration time.Duration) {
	c.mu.Lock()
	c.totalCycles++
	c.totalTargetsPolled += uint64(successCount + failureCount)
	c.totalTargetsSuccess += uint64(successCount)
	c.totalTargetsFailed += uint64(failureCount)
	c.totalCycleDuration += duration
	c.lastCycleTime = time.Now().UTC()
	if failureCount == 0 {
		c.successfulCycles++
	} else {
		c.failedCycles++
	}
	c.mu.Unlock()

	if c.registry != nil {
		c.registry.RecordPollCycle(successCount, failureCount, duration.Seconds())
	}
}

// GetSnapshot returns the current flat metrics structure.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Modbus: ModbusSnapshot{
			TotalRequests:      c.totalRequests,
			SuccessfulRequests: c.successfulRequests,
			FailedRequests:     c.failedRequests,
			SuccessRatePercent: 100.0,
			RequestsByKind:     copyMap(c.requestsByKind),
			ErrorsByKind:       copyMap(c.errorsByKind),
		},
		Cache: CacheSnapshot{
			Hits:      c.cacheHits,
			Misses:    c.cacheMisses,
			Sets:      c.cacheSets,
			Evictions: c.cacheEvictions,
		},
		Polling: PollingSnapshot{
			TotalCycles:         c.totalCycles,
			SuccessfulCycles:    c.successfulCycles,
			FailedCycles:        c.failedCycles,
			TotalTargetsPolled:  c.totalTargetsPolled,
			TotalTargetsSuccess: c.totalTargetsSuccess,
			TotalTargetsFailed:  c.totalTargetsFailed,
			SuccessRatePercent:  100.0,
		},
	}

	if c.totalRequests > 0 {
		snap.Modbus.SuccessRatePercent = float64(c.successfulRequests) / float64(c.totalRequests) * 100.0
		snap.Modbus.AverageLatencyMs = c.totalLatency.Seconds() * 1000.0 / float64(c.totalRequests)
	}
	if total := c.cacheHits + c.cacheMisses; total > 0 {
		snap.Cache.HitRatePercent = float64(c.cacheHits) / float64(total) * 100.0
	}
	if c.totalTargetsPolled > 0 {
		snap.Polling.SuccessRatePercent = float64(c.totalTargetsSuccess) / float64(c.totalTargetsPolled) * 100.0
	}
	if c.totalCycles > 0 {
		snap.Polling.AverageCycleDurationMs = c.totalCycleDuration.Seconds() * 1000.0 / float64(c.totalCycles)
	}
	if !c.lastCycleTime.IsZero() {
		t := c.lastCycleTime
		snap.Polling.LastCycleTime = &t
	}
	return snap
}

// Reset zeroes every counter and restarts the uptime clock. Prometheus
// counters are cumulative by design and are not reset.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.startTime = time.Now()
	c.totalRequests = 0
	c.successfulRequests = 0
	c.failedRequests = 0
	c.totalLatency = 0
	c.requestsByKind = make(map[string]uint64)
	c.errorsByKind = make(map[string]uint64)
	c.cacheHits = 0
	c.cacheMisses = 0
	c.cacheSets = 0
	c.cacheEvictions = 0
	c.totalCycles = 0
	c.successfulCycles = 0
	c.failedCycles = 0
	c.totalTargetsPolled = 0
	c.totalTargetsSuccess = 0
	c.totalTargetsFailed = 0
	c.totalCycleDuration = 0
	c.lastCycleTime = time.Time{}
}

func copyMap(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
