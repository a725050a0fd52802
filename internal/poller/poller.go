// Package poller runs the cycle-based polling scheduler: every interval it
// reloads the target list, reads each target once, refreshes the register
// cache and hands readings to MQTT.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Jonathan0823/nexusbus/internal/cache"
	"github.com/Jonathan0823/nexusbus/internal/domain"
	"github.com/Jonathan0823/nexusbus/internal/metrics"
	"github.com/Jonathan0823/nexusbus/internal/store"
)

// Reader is the fail-fast read path the scheduler polls through.
type Reader interface {
	PollRead(ctx context.Context, deviceID string, kind domain.RegisterKind, address, count uint16) ([]uint16, error)
}

// Publisher receives readings. Publishes are fire-and-forget; Drain bounds
// how long shutdown waits for stragglers.
type Publisher interface {
	PublishAsync(reading *domain.Reading)
	Drain(grace time.Duration) bool
}

// Config holds scheduler settings.
type Config struct {
	// Interval between cycle starts.
	Interval time.Duration
	// CacheTTL applied to entries written by the scheduler.
	CacheTTL time.Duration
	// DrainGrace bounds the wait for outstanding publishes on Stop.
	DrainGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 2 * c.Interval
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = 5 * time.Second
	}
	return c
}

// Poller drives the polling loop. Targets come from the store each cycle so
// configuration edits take effect without a restart; when the store fails,
// the static list keeps polling alive.
type Poller struct {
	config    Config
	reader    Reader
	cache     *cache.RegisterCache
	publisher Publisher
	store     store.Store
	static    []domain.PollTarget
	collector *metrics.Collector
	logger    zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a poller. store may be nil, in which case only the static
// targets are polled. publisher may be nil to disable publishing.
func New(config Config, reader Reader, c *cache.RegisterCache, publisher Publisher, st store.Store, static []domain.PollTarget, collector *metrics.Collector, logger zerolog.Logger) *Poller {
	return &Poller{
		config:    config.withDefaults(),
		reader:    reader,
		cache:     c,
		publisher: publisher,
		store:     st,
		static:    static,
		collector: collector,
		logger:    logger.With().Str("component", "poller").Logger(),
	}
}

// Start launches the polling loop. The first cycle runs immediately.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	go p.run(loopCtx)
	p.logger.Info().
		Dur("interval", p.config.Interval).
		Msg("Polling scheduler started")
	return nil
}

// Stop halts the loop, waits for the in-flight cycle, then drains pending
// publishes with a bounded grace period.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	cancel()
	<-done
	if p.publisher != nil {
		p.publisher.Drain(p.config.DrainGrace)
	}
	p.logger.Info().Msg("Polling scheduler stopped")
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunCycle(ctx)
		}
	}
}

// RunCycle executes one polling cycle: load targets, poll each concurrently,
// record the outcome. Exported so the API can trigger an immediate cycle.
func (p *Poller) RunCycle(ctx context.Context) {
	start := time.Now()
	targets := p.loadTargets(ctx)

	var wg sync.WaitGroup
	var successCount, failureCount int64
	var mu sync.Mutex

	polled := 0
	for _, t := range targets {
		if !t.Active {
			continue
		}
		if err := t.Validate(); err != nil {
			p.logger.Warn().
				Err(err).
				Str("device_id", t.DeviceID).
				Msg("Skipping invalid polling target")
			continue
		}
		polled++
		wg.Add(1)
		go func(target domain.PollTarget) {
			defer wg.Done()
			err := p.pollTarget(ctx, target)
			mu.Lock()
			if err != nil {
				failureCount++
			} else {
				successCount++
			}
			mu.Unlock()
		}(t)
	}
	wg.Wait()

	if polled == 0 {
		p.logger.Debug().Msg("Poll cycle had no active targets")
		return
	}

	duration := time.Since(start)
	if p.collector != nil {
		p.collector.RecordPollCycle(int(successCount), int(failureCount), duration)
	}
	evt := p.logger.Debug()
	if failureCount > 0 {
		evt = p.logger.Warn()
	}
	evt.Int("targets", polled).
		Int64("failed", failureCount).
		Dur("duration", duration).
		Msg("Poll cycle complete")
}

// loadTargets fetches the current target list from the store, falling back
// to the static list when the store is missing, failing or empty. The
// returned slice is the poller's own copy.
func (p *Poller) loadTargets(ctx context.Context) []domain.PollTarget {
	if p.store != nil {
		targets, err := p.store.PollTargets(ctx)
		if err == nil && len(targets) > 0 {
			return targets
		}
		if err != nil {
			p.logger.Warn().Err(err).Msg("Target reload failed, using static list")
		}
	}
	out := make([]domain.PollTarget, len(p.static))
	copy(out, p.static)
	return out
}

func (p *Poller) pollTarget(ctx context.Context, t domain.PollTarget) error {
	values, err := p.reader.PollRead(ctx, t.DeviceID, t.Kind, t.Address, t.Count)
	if err != nil {
		evt := p.logger.Warn()
		if domain.IsCircuitOpen(err) {
			// Expected while a device cools down, not worth a warning.
			evt = p.logger.Debug()
		}
		evt.Err(err).
			Str("device_id", t.DeviceID).
			Str("kind", string(t.Kind)).
			Uint16("address", t.Address).
			Msg("Poll read failed")
		return err
	}

	if p.cache != nil {
		p.cache.Set(t.DeviceID, t.Kind, t.Address, t.Count, values, p.config.CacheTTL)
	}
	if p.publisher != nil {
		p.publisher.PublishAsync(domain.NewReading(t.DeviceID, t.Kind, t.Address, t.Count, values))
	}
	return nil
}
