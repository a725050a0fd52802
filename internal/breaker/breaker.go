// Package breaker implements a per-device circuit breaker. It fails fast when
// a device is persistently unreachable, then gradually tests recovery instead
// of hammering a dead endpoint.
package breaker

import (
	"sync"
	"time"

	"github.com/Jonathan0823/nexusbus/internal/domain"
	"github.com/rs/zerolog"
)

// State is the breaker state.
type State string

const (
	// StateClosed is normal operation, calls pass through.
	StateClosed State = "closed"
	// StateOpen rejects all calls until the recovery timeout elapses.
	StateOpen State = "open"
	// StateHalfOpen lets trial calls through to probe recovery.
	StateHalfOpen State = "half_open"
)

// Config tunes breaker behavior.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long an open circuit rejects calls before
	// allowing a half-open probe.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the consecutive half-open successes needed to close.
	SuccessThreshold int
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 1,
	}
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	return c
}

// Breaker tracks failures for a single device. State transitions are
// serialized by the breaker's lock; the wrapped operation itself runs outside
// that lock so a slow device call never blocks state inspection or other
// callers.
type Breaker struct {
	deviceID string
	config   Config
	logger   zerolog.Logger

	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	lastFailure  time.Time
	now          func() time.Time
}

// New creates a breaker for one device.
func New(deviceID string, config Config, logger zerolog.Logger) *Breaker {
	return &Breaker{
		deviceID: deviceID,
		config:   config.withDefaults(),
		logger:   logger.With().Str("component", "circuit-breaker").Str("device_id", deviceID).Logger(),
		state:    StateClosed,
		now:      time.Now,
	}
}

// Call executes op through the breaker. When the circuit is open and the
// cooldown has not elapsed, op is not invoked and a CircuitOpenError carrying
// the remaining cooldown is returned. The op's own error is passed through
// unchanged after being recorded as a failure.
func (b *Breaker) Call(op func() error) error {
	b.mu.Lock()
	if b.state == StateOpen {
		remaining := b.retryInLocked()
		if remaining > 0 {
			b.mu.Unlock()
			return &domain.CircuitOpenError{DeviceID: b.deviceID, RetryIn: remaining}
		}
		b.state = StateHalfOpen
		b.successCount = 0
		b.logger.Info().Msg("Circuit breaker half-open, probing recovery")
	}
	b.mu.Unlock()

	err := op()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.recordFailureLocked()
		return err
	}
	b.recordSuccessLocked()
	return nil
}

func (b *Breaker) recordSuccessLocked() {
	switch b.state {
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
			b.logger.Info().Msg("Circuit breaker closed after recovery")
		}
	case StateClosed:
		b.failureCount = 0
	}
}

func (b *Breaker) recordFailureLocked() {
	b.failureCount++
	b.lastFailure = b.now()
	b.successCount = 0

	switch b.state {
	case StateHalfOpen:
		// One failed probe is enough to reopen.
		b.state = StateOpen
		b.logger.Warn().Msg("Circuit breaker reopened after failed recovery attempt")
	case StateClosed:
		if b.failureCount >= b.config.FailureThreshold {
			b.state = StateOpen
			b.logger.Warn().
				Int("failures", b.failureCount).
				Dur("recovery_timeout", b.config.RecoveryTimeout).
				Msg("Circuit breaker opened after repeated failures")
		}
	}
}

func (b *Breaker) retryInLocked() time.Duration {
	if b.state != StateOpen {
		return 0
	}
	remaining := b.config.RecoveryTimeout - b.now().Sub(b.lastFailure)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset forces the breaker back to closed with all counters zeroed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.lastFailure = time.Time{}
	b.logger.Info().Msg("Circuit breaker manually reset")
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status is a point-in-time view of one breaker for observability.
type Status struct {
	DeviceID     string        `json:"device_id"`
	State        State         `json:"state"`
	FailureCount int           `json:"failure_count"`
	RetryIn      time.Duration `json:"retry_in,omitempty"`
}

// Status returns the breaker's current status snapshot.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		DeviceID:     b.deviceID,
		State:        b.state,
		FailureCount: b.failureCount,
		RetryIn:      b.retryInLocked(),
	}
}
