package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Jonathan0823/nexusbus/internal/breaker"
	"github.com/Jonathan0823/nexusbus/internal/domain"
	"github.com/Jonathan0823/nexusbus/internal/metrics"
)

// Manager is the single entry point for register operations. It maps device
// ids to configs, shares one Session per (host, port), and guards each device
// with its own circuit breaker.
type Manager struct {
	factory   TransportFactory
	breakers  *breaker.Registry
	collector *metrics.Collector
	registry  *metrics.Registry
	logger    zerolog.Logger

	mu       sync.RWMutex
	configs  map[string]domain.DeviceConfig
	sessions map[string]*Session // keyed by host:port
	closed   bool
}

// Options configures a Manager. Zero values select defaults: the real TCP
// transport, default breaker thresholds, no metrics.
type Options struct {
	Transport TransportFactory
	Breaker   breaker.Config
	Collector *metrics.Collector
	Registry  *metrics.Registry
	Logger    zerolog.Logger
}

// NewManager builds a manager for the given device configs. Every config must
// validate and device ids must be unique.
func NewManager(configs []domain.DeviceConfig, opts Options) (*Manager, error) {
	byID, err := indexConfigs(configs)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger.With().Str("component", "gateway").Logger()
	m := &Manager{
		factory:   opts.Transport,
		breakers:  breaker.NewRegistry(opts.Breaker, logger),
		collector: opts.Collector,
		registry:  opts.Registry,
		logger:    logger,
		configs:   byID,
		sessions:  make(map[string]*Session),
	}
	return m, nil
}

func indexConfigs(configs []domain.DeviceConfig) (map[string]domain.DeviceConfig, error) {
	byID := make(map[string]domain.DeviceConfig, len(configs))
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("device %q: %w", cfg.DeviceID, err)
		}
		if _, dup := byID[cfg.DeviceID]; dup {
			return nil, fmt.Errorf("duplicate device id %q", cfg.DeviceID)
		}
		byID[cfg.DeviceID] = cfg
	}
	return byID, nil
}

// pollReadTimeout caps per-target response waits during scheduled polling.
// A stuck device must not hold a whole cycle hostage.
const pollReadTimeout = 2 * time.Second

// Read reads count values of kind from the device's registers, going through
// the device's circuit breaker and the shared session for its endpoint.
func (m *Manager) Read(ctx context.Context, deviceID string, kind domain.RegisterKind, address, count uint16) ([]uint16, error) {
	return m.read(ctx, deviceID, kind, address, count, false)
}

// PollRead is the scheduler's read path: a single attempt with a short
// timeout instead of the device's full retry budget.
func (m *Manager) PollRead(ctx context.Context, deviceID string, kind domain.RegisterKind, address, count uint16) ([]uint16, error) {
	return m.read(ctx, deviceID, kind, address, count, true)
}

func (m *Manager) read(ctx context.Context, deviceID string, kind domain.RegisterKind, address, count uint16, failFast bool) ([]uint16, error) {
	cfg, sess, err := m.route(deviceID)
	if err != nil {
		return nil, err
	}
	if failFast {
		cfg.MaxRetries = 1
		if cfg.Timeout <= 0 || cfg.Timeout > pollReadTimeout {
			cfg.Timeout = pollReadTimeout
		}
	}
	var values []uint16
	br := m.breakers.GetOrCreate(deviceID)
	err = br.Call(func() error {
		start := time.Now()
		v, opErr := sess.Read(ctx, cfg, kind, address, count)
		if m.collector != nil {
			m.collector.RecordRequest(kind, opErr == nil, time.Since(start))
		}
		values = v
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return values, nil
}

// Write writes values to consecutive registers of kind starting at address.
// Only holding registers accept writes.
func (m *Manager) Write(ctx context.Context, deviceID string, kind domain.RegisterKind, address uint16, values []uint16) error {
	if kind != domain.KindHolding {
		return fmt.Errorf("%w: %q", domain.ErrWriteUnsupported, string(kind))
	}
	cfg, sess, err := m.route(deviceID)
	if err != nil {
		return err
	}
	br := m.breakers.GetOrCreate(deviceID)
	return br.Call(func() error {
		start := time.Now()
		opErr := sess.Write(ctx, cfg, address, values)
		if m.collector != nil {
			m.collector.RecordRequest(kind, opErr == nil, time.Since(start))
		}
		return opErr
	})
}

// route resolves deviceID to its config and the shared session for its
// endpoint, creating the session on first use.
func (m *Manager) route(deviceID string) (domain.DeviceConfig, *Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.DeviceConfig{}, nil, domain.ErrManagerClosed
	}
	cfg, ok := m.configs[deviceID]
	if !ok {
		return domain.DeviceConfig{}, nil, fmt.Errorf("%w: %q", domain.ErrDeviceNotFound, deviceID)
	}
	addr := cfg.Addr()
	sess, ok := m.sessions[addr]
	if !ok {
		sess = NewSession(addr, cfg.Framer, m.factory, m.registry, m.logger)
		m.sessions[addr] = sess
	}
	return cfg, sess, nil
}

// ResetConnection drops the shared connection behind deviceID's endpoint.
// Every device on that endpoint reconnects on its next request.
func (m *Manager) ResetConnection(deviceID string) error {
	m.mu.RLock()
	cfg, ok := m.configs[deviceID]
	var sess *Session
	if ok {
		sess = m.sessions[cfg.Addr()]
	}
	closed := m.closed
	m.mu.RUnlock()

	if closed {
		return domain.ErrManagerClosed
	}
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrDeviceNotFound, deviceID)
	}
	if sess != nil {
		sess.Reset()
	}
	return nil
}

// ReloadConfigs swaps the device set for a new one. Connections are touched
// only when membership changes: an endpoint's session is closed when the last
// device behind it disappears. Devices whose config merely changed pick up
// the new values on their next request.
func (m *Manager) ReloadConfigs(configs []domain.DeviceConfig) error {
	byID, err := indexConfigs(configs)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.ErrManagerClosed
	}

	var removed []string
	for id := range m.configs {
		if _, still := byID[id]; !still {
			removed = append(removed, id)
		}
	}

	keepAddrs := make(map[string]bool, len(byID))
	for _, cfg := range byID {
		keepAddrs[cfg.Addr()] = true
	}
	var orphaned []*Session
	for addr, sess := range m.sessions {
		if !keepAddrs[addr] {
			orphaned = append(orphaned, sess)
			delete(m.sessions, addr)
		}
	}

	m.configs = byID
	m.mu.Unlock()

	for _, id := range removed {
		m.breakers.Remove(id)
	}
	for _, sess := range orphaned {
		sess.Close()
	}
	m.logger.Info().
		Int("devices", len(byID)).
		Int("removed", len(removed)).
		Msg("Device configuration reloaded")
	return nil
}

// EndpointStatus describes one shared gateway connection.
type EndpointStatus struct {
	Addr      string    `json:"addr"`
	Connected bool      `json:"connected"`
	DeviceIDs []string  `json:"device_ids"`
	LastUsed  time.Time `json:"last_used,omitempty"`
}

// GatewayStatus reports every endpoint with a session, plus the devices
// routed through it.
func (m *Manager) GatewayStatus() []EndpointStatus {
	m.mu.RLock()
	sessions := make(map[string]*Session, len(m.sessions))
	for addr, sess := range m.sessions {
		sessions[addr] = sess
	}
	devices := make(map[string][]string)
	for id, cfg := range m.configs {
		devices[cfg.Addr()] = append(devices[cfg.Addr()], id)
	}
	m.mu.RUnlock()

	out := make([]EndpointStatus, 0, len(sessions))
	for addr, sess := range sessions {
		ids := devices[addr]
		sort.Strings(ids)
		out = append(out, EndpointStatus{
			Addr:      addr,
			Connected: sess.Connected(),
			DeviceIDs: ids,
			LastUsed:  sess.LastUsed(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// CircuitStatus returns each device's breaker state.
func (m *Manager) CircuitStatus() map[string]breaker.Status {
	return m.breakers.AllStatus()
}

// ResetCircuit forces the breaker for deviceID back to closed. It reports
// whether a breaker existed.
func (m *Manager) ResetCircuit(deviceID string) bool {
	return m.breakers.Reset(deviceID)
}

// ResetAllCircuits forces every breaker back to closed.
func (m *Manager) ResetAllCircuits() {
	m.breakers.ResetAll()
}

// Ping reports whether the manager accepts operations.
func (m *Manager) Ping() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return domain.ErrManagerClosed
	}
	return nil
}

// GetConfig returns the config for deviceID.
func (m *Manager) GetConfig(deviceID string) (domain.DeviceConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[deviceID]
	if !ok {
		return domain.DeviceConfig{}, fmt.Errorf("%w: %q", domain.ErrDeviceNotFound, deviceID)
	}
	return cfg, nil
}

// DeviceList returns every configured device, sorted by id.
func (m *Manager) DeviceList() []domain.DeviceConfig {
	m.mu.RLock()
	out := make([]domain.DeviceConfig, 0, len(m.configs))
	for _, cfg := range m.configs {
		out = append(out, cfg)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Close shuts every session down. The manager rejects further operations.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
	m.logger.Info().Msg("Gateway manager closed")
}
