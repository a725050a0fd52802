// Package store loads device and polling configuration. The poller re-reads
// it every cycle, so edits to the backing file take effect without a restart.
package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/Jonathan0823/nexusbus/internal/domain"
)

// Store supplies the current device set and polling targets.
type Store interface {
	DeviceConfigs(ctx context.Context) ([]domain.DeviceConfig, error)
	PollTargets(ctx context.Context) ([]domain.PollTarget, error)
}

// FileStore reads devices and targets from one YAML file on every call.
type FileStore struct {
	path   string
	logger zerolog.Logger

	mu sync.Mutex
}

// NewFileStore creates a store backed by the YAML file at path.
func NewFileStore(path string, logger zerolog.Logger) *FileStore {
	return &FileStore{
		path:   path,
		logger: logger.With().Str("component", "store").Str("path", path).Logger(),
	}
}

// file-level DTOs; durations are millisecond integers.

type fileConfig struct {
	Devices []deviceEntry `yaml:"devices"`
	Targets []targetEntry `yaml:"targets"`
}

type deviceEntry struct {
	DeviceID     string `yaml:"device_id"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	SlaveID      uint8  `yaml:"slave_id"`
	TimeoutMs    int    `yaml:"timeout_ms"`
	Framer       string `yaml:"framer"`
	MaxRetries   int    `yaml:"max_retries"`
	RetryDelayMs int    `yaml:"retry_delay_ms"`
}

type targetEntry struct {
	DeviceID    string `yaml:"device_id"`
	Kind        string `yaml:"register_kind"`
	Address     uint16 `yaml:"address"`
	Count       uint16 `yaml:"count"`
	Description string `yaml:"description"`
	Active      *bool  `yaml:"active"` // nil means active
}

func (s *FileStore) load() (*fileConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// DeviceConfigs returns every device in the file, with defaults applied and
// validated.
func (s *FileStore) DeviceConfigs(ctx context.Context) ([]domain.DeviceConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, err := s.load()
	if err != nil {
		return nil, err
	}

	out := make([]domain.DeviceConfig, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		dc := normalizeDevice(d)
		if err := dc.Validate(); err != nil {
			return nil, fmt.Errorf("device %q: %w", d.DeviceID, err)
		}
		out = append(out, dc)
	}
	return out, nil
}

// PollTargets returns every target in the file. Inactive targets are kept;
// the poller filters them so the API can still list the full set.
func (s *FileStore) PollTargets(ctx context.Context) ([]domain.PollTarget, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, err := s.load()
	if err != nil {
		return nil, err
	}

	out := make([]domain.PollTarget, 0, len(cfg.Targets))
	for _, t := range cfg.Targets {
		kind, err := domain.ParseRegisterKind(t.Kind)
		if err != nil {
			return nil, fmt.Errorf("target %q@%d: %w", t.DeviceID, t.Address, err)
		}
		pt := domain.PollTarget{
			DeviceID:    t.DeviceID,
			Kind:        kind,
			Address:     t.Address,
			Count:       t.Count,
			Description: t.Description,
			Active:      t.Active == nil || *t.Active,
		}
		if pt.Count == 0 {
			pt.Count = 1
		}
		if err := pt.Validate(); err != nil {
			return nil, fmt.Errorf("target %q@%d: %w", t.DeviceID, t.Address, err)
		}
		out = append(out, pt)
	}
	return out, nil
}

func normalizeDevice(d deviceEntry) domain.DeviceConfig {
	dc := domain.DeviceConfig{
		DeviceID:   d.DeviceID,
		Host:       d.Host,
		Port:       d.Port,
		SlaveID:    d.SlaveID,
		Timeout:    time.Duration(d.TimeoutMs) * time.Millisecond,
		Framer:     domain.Framer(d.Framer),
		MaxRetries: d.MaxRetries,
		RetryDelay: time.Duration(d.RetryDelayMs) * time.Millisecond,
	}
	if dc.Port == 0 {
		dc.Port = 502
	}
	if dc.Timeout <= 0 {
		dc.Timeout = 5 * time.Second
	}
	if dc.Framer == "" {
		dc.Framer = domain.FramerSocket
	}
	if dc.MaxRetries <= 0 {
		dc.MaxRetries = 3
	}
	if dc.RetryDelay <= 0 {
		dc.RetryDelay = 100 * time.Millisecond
	}
	return dc
}

// Static is a fixed in-memory store, used when no config file is given and
// in tests.
type Static struct {
	Devices []domain.DeviceConfig
	Targets []domain.PollTarget
}

func (s *Static) DeviceConfigs(ctx context.Context) ([]domain.DeviceConfig, error) {
	out := make([]domain.DeviceConfig, len(s.Devices))
	copy(out, s.Devices)
	return out, nil
}

func (s *Static) PollTargets(ctx context.Context) ([]domain.PollTarget, error) {
	out := make([]domain.PollTarget, len(s.Targets))
	copy(out, s.Targets)
	return out, nil
}
