package store_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Jonathan0823/nexusbus/internal/domain"
	"github.com/Jonathan0823/nexusbus/internal/store"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devices.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDeviceConfigsDefaults(t *testing.T) {
	path := writeConfig(t, `
devices:
  - device_id: plc-1
    host: 10.0.0.5
    slave_id: 1
`)
	s := store.NewFileStore(path, zerolog.Nop())

	devices, err := s.DeviceConfigs(context.Background())
	if err != nil {
		t.Fatalf("DeviceConfigs: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(devices))
	}
	d := devices[0]
	if d.Port != 502 {
		t.Errorf("expected default port 502, got %d", d.Port)
	}
	if d.Timeout != 5*time.Second {
		t.Errorf("expected default timeout 5s, got %v", d.Timeout)
	}
	if d.Framer != domain.FramerSocket {
		t.Errorf("expected default framer socket, got %q", d.Framer)
	}
	if d.MaxRetries != 3 {
		t.Errorf("expected default max retries 3, got %d", d.MaxRetries)
	}
	if d.RetryDelay != 100*time.Millisecond {
		t.Errorf("expected default retry delay 100ms, got %v", d.RetryDelay)
	}
}

func TestDeviceConfigsExplicitValues(t *testing.T) {
	path := writeConfig(t, `
devices:
  - device_id: meter-7
    host: 192.168.1.20
    port: 1502
    slave_id: 7
    timeout_ms: 1500
    framer: rtu
    max_retries: 5
    retry_delay_ms: 250
`)
	s := store.NewFileStore(path, zerolog.Nop())

	devices, err := s.DeviceConfigs(context.Background())
	if err != nil {
		t.Fatalf("DeviceConfigs: %v", err)
	}
	d := devices[0]
	if d.Port != 1502 || d.SlaveID != 7 || d.MaxRetries != 5 {
		t.Errorf("unexpected device: %+v", d)
	}
	if d.Timeout != 1500*time.Millisecond || d.RetryDelay != 250*time.Millisecond {
		t.Errorf("unexpected durations: timeout=%v delay=%v", d.Timeout, d.RetryDelay)
	}
	if d.Framer != domain.FramerRTU {
		t.Errorf("expected rtu framer, got %q", d.Framer)
	}
}

func TestDeviceConfigsInvalidSlave(t *testing.T) {
	path := writeConfig(t, `
devices:
  - device_id: bad
    host: 10.0.0.1
    slave_id: 0
`)
	s := store.NewFileStore(path, zerolog.Nop())

	if _, err := s.DeviceConfigs(context.Background()); !errors.Is(err, domain.ErrInvalidSlaveID) {
		t.Fatalf("expected ErrInvalidSlaveID, got %v", err)
	}
}

func TestPollTargets(t *testing.T) {
	path := writeConfig(t, `
targets:
  - device_id: plc-1
    register_kind: holding
    address: 100
    count: 4
    description: line speed
  - device_id: plc-1
    register_kind: coil
    address: 0
  - device_id: plc-2
    register_kind: input
    address: 30
    count: 2
    active: false
`)
	s := store.NewFileStore(path, zerolog.Nop())

	targets, err := s.PollTargets(context.Background())
	if err != nil {
		t.Fatalf("PollTargets: %v", err)
	}
	if len(targets) != 3 {
		t.Fatalf("expected 3 targets, got %d", len(targets))
	}
	if !targets[0].Active || targets[0].Kind != domain.KindHolding {
		t.Errorf("unexpected first target: %+v", targets[0])
	}
	if targets[1].Count != 1 {
		t.Errorf("expected count default 1, got %d", targets[1].Count)
	}
	if targets[2].Active {
		t.Error("expected third target inactive")
	}
}

func TestPollTargetsInvalidKind(t *testing.T) {
	path := writeConfig(t, `
targets:
  - device_id: plc-1
    register_kind: flux
    address: 0
`)
	s := store.NewFileStore(path, zerolog.Nop())

	if _, err := s.PollTargets(context.Background()); !errors.Is(err, domain.ErrInvalidRegisterKind) {
		t.Fatalf("expected ErrInvalidRegisterKind, got %v", err)
	}
}

func TestMissingFile(t *testing.T) {
	s := store.NewFileStore(filepath.Join(t.TempDir(), "absent.yaml"), zerolog.Nop())
	if _, err := s.DeviceConfigs(context.Background()); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestStaticStoreCopies(t *testing.T) {
	s := &store.Static{
		Devices: []domain.DeviceConfig{{DeviceID: "a", Host: "h", Port: 502, SlaveID: 1}},
		Targets: []domain.PollTarget{{DeviceID: "a", Kind: domain.KindHolding, Count: 1, Active: true}},
	}

	devices, _ := s.DeviceConfigs(context.Background())
	devices[0].DeviceID = "mutated"
	again, _ := s.DeviceConfigs(context.Background())
	if again[0].DeviceID != "a" {
		t.Error("caller mutation leaked into static store")
	}

	targets, _ := s.PollTargets(context.Background())
	if len(targets) != 1 || targets[0].Kind != domain.KindHolding {
		t.Fatalf("unexpected targets: %+v", targets)
	}
}
