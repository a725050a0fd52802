package gateway_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Jonathan0823/nexusbus/internal/breaker"
	"github.com/Jonathan0823/nexusbus/internal/domain"
	"github.com/Jonathan0823/nexusbus/internal/gateway"
)

func device(id, host string, port int, slave uint8) domain.DeviceConfig {
	return domain.DeviceConfig{
		DeviceID:   id,
		Host:       host,
		Port:       port,
		SlaveID:    slave,
		Timeout:    100 * time.Millisecond,
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
	}
}

func newTestManager(t *testing.T, script *fakeScript, configs ...domain.DeviceConfig) *gateway.Manager {
	t.Helper()
	m, err := gateway.NewManager(configs, gateway.Options{
		Transport: script.factory,
		Breaker:   breaker.Config{FailureThreshold: 100, RecoveryTimeout: time.Minute},
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestSharedEndpointSharesConnection(t *testing.T) {
	script := &fakeScript{
		reads: []fakeResult{{data: regBytes(1)}, {data: regBytes(2)}},
	}
	m := newTestManager(t, script,
		device("a", "10.0.0.5", 502, 1),
		device("b", "10.0.0.5", 502, 2),
	)
	defer m.Close()

	if _, err := m.Read(context.Background(), "a", domain.KindHolding, 0, 1); err != nil {
		t.Fatalf("read a: %v", err)
	}
	if _, err := m.Read(context.Background(), "b", domain.KindHolding, 0, 1); err != nil {
		t.Fatalf("read b: %v", err)
	}

	if created, connects, _, _ := script.snapshot(); created != 1 || connects != 1 {
		t.Errorf("created=%d connects=%d, want one shared connection", created, connects)
	}

	status := m.GatewayStatus()
	if len(status) != 1 {
		t.Fatalf("expected 1 endpoint, got %d", len(status))
	}
	if got := status[0].DeviceIDs; len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("unexpected device ids: %v", got)
	}
}

func TestSharedEndpointSerializesRequests(t *testing.T) {
	script := &fakeScript{
		defaultRead: regBytes(1),
		readDelay:   2 * time.Millisecond,
	}
	m := newTestManager(t, script,
		device("a", "10.0.0.5", 502, 1),
		device("b", "10.0.0.5", 502, 2),
	)
	defer m.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		id := "a"
		if i%2 == 1 {
			id = "b"
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := m.Read(context.Background(), id, domain.KindHolding, 0, 1); err != nil {
				errs <- err
			}
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent read: %v", err)
	}

	if peak := script.peakInFlight(); peak != 1 {
		t.Errorf("observed %d overlapping requests on one connection, want 1", peak)
	}
	if _, _, _, readCalls := script.snapshot(); readCalls != 20 {
		t.Errorf("readCalls=%d, want 20", readCalls)
	}
}

func TestSeparateEndpointsSeparateSessions(t *testing.T) {
	script := &fakeScript{
		reads: []fakeResult{{data: regBytes(1)}, {data: regBytes(2)}},
	}
	m := newTestManager(t, script,
		device("a", "10.0.0.5", 502, 1),
		device("b", "10.0.0.6", 502, 1),
	)
	defer m.Close()

	m.Read(context.Background(), "a", domain.KindHolding, 0, 1)
	m.Read(context.Background(), "b", domain.KindHolding, 0, 1)

	if created, _, _, _ := script.snapshot(); created != 2 {
		t.Errorf("created=%d, want 2 independent connections", created)
	}
}

func TestUnknownDevice(t *testing.T) {
	m := newTestManager(t, &fakeScript{}, device("a", "h", 502, 1))
	defer m.Close()

	if _, err := m.Read(context.Background(), "ghost", domain.KindHolding, 0, 1); !errors.Is(err, domain.ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestWriteRejectsNonHoldingKinds(t *testing.T) {
	script := &fakeScript{}
	m := newTestManager(t, script, device("a", "h", 502, 1))
	defer m.Close()

	for _, kind := range []domain.RegisterKind{domain.KindInput, domain.KindCoil, domain.KindDiscrete} {
		if err := m.Write(context.Background(), "a", kind, 0, []uint16{1}); !errors.Is(err, domain.ErrWriteUnsupported) {
			t.Errorf("kind %s: expected ErrWriteUnsupported, got %v", kind, err)
		}
	}
	if created, _, _, _ := script.snapshot(); created != 0 {
		t.Error("rejected writes must not touch the transport")
	}
}

func TestBreakerOpensAndShortCircuits(t *testing.T) {
	script := &fakeScript{
		reads: []fakeResult{{err: io.EOF}, {err: io.EOF}},
	}
	m, err := gateway.NewManager(
		[]domain.DeviceConfig{device("a", "h", 502, 1)},
		gateway.Options{
			Transport: script.factory,
			Breaker:   breaker.Config{FailureThreshold: 2, RecoveryTimeout: time.Minute},
			Logger:    zerolog.Nop(),
		},
	)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	for i := 0; i < 2; i++ {
		if _, err := m.Read(context.Background(), "a", domain.KindHolding, 0, 1); err == nil {
			t.Fatalf("read %d: expected failure", i)
		}
	}

	_, err = m.Read(context.Background(), "a", domain.KindHolding, 0, 1)
	if !domain.IsCircuitOpen(err) {
		t.Fatalf("expected circuit-open error, got %v", err)
	}
	var coErr *domain.CircuitOpenError
	if errors.As(err, &coErr) && coErr.DeviceID != "a" {
		t.Errorf("circuit error names device %q", coErr.DeviceID)
	}
	if _, _, _, readCalls := script.snapshot(); readCalls != 2 {
		t.Errorf("open circuit must not reach the transport, got %d reads", readCalls)
	}

	if !m.ResetCircuit("a") {
		t.Fatal("expected breaker to exist")
	}
	if st := m.CircuitStatus()["a"]; st.State != breaker.StateClosed {
		t.Errorf("expected closed after reset, got %s", st.State)
	}
}

func TestPollReadIsSingleAttempt(t *testing.T) {
	script := &fakeScript{
		reads: []fakeResult{{err: io.EOF}},
	}
	cfg := device("a", "h", 502, 1)
	cfg.MaxRetries = 5
	cfg.Timeout = 10 * time.Second
	m := newTestManager(t, script, cfg)
	defer m.Close()

	if _, err := m.PollRead(context.Background(), "a", domain.KindHolding, 0, 1); err == nil {
		t.Fatal("expected failure")
	}
	if _, _, _, readCalls := script.snapshot(); readCalls != 1 {
		t.Errorf("poll read made %d attempts, want 1", readCalls)
	}

	// The device's long timeout is capped on the polling path.
	script.mu.Lock()
	timeouts := append([]time.Duration(nil), script.setTimeouts...)
	script.mu.Unlock()
	if len(timeouts) == 0 || timeouts[0] != 2*time.Second {
		t.Errorf("poll timeout not capped: %v", timeouts)
	}
}

func TestRegularReadKeepsDeviceTimeout(t *testing.T) {
	script := &fakeScript{
		reads: []fakeResult{{data: regBytes(7)}},
	}
	cfg := device("a", "h", 502, 1)
	cfg.Timeout = 10 * time.Second
	m := newTestManager(t, script, cfg)
	defer m.Close()

	if _, err := m.Read(context.Background(), "a", domain.KindHolding, 0, 1); err != nil {
		t.Fatalf("Read: %v", err)
	}
	script.mu.Lock()
	timeouts := append([]time.Duration(nil), script.setTimeouts...)
	script.mu.Unlock()
	if len(timeouts) == 0 || timeouts[0] != 10*time.Second {
		t.Errorf("expected device timeout on demand path: %v", timeouts)
	}
}

func TestReloadClosesOnlyOrphanedEndpoints(t *testing.T) {
	script := &fakeScript{
		reads: []fakeResult{{data: regBytes(1)}, {data: regBytes(2)}},
	}
	a := device("a", "10.0.0.5", 502, 1)
	b := device("b", "10.0.0.5", 502, 2) // shares a's endpoint
	c := device("c", "10.0.0.6", 502, 1)
	m := newTestManager(t, script, a, b, c)
	defer m.Close()

	m.Read(context.Background(), "a", domain.KindHolding, 0, 1)
	m.Read(context.Background(), "c", domain.KindHolding, 0, 1)

	// Drop b: its endpoint survives through a, so nothing closes.
	if err := m.ReloadConfigs([]domain.DeviceConfig{a, c}); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, _, closes, _ := script.snapshot(); closes != 0 {
		t.Errorf("shared endpoint closed too early, closes=%d", closes)
	}

	// Drop a too: now 10.0.0.5:502 has no devices left.
	if err := m.ReloadConfigs([]domain.DeviceConfig{c}); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, _, closes, _ := script.snapshot(); closes != 1 {
		t.Errorf("orphaned endpoint not closed, closes=%d", closes)
	}

	if _, err := m.Read(context.Background(), "a", domain.KindHolding, 0, 1); !errors.Is(err, domain.ErrDeviceNotFound) {
		t.Errorf("removed device still routable: %v", err)
	}
}

func TestReloadDropsRemovedBreakers(t *testing.T) {
	script := &fakeScript{
		reads: []fakeResult{{data: regBytes(1)}, {data: regBytes(2)}},
	}
	a := device("a", "10.0.0.5", 502, 1)
	b := device("b", "10.0.0.6", 502, 1)
	m := newTestManager(t, script, a, b)
	defer m.Close()

	m.Read(context.Background(), "a", domain.KindHolding, 0, 1)
	m.Read(context.Background(), "b", domain.KindHolding, 0, 1)

	if err := m.ReloadConfigs([]domain.DeviceConfig{a}); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, found := m.CircuitStatus()["b"]; found {
		t.Error("removed device's breaker still tracked")
	}
	if _, found := m.CircuitStatus()["a"]; !found {
		t.Error("surviving device's breaker lost")
	}
}

func TestReloadRejectsInvalidConfigs(t *testing.T) {
	script := &fakeScript{
		reads: []fakeResult{{data: regBytes(1)}},
	}
	a := device("a", "10.0.0.5", 502, 1)
	m := newTestManager(t, script, a)
	defer m.Close()

	bad := device("b", "", 502, 1)
	if err := m.ReloadConfigs([]domain.DeviceConfig{a, bad}); !errors.Is(err, domain.ErrHostRequired) {
		t.Fatalf("expected ErrHostRequired, got %v", err)
	}

	// Old config set stays in effect after a rejected reload.
	if _, err := m.Read(context.Background(), "a", domain.KindHolding, 0, 1); err != nil {
		t.Errorf("device lost after failed reload: %v", err)
	}
}

func TestResetConnection(t *testing.T) {
	script := &fakeScript{
		reads: []fakeResult{{data: regBytes(1)}, {data: regBytes(2)}},
	}
	m := newTestManager(t, script, device("a", "h", 502, 1))
	defer m.Close()

	m.Read(context.Background(), "a", domain.KindHolding, 0, 1)
	if err := m.ResetConnection("a"); err != nil {
		t.Fatalf("ResetConnection: %v", err)
	}
	if err := m.ResetConnection("ghost"); !errors.Is(err, domain.ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}

	if _, err := m.Read(context.Background(), "a", domain.KindHolding, 0, 1); err != nil {
		t.Fatalf("read after reset: %v", err)
	}
	created, _, closes, _ := script.snapshot()
	if created != 2 || closes != 1 {
		t.Errorf("created=%d closes=%d, want 2/1", created, closes)
	}
}

func TestClosedManagerRejectsOperations(t *testing.T) {
	m := newTestManager(t, &fakeScript{}, device("a", "h", 502, 1))
	m.Close()

	if _, err := m.Read(context.Background(), "a", domain.KindHolding, 0, 1); !errors.Is(err, domain.ErrManagerClosed) {
		t.Errorf("Read: expected ErrManagerClosed, got %v", err)
	}
	if err := m.ReloadConfigs(nil); !errors.Is(err, domain.ErrManagerClosed) {
		t.Errorf("ReloadConfigs: expected ErrManagerClosed, got %v", err)
	}
}

func TestNewManagerRejectsDuplicateIDs(t *testing.T) {
	_, err := gateway.NewManager(
		[]domain.DeviceConfig{device("a", "h", 502, 1), device("a", "h2", 502, 1)},
		gateway.Options{Logger: zerolog.Nop()},
	)
	if err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestDeviceListSorted(t *testing.T) {
	m := newTestManager(t, &fakeScript{},
		device("zeta", "h", 502, 1),
		device("alpha", "h", 502, 2),
	)
	defer m.Close()

	list := m.DeviceList()
	if len(list) != 2 || list[0].DeviceID != "alpha" || list[1].DeviceID != "zeta" {
		t.Errorf("unexpected order: %+v", list)
	}
}
