package gateway

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	gomb "github.com/goburrow/modbus"
	sermb "github.com/npat-efault/modbus"
	"github.com/rs/zerolog"

	"github.com/Jonathan0823/nexusbus/internal/domain"
	"github.com/Jonathan0823/nexusbus/internal/metrics"
)

const (
	defaultTimeout    = 5 * time.Second
	defaultRetryDelay = 100 * time.Millisecond
)

// Session owns the single connection to one physical gateway endpoint.
// All devices behind that endpoint share it; the mutex holds each
// request-response exchange together so replies cannot cross between
// slaves on a shared serial bus.
type Session struct {
	addr     string
	framer   domain.Framer
	factory  TransportFactory
	logger   zerolog.Logger
	registry *metrics.Registry // optional connection counters

	mu        sync.Mutex
	transport Transport
	connected bool
	lastUsed  time.Time
}

// NewSession creates a session for addr. No connection is made until the
// first request.
func NewSession(addr string, framer domain.Framer, factory TransportFactory, registry *metrics.Registry, logger zerolog.Logger) *Session {
	if factory == nil {
		factory = NewTransport
	}
	return &Session{
		addr:     addr,
		framer:   framer,
		factory:  factory,
		registry: registry,
		logger:   logger.With().Str("gateway", addr).Logger(),
	}
}

// Connected reports whether the session currently holds an open connection.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// LastUsed returns the time of the last request through this session.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Read reads count values of the given kind starting at address, on behalf
// of the device described by cfg. Register kinds return the register words;
// bit kinds return 0/1 per position.
func (s *Session) Read(ctx context.Context, cfg domain.DeviceConfig, kind domain.RegisterKind, address, count uint16) ([]uint16, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidRegisterKind, string(kind))
	}
	var values []uint16
	err := s.execute(ctx, cfg, func(t Transport) error {
		var data []byte
		var err error
		switch kind {
		case domain.KindHolding:
			data, err = t.ReadHoldingRegisters(address, count)
		case domain.KindInput:
			data, err = t.ReadInputRegisters(address, count)
		case domain.KindCoil:
			data, err = t.ReadCoils(address, count)
		case domain.KindDiscrete:
			data, err = t.ReadDiscreteInputs(address, count)
		}
		if err != nil {
			return err
		}
		if kind == domain.KindHolding || kind == domain.KindInput {
			values, err = parseRegisters(data, count)
		} else {
			values, err = parseBits(data, count)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return values, nil
}

// Write writes values to consecutive holding registers starting at address.
func (s *Session) Write(ctx context.Context, cfg domain.DeviceConfig, address uint16, values []uint16) error {
	if len(values) == 0 {
		return fmt.Errorf("%w: empty value list", domain.ErrInvalidCount)
	}
	data := make([]byte, 2*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(data[2*i:], v)
	}
	return s.execute(ctx, cfg, func(t Transport) error {
		return t.WriteMultipleRegisters(address, uint16(len(values)), data)
	})
}

// Reset drops the current connection. The next request reconnects.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	if s.registry != nil {
		s.registry.ConnectionResets.Inc()
	}
	s.logger.Info().Msg("Gateway connection reset")
}

// Close releases the connection for good. The session stays usable; a later
// request would reconnect, so the manager only calls this during teardown or
// after removing the last device behind the endpoint.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

// execute runs op through the retry loop while holding the connection lock.
// Retries are silent: the caller sees either a nil error or one final typed
// error after the last attempt. A ClientError means at least one attempt got
// a response that failed; ErrNoResponse means no attempt got anything back.
func (s *Session) execute(ctx context.Context, cfg domain.DeviceConfig, op func(t Transport) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastUsed = time.Now()

	attempts := cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	var lastErr error
	responded := false
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			s.logger.Debug().
				Str("device_id", cfg.DeviceID).
				Int("attempt", attempt).
				Msg("Retrying Modbus request")
		}

		if err := s.ensureConnectedLocked(cfg.Timeout); err != nil {
			lastErr = err
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			continue
		}

		t := s.transport
		t.SetSlave(cfg.SlaveID)
		prev := t.Timeout()
		if cfg.Timeout > 0 {
			t.SetTimeout(cfg.Timeout)
		}
		err := op(t)
		if s.transport == t {
			t.SetTimeout(prev)
		}
		if err == nil {
			return nil
		}
		lastErr = err

		if isExceptionResponse(err) {
			// The device answered with a well-formed exception; the
			// connection itself is fine.
			responded = true
		} else {
			if !isTransportError(err) {
				responded = true
			}
			s.closeLocked()
		}

		// The caller's deadline takes precedence over the retry verdict.
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
	}

	if responded {
		return domain.NewClientError(lastErr)
	}
	return fmt.Errorf("%w: %v", domain.ErrNoResponse, lastErr)
}

func (s *Session) ensureConnectedLocked(timeout time.Duration) error {
	if s.connected {
		return nil
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if s.transport == nil {
		t, err := s.factory(s.addr, s.framer, timeout)
		if err != nil {
			return err
		}
		s.transport = t
	}
	err := s.transport.Connect()
	if s.registry != nil {
		s.registry.RecordConnection(err == nil)
	}
	if err != nil {
		s.transport = nil
		return fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}
	s.connected = true
	if s.registry != nil {
		s.registry.ActiveGateways.Inc()
	}
	s.logger.Debug().Msg("Connected to gateway")
	return nil
}

func (s *Session) closeLocked() {
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Error closing gateway connection")
		}
		s.transport = nil
	}
	if s.connected {
		s.connected = false
		if s.registry != nil {
			s.registry.ActiveGateways.Dec()
		}
	}
}

// parseRegisters turns big-endian register data into words.
func parseRegisters(data []byte, count uint16) ([]uint16, error) {
	if len(data) != int(count)*2 {
		return nil, fmt.Errorf("unexpected register response length %d, want %d", len(data), int(count)*2)
	}
	values := make([]uint16, count)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return values, nil
}

// parseBits unpacks LSB-first bit status bytes into 0/1 values so bit and
// register reads share one result shape.
func parseBits(data []byte, count uint16) ([]uint16, error) {
	if len(data) < (int(count)+7)/8 {
		return nil, fmt.Errorf("unexpected bit response length %d for %d bits", len(data), count)
	}
	values := make([]uint16, count)
	for i := 0; i < int(count); i++ {
		if data[i/8]&(1<<(uint(i)%8)) != 0 {
			values[i] = 1
		}
	}
	return values, nil
}

// isExceptionResponse reports whether err is a well-formed Modbus exception
// reply from the device.
func isExceptionResponse(err error) bool {
	var mbErr *gomb.ModbusError
	if errors.As(err, &mbErr) {
		return true
	}
	var exc *sermb.ResExc
	return errors.As(err, &exc)
}

// isTransportError reports whether err means no response arrived at all, as
// opposed to a response that failed validation. Framing and CRC failures are
// evidence of a response and are deliberately excluded.
func isTransportError(err error) bool {
	if errors.Is(err, sermb.ErrFrame) || errors.Is(err, sermb.ErrCRC) {
		return false
	}
	if errors.Is(err, domain.ErrConnectionFailed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, sermb.ErrSync) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
