// Package domain contains the core business entities shared by every
// component: device configurations, register kinds, polling targets and
// register readings. These are transport-agnostic.
package domain

import (
	"fmt"
	"time"
)

// RegisterKind identifies the Modbus register class a request targets.
// It determines the wire function code used by the session.
type RegisterKind string

const (
	KindHolding  RegisterKind = "holding"
	KindInput    RegisterKind = "input"
	KindCoil     RegisterKind = "coil"
	KindDiscrete RegisterKind = "discrete"
)

// ParseRegisterKind normalizes a free-form string into a RegisterKind.
// Validation happens here, at the configuration-ingestion edge; the core
// only ever sees the closed set of kinds.
func ParseRegisterKind(s string) (RegisterKind, error) {
	switch RegisterKind(s) {
	case KindHolding, KindInput, KindCoil, KindDiscrete:
		return RegisterKind(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRegisterKind, s)
	}
}

// Valid reports whether k is one of the four supported kinds.
func (k RegisterKind) Valid() bool {
	switch k {
	case KindHolding, KindInput, KindCoil, KindDiscrete:
		return true
	}
	return false
}

// Framer selects the framing mode used on the TCP link. Most gateways speak
// plain Modbus TCP (socket framing); serial-over-TCP bridges need RTU or
// ASCII framing preserved end to end.
type Framer string

const (
	FramerSocket Framer = "socket"
	FramerRTU    Framer = "rtu"
	FramerASCII  Framer = "ascii"
)

// DeviceConfig is the immutable identity and connection description of one
// logical device. Several DeviceConfigs may share the same (host, port) when
// they live behind one physical gateway; SlaveID tells them apart on the wire.
// A new value replaces an old one on reload, fields are never mutated.
type DeviceConfig struct {
	DeviceID   string        `json:"device_id" yaml:"device_id"`
	Host       string        `json:"host" yaml:"host"`
	Port       int           `json:"port" yaml:"port"`
	SlaveID    uint8         `json:"slave_id" yaml:"slave_id"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
	Framer     Framer        `json:"framer" yaml:"framer"`
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay" yaml:"retry_delay"`
}

// Addr returns the gateway address this device lives behind.
func (c DeviceConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks the config for values the gateway layer cannot work with.
func (c DeviceConfig) Validate() error {
	if c.DeviceID == "" {
		return ErrDeviceIDRequired
	}
	if c.Host == "" {
		return ErrHostRequired
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}
	if c.SlaveID < 1 || c.SlaveID > 247 {
		return fmt.Errorf("%w: %d", ErrInvalidSlaveID, c.SlaveID)
	}
	return nil
}

// PollTarget describes one register range the scheduler refreshes on a timer.
// Targets are read from configuration storage each cycle; the scheduler never
// mutates them.
type PollTarget struct {
	DeviceID    string       `json:"device_id" yaml:"device_id"`
	Kind        RegisterKind `json:"register_kind" yaml:"register_kind"`
	Address     uint16       `json:"address" yaml:"address"`
	Count       uint16       `json:"count" yaml:"count"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Active      bool         `json:"active" yaml:"active"`
}

// Validate checks the target for fields the poller cannot act on.
func (t PollTarget) Validate() error {
	if t.DeviceID == "" {
		return ErrDeviceIDRequired
	}
	if !t.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRegisterKind, string(t.Kind))
	}
	if t.Count < 1 || t.Count > 125 {
		return fmt.Errorf("%w: %d", ErrInvalidCount, t.Count)
	}
	return nil
}
