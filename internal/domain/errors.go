// Package domain contains core business entities.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// Configuration errors.
var (
	ErrDeviceIDRequired    = errors.New("device ID is required")
	ErrHostRequired        = errors.New("host is required")
	ErrInvalidPort         = errors.New("invalid port")
	ErrInvalidSlaveID      = errors.New("invalid slave ID")
	ErrInvalidRegisterKind = errors.New("invalid register kind")
	ErrInvalidCount        = errors.New("invalid register count")
	ErrUnsupportedFramer   = errors.New("unsupported framing mode")
)

// Gateway errors.
var (
	ErrDeviceNotFound   = errors.New("device not found")
	ErrConnectionFailed = errors.New("connection failed")
	// ErrNoResponse means every attempt ended without any response from the
	// device, as opposed to a response that failed validation.
	ErrNoResponse = errors.New("no response from device")
	// ErrWriteUnsupported is returned for write attempts against anything
	// other than holding registers.
	ErrWriteUnsupported = errors.New("writing is only supported for holding registers")
	ErrManagerClosed    = errors.New("gateway manager is closed")
)

// MQTT errors.
var (
	ErrMQTTConnectionFailed = errors.New("MQTT connection failed")
	ErrMQTTPublishFailed    = errors.New("MQTT publish failed")
	ErrMQTTNotConnected     = errors.New("MQTT client not connected")
)

// ClientError wraps any protocol or transport failure surfaced above the
// session so callers see one uniform error kind with the original cause
// preserved for unwrapping.
type ClientError struct {
	Cause error
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("modbus client error: %v", e.Cause)
}

func (e *ClientError) Unwrap() error { return e.Cause }

// NewClientError wraps err in a ClientError. A nil err yields nil.
func NewClientError(err error) error {
	if err == nil {
		return nil
	}
	return &ClientError{Cause: err}
}

// CircuitOpenError is returned when a device's circuit breaker rejects a call
// without attempting it. RetryIn is the remaining cooldown.
type CircuitOpenError struct {
	DeviceID string
	RetryIn  time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for device %q, retry in %.1fs", e.DeviceID, e.RetryIn.Seconds())
}

// IsCircuitOpen reports whether err is (or wraps) a CircuitOpenError.
func IsCircuitOpen(err error) bool {
	var coe *CircuitOpenError
	return errors.As(err, &coe)
}
