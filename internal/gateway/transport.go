// Package gateway manages shared Modbus TCP connections. One Session owns
// the socket to a physical gateway; every logical device behind that gateway
// funnels its requests through the same Session, one at a time.
package gateway

import (
	"fmt"
	"time"

	"github.com/Jonathan0823/nexusbus/internal/domain"
)

// Transport is a framed Modbus connection to one TCP endpoint. Implementations
// are not safe for concurrent use; the owning Session serializes all access.
type Transport interface {
	Connect() error
	Close() error

	// SetSlave selects the unit addressed by subsequent requests.
	SetSlave(id uint8)
	// SetTimeout changes the response timeout for subsequent requests.
	SetTimeout(d time.Duration)
	Timeout() time.Duration

	// Read operations return raw response data bytes: big-endian register
	// words for the register kinds, LSB-first packed bits for the bit kinds.
	ReadCoils(address, quantity uint16) ([]byte, error)
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)

	WriteMultipleRegisters(address, quantity uint16, value []byte) error
}

// TransportFactory builds a Transport for a gateway endpoint. The default
// factory dials real sockets; tests substitute fakes.
type TransportFactory func(addr string, framer domain.Framer, timeout time.Duration) (Transport, error)

// NewTransport is the default TransportFactory. Socket framing speaks plain
// Modbus TCP; RTU framing carries serial frames over the TCP link for bridges
// that forward them verbatim. ASCII framing is not implemented.
func NewTransport(addr string, framer domain.Framer, timeout time.Duration) (Transport, error) {
	switch framer {
	case domain.FramerSocket, "":
		return newTCPTransport(addr, timeout), nil
	case domain.FramerRTU:
		return newRTUTransport(addr, timeout), nil
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedFramer, framer)
	}
}
