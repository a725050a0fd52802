package gateway

import (
	"time"

	"github.com/goburrow/modbus"
)

// tcpTransport speaks Modbus TCP (MBAP framing) using goburrow's handler.
// The handler's SlaveId and Timeout fields are mutable; the Session adjusts
// them per request while holding the connection lock.
type tcpTransport struct {
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

func newTCPTransport(addr string, timeout time.Duration) *tcpTransport {
	handler := modbus.NewTCPClientHandler(addr)
	handler.Timeout = timeout
	return &tcpTransport{
		handler: handler,
		client:  modbus.NewClient(handler),
	}
}

func (t *tcpTransport) Connect() error { return t.handler.Connect() }
func (t *tcpTransport) Close() error   { return t.handler.Close() }

func (t *tcpTransport) SetSlave(id uint8)          { t.handler.SlaveId = id }
func (t *tcpTransport) SetTimeout(d time.Duration) { t.handler.Timeout = d }
func (t *tcpTransport) Timeout() time.Duration     { return t.handler.Timeout }

func (t *tcpTransport) ReadCoils(address, quantity uint16) ([]byte, error) {
	return t.client.ReadCoils(address, quantity)
}

func (t *tcpTransport) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	return t.client.ReadDiscreteInputs(address, quantity)
}

func (t *tcpTransport) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return t.client.ReadHoldingRegisters(address, quantity)
}

func (t *tcpTransport) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return t.client.ReadInputRegisters(address, quantity)
}

func (t *tcpTransport) WriteMultipleRegisters(address, quantity uint16, value []byte) error {
	_, err := t.client.WriteMultipleRegisters(address, quantity, value)
	return err
}
