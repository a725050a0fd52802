package gateway

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	sermb "github.com/npat-efault/modbus"

	"github.com/Jonathan0823/nexusbus/internal/domain"
)

// rtuTransport carries Modbus RTU frames (slave address + PDU + CRC16) over a
// TCP connection. Serial gateways that tunnel the bus verbatim need this
// framing instead of MBAP. Frame reception, CRC checking and bus
// resynchronization come from the serial master; only the PDUs are built and
// parsed here.
type rtuTransport struct {
	addr    string
	timeout time.Duration
	slave   uint8
	conn    net.Conn
	master  *sermb.SerMaster
}

func newRTUTransport(addr string, timeout time.Duration) *rtuTransport {
	return &rtuTransport{addr: addr, timeout: timeout}
}

func (t *rtuTransport) Connect() error {
	if t.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", t.addr, t.timeout)
	if err != nil {
		return err
	}
	master := &sermb.SerMaster{Timeout: t.timeout, Retrans: 0}
	master.Init(conn)
	t.conn = conn
	t.master = master
	return nil
}

func (t *rtuTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	t.master = nil
	return err
}

func (t *rtuTransport) SetSlave(id uint8) { t.slave = id }

func (t *rtuTransport) SetTimeout(d time.Duration) {
	t.timeout = d
	if t.master != nil {
		t.master.Timeout = d
	}
}

func (t *rtuTransport) Timeout() time.Duration { return t.timeout }

// exchange sends one PDU and returns the response PDU minus the function
// code byte. Exception responses surface as errors.
func (t *rtuTransport) exchange(pdu []byte) ([]byte, error) {
	if t.master == nil {
		return nil, domain.ErrConnectionFailed
	}
	req := sermb.SerAddCRC(append([]byte{t.slave}, pdu...))
	res, err := t.master.SndRcv(req, nil)
	if err != nil {
		return nil, err
	}
	if res.Node() != t.slave {
		return nil, fmt.Errorf("response from unexpected unit %d", res.Node())
	}
	if res.IsExc() {
		return nil, &sermb.ResExc{Function: res.FnCode(), ExCode: res.ExCode()}
	}
	rpdu := res.PDU()
	if len(rpdu) < 1 || sermb.FnCode(rpdu[0]) != sermb.FnCode(pdu[0]) {
		return nil, fmt.Errorf("response function code mismatch")
	}
	return rpdu[1:], nil
}

// readPDU issues a fixed-layout read request and strips the byte-count
// prefix from the response.
func (t *rtuTransport) readPDU(fn sermb.FnCode, address, quantity uint16) ([]byte, error) {
	pdu := make([]byte, 5)
	pdu[0] = byte(fn)
	binary.BigEndian.PutUint16(pdu[1:], address)
	binary.BigEndian.PutUint16(pdu[3:], quantity)
	body, err := t.exchange(pdu)
	if err != nil {
		return nil, err
	}
	if len(body) < 1 || int(body[0]) != len(body)-1 {
		return nil, fmt.Errorf("response byte count mismatch")
	}
	return body[1:], nil
}

func (t *rtuTransport) ReadCoils(address, quantity uint16) ([]byte, error) {
	return t.readPDU(sermb.RdCoils, address, quantity)
}

func (t *rtuTransport) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	return t.readPDU(sermb.RdInputs, address, quantity)
}

func (t *rtuTransport) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return t.readPDU(sermb.RdHoldingRegs, address, quantity)
}

func (t *rtuTransport) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return t.readPDU(sermb.RdInputRegs, address, quantity)
}

func (t *rtuTransport) WriteMultipleRegisters(address, quantity uint16, value []byte) error {
	pdu := make([]byte, 6, 6+len(value))
	pdu[0] = byte(sermb.WrRegs)
	binary.BigEndian.PutUint16(pdu[1:], address)
	binary.BigEndian.PutUint16(pdu[3:], quantity)
	pdu[5] = byte(len(value))
	pdu = append(pdu, value...)
	body, err := t.exchange(pdu)
	if err != nil {
		return err
	}
	if len(body) != 4 {
		return fmt.Errorf("write response length mismatch")
	}
	return nil
}
