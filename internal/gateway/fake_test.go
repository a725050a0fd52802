package gateway_test

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/Jonathan0823/nexusbus/internal/domain"
	"github.com/Jonathan0823/nexusbus/internal/gateway"
)

// fakeScript scripts transport behavior across reconnects. The factory hands
// out one fakeTransport per connection attempt; all of them consume the same
// ordered result queues so a test can span connection resets.
type fakeScript struct {
	mu sync.Mutex

	connectErrs []error // popped per Connect, empty means success
	reads       []fakeResult
	writeErrs   []error // popped per write, empty means success

	defaultRead []byte        // served once the reads queue is drained
	readDelay   time.Duration // holds each read open to expose interleaving

	created     int
	connects    int
	closes      int
	readCalls   int
	writeCalls  int
	inFlight    int
	maxInFlight int
	lastSlave   uint8
	setTimeouts []time.Duration
	lastWrite   []byte
	lastWriteQ  uint16
}

type fakeResult struct {
	data []byte
	err  error
}

func (s *fakeScript) factory(addr string, framer domain.Framer, timeout time.Duration) (gateway.Transport, error) {
	s.mu.Lock()
	s.created++
	s.mu.Unlock()
	return &fakeTransport{script: s, timeout: timeout}, nil
}

func (s *fakeScript) nextRead() ([]byte, error) {
	s.mu.Lock()
	s.readCalls++
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	var r fakeResult
	switch {
	case len(s.reads) > 0:
		r = s.reads[0]
		s.reads = s.reads[1:]
	case s.defaultRead != nil:
		r = fakeResult{data: s.defaultRead}
	default:
		r = fakeResult{err: errors.New("unscripted read")}
	}
	delay := s.readDelay
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
	return r.data, r.err
}

func (s *fakeScript) peakInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}

func (s *fakeScript) snapshot() (created, connects, closes, readCalls int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created, s.connects, s.closes, s.readCalls
}

type fakeTransport struct {
	script  *fakeScript
	timeout time.Duration
}

func (t *fakeTransport) Connect() error {
	s := t.script
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if len(s.connectErrs) == 0 {
		return nil
	}
	err := s.connectErrs[0]
	s.connectErrs = s.connectErrs[1:]
	return err
}

func (t *fakeTransport) Close() error {
	s := t.script
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	return nil
}

func (t *fakeTransport) SetSlave(id uint8) {
	s := t.script
	s.mu.Lock()
	s.lastSlave = id
	s.mu.Unlock()
}

func (t *fakeTransport) SetTimeout(d time.Duration) {
	t.timeout = d
	s := t.script
	s.mu.Lock()
	s.setTimeouts = append(s.setTimeouts, d)
	s.mu.Unlock()
}

func (t *fakeTransport) Timeout() time.Duration { return t.timeout }

func (t *fakeTransport) ReadCoils(address, quantity uint16) ([]byte, error) {
	return t.script.nextRead()
}

func (t *fakeTransport) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	return t.script.nextRead()
}

func (t *fakeTransport) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return t.script.nextRead()
}

func (t *fakeTransport) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return t.script.nextRead()
}

func (t *fakeTransport) WriteMultipleRegisters(address, quantity uint16, value []byte) error {
	s := t.script
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeCalls++
	s.lastWrite = append([]byte(nil), value...)
	s.lastWriteQ = quantity
	if len(s.writeErrs) == 0 {
		return nil
	}
	err := s.writeErrs[0]
	s.writeErrs = s.writeErrs[1:]
	return err
}

// regBytes encodes register words as big-endian response data.
func regBytes(values ...uint16) []byte {
	out := make([]byte, 2*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(out[2*i:], v)
	}
	return out
}
