package modbus

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/fieldpoll/fieldpoll/internal/types"
)

// fakeLink is an in-memory register bank implementing Link.
type fakeLink struct {
	mu    sync.Mutex
	regs  map[uint16]uint16
	coils map[uint16]bool

	// fail, when set, is consulted before every request
	fail func(fc byte, addr uint16) error
	// hold, when set, blocks requests until closed or the link is closed
	hold chan struct{}

	closeOnce sync.Once
	closed    chan struct{}

	inFlight    int32
	maxInFlight int32
	requests    int32
	order       []uint16
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		regs:   make(map[uint16]uint16),
		coils:  make(map[uint16]bool),
		closed: make(chan struct{}),
	}
}

func (f *fakeLink) enter(fc byte, addr uint16) error {
	n := atomic.AddInt32(&f.inFlight, 1)
	for {
		max := atomic.LoadInt32(&f.maxInFlight)
		if n <= max || atomic.CompareAndSwapInt32(&f.maxInFlight, max, n) {
			break
		}
	}
	atomic.AddInt32(&f.requests, 1)

	f.mu.Lock()
	f.order = append(f.order, addr)
	hold := f.hold
	fail := f.fail
	f.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-f.closed:
			return ErrConnectionClosed
		}
	}
	if fail != nil {
		return fail(fc, addr)
	}
	return nil
}

func (f *fakeLink) leave() { atomic.AddInt32(&f.inFlight, -1) }

func (f *fakeLink) readRegs(fc byte, address, quantity uint16) ([]byte, error) {
	defer f.leave()
	if err := f.enter(fc, address); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, int(quantity)*2)
	for i := uint16(0); i < quantity; i++ {
		binary.BigEndian.PutUint16(out[i*2:], f.regs[address+i])
	}
	return out, nil
}

func (f *fakeLink) readBits(fc byte, address, quantity uint16) ([]byte, error) {
	defer f.leave()
	if err := f.enter(fc, address); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, (int(quantity)+7)/8)
	for i := uint16(0); i < quantity; i++ {
		if f.coils[address+i] {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out, nil
}

func (f *fakeLink) ReadCoils(address, quantity uint16) ([]byte, error) {
	return f.readBits(1, address, quantity)
}

func (f *fakeLink) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	return f.readBits(2, address, quantity)
}

func (f *fakeLink) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return f.readRegs(3, address, quantity)
}

func (f *fakeLink) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return f.readRegs(4, address, quantity)
}

func (f *fakeLink) WriteSingleCoil(address, value uint16) ([]byte, error) {
	defer f.leave()
	if err := f.enter(5, address); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.coils[address] = value == 0xFF00
	f.mu.Unlock()
	return []byte{byte(value >> 8), byte(value)}, nil
}

func (f *fakeLink) WriteSingleRegister(address, value uint16) ([]byte, error) {
	defer f.leave()
	if err := f.enter(6, address); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.regs[address] = value
	f.mu.Unlock()
	return []byte{byte(value >> 8), byte(value)}, nil
}

func (f *fakeLink) WriteMultipleCoils(address, quantity uint16, value []byte) ([]byte, error) {
	defer f.leave()
	if err := f.enter(15, address); err != nil {
		return nil, err
	}
	f.mu.Lock()
	for i := uint16(0); i < quantity; i++ {
		f.coils[address+i] = value[i/8]&(1<<(i%8)) != 0
	}
	f.mu.Unlock()
	return nil, nil
}

func (f *fakeLink) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	defer f.leave()
	if err := f.enter(16, address); err != nil {
		return nil, err
	}
	f.mu.Lock()
	for i := uint16(0); i < quantity; i++ {
		f.regs[address+i] = binary.BigEndian.Uint16(value[i*2:])
	}
	f.mu.Unlock()
	return nil, nil
}

func (f *fakeLink) ReadWriteMultipleRegisters(readAddress, readQuantity, writeAddress, writeQuantity uint16, value []byte) ([]byte, error) {
	return nil, ErrNotConnected
}

func (f *fakeLink) MaskWriteRegister(address, andMask, orMask uint16) ([]byte, error) {
	return nil, ErrNotConnected
}

func (f *fakeLink) ReadFIFOQueue(address uint16) ([]byte, error) {
	return nil, ErrNotConnected
}

func (f *fakeLink) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeLink) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// fakeDialer hands out the same link and counts dial attempts.
type fakeDialer struct {
	link  *fakeLink
	dials int32
	// gate, when set, delays the handshake until closed
	gate chan struct{}
	err  error
}

func (d *fakeDialer) Dial(ctx context.Context, _ types.ConnectionSetting, _ ConnectionOptions) (Link, error) {
	atomic.AddInt32(&d.dials, 1)
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.link, nil
}

func tcpSetting(addr string, port int) types.ConnectionSetting {
	return types.ConnectionSetting{
		Type: types.ConnectionTCP,
		TCP:  &types.TCPSetting{Host: addr, Port: port, UnitID: 1},
	}
}
