package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldpoll/fieldpoll/internal/events"
	"github.com/fieldpoll/fieldpoll/internal/types"
)

// Request is one Modbus PDU to send. Payload is only used by writes; for
// FC5/FC6 it holds the single value in big-endian order.
type Request struct {
	FunctionCode types.FunctionCode
	Address      uint16
	Quantity     uint16
	Payload      []byte
}

// Connection is the transport of one device. It owns its link exclusively
// and allows one in-flight request at a time; waiting callers are served
// in submission order.
type Connection struct {
	deviceID string
	setting  types.ConnectionSetting
	opts     ConnectionOptions
	dial     Dialer
	events   events.Emitter
	logger   *zap.Logger

	mu         sync.Mutex
	state      types.ConnectionState
	link       Link
	connecting chan struct{}
	connectErr error
	generation uint64

	// slot is a FIFO semaphore; blocked channel senders are woken in order
	slot chan struct{}
}

func NewConnection(
	deviceID string,
	setting types.ConnectionSetting,
	opts ConnectionOptions,
	dial Dialer,
	emitter events.Emitter,
	logger *zap.Logger,
) *Connection {
	if dial == nil {
		dial = Dial
	}
	if emitter == nil {
		emitter = events.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{
		deviceID: deviceID,
		setting:  setting,
		opts:     opts.withDefaults(),
		dial:     dial,
		events:   emitter,
		logger:   logger.With(zap.String("device_id", deviceID), zap.String("path", setting.PathKey())),
		state:    types.StateDisconnected,
		slot:     make(chan struct{}, 1),
	}
}

func (c *Connection) State() types.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the link. Already connected is a no-op; a concurrent
// caller joins the attempt in flight instead of dialing again.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == types.StateConnected && c.link != nil {
		c.mu.Unlock()
		return nil
	}
	if wait := c.connecting; wait != nil {
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return &ConnectionError{Path: c.setting.PathKey(), Err: ctx.Err()}
		}
		c.mu.Lock()
		err := c.connectErr
		c.mu.Unlock()
		return err
	}

	done := make(chan struct{})
	c.connecting = done
	c.state = types.StateConnecting
	gen := c.generation
	c.mu.Unlock()

	c.emit(events.TypeConnecting, nil)

	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	l, err := c.dial(attemptCtx, c.setting, c.opts)
	cancel()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = &ConnectionError{
				Path: c.setting.PathKey(),
				Err:  fmt.Errorf("connect timed out after %s", c.opts.ConnectTimeout),
			}
		} else {
			err = &ConnectionError{Path: c.setting.PathKey(), Err: err}
		}
	}

	c.mu.Lock()
	stale := c.generation != gen
	switch {
	case stale:
		// Disconnect ran while dialing
		if l != nil {
			l.Close()
		}
		if err == nil {
			err = &ConnectionError{Path: c.setting.PathKey(), Err: ErrConnectionClosed}
		}
	case err != nil:
		c.state = types.StateError
	default:
		c.link = l
		c.state = types.StateConnected
	}
	c.connectErr = err
	c.connecting = nil
	close(done)
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("Connect failed", zap.Error(err))
		c.emit(events.TypeConnectionError, map[string]interface{}{"error": err.Error()})
		return err
	}

	c.logger.Info("Connected")
	c.emit(events.TypeConnected, nil)
	return nil
}

// Disconnect closes the link from any state. It never fails.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.generation++
	l := c.link
	c.link = nil
	prev := c.state
	c.state = types.StateDisconnected
	c.mu.Unlock()

	if l != nil {
		if err := l.Close(); err != nil {
			c.logger.Debug("Close failed", zap.Error(err))
		}
	}
	if prev != types.StateDisconnected {
		c.logger.Info("Disconnected")
		c.emit(events.TypeDisconnected, nil)
	}
}

// Request sends one PDU and returns the raw response data. On timeout or
// transport failure the link is dropped and the state becomes Error; the
// caller has to Connect again.
func (c *Connection) Request(ctx context.Context, req Request) ([]byte, error) {
	select {
	case c.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, c.ctxError(ctx, "queue")
	}
	defer func() { <-c.slot }()

	c.mu.Lock()
	l := c.link
	gen := c.generation
	connected := c.state == types.StateConnected
	c.mu.Unlock()

	if !connected || l == nil {
		return nil, &ConnectionError{Path: c.setting.PathKey(), Err: ErrNotConnected}
	}

	type response struct {
		data []byte
		err  error
	}
	done := make(chan response, 1)
	go func() {
		data, err := exec(l, req)
		done <- response{data, err}
	}()

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			err := classify(c.setting.PathKey(), byte(req.FunctionCode), c.opts.RequestTimeout, r.err)
			if IsRetryable(err) {
				c.fail(gen, err)
			}
			return nil, err
		}
		c.logger.Debug("Request",
			zap.Uint8("function_code", uint8(req.FunctionCode)),
			zap.Uint16("address", req.Address),
			zap.Uint16("quantity", req.Quantity))
		return r.data, nil
	case <-timer.C:
		err := &TimeoutError{Path: c.setting.PathKey(), Op: "request", Timeout: c.opts.RequestTimeout}
		c.fail(gen, err)
		// wait for the exchange to unwind so the next caller gets a quiet bus
		<-done
		return nil, err
	case <-ctx.Done():
		err := c.ctxError(ctx, "request")
		c.fail(gen, err)
		<-done
		return nil, err
	}
}

// fail drops the link after a transport error unless a newer connection
// already replaced it.
func (c *Connection) fail(gen uint64, err error) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.generation++
	l := c.link
	c.link = nil
	c.state = types.StateError
	c.mu.Unlock()

	if l != nil {
		l.Close()
	}
	c.logger.Warn("Transport failed", zap.Error(err))
	c.emit(events.TypeConnectionError, map[string]interface{}{"error": err.Error()})
}

func (c *Connection) ctxError(ctx context.Context, op string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Path: c.setting.PathKey(), Op: op, Timeout: c.opts.RequestTimeout}
	}
	return &ConnectionError{Path: c.setting.PathKey(), Err: ctx.Err()}
}

func (c *Connection) emit(t events.Type, data map[string]interface{}) {
	c.events.Emit(events.New(t, c.deviceID, data))
}

func exec(l Link, req Request) ([]byte, error) {
	switch req.FunctionCode {
	case types.FuncCodeReadCoils:
		return l.ReadCoils(req.Address, req.Quantity)
	case types.FuncCodeReadDiscreteInputs:
		return l.ReadDiscreteInputs(req.Address, req.Quantity)
	case types.FuncCodeReadHoldingRegisters:
		return l.ReadHoldingRegisters(req.Address, req.Quantity)
	case types.FuncCodeReadInputRegisters:
		return l.ReadInputRegisters(req.Address, req.Quantity)
	case types.FuncCodeWriteSingleCoil, types.FuncCodeWriteSingleRegister:
		if len(req.Payload) != 2 {
			return nil, fmt.Errorf("function %d needs a 2-byte payload", req.FunctionCode)
		}
		v := uint16(req.Payload[0])<<8 | uint16(req.Payload[1])
		if req.FunctionCode == types.FuncCodeWriteSingleCoil {
			return l.WriteSingleCoil(req.Address, v)
		}
		return l.WriteSingleRegister(req.Address, v)
	case types.FuncCodeWriteMultipleCoils:
		return l.WriteMultipleCoils(req.Address, req.Quantity, req.Payload)
	case types.FuncCodeWriteMultipleRegisters:
		return l.WriteMultipleRegisters(req.Address, req.Quantity, req.Payload)
	default:
		return nil, fmt.Errorf("unsupported function code %d", req.FunctionCode)
	}
}
