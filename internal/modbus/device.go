package modbus

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fieldpoll/fieldpoll/internal/codec"
	"github.com/fieldpoll/fieldpoll/internal/events"
	"github.com/fieldpoll/fieldpoll/internal/types"
)

// DeviceClient binds a device's data point map to its Connection. It never
// retries; pacing is left to the scheduler.
type DeviceClient struct {
	device types.Device
	conn   *Connection
	events events.Emitter
	logger *zap.Logger
}

func NewDeviceClient(device types.Device, conn *Connection, emitter events.Emitter, logger *zap.Logger) *DeviceClient {
	if emitter == nil {
		emitter = events.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeviceClient{
		device: device,
		conn:   conn,
		events: emitter,
		logger: logger.With(zap.String("device_id", device.ID)),
	}
}

// NewClientFactory builds DeviceClients with their own Connection, for the
// scheduler and the registry.
func NewClientFactory(opts ConnectionOptions, dial Dialer, emitter events.Emitter, logger *zap.Logger) func(types.Device) *DeviceClient {
	return func(device types.Device) *DeviceClient {
		conn := NewConnection(device.ID, device.ConnectionSetting, opts, dial, emitter, logger)
		return NewDeviceClient(device, conn, emitter, logger)
	}
}

func (d *DeviceClient) State() types.ConnectionState { return d.conn.State() }

func (d *DeviceClient) Close() error {
	d.conn.Disconnect()
	return nil
}

// ReadAll reads every data point in declared order. The first failed read
// ends the poll; readings decoded before it are kept. A decode error only
// loses the affected parameter.
func (d *DeviceClient) ReadAll(ctx context.Context) types.PollResult {
	result := types.PollResult{
		DeviceID: d.device.ID,
		Success:  true,
	}

	if err := d.conn.Connect(ctx); err != nil {
		result.Timestamp = time.Now().UTC()
		result.Fail(err)
		return result
	}

	for i, dp := range d.device.DataPoints {
		words, err := d.readRange(ctx, dp.Range)
		if err != nil {
			if IsRetryable(err) && result.Err != nil {
				// a lost link outranks earlier decode errors so the cycle is retried
				result.Err = nil
			}
			result.Fail(fmt.Errorf("data point %d: %w", i, err))
			break
		}

		for _, p := range dp.Parser {
			if p.RegisterIndex < 0 || p.RegisterIndex > len(words) {
				result.Fail(&codec.DecodeError{
					Kind:      codec.KindShortBuffer,
					Parameter: p.Name,
					Detail:    fmt.Sprintf("registerIndex %d outside %d words", p.RegisterIndex, len(words)),
				})
				continue
			}
			value, err := codec.Decode(words[p.RegisterIndex:], p)
			if err != nil {
				result.Fail(err)
				continue
			}
			result.Readings = append(result.Readings, types.Reading{
				ParameterName: p.Name,
				Value:         value,
				Unit:          p.Unit,
				DecimalPoint:  p.DecimalPoint,
			})
			d.events.Emit(events.New(events.TypeParameterRead, d.device.ID, map[string]interface{}{
				"parameter": p.Name,
				"value":     value,
				"unit":      p.Unit,
			}))
		}
	}

	result.Timestamp = time.Now().UTC()
	return result
}

func (d *DeviceClient) readRange(ctx context.Context, r types.RegisterRange) ([]uint16, error) {
	data, err := d.conn.Request(ctx, Request{
		FunctionCode: r.FunctionCode,
		Address:      r.StartAddress,
		Quantity:     r.Count,
	})
	if err != nil {
		return nil, err
	}

	var words []uint16
	if r.FunctionCode.IsBit() {
		words, err = bitWords(data, r.Count)
	} else {
		words, err = registerWords(data, r.Count)
	}
	if err != nil {
		return nil, &ProtocolError{FunctionCode: byte(r.FunctionCode), Err: err}
	}
	return words, nil
}

// WriteParameter encodes value for the named parameter and writes it with
// the function code matching its data point.
func (d *DeviceClient) WriteParameter(ctx context.Context, name string, value float64) error {
	dp, p, ok := d.device.FindParameter(name)
	if !ok {
		return &ParameterNotFoundError{DeviceID: d.device.ID, Name: name}
	}

	req, err := writeRequest(dp.Range, p, value)
	if err != nil {
		return &WriteError{Parameter: name, Err: err}
	}

	if err := d.conn.Connect(ctx); err != nil {
		return &WriteError{Parameter: name, Err: err}
	}
	if _, err := d.conn.Request(ctx, req); err != nil {
		return &WriteError{Parameter: name, Err: err}
	}

	d.logger.Info("Parameter written",
		zap.String("parameter", name),
		zap.Float64("value", value),
		zap.Uint8("function_code", uint8(req.FunctionCode)),
		zap.Uint16("address", req.Address))
	d.events.Emit(events.New(events.TypeParameterWritten, d.device.ID, map[string]interface{}{
		"parameter": name,
		"value":     value,
	}))
	return nil
}

func writeRequest(r types.RegisterRange, p types.Parameter, value float64) (Request, error) {
	addr := r.StartAddress + uint16(p.RegisterIndex)

	switch r.FunctionCode {
	case types.FuncCodeReadHoldingRegisters:
		words, err := codec.Encode(value, p)
		if err != nil {
			return Request{}, err
		}
		if len(words) == 1 {
			return Request{
				FunctionCode: types.FuncCodeWriteSingleRegister,
				Address:      addr,
				Quantity:     1,
				Payload:      wordBytes(words),
			}, nil
		}
		return Request{
			FunctionCode: types.FuncCodeWriteMultipleRegisters,
			Address:      addr,
			Quantity:     uint16(len(words)),
			Payload:      wordBytes(words),
		}, nil
	case types.FuncCodeReadCoils:
		var v uint16
		if value != 0 {
			v = 0xFF00
		}
		return Request{
			FunctionCode: types.FuncCodeWriteSingleCoil,
			Address:      addr,
			Quantity:     1,
			Payload:      wordBytes([]uint16{v}),
		}, nil
	default:
		return Request{}, fmt.Errorf("function code %d is read-only", r.FunctionCode)
	}
}
