package modbus

import (
	"context"
	"errors"
	"math"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/tbrandon/mbserver"
	"go.uber.org/zap/zaptest"

	"github.com/fieldpoll/fieldpoll/internal/codec"
	"github.com/fieldpoll/fieldpoll/internal/types"
)

// startSlave runs an in-process Modbus TCP slave on a free local port.
func startSlave(t *testing.T) (*mbserver.Server, types.ConnectionSetting) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	serv := mbserver.NewServer()
	if err := serv.ListenTCP(addr); err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	t.Cleanup(serv.Close)

	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)
	return serv, tcpSetting(host, port)
}

func meterDevice(setting types.ConnectionSetting) types.Device {
	return types.Device{
		ID:                "meter-1",
		ConnectionSetting: setting,
		Enabled:           true,
		DataPoints: []types.DataPoint{
			{
				Range: types.RegisterRange{StartAddress: 0, Count: 3, FunctionCode: types.FuncCodeReadHoldingRegisters},
				Parser: []types.Parameter{
					{Name: "power", DataType: types.DataTypeFloat32, WordCount: 2, ByteOrder: types.ByteOrderABCD, ScalingFactor: 1, Unit: "kW"},
					{Name: "current", DataType: types.DataTypeInt16, RegisterIndex: 2, WordCount: 1, ByteOrder: types.ByteOrderABCD, ScalingFactor: 0.5, Unit: "A"},
				},
			},
			{
				Range: types.RegisterRange{StartAddress: 100, Count: 2, FunctionCode: types.FuncCodeReadInputRegisters},
				Parser: []types.Parameter{
					{Name: "energy", DataType: types.DataTypeUint32, WordCount: 2, ByteOrder: types.ByteOrderCDAB, ScalingFactor: 1, Unit: "kWh"},
				},
			},
			{
				Range: types.RegisterRange{StartAddress: 8, Count: 2, FunctionCode: types.FuncCodeReadCoils},
				Parser: []types.Parameter{
					{Name: "relay1", DataType: types.DataTypeUint16, WordCount: 1, ScalingFactor: 1},
					{Name: "relay2", DataType: types.DataTypeUint16, RegisterIndex: 1, WordCount: 1, ScalingFactor: 1},
				},
			},
		},
	}
}

func newTestClient(t *testing.T, device types.Device, dial Dialer) *DeviceClient {
	t.Helper()
	logger := zaptest.NewLogger(t)
	opts := ConnectionOptions{ConnectTimeout: time.Second, RequestTimeout: time.Second}
	client := NewClientFactory(opts, dial, nil, logger)(device)
	t.Cleanup(func() { client.Close() })
	return client
}

func readingMap(res types.PollResult) map[string]float64 {
	m := make(map[string]float64)
	for _, r := range res.Readings {
		m[r.ParameterName] = r.Value
	}
	return m
}

func TestDeviceClient_ReadAllAgainstSlave(t *testing.T) {
	serv, setting := startSlave(t)
	serv.HoldingRegisters[0] = 0x4248
	serv.HoldingRegisters[1] = 0x8000
	serv.HoldingRegisters[2] = 0xFFF6
	serv.InputRegisters[100] = 0x0002
	serv.InputRegisters[101] = 0x0001
	serv.Coils[8] = 1
	serv.Coils[9] = 0

	client := newTestClient(t, meterDevice(setting), nil)
	res := client.ReadAll(context.Background())
	if !res.Success {
		t.Fatalf("poll failed: %v", res.Err)
	}

	got := readingMap(res)
	want := map[string]float64{
		"power":   50.125,
		"current": -5,
		"energy":  0x00010002,
		"relay1":  1,
		"relay2":  0,
	}
	for name, v := range want {
		if got[name] != v {
			t.Errorf("%s = %v, want %v", name, got[name], v)
		}
	}
	if res.Readings[0].ParameterName != "power" || res.Readings[4].ParameterName != "relay2" {
		t.Fatalf("readings out of declared order: %+v", res.Readings)
	}
	if client.State() != types.StateConnected {
		t.Fatalf("state = %s", client.State())
	}
}

func TestDeviceClient_WriteParameterAgainstSlave(t *testing.T) {
	serv, setting := startSlave(t)
	client := newTestClient(t, meterDevice(setting), nil)
	ctx := context.Background()

	if err := client.WriteParameter(ctx, "power", 230.5); err != nil {
		t.Fatalf("write float: %v", err)
	}
	bits := uint32(serv.HoldingRegisters[0])<<16 | uint32(serv.HoldingRegisters[1])
	if math.Float32frombits(bits) != 230.5 {
		t.Fatalf("holding registers = %04X %04X", serv.HoldingRegisters[0], serv.HoldingRegisters[1])
	}

	if err := client.WriteParameter(ctx, "current", -3); err != nil {
		t.Fatalf("write int16: %v", err)
	}
	if serv.HoldingRegisters[2] != 0xFFFA {
		t.Fatalf("register 2 = %04X, want FFFA", serv.HoldingRegisters[2])
	}

	if err := client.WriteParameter(ctx, "relay2", 1); err != nil {
		t.Fatalf("write coil: %v", err)
	}
	if serv.Coils[9] != 1 {
		t.Fatalf("coil 9 not set")
	}

	res := client.ReadAll(ctx)
	if got := readingMap(res)["power"]; got != 230.5 {
		t.Fatalf("read back power = %v", got)
	}
}

func TestDeviceClient_WriteErrors(t *testing.T) {
	client := newTestClient(t, meterDevice(tcpSetting("127.0.0.1", 502)), (&fakeDialer{link: newFakeLink()}).Dial)
	ctx := context.Background()

	var nf *ParameterNotFoundError
	if err := client.WriteParameter(ctx, "missing", 1); !errors.As(err, &nf) {
		t.Fatalf("want ParameterNotFoundError, got %v", err)
	}

	var we *WriteError
	if err := client.WriteParameter(ctx, "energy", 1); !errors.As(err, &we) {
		t.Fatalf("input register write: want WriteError, got %v", err)
	}

	err := client.WriteParameter(ctx, "current", 1e6)
	var ee *codec.EncodeError
	if !errors.As(err, &we) || !errors.As(err, &ee) || ee.Kind != codec.KindOutOfRange {
		t.Fatalf("out of range write: want WriteError wrapping OutOfRange, got %v", err)
	}
}

func TestDeviceClient_PartialResultOnTransportFailure(t *testing.T) {
	link := newFakeLink()
	link.regs[0] = 0x4248
	link.regs[1] = 0x0000
	link.regs[2] = 7
	link.fail = func(fc byte, addr uint16) error {
		if addr == 100 {
			return net.ErrClosed
		}
		return nil
	}
	d := &fakeDialer{link: link}
	client := newTestClient(t, meterDevice(tcpSetting("127.0.0.1", 502)), d.Dial)

	res := client.ReadAll(context.Background())
	if res.Success {
		t.Fatalf("poll should fail")
	}
	var ce *ConnectionError
	if !errors.As(res.Err, &ce) {
		t.Fatalf("want ConnectionError, got %v", res.Err)
	}
	got := readingMap(res)
	if len(got) != 2 || got["power"] != 50 || got["current"] != 3.5 {
		t.Fatalf("readings before the failure must survive: %+v", res.Readings)
	}
	if _, ok := got["relay1"]; ok {
		t.Fatalf("data points after a transport failure must not be read")
	}
	if client.State() != types.StateError {
		t.Fatalf("state = %s, want error", client.State())
	}
}

func TestDeviceClient_ExceptionEndsPoll(t *testing.T) {
	serv, setting := startSlave(t)
	serv.HoldingRegisters[2] = 4
	serv.Coils[8] = 1

	device := meterDevice(setting)
	// the second range runs past the end of the address space
	device.DataPoints[1].Range.StartAddress = 65535

	client := newTestClient(t, device, nil)
	res := client.ReadAll(context.Background())

	var pe *ProtocolError
	if res.Success || !errors.As(res.Err, &pe) || pe.Code != 2 {
		t.Fatalf("want ProtocolError code 2, got %v", res.Err)
	}
	got := readingMap(res)
	if got["current"] != 2 {
		t.Fatalf("readings before the exception must survive: %+v", res.Readings)
	}
	for _, name := range []string{"energy", "relay1"} {
		if _, ok := got[name]; ok {
			t.Fatalf("%s read after the failed data point", name)
		}
	}
	if client.State() != types.StateConnected {
		t.Fatalf("an exception must not drop the link, state = %s", client.State())
	}
}

func TestDeviceClient_TransportFailureOutranksDecodeError(t *testing.T) {
	link := newFakeLink()
	link.fail = func(fc byte, addr uint16) error {
		if addr == 100 {
			return net.ErrClosed
		}
		return nil
	}
	d := &fakeDialer{link: link}

	device := meterDevice(tcpSetting("127.0.0.1", 502))
	// current is declared as a 32-bit type on one word and cannot decode
	device.DataPoints[0].Parser[1].DataType = types.DataTypeInt32
	client := newTestClient(t, device, d.Dial)

	res := client.ReadAll(context.Background())
	if res.Success || !IsRetryable(res.Err) {
		t.Fatalf("want the retryable transport error, got %v", res.Err)
	}
	if _, ok := readingMap(res)["power"]; !ok {
		t.Fatalf("power decoded before the failure is missing: %+v", res.Readings)
	}
}

func TestDeviceClient_ConnectFailure(t *testing.T) {
	d := &fakeDialer{err: errors.New("connection refused")}
	client := newTestClient(t, meterDevice(tcpSetting("127.0.0.1", 502)), d.Dial)

	res := client.ReadAll(context.Background())
	if res.Success || !IsRetryable(res.Err) {
		t.Fatalf("want retryable failure, got %+v", res)
	}
	if len(res.Readings) != 0 || res.Timestamp.IsZero() {
		t.Fatalf("unexpected result %+v", res)
	}
}
