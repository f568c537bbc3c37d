package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/goburrow/modbus"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrConnectionClosed = errors.New("connection closed")
)

// ConnectionError is a transport-level failure: dial, handshake or a broken
// socket/serial handle.
type ConnectionError struct {
	Path string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Path, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError means no response arrived within the configured bound.
type TimeoutError struct {
	Path    string
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s: timed out after %s", e.Op, e.Path, e.Timeout)
}

// ProtocolError carries a Modbus exception code, or 0 for a malformed
// response.
type ProtocolError struct {
	FunctionCode byte
	Code         byte
	Err          error
}

func (e *ProtocolError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("modbus exception %d (%s) on function %d", e.Code, exceptionText(e.Code), e.FunctionCode)
	}
	return fmt.Sprintf("malformed response on function %d: %v", e.FunctionCode, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

type ParameterNotFoundError struct {
	DeviceID string
	Name     string
}

func (e *ParameterNotFoundError) Error() string {
	return fmt.Sprintf("parameter %q not found on device %s", e.Name, e.DeviceID)
}

type WriteError struct {
	Parameter string
	Err       error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Parameter, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is transient (connection or timeout).
// Protocol and decode errors point at a configuration mismatch.
func IsRetryable(err error) bool {
	var ce *ConnectionError
	var te *TimeoutError
	return errors.As(err, &ce) || errors.As(err, &te)
}

func exceptionText(code byte) string {
	switch code {
	case modbus.ExceptionCodeIllegalFunction:
		return "illegal function"
	case modbus.ExceptionCodeIllegalDataAddress:
		return "illegal data address"
	case modbus.ExceptionCodeIllegalDataValue:
		return "illegal data value"
	case modbus.ExceptionCodeServerDeviceFailure:
		return "server device failure"
	case modbus.ExceptionCodeAcknowledge:
		return "acknowledge"
	case modbus.ExceptionCodeServerDeviceBusy:
		return "server device busy"
	case modbus.ExceptionCodeMemoryParityError:
		return "memory parity error"
	case modbus.ExceptionCodeGatewayPathUnavailable:
		return "gateway path unavailable"
	case modbus.ExceptionCodeGatewayTargetDeviceFailedToRespond:
		return "gateway target failed to respond"
	default:
		return "unknown"
	}
}

// classify maps errors returned by the goburrow client onto our kinds.
func classify(path string, fc byte, timeout time.Duration, err error) error {
	if err == nil {
		return nil
	}

	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return &ProtocolError{FunctionCode: mbErr.FunctionCode &^ 0x80, Code: mbErr.ExceptionCode, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return &TimeoutError{Path: path, Op: "request", Timeout: timeout}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Path: path, Op: "request", Timeout: timeout}
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.As(err, &netErr) {
		return &ConnectionError{Path: path, Err: err}
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return &ConnectionError{Path: path, Err: err}
	}

	return &ProtocolError{FunctionCode: fc, Err: err}
}
