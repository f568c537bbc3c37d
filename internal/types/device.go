package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Device is the communication-relevant snapshot of a field device.
// The poll engine never mutates it; changes arrive as a new snapshot.
type Device struct {
	ID                string            `json:"id"`
	Name              string            `json:"name,omitempty"`
	ConnectionSetting ConnectionSetting `json:"connectionSetting"`
	DataPoints        []DataPoint       `json:"dataPoints"`
	Enabled           bool              `json:"enabled"`
	PollingIntervalMs int               `json:"pollingIntervalMs,omitempty"`
}

// DataPoint is one contiguous register read.
type DataPoint struct {
	Range  RegisterRange `json:"range"`
	Parser []Parameter   `json:"parser"`
}

type RegisterRange struct {
	StartAddress uint16       `json:"startAddress"`
	Count        uint16       `json:"count"`
	FunctionCode FunctionCode `json:"functionCode"`
}

// Parameter is one decodable value inside a DataPoint.
type Parameter struct {
	Name          string    `json:"name"`
	DataType      DataType  `json:"dataType"`
	Signed        *bool     `json:"signed,omitempty"`
	RegisterIndex int       `json:"registerIndex"`
	WordCount     int       `json:"wordCount"`
	ByteOrder     ByteOrder `json:"byteOrder"`
	ScalingFactor float64   `json:"scalingFactor"`
	DecimalPoint  int       `json:"decimalPoint"`
	Unit          string    `json:"unit,omitempty"`
}

// IsSigned reports whether integer types are interpreted as two's complement.
// An explicit signed flag wins over the data type name.
func (p Parameter) IsSigned() bool {
	if p.Signed != nil {
		return *p.Signed
	}
	return p.DataType == DataTypeInt16 || p.DataType == DataTypeInt32
}

// Scale returns the multiplier applied after decoding; zero means 1.
func (p Parameter) Scale() float64 {
	if p.ScalingFactor == 0 {
		return 1.0
	}
	return p.ScalingFactor
}

type DataType string

const (
	DataTypeInt16   DataType = "INT16"
	DataTypeUint16  DataType = "UINT16"
	DataTypeInt32   DataType = "INT32"
	DataTypeUint32  DataType = "UINT32"
	DataTypeFloat32 DataType = "FLOAT32"
)

// Words returns the register width of the type, or 0 for unknown types.
func (t DataType) Words() int {
	switch t {
	case DataTypeInt16, DataTypeUint16:
		return 1
	case DataTypeInt32, DataTypeUint32, DataTypeFloat32:
		return 2
	default:
		return 0
	}
}

func (t DataType) Valid() bool {
	return t.Words() > 0
}

func (t *DataType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("dataType must be a string: %w", err)
	}
	dt := DataType(strings.ToUpper(strings.TrimSpace(s)))
	if !dt.Valid() {
		return fmt.Errorf("unknown dataType %q", s)
	}
	*t = dt
	return nil
}

// ByteOrder names where the canonical big-endian bytes A..D appear on the wire.
type ByteOrder string

const (
	ByteOrderABCD ByteOrder = "ABCD" // big-endian, no swap
	ByteOrderCDAB ByteOrder = "CDAB" // word swap
	ByteOrderBADC ByteOrder = "BADC" // byte swap within words
	ByteOrderDCBA ByteOrder = "DCBA" // word and byte swap
)

func (o ByteOrder) Valid() bool {
	switch o {
	case ByteOrderABCD, ByteOrderCDAB, ByteOrderBADC, ByteOrderDCBA:
		return true
	}
	return false
}

// WordSwap reports whether the two 16-bit words are exchanged.
func (o ByteOrder) WordSwap() bool {
	return o == ByteOrderCDAB || o == ByteOrderDCBA
}

// ByteSwap reports whether the bytes inside each word are exchanged.
func (o ByteOrder) ByteSwap() bool {
	return o == ByteOrderBADC || o == ByteOrderDCBA
}

func (o *ByteOrder) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("byteOrder must be a string: %w", err)
	}
	if s == "" {
		*o = ByteOrderABCD
		return nil
	}
	bo := ByteOrder(strings.ToUpper(strings.TrimSpace(s)))
	if !bo.Valid() {
		return fmt.Errorf("unknown byteOrder %q", s)
	}
	*o = bo
	return nil
}

// Modbus function codes
type FunctionCode uint8

const (
	FuncCodeReadCoils              FunctionCode = 0x01
	FuncCodeReadDiscreteInputs     FunctionCode = 0x02
	FuncCodeReadHoldingRegisters   FunctionCode = 0x03
	FuncCodeReadInputRegisters     FunctionCode = 0x04
	FuncCodeWriteSingleCoil        FunctionCode = 0x05
	FuncCodeWriteSingleRegister    FunctionCode = 0x06
	FuncCodeWriteMultipleCoils     FunctionCode = 0x0F
	FuncCodeWriteMultipleRegisters FunctionCode = 0x10
)

// IsRead reports whether the code reads a data table.
func (fc FunctionCode) IsRead() bool {
	return fc >= FuncCodeReadCoils && fc <= FuncCodeReadInputRegisters
}

// IsBit reports whether the code addresses single-bit tables.
func (fc FunctionCode) IsBit() bool {
	switch fc {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs, FuncCodeWriteSingleCoil, FuncCodeWriteMultipleCoils:
		return true
	}
	return false
}

// Interval returns the device's polling interval, falling back to def.
func (d Device) Interval(def time.Duration) time.Duration {
	if d.PollingIntervalMs > 0 {
		return time.Duration(d.PollingIntervalMs) * time.Millisecond
	}
	return def
}

// FindParameter resolves a parameter by name together with its data point.
func (d Device) FindParameter(name string) (DataPoint, Parameter, bool) {
	for _, dp := range d.DataPoints {
		for _, p := range dp.Parser {
			if p.Name == name {
				return dp, p, true
			}
		}
	}
	return DataPoint{}, Parameter{}, false
}

const (
	maxRegisterCount = 125
	maxBitCount      = 2000
)

// Validate checks the device at load time so that decoding never sees
// an unknown type or an out-of-bounds parameter.
func (d *Device) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("device id is required")
	}
	if d.PollingIntervalMs < 0 {
		return fmt.Errorf("device %s: pollingIntervalMs must not be negative", d.ID)
	}
	if err := d.ConnectionSetting.Validate(); err != nil {
		return fmt.Errorf("device %s: %w", d.ID, err)
	}

	names := make(map[string]struct{})
	for i, dp := range d.DataPoints {
		if err := dp.validate(); err != nil {
			return fmt.Errorf("device %s: dataPoints[%d]: %w", d.ID, i, err)
		}
		for _, p := range dp.Parser {
			if _, dup := names[p.Name]; dup {
				return fmt.Errorf("device %s: duplicate parameter name %q", d.ID, p.Name)
			}
			names[p.Name] = struct{}{}
		}
	}
	return nil
}

func (dp DataPoint) validate() error {
	fc := dp.Range.FunctionCode
	if !fc.IsRead() {
		return fmt.Errorf("functionCode %d is not a read function", fc)
	}
	limit := maxRegisterCount
	if fc.IsBit() {
		limit = maxBitCount
	}
	if dp.Range.Count == 0 || int(dp.Range.Count) > limit {
		return fmt.Errorf("count %d out of range 1..%d", dp.Range.Count, limit)
	}
	if int(dp.Range.StartAddress)+int(dp.Range.Count) > 0x10000 {
		return fmt.Errorf("range %d+%d exceeds address space", dp.Range.StartAddress, dp.Range.Count)
	}

	used := make([]string, dp.Range.Count)
	for _, p := range dp.Parser {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("parameter name is required")
		}
		if !p.DataType.Valid() {
			return fmt.Errorf("parameter %s: unknown dataType %q", p.Name, p.DataType)
		}
		if p.WordCount != p.DataType.Words() {
			return fmt.Errorf("parameter %s: wordCount %d does not match %s", p.Name, p.WordCount, p.DataType)
		}
		if p.ByteOrder != "" && !p.ByteOrder.Valid() {
			return fmt.Errorf("parameter %s: unknown byteOrder %q", p.Name, p.ByteOrder)
		}
		if p.RegisterIndex < 0 || p.RegisterIndex+p.WordCount > int(dp.Range.Count) {
			return fmt.Errorf("parameter %s: registers [%d,%d) outside [0,%d)",
				p.Name, p.RegisterIndex, p.RegisterIndex+p.WordCount, dp.Range.Count)
		}
		for i := p.RegisterIndex; i < p.RegisterIndex+p.WordCount; i++ {
			if used[i] != "" {
				return fmt.Errorf("parameter %s overlaps %s at register index %d", p.Name, used[i], i)
			}
			used[i] = p.Name
		}
	}
	return nil
}
