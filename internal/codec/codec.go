// Package codec converts raw Modbus register words into engineering values
// and back, following a declarative Parameter description.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fieldpoll/fieldpoll/internal/types"
)

type ErrorKind string

const (
	KindInvalidWordCount ErrorKind = "InvalidWordCount"
	KindUnknownType      ErrorKind = "UnknownType"
	KindUnknownByteOrder ErrorKind = "UnknownByteOrder"
	KindShortBuffer      ErrorKind = "ShortBuffer"
	KindOutOfRange       ErrorKind = "OutOfRange"
)

// DecodeError reports a mismatch between raw words and the parameter map.
type DecodeError struct {
	Kind      ErrorKind
	Parameter string
	Detail    string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %s: %s", e.Parameter, e.Kind, e.Detail)
}

// EncodeError reports a value that cannot be represented by the parameter.
type EncodeError struct {
	Kind      ErrorKind
	Parameter string
	Detail    string
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %s: %s: %s", e.Parameter, e.Kind, e.Detail)
}

// Decode interprets words (transport order) according to p and applies
// the scaling factor. Out-of-range values are returned as-is.
func Decode(words []uint16, p types.Parameter) (float64, error) {
	if err := checkShape(p); err != nil {
		return 0, &DecodeError{Kind: err.kind, Parameter: p.Name, Detail: err.detail}
	}
	if len(words) < p.WordCount {
		return 0, &DecodeError{
			Kind:      KindShortBuffer,
			Parameter: p.Name,
			Detail:    fmt.Sprintf("need %d words, got %d", p.WordCount, len(words)),
		}
	}

	buf := reorder(wordsToBytes(words[:p.WordCount]), byteOrder(p))

	var raw float64
	switch p.DataType {
	case types.DataTypeInt16, types.DataTypeUint16:
		v := binary.BigEndian.Uint16(buf)
		if p.IsSigned() {
			raw = float64(int16(v))
		} else {
			raw = float64(v)
		}
	case types.DataTypeInt32, types.DataTypeUint32:
		v := binary.BigEndian.Uint32(buf)
		if p.IsSigned() {
			raw = float64(int32(v))
		} else {
			raw = float64(v)
		}
	case types.DataTypeFloat32:
		raw = float64(math.Float32frombits(binary.BigEndian.Uint32(buf)))
	}

	return raw * p.Scale(), nil
}

// Encode is the inverse of Decode and is only used for writes.
func Encode(value float64, p types.Parameter) ([]uint16, error) {
	if err := checkShape(p); err != nil {
		return nil, &EncodeError{Kind: err.kind, Parameter: p.Name, Detail: err.detail}
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, &EncodeError{Kind: KindOutOfRange, Parameter: p.Name, Detail: "value is not finite"}
	}

	raw := value / p.Scale()
	buf := make([]byte, p.WordCount*2)

	switch p.DataType {
	case types.DataTypeInt16, types.DataTypeUint16:
		lo, hi := intBounds(16, p.IsSigned())
		n, err := toInteger(raw, lo, hi, p.Name)
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint16(buf, uint16(n))
	case types.DataTypeInt32, types.DataTypeUint32:
		lo, hi := intBounds(32, p.IsSigned())
		n, err := toInteger(raw, lo, hi, p.Name)
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint32(buf, uint32(n))
	case types.DataTypeFloat32:
		if math.Abs(raw) > math.MaxFloat32 {
			return nil, &EncodeError{Kind: KindOutOfRange, Parameter: p.Name, Detail: "exceeds float32 range"}
		}
		binary.BigEndian.PutUint32(buf, math.Float32bits(float32(raw)))
	}

	return bytesToWords(reorder(buf, byteOrder(p))), nil
}

type shapeError struct {
	kind   ErrorKind
	detail string
}

func checkShape(p types.Parameter) *shapeError {
	want := p.DataType.Words()
	if want == 0 {
		return &shapeError{kind: KindUnknownType, detail: fmt.Sprintf("dataType %q", p.DataType)}
	}
	if p.WordCount != want {
		return &shapeError{
			kind:   KindInvalidWordCount,
			detail: fmt.Sprintf("%s needs %d words, parameter declares %d", p.DataType, want, p.WordCount),
		}
	}
	if p.ByteOrder != "" && !p.ByteOrder.Valid() {
		return &shapeError{kind: KindUnknownByteOrder, detail: fmt.Sprintf("byteOrder %q", p.ByteOrder)}
	}
	return nil
}

func byteOrder(p types.Parameter) types.ByteOrder {
	if p.ByteOrder == "" {
		return types.ByteOrderABCD
	}
	return p.ByteOrder
}

// reorder converts between wire order and canonical big-endian order.
// Both swaps are involutions, so the same call serves encode and decode.
func reorder(buf []byte, order types.ByteOrder) []byte {
	out := make([]byte, len(buf))
	copy(out, buf)
	if order.ByteSwap() {
		for i := 0; i+1 < len(out); i += 2 {
			out[i], out[i+1] = out[i+1], out[i]
		}
	}
	if order.WordSwap() && len(out) == 4 {
		out[0], out[1], out[2], out[3] = out[2], out[3], out[0], out[1]
	}
	return out
}

func wordsToBytes(words []uint16) []byte {
	buf := make([]byte, len(words)*2)
	for i, w := range words {
		binary.BigEndian.PutUint16(buf[i*2:], w)
	}
	return buf
}

func bytesToWords(buf []byte) []uint16 {
	words := make([]uint16, len(buf)/2)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(buf[i*2:])
	}
	return words
}

func intBounds(bits uint, signed bool) (int64, int64) {
	if signed {
		return -(int64(1) << (bits - 1)), int64(1)<<(bits-1) - 1
	}
	return 0, int64(1)<<bits - 1
}

func toInteger(raw float64, lo, hi int64, name string) (int64, error) {
	n := math.Round(raw)
	if n < float64(lo) || n > float64(hi) {
		return 0, &EncodeError{
			Kind:      KindOutOfRange,
			Parameter: name,
			Detail:    fmt.Sprintf("%v outside [%d, %d]", raw, lo, hi),
		}
	}
	return int64(n), nil
}
