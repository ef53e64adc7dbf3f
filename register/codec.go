package register

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrShortBuffer is returned by DecodeRaw when fewer bytes remain than
// typeIndex's fixed width requires.
var ErrShortBuffer = errors.New("register: short buffer decoding value")

// EncodeRaw appends v's fixed-width, little-endian wire representation to
// dst (spec §3/§8: register values are raw fixed-width bytes, not
// varuint-encoded, unlike every surrounding field).
func EncodeRaw(dst []byte, v Value) []byte {
	switch v.Type {
	case Int8:
		return append(dst, byte(v.I8))
	case Int16:
		return binary.LittleEndian.AppendUint16(dst, uint16(v.I16))
	case Int32:
		return binary.LittleEndian.AppendUint32(dst, uint32(v.I32))
	case Float32:
		return binary.LittleEndian.AppendUint32(dst, math.Float32bits(v.F32))
	default:
		panic("register: EncodeRaw of invalid TypeIndex")
	}
}

// DecodeRaw reads one fixed-width value of the given type from the front
// of b, returning the value and the number of bytes consumed.
func DecodeRaw(typeIndex TypeIndex, b []byte) (Value, int, error) {
	n := typeIndex.Size()
	if len(b) < n {
		return Value{}, 0, ErrShortBuffer
	}
	switch typeIndex {
	case Int8:
		return Value{Type: Int8, I8: int8(b[0])}, 1, nil
	case Int16:
		return Value{Type: Int16, I16: int16(binary.LittleEndian.Uint16(b))}, 2, nil
	case Int32:
		return Value{Type: Int32, I32: int32(binary.LittleEndian.Uint32(b))}, 4, nil
	case Float32:
		return Value{Type: Float32, F32: math.Float32frombits(binary.LittleEndian.Uint32(b))}, 4, nil
	default:
		return Value{}, 0, errors.New("register: decode of invalid TypeIndex")
	}
}
