// Package register implements the register-value tagged union and the
// backend interface the subframe engine calls into (spec §3, §4.B).
/*
 * Copyright (c) 2018-2024, Corvid Robotics. All rights reserved.
 */
package register

import "fmt"

// TypeIndex is the 2-bit value-width tag carried in the low bits of every
// register subframe (spec §3: "type-bits 0..3 encode the value width").
type TypeIndex uint8

const (
	Int8 TypeIndex = iota
	Int16
	Int32
	Float32
)

func (t TypeIndex) String() string {
	switch t {
	case Int8:
		return "int8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Float32:
		return "float32"
	default:
		return fmt.Sprintf("TypeIndex(%d)", uint8(t))
	}
}

// Size returns the on-wire byte width of t.
func (t TypeIndex) Size() int {
	switch t {
	case Int8:
		return 1
	case Int16:
		return 2
	case Int32, Float32:
		return 4
	default:
		return 0
	}
}

// Value is a tagged union over the four register value types (spec §3).
// The zero Value is int8(0).
type Value struct {
	Type  TypeIndex
	I8    int8
	I16   int16
	I32   int32
	F32   float32
}

func Int8Value(v int8) Value     { return Value{Type: Int8, I8: v} }
func Int16Value(v int16) Value   { return Value{Type: Int16, I16: v} }
func Int32Value(v int32) Value   { return Value{Type: Int32, I32: v} }
func Float32Value(v float32) Value { return Value{Type: Float32, F32: v} }

// AsInt64 widens any integer-typed value to int64; it panics if called on
// a Float32 value, since the caller is expected to have checked Type
// first (this mirrors the engine's own dispatch-by-type-bits pattern).
func (v Value) AsInt64() int64 {
	switch v.Type {
	case Int8:
		return int64(v.I8)
	case Int16:
		return int64(v.I16)
	case Int32:
		return int64(v.I32)
	default:
		panic("register: AsInt64 called on non-integer Value")
	}
}

func (v Value) String() string {
	switch v.Type {
	case Int8:
		return fmt.Sprintf("int8(%d)", v.I8)
	case Int16:
		return fmt.Sprintf("int16(%d)", v.I16)
	case Int32:
		return fmt.Sprintf("int32(%d)", v.I32)
	case Float32:
		return fmt.Sprintf("float32(%g)", v.F32)
	default:
		return "invalid register.Value"
	}
}

// ErrorCode is a small non-zero code a Backend returns on failure. 0 is
// reserved and MUST NOT be emitted by a Backend — it is the engine's own
// "success" sentinel and emitting it would be indistinguishable from
// success to a caller inspecting the wire reply.
type ErrorCode uint32

const (
	// ErrNoBackendInstalled is the well-known code a server emits for
	// any register touched before configure() installs a Backend.
	ErrNoBackendInstalled ErrorCode = 1
)

// Backend is the register storage a server core is configured with
// (spec §4.C: "configure(id, register_backend)"). Implementations are
// called synchronously from the subframe engine's parse loop; they MUST
// NOT block.
type Backend interface {
	// Write stores value at reg, returning 0 on success or a non-zero
	// ErrorCode. A non-zero result causes the engine to append a
	// WriteError subframe to the response, if one is being assembled.
	Write(reg int, value Value) ErrorCode

	// Read retrieves the value at reg, widened/narrowed to typeIndex's
	// width by the backend itself. ok is false on any error, in which
	// case code carries the ErrorCode to report; code is ignored when
	// ok is true.
	Read(reg int, typeIndex TypeIndex) (value Value, ok bool, code ErrorCode)
}

// NullBackend is installed by a server before configure() is called
// (or if configure() is never called); every operation fails with
// ErrNoBackendInstalled.
type NullBackend struct{}

func (NullBackend) Write(int, Value) ErrorCode { return ErrNoBackendInstalled }
func (NullBackend) Read(int, TypeIndex) (Value, bool, ErrorCode) {
	return Value{}, false, ErrNoBackendInstalled
}

var _ Backend = NullBackend{}
