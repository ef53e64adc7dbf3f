// Package cos provides common low-level types and utilities shared by the
// wire, subframe, tunnel, server, client, and telemetry packages.
/*
 * Copyright (c) 2018-2024, Corvid Robotics. All rights reserved.
 */
package cos

import "errors"

// Varuint/varint is the base-128, little-endian, continuation-bit encoding
// used throughout the wire format (subframe tags, register/count fields)
// and the telemetry log format (block type/size, schema/data ids). One to
// ten bytes; the tenth byte (if present) carries only the last bit of a
// 64-bit value.

var ErrVarintOverflow = errors.New("varint: overflow (more than 10 bytes)")

// PutUvarint appends the varuint encoding of v to dst and returns the
// extended slice. No allocation occurs when dst has spare capacity, which
// is the steady-state case on the encode hot path (callers reuse buffers).
func PutUvarint(dst []byte, v uint64) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// Uvarint decodes a varuint from the front of b, returning the value, the
// number of bytes consumed, and an error if b is exhausted before a
// terminating byte is found or the encoding exceeds 10 bytes.
func Uvarint(b []byte) (v uint64, n int, err error) {
	var shift uint
	for n = 0; n < len(b); n++ {
		c := b[n]
		if shift == 63 && c > 1 {
			return 0, 0, ErrVarintOverflow
		}
		v |= uint64(c&0x7f) << shift
		if c < 0x80 {
			return v, n + 1, nil
		}
		shift += 7
		if shift >= 70 {
			return 0, 0, ErrVarintOverflow
		}
	}
	return 0, 0, io_ErrUnexpectedEOF
}

// io_ErrUnexpectedEOF reports a varuint cut short by the end of the input.
// It is a package-local value, distinct from io.ErrUnexpectedEOF:
// errors.Is(err, io.ErrUnexpectedEOF) does not match it.
var io_ErrUnexpectedEOF = errors.New("varint: unexpected EOF")

// PutVarint appends the zig-zag encoded varint of v.
func PutVarint(dst []byte, v int64) []byte {
	uv := uint64(v) << 1
	if v < 0 {
		uv = ^uv
	}
	return PutUvarint(dst, uv)
}

// Varint decodes a zig-zag varint.
func Varint(b []byte) (v int64, n int, err error) {
	uv, n, err := Uvarint(b)
	if err != nil {
		return 0, 0, err
	}
	v = int64(uv >> 1)
	if uv&1 != 0 {
		v = ^v
	}
	return v, n, nil
}

// SizeUvarint returns the number of bytes PutUvarint would emit for v,
// without allocating — used by the subframe engine to bound response
// writes against the remaining buffer before committing to them.
func SizeUvarint(v uint64) int {
	n := 1
	for v >= 0x80 {
		n++
		v >>= 7
	}
	return n
}
