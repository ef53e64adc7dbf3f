// Package cos provides common low-level types and utilities shared by the
// wire, subframe, tunnel, server, client, and telemetry packages.
/*
 * Copyright (c) 2018-2024, Corvid Robotics. All rights reserved.
 */
package cos

import "unsafe"

const (
	KiB = 1024
	MiB = 1024 * KiB
)

// UnsafeB converts a string to a byte slice without copying. The returned
// slice must not be mutated by the caller. Used on frame/subframe encode
// paths to avoid allocation when handing register names or tunnel payloads
// to a []byte-oriented API.
func UnsafeB(s string) []byte {
	if s == "" {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

// UnsafeS converts a byte slice to a string without copying. The caller must
// not mutate b afterwards.
func UnsafeS(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}
