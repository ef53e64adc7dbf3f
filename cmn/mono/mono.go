// Package mono provides a monotonic nanosecond clock. Its one caller is
// cmn/logx, which uses it to time periodic buffer flushes. Reading through
// one call site (rather than time.Now() scattered across the codebase)
// keeps the clock source swappable for tests.
/*
 * Copyright (c) 2018-2024, Corvid Robotics. All rights reserved.
 */
package mono

import "time"

// NanoTime returns a monotonically increasing nanosecond count with an
// unspecified epoch — only differences between two NanoTime() calls are
// meaningful. Backed by time.Now()'s monotonic reading (runtime.nanotime
// under the hood); Go guarantees time.Since/Sub use the monotonic
// component when present.
func NanoTime() int64 { return int64(time.Since(epoch)) }

// epoch is the process-start reading NanoTime measures from.
var epoch = time.Now()

// Since returns the elapsed duration since a NanoTime() reading t0.
func Since(t0 int64) time.Duration { return time.Duration(NanoTime() - t0) }

// Elapsed reports whether at least d has passed since t0.
func Elapsed(t0 int64, d time.Duration) bool { return Since(t0) >= d }
