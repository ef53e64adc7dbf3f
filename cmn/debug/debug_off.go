//go:build !debug

// Package debug provides protocol-invariant assertions that compile away
// to nothing in production builds and panic in builds tagged "debug".
/*
 * Copyright (c) 2018-2024, Corvid Robotics. All rights reserved.
 */
package debug

// ON reports whether the binary was built with -tags debug.
func ON() bool { return false }

// Assert panics with a, msg... when cond is false and the debug tag is
// set; it is a no-op otherwise. Call sites are expected to pass a
// cheaply-evaluated cond (no function calls) since the expression is
// always evaluated even when the tag is unset.
func Assert(_ bool, _ ...any) {}

// Assertf is Assert with a format string.
func Assertf(_ bool, _ string, _ ...any) {}

// AssertNoErr panics on a non-nil error under the debug tag.
func AssertNoErr(_ error) {}

// AssertFunc defers evaluation of cond to debug builds only, for
// invariants too expensive to check outside of them (e.g. walking a
// tunnel's receive queue to confirm monotonic offsets).
func AssertFunc(_ func() bool, _ ...any) {}
