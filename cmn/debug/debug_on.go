//go:build debug

// Package debug provides protocol-invariant assertions that compile away
// to nothing in production builds and panic in builds tagged "debug".
/*
 * Copyright (c) 2018-2024, Corvid Robotics. All rights reserved.
 */
package debug

import "fmt"

func ON() bool { return true }

func Assert(cond bool, a ...any) {
	if !cond {
		panic(fmt.Sprintln(append([]any{"assertion failed:"}, a...)...))
	}
}

func Assertf(cond bool, format string, a ...any) {
	if !cond {
		panic("assertion failed: " + fmt.Sprintf(format, a...))
	}
}

func AssertNoErr(err error) {
	if err != nil {
		panic(fmt.Sprintf("assertion failed: unexpected error: %v", err))
	}
}

func AssertFunc(cond func() bool, a ...any) {
	if !cond() {
		panic(fmt.Sprintln(append([]any{"assertion failed:"}, a...)...))
	}
}
