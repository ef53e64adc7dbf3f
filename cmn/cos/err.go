// Package cos provides common low-level types and utilities shared by the
// wire, subframe, tunnel, server, client, and telemetry packages.
/*
 * Copyright (c) 2018-2024, Corvid Robotics. All rights reserved.
 */
package cos

import (
	"errors"
	"fmt"
	"sync"
	ratomic "sync/atomic"
)

type (
	// ErrCancelled is returned by any operation that observed cancellation
	// before (or, for tunnel reads, during) completion.
	ErrCancelled struct {
		op string
	}

	// Errs aggregates up to maxErrs distinct errors, coalescing duplicates
	// by message. Used by batch operations (e.g. a multi-register transmit)
	// that must keep going after a per-item failure and report all of them.
	Errs struct {
		errs []error
		cnt  int64
		mu   sync.Mutex
	}
)

const maxErrs = 4

var ErrWouldBlock = errors.New("operation would block")

func NewErrCancelled(op string) *ErrCancelled { return &ErrCancelled{op} }
func (e *ErrCancelled) Error() string         { return e.op + ": cancelled" }

func IsErrCancelled(err error) bool {
	var e *ErrCancelled
	return errors.As(err, &e)
}

func (e *Errs) Add(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, added := range e.errs {
		if added.Error() == err.Error() {
			return
		}
	}
	if len(e.errs) < maxErrs {
		e.errs = append(e.errs, err)
		ratomic.StoreInt64(&e.cnt, int64(len(e.errs)))
	}
}

func (e *Errs) Cnt() int { return int(ratomic.LoadInt64(&e.cnt)) }

func (e *Errs) Error() string {
	if e.Cnt() == 0 {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.errs) == 0 {
		return ""
	}
	err := e.errs[0]
	if len(e.errs) > 1 {
		return fmt.Sprintf("%v (and %d more error(s))", err, len(e.errs)-1)
	}
	return err.Error()
}
