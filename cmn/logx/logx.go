// Package logx is the engine's logger: buffered, timestamped, leveled, with
// an explicit Flush, in the style of the teacher's glog-derived logger
// rather than the standard library's unbuffered log.Logger. The packages
// that log (wire, server, and the two commands) do so through this
// package so that log volume on the hot decode/dispatch paths can be
// capped independently of what a caller's chosen io.Writer does with
// each write.
/*
 * Copyright (c) 2018-2024, Corvid Robotics. All rights reserved.
 */
package logx

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/corvid-robotics/multiplex/cmn/mono"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

var sevChar = [...]byte{sevInfo: 'I', sevWarn: 'W', sevErr: 'E'}

const (
	flushThreshold = 32 * cosKiB
	maxLineSize    = 2 * cosKiB
	cosKiB         = 1024
)

type logger struct {
	mu      sync.Mutex
	out     io.Writer
	buf     bytes.Buffer
	lastFl  int64
	sevGate severity // lines below this severity are dropped (ambient noise control)
}

var std = &logger{out: os.Stderr}

// SetOutput redirects all logging to w (e.g. an opened log file).
// Defaults to os.Stderr.
func SetOutput(w io.Writer) {
	std.mu.Lock()
	defer std.mu.Unlock()
	_ = std.flushLocked()
	std.out = w
}

// SetLevel suppresses lines below the given level; level is one of
// "info", "warn", "error"; any other value restores the default of
// logging every level.
func SetLevel(level string) {
	std.mu.Lock()
	defer std.mu.Unlock()
	switch level {
	case "warn":
		std.sevGate = sevWarn
	case "error":
		std.sevGate = sevErr
	default:
		std.sevGate = sevInfo
	}
}

func Infof(format string, a ...any)  { std.logf(sevInfo, 1, format, a...) }
func Warnf(format string, a ...any)  { std.logf(sevWarn, 1, format, a...) }
func Errorf(format string, a ...any) { std.logf(sevErr, 1, format, a...) }

// InfofDepth/ErrorfDepth let a thin wrapper (e.g. a per-subsystem logger)
// report the caller's caller as the source line.
func InfofDepth(depth int, format string, a ...any)  { std.logf(sevInfo, depth+1, format, a...) }
func ErrorfDepth(depth int, format string, a ...any) { std.logf(sevErr, depth+1, format, a...) }

// Flush forces any buffered bytes to the underlying writer. Call on clean
// shutdown and before os.Exit (as cmd/multiplexd and cmd/multiplexctl do)
// so the last few lines before exit are not lost to the buffering
// threshold.
func Flush() {
	std.mu.Lock()
	defer std.mu.Unlock()
	_ = std.flushLocked()
}

func (l *logger) logf(sev severity, depth int, format string, a ...any) {
	if sev < l.sevGate {
		return
	}
	line := formatLine(sev, depth+1, format, a...)
	l.mu.Lock()
	l.buf.Write(line)
	due := l.buf.Len() >= flushThreshold || mono.Since(l.lastFl) > 5*time.Second
	if due {
		_ = l.flushLocked()
	}
	l.mu.Unlock()
}

// under l.mu
func (l *logger) flushLocked() error {
	if l.buf.Len() == 0 {
		l.lastFl = mono.NanoTime()
		return nil
	}
	_, err := l.out.Write(l.buf.Bytes())
	l.buf.Reset()
	l.lastFl = mono.NanoTime()
	return err
}

func formatLine(sev severity, depth int, format string, a ...any) []byte {
	now := time.Now()
	_, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		file, line = "???", 0
	} else {
		for i := len(file) - 1; i >= 0; i-- {
			if file[i] == '/' {
				file = file[i+1:]
				break
			}
		}
	}
	var b bytes.Buffer
	b.WriteByte(sevChar[sev])
	b.WriteString(now.Format("0102 15:04:05.000000"))
	b.WriteByte(' ')
	b.WriteString(file)
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(line))
	b.WriteByte(']')
	b.WriteByte(' ')
	if len(b.Bytes())+len(format) < maxLineSize {
		fmt.Fprintf(&b, format, a...)
	} else {
		b.WriteString("(line truncated)")
	}
	if b.Len() == 0 || b.Bytes()[b.Len()-1] != '\n' {
		b.WriteByte('\n')
	}
	return b.Bytes()
}
