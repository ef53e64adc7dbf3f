// Package tunnel implements the bidirectional byte-stream endpoints of
// spec §4.E, shared by the server (queue-fed) and client (poll-loop-fed)
// sides of one logical (peer_id, channel_id) pipe.
/*
 * Copyright (c) 2018-2024, Corvid Robotics. All rights reserved.
 */
package tunnel

import (
	"context"
	"sync"

	"github.com/corvid-robotics/multiplex/cmn/cos"
	"github.com/corvid-robotics/multiplex/config"
)

// ErrCancelled is returned by Read/Write when ctx is cancelled before the
// operation completes (spec §5: "Cancelling a tunnel read returns a
// cancellation error and discards any bytes the transport may have
// already fetched for that read").
var ErrCancelled = cos.NewErrCancelled("tunnel")

// ServerStream is the server-side half of one tunnel channel (spec §4.E):
// Read drains bytes the subframe engine appended from ClientToServer
// subframes; Write queues bytes for the engine to drain into the next
// outbound ServerToClient subframe it emits.
type ServerStream struct {
	Channel int

	mu        sync.Mutex
	notify    chan struct{} // closed and replaced whenever recv/write state changes
	recv      []byte
	recvDrops uint64

	writePending []byte
	writeTotal   int      // length of the write currently outstanding
	writeDoneCh  chan int // signalled with the total bytes written, once
}

// NewServerStream allocates one channel's server-side endpoint.
func NewServerStream(channel int) *ServerStream {
	return &ServerStream{Channel: channel, notify: make(chan struct{})}
}

func (s *ServerStream) wakeLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

// DeliverFromWire is called by the subframe engine for each ClientToServer
// subframe addressed to this channel. Bytes beyond the receive queue's
// capacity are dropped and counted (spec §4.B: "dropping with an overrun
// statistic if the queue is full").
func (s *ServerStream) DeliverFromWire(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := config.TunnelRecvQueueSize - len(s.recv)
	if room <= 0 {
		s.recvDrops += uint64(len(p))
		return
	}
	if len(p) > room {
		s.recvDrops += uint64(len(p) - room)
		p = p[:room]
	}
	s.recv = append(s.recv, p...)
	s.wakeLocked()
}

// RecvDrops reports the cumulative receive-queue overrun count.
func (s *ServerStream) RecvDrops() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvDrops
}

// PendingOutbound reports how many bytes are queued to send to the client,
// which is also the most a DrainOutbound call can currently return.
func (s *ServerStream) PendingOutbound() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writePending)
}

// DrainOutbound is called by the subframe engine once per response it is
// assembling; it takes up to max bytes from the pending write buffer. The
// original Write call is completed (with the cumulative count written so
// far) once the whole buffer has drained.
func (s *ServerStream) DrainOutbound(max int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if max <= 0 || len(s.writePending) == 0 {
		return nil
	}
	n := max
	if n > len(s.writePending) {
		n = len(s.writePending)
	}
	out := s.writePending[:n]
	s.writePending = s.writePending[n:]
	if len(s.writePending) == 0 && s.writeDoneCh != nil {
		ch := s.writeDoneCh
		total := s.writeTotal
		s.writeDoneCh = nil
		select {
		case ch <- total:
		default:
		}
	}
	return out
}

// Read blocks until at least one byte is available, ctx is cancelled, or
// len(p) == 0 (which completes immediately per spec §4.E's zero-length
// rule).
func (s *ServerStream) Read(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		s.mu.Lock()
		if len(s.recv) > 0 {
			n := copy(p, s.recv)
			s.recv = s.recv[n:]
			s.mu.Unlock()
			return n, nil
		}
		wait := s.notify
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ErrCancelled
		case <-wait:
		}
	}
}

// Write queues p to be drained by the engine's next outbound subframes for
// this channel, and blocks until it is fully drained or ctx is cancelled.
// Per spec §4.E, a zero-length write completes immediately.
func (s *ServerStream) Write(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	if s.writeDoneCh != nil {
		s.mu.Unlock()
		return 0, ErrCancelled // a write is already outstanding on this channel
	}
	s.writePending = append([]byte(nil), p...)
	s.writeTotal = len(p)
	done := make(chan int, 1)
	s.writeDoneCh = done
	s.wakeLocked()
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		s.mu.Lock()
		s.writeDoneCh = nil
		remaining := len(s.writePending)
		s.writePending = nil
		s.mu.Unlock()
		return len(p) - remaining, ErrCancelled
	case n := <-done:
		return n, nil
	}
}
