// Package server implements the server core of spec §4.C: it ties the
// frame codec, subframe engine, register backend, and tunnel pool into a
// single reactive object with one receive loop.
/*
 * Copyright (c) 2018-2024, Corvid Robotics. All rights reserved.
 */
package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/corvid-robotics/multiplex/cmn/logx"
	"github.com/corvid-robotics/multiplex/config"
	"github.com/corvid-robotics/multiplex/register"
	"github.com/corvid-robotics/multiplex/subframe"
	"github.com/corvid-robotics/multiplex/tunnel"
	"github.com/corvid-robotics/multiplex/wire"
)

// Stats are the server's rolling counters. Server additionally exposes
// these through cmn's expvar-less surface via the Stats() accessor; the
// cmd/multiplexd binary wires them into a prometheus registry.
type Stats struct {
	FramesProcessed  uint64
	WrongAddressee   uint64
	WriteErrors      uint64
	EngineMalformed  uint64
	EngineUnknown    uint64
}

// UnknownHandler receives the raw bytes of a frame addressed to some
// other id (spec §4.C: "read_unknown ... used for pass-through
// bridging"). Broadcast frames are delivered here too, in addition to
// being processed locally.
type UnknownHandler func(f wire.Frame)

// Server is one reactive server-core instance bound to one Carrier.
type Server struct {
	cfg     config.Server
	carrier wire.Carrier
	engine  subframe.Engine

	mu              sync.Mutex
	backend         register.Backend
	tunnels         map[int]*tunnel.ServerStream
	unknown         UnknownHandler
	writeOutstanding bool

	statsMu sync.Mutex
	stats   Stats
}

// New constructs a server core over carrier, initially with a
// NullBackend installed (spec: registers touched before Configure fail
// with ErrNoBackendInstalled).
func New(cfg config.Server, carrier wire.Carrier) *Server {
	return &Server{
		cfg:     cfg,
		carrier: carrier,
		backend: register.NullBackend{},
		tunnels: make(map[int]*tunnel.ServerStream),
	}
}

// Configure installs the register backend this server dispatches to.
func (s *Server) Configure(backend register.Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backend = backend
}

// MakeTunnel allocates a tunnel channel from the fixed pool (spec §4.C:
// "fails if exhausted or if channel_id == 0").
func (s *Server) MakeTunnel(channel int) (*tunnel.ServerStream, error) {
	if channel == 0 {
		return nil, fmt.Errorf("server: channel 0 is reserved")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tunnels[channel]; exists {
		return nil, fmt.Errorf("server: channel %d already allocated", channel)
	}
	if len(s.tunnels) >= config.MaxTunnelChannels {
		return nil, fmt.Errorf("server: tunnel pool exhausted (max %d)", config.MaxTunnelChannels)
	}
	ts := tunnel.NewServerStream(channel)
	s.tunnels[channel] = ts
	return ts, nil
}

// SetUnknownHandler installs the pass-through bridging callback.
func (s *Server) SetUnknownHandler(h UnknownHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unknown = h
}

// RawWriteStream exposes the underlying carrier for out-of-band use
// (spec §4.C). The server forbids overlapping raw writes with its own
// response emission by serializing both through the same carrier.
func (s *Server) RawWriteStream() wire.Carrier { return s.carrier }

// Stats returns a snapshot of the rolling counters.
func (s *Server) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	st := s.stats
	st.EngineMalformed = s.engine.Stats.Malformed
	st.EngineUnknown = s.engine.Stats.Unknown
	return st
}

func (s *Server) lookupTunnel(channel int) *tunnel.ServerStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tunnels[channel]
}

// Start begins the receive loop (spec §4.C). It blocks until ctx is
// cancelled or the carrier reports a fatal I/O error.
func (s *Server) Start(ctx context.Context) error {
	for {
		f, err := s.carrier.Read(ctx)
		if err != nil {
			if err == wire.ErrTimeout && ctx.Err() != nil {
				return ctx.Err()
			}
			if err == wire.ErrTimeout {
				continue
			}
			return err
		}
		s.handleFrame(ctx, f)
	}
}

func (s *Server) handleFrame(ctx context.Context, f wire.Frame) {
	s.statsMu.Lock()
	s.stats.FramesProcessed++
	s.statsMu.Unlock()

	isBroadcast := f.DestID == config.BroadcastID
	if f.DestID != s.cfg.ID && !isBroadcast {
		s.statsMu.Lock()
		s.stats.WrongAddressee++
		s.statsMu.Unlock()
		s.mu.Lock()
		h := s.unknown
		s.mu.Unlock()
		if h != nil {
			h(f)
		}
		return
	}
	// Broadcast frames are delivered to the unknown handler too (spec:
	// "Broadcast frames are also delivered here and continue to be
	// processed locally"), in addition to local processing below.
	if isBroadcast {
		s.mu.Lock()
		h := s.unknown
		s.mu.Unlock()
		if h != nil {
			h(f)
		}
	}

	// Broadcast frames with request_reply set MUST NOT elicit a
	// response, regardless of the bit on the wire (see DESIGN.md Open
	// Question 1).
	wantsReply := f.RequestReply && !isBroadcast

	var resp *subframe.Responder
	if wantsReply {
		s.mu.Lock()
		alreadyOutstanding := s.writeOutstanding
		s.mu.Unlock()
		if alreadyOutstanding {
			// spec §4.C: "A new request arriving while a previous
			// response has not yet been transmitted suppresses the
			// response ... rather than queueing."
			wantsReply = false
		} else {
			resp = subframe.NewResponder(s.responseBudget())
		}
	}

	s.mu.Lock()
	backend := s.backend
	s.mu.Unlock()

	s.engine.Process(backend, s.lookupTunnel, f.Payload, resp)

	if !wantsReply || resp == nil {
		return
	}
	reply := f.Reply(resp.Bytes())

	s.mu.Lock()
	s.writeOutstanding = true
	s.mu.Unlock()

	// The write is fired off the receive loop so the next frame can be
	// read (and, per spec §4.C, suppress its own reply) while this one
	// is still in flight — a synchronous write here would make
	// writeOutstanding's "already outstanding" branch above unreachable,
	// since nothing else runs concurrently with it.
	go s.writeReply(ctx, reply)
}

func (s *Server) writeReply(ctx context.Context, reply wire.Frame) {
	if err := s.carrier.Write(ctx, reply); err != nil {
		logx.Warnf("server: reply write failed: %v", err)
		s.statsMu.Lock()
		s.stats.WriteErrors++
		s.statsMu.Unlock()
	}
	s.mu.Lock()
	s.writeOutstanding = false
	s.mu.Unlock()
}

// responseBudget is the number of bytes available for subframe content
// in a response frame: the configured max payload minus the outer
// frame's worst-case overhead (spec §4.B: "up to 9 bytes").
func (s *Server) responseBudget() int {
	const outerFrameOverhead = 9
	budget := s.cfg.MaxPayload - outerFrameOverhead
	if budget < 0 {
		budget = 0
	}
	return budget
}
