// Package config holds the compile-time knobs spec.md §6 assigns to the
// server, client, and telemetry writer/reader. It deliberately contains no
// file, ini, or JSON loader — parsing configuration from disk or flags is
// an explicit non-goal collaborator; callers build Config values directly
// or via the With* functional options below.
//
// The Server/Client values are read-mostly: built once at construction and
// never mutated afterwards, following the teacher's cmn/rom.go pattern of
// a package-level struct that is written once and read without locking
// from then on. Unlike cmn/rom.go this is a value type per engine instance
// rather than a process-wide singleton, since one process may host several
// independent server/client instances (e.g. a bridge forwarding between
// two buses).
/*
 * Copyright (c) 2018-2024, Corvid Robotics. All rights reserved.
 */
package config

import "time"

const (
	// DefaultByteCarrierMaxPayload is the byte-stream carrier's default
	// payload ceiling (spec §4.A).
	DefaultByteCarrierMaxPayload = 256

	// DefaultMultiplexFramePayload mirrors the original firmware's
	// kMaxMultiplexFrameSize: a tighter response-budget default distinct
	// from the carrier's own ceiling, so a server can advertise a smaller
	// usable payload than the carrier technically allows.
	DefaultMultiplexFramePayload = 110

	// DefaultRegisterReplyTimeout is the client's default wait for a
	// register-read reply (spec §4.D: "default timeout (15 ms)").
	DefaultRegisterReplyTimeout = 15 * time.Millisecond

	// DefaultTunnelPollPeriod is the client's default tunnel poll period
	// (spec §4.D/§6: "default 10 ms").
	DefaultTunnelPollPeriod = 10 * time.Millisecond

	// DefaultSeekBlockPeriod is the telemetry writer's default seek-marker
	// emission period (spec §4.F/§6: seek_block_period_s = 1.0).
	DefaultSeekBlockPeriod = time.Second

	// MaxTunnelChannels bounds the server's fixed tunnel pool.
	MaxTunnelChannels = 32

	// TunnelRecvQueueSize is the size of each tunnel endpoint's bounded
	// receive queue (spec §3: "the example uses 128 bytes").
	TunnelRecvQueueSize = 128

	// BroadcastID is the reserved dest_id meaning "all slaves".
	BroadcastID = 0x7f

	// MaxDeviceID is the highest legal (non-broadcast) source/dest id.
	MaxDeviceID = 0x7e
)

// Server is the server core's construction-time configuration.
type Server struct {
	ID         int // default_id, in [0, 126]
	BufferSize int // fixed receive/transmit buffer size
	MaxPayload int // advertised max response payload (<= BufferSize)
}

// ServerOption mutates a Server config under construction.
type ServerOption func(*Server)

// DefaultServer returns the zero-value-safe default server configuration.
func DefaultServer(id int) Server {
	return Server{
		ID:         id,
		BufferSize: 2 * DefaultByteCarrierMaxPayload,
		MaxPayload: DefaultMultiplexFramePayload,
	}
}

func WithBufferSize(n int) ServerOption { return func(s *Server) { s.BufferSize = n } }
func WithMaxPayload(n int) ServerOption { return func(s *Server) { s.MaxPayload = n } }

func NewServer(id int, opts ...ServerOption) Server {
	s := DefaultServer(id)
	for _, o := range opts {
		o(&s)
	}
	return s
}

// Client is the client core's construction-time configuration.
type Client struct {
	SourceID      int // default 0
	ReplyTimeout  time.Duration
	MaxPayload    int // transport's max_size, used to chunk tunnel writes
	TunnelOptions Tunnel
}

type Tunnel struct {
	PollPeriod time.Duration
}

type ClientOption func(*Client)

func DefaultClient() Client {
	return Client{
		SourceID:     0,
		ReplyTimeout: DefaultRegisterReplyTimeout,
		MaxPayload:   DefaultByteCarrierMaxPayload,
		TunnelOptions: Tunnel{
			PollPeriod: DefaultTunnelPollPeriod,
		},
	}
}

func WithSourceID(id int) ClientOption             { return func(c *Client) { c.SourceID = id } }
func WithReplyTimeout(d time.Duration) ClientOption { return func(c *Client) { c.ReplyTimeout = d } }
func WithPollPeriod(d time.Duration) ClientOption {
	return func(c *Client) { c.TunnelOptions.PollPeriod = d }
}
func WithClientMaxPayload(n int) ClientOption { return func(c *Client) { c.MaxPayload = n } }

func NewClient(opts ...ClientOption) Client {
	c := DefaultClient()
	for _, o := range opts {
		o(&c)
	}
	return c
}

// Writer is the telemetry log writer's construction-time configuration,
// matching spec §6 exactly.
type Writer struct {
	WritePreviousOffsets bool
	DefaultCompression   bool
	DefaultChecksumData  bool
	IndexBlock           bool
	SeekBlockPeriod      time.Duration
	Blocking             bool
	TimestampsSystem     bool
}

func DefaultWriter() Writer {
	return Writer{
		WritePreviousOffsets: true,
		DefaultCompression:   true,
		DefaultChecksumData:  true,
		IndexBlock:           true,
		SeekBlockPeriod:      DefaultSeekBlockPeriod,
		Blocking:             true,
		TimestampsSystem:     true,
	}
}

// Reader is the telemetry log reader's construction-time configuration.
type Reader struct {
	VerifyChecksums bool
}

func DefaultReader() Reader {
	return Reader{VerifyChecksums: true}
}
