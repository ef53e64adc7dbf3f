// Package wire implements the framed binary wire format of spec.md §4.A:
// encode/decode of Frame values over two interchangeable carriers (an
// RS-485-style byte stream and CAN-FD), plus a bench-only ASCII-gateway
// carrier (fdcanusb) supplementing the two spec'd carriers per
// SPEC_FULL.md. All multi-byte integers are little-endian; CRC is
// CRC-16/CCITT-FALSE on the byte carrier.
/*
 * Copyright (c) 2018-2024, Corvid Robotics. All rights reserved.
 */
package wire

import (
	"context"
	"errors"
	"fmt"

	"github.com/corvid-robotics/multiplex/config"
)

// Frame is one unit of wire transfer between master and one slave (spec §3).
type Frame struct {
	SourceID     int
	DestID       int
	RequestReply bool
	Payload      []byte
}

// Validate checks the Frame invariant: RequestReply implies DestID is not
// the broadcast address.
func (f *Frame) Validate() error {
	if f.SourceID < 0 || f.SourceID > config.MaxDeviceID {
		return fmt.Errorf("wire: source id %d out of range", f.SourceID)
	}
	if f.DestID < 0 || (f.DestID > config.MaxDeviceID && f.DestID != config.BroadcastID) {
		return fmt.Errorf("wire: dest id %d out of range", f.DestID)
	}
	if f.RequestReply && f.DestID == config.BroadcastID {
		return errors.New("wire: request_reply frame cannot target broadcast")
	}
	return nil
}

// Reply builds the obligatory response Frame's addressing: source_id
// becomes the original dest_id, dest_id becomes the original source_id.
func (f *Frame) Reply(payload []byte) Frame {
	return Frame{SourceID: f.DestID, DestID: f.SourceID, Payload: payload}
}

// ErrTimeout is returned by Carrier.Read when no valid frame arrives
// before the deadline. Spec: "On timeout it fails with a cancellation
// error."
var ErrTimeout = errors.New("wire: read timeout")

// Carrier is the minimal, closed capability set both wire carriers
// implement (spec §9 "Dynamic dispatch": "an explicit trait/interface with
// exactly three methods"). Implementations are non-blocking on Write and
// block (up to a deadline, via ctx) on Read.
type Carrier interface {
	// Write sends one frame. Non-blocking: on the byte carrier it queues
	// into the underlying io.Writer's buffer; on CAN-FD it sends one
	// datagram per call.
	Write(ctx context.Context, f Frame) error

	// WriteMultiple writes several frames in one call. The byte carrier
	// concatenates them into a single underlying Write; CAN-FD sends them
	// in order and stops at the first error.
	WriteMultiple(ctx context.Context, frames []Frame) error

	// Read returns the next valid frame addressed to this endpoint,
	// blocking until ctx is done or a frame arrives. Malformed headers are
	// skipped and CRC-invalid frames discarded internally, never surfaced
	// as errors; only ctx expiry surfaces as ErrTimeout and I/O failure
	// surfaces as-is.
	Read(ctx context.Context) (Frame, error)
}

// Stats are the framing-layer failure counters spec §4.A/§7 requires:
// "CRC failures, malformed varuints, and oversize payloads are counted in
// statistics ... never surfaced directly."
type Stats struct {
	ChecksumErrors   uint64
	MalformedFrames  uint64
	OversizePayloads uint64
}
