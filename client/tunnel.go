package client

import (
	"context"
	"errors"
	"time"

	"github.com/corvid-robotics/multiplex/cmn/cos"
	"github.com/corvid-robotics/multiplex/subframe"
	"github.com/corvid-robotics/multiplex/wire"
)

type tunnelKey struct {
	id      int
	channel int
}

// Stream is the client-side half of one (peer id, channel) tunnel (spec
// §4.D/§4.E): Read drives the poll loop, Write chunks the caller's buffer
// across ClientToServer subframes. Shared and reference-counted across
// MakeTunnel callers for the same (id, channel).
type Stream struct {
	client     *Client
	id         int
	channel    int
	pollPeriod time.Duration
	refs       int
}

// TunnelOption mutates a Stream at MakeTunnel time.
type TunnelOption func(*Stream)

// WithTunnelPollPeriod overrides the default poll period (spec §4.D:
// "options carry only the poll period, default 10 ms").
func WithTunnelPollPeriod(d time.Duration) TunnelOption {
	return func(s *Stream) { s.pollPeriod = d }
}

// MakeTunnel returns the shared, reference-counted Stream for (id,
// channel), creating it on first use.
func (c *Client) MakeTunnel(id, channel int, opts ...TunnelOption) *Stream {
	key := tunnelKey{id, channel}
	c.tunnelsMu.Lock()
	defer c.tunnelsMu.Unlock()
	if s, ok := c.tunnels[key]; ok {
		s.refs++
		return s
	}
	s := &Stream{client: c, id: id, channel: channel, pollPeriod: c.cfg.TunnelOptions.PollPeriod}
	for _, o := range opts {
		o(s)
	}
	s.refs = 1
	c.tunnels[key] = s
	return s
}

// Close releases one reference; the Stream is dropped from the client's
// shared table once its reference count reaches zero.
func (s *Stream) Close() {
	c := s.client
	c.tunnelsMu.Lock()
	defer c.tunnelsMu.Unlock()
	s.refs--
	if s.refs <= 0 {
		delete(c.tunnels, tunnelKey{s.id, s.channel})
	}
}

// Read implements spec §4.D's tunnel read algorithm: poll, await a reply
// with the default timeout (retrying after one poll period on timeout),
// and complete once at least one byte has been delivered or ctx is
// cancelled.
func (s *Stream) Read(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	filled := 0
	for {
		if ctx.Err() != nil {
			return filled, ErrCancelled
		}
		want := len(p) - filled
		data, err := s.poll(ctx, want)
		if err == ErrTimeout {
			if filled > 0 {
				return filled, nil
			}
			if !s.sleepPollPeriod(ctx) {
				return filled, ErrCancelled
			}
			continue
		}
		if err != nil {
			if filled > 0 {
				return filled, nil
			}
			return filled, err
		}
		if len(data) == 0 {
			if filled > 0 {
				return filled, nil
			}
			if !s.sleepPollPeriod(ctx) {
				return filled, ErrCancelled
			}
			continue
		}
		n := copy(p[filled:], data)
		filled += n
		if filled >= len(p) {
			return filled, nil
		}
		if n == want {
			// The server may have more queued (an unsolicited flush);
			// poll again immediately without waiting a poll period.
			continue
		}
		return filled, nil
	}
}

func (s *Stream) sleepPollPeriod(ctx context.Context) bool {
	t := time.NewTimer(s.pollPeriod)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// poll issues one ClientPollServer subframe and returns the matching
// ServerToClient subframe's data, if any.
func (s *Stream) poll(ctx context.Context, want int) ([]byte, error) {
	var b []byte
	b = cos.PutUvarint(b, uint64(subframe.TagClientPollServer))
	b = cos.PutUvarint(b, uint64(s.channel))
	b = cos.PutUvarint(b, uint64(want))

	nonce := s.client.newNonce()
	release, err := s.client.acquire(ctx, nonce)
	if err != nil {
		return nil, err
	}
	defer release()

	frame := frameTo(s.client, s.id, true, b)
	payload, err := s.client.transmitAndAwait(ctx, s.id, frame)
	if err != nil {
		return nil, err
	}
	data, perr := parseServerToClient(s.channel, payload)
	if perr != nil {
		// A malformed reply is dropped, not surfaced: the read loop
		// retries it exactly like "no data yet" (spec §4.D).
		return nil, nil
	}
	return data, nil
}

// Write chunks p by the transport's max_size minus a three-varuint
// overhead (tag, channel, length), emitting one ClientToServer subframe
// per chunk (spec §4.D).
func (s *Stream) Write(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	const perSubframeReserve = 4 // tag + channel + length varuints, worst case observed in this protocol
	chunkSize := s.client.cfg.MaxPayload - perSubframeReserve
	if chunkSize <= 0 {
		chunkSize = 1
	}

	written := 0
	for written < len(p) {
		end := written + chunkSize
		if end > len(p) {
			end = len(p)
		}
		chunk := p[written:end]

		var b []byte
		b = cos.PutUvarint(b, uint64(subframe.TagClientToServer))
		b = cos.PutUvarint(b, uint64(s.channel))
		b = cos.PutUvarint(b, uint64(len(chunk)))
		b = append(b, chunk...)

		nonce := s.client.newNonce()
		release, err := s.client.acquire(ctx, nonce)
		if err != nil {
			return written, err
		}
		// Tunnel writes are fire-and-forget: request_reply stays clear,
		// matching stream_asio_client.cc's MakeFrame(..., false) (only the
		// poll path sets it) and spec §8 scenario 3's literal wire bytes.
		frame := frameTo(s.client, s.id, false, b)
		werr := s.client.carrier.Write(ctx, frame)
		release()
		if werr != nil {
			return written, werr
		}
		written = end
	}
	return written, nil
}

func frameTo(c *Client, destID int, requestReply bool, payload []byte) wire.Frame {
	return wire.Frame{SourceID: c.cfg.SourceID, DestID: destID, RequestReply: requestReply, Payload: payload}
}

// parseServerToClient extracts the data of a ServerToClient subframe
// addressed to channel from a reply payload. A payload with no matching
// subframe returns (nil, nil) and a malformed one returns an error; the
// poll loop treats both as "no data yet".
func parseServerToClient(channel int, payload []byte) ([]byte, error) {
	idx := 0
	for idx < len(payload) {
		tagv, n, err := cos.Uvarint(payload[idx:])
		if err != nil {
			return nil, err
		}
		idx += n
		tag := subframe.Tag(tagv)
		if tag != subframe.TagServerToClient {
			return nil, nil
		}
		ch, n, err := cos.Uvarint(payload[idx:])
		if err != nil {
			return nil, err
		}
		idx += n
		nbytes, n, err := cos.Uvarint(payload[idx:])
		if err != nil {
			return nil, err
		}
		idx += n
		if uint64(len(payload[idx:])) < nbytes {
			return nil, errors.New("client: truncated ServerToClient subframe")
		}
		data := payload[idx : idx+int(nbytes)]
		if int(ch) != channel {
			return nil, nil
		}
		return data, nil
	}
	return nil, nil
}
