package subframe

import (
	"github.com/corvid-robotics/multiplex/cmn/cos"
	"github.com/corvid-robotics/multiplex/register"
	"github.com/corvid-robotics/multiplex/tunnel"
)

// Stats are the subframe-layer failure counters (spec §4.B/§7).
type Stats struct {
	Malformed uint64
	Unknown   uint64
}

// TunnelLookup resolves a channel id to its server-side stream, or nil if
// no tunnel was allocated for that channel.
type TunnelLookup func(channel int) *tunnel.ServerStream

// Responder accumulates a bounded response payload. Callers construct it
// with the number of bytes actually available for subframe content —
// i.e. the frame's configured max payload minus the outer framing
// overhead (spec §4.B: "up to 9 bytes" for sentinel+source+dest+
// varuint(size)+CRC) — and the engine refuses to append anything that
// would overflow it.
type Responder struct {
	buf    []byte
	maxLen int
}

// NewResponder returns a Responder that can hold up to maxLen bytes of
// subframe content. Pass maxLen <= 0 to represent "not responding": every
// append then fails, so the response stays empty.
func NewResponder(maxLen int) *Responder { return &Responder{maxLen: maxLen} }

func (r *Responder) remaining() int { return r.maxLen - len(r.buf) }

func (r *Responder) tryAppend(b []byte) bool {
	if r == nil || len(b) > r.remaining() {
		return false
	}
	r.buf = append(r.buf, b...)
	return true
}

// Bytes returns the assembled response payload so far.
func (r *Responder) Bytes() []byte {
	if r == nil {
		return nil
	}
	return r.buf
}

// Engine walks one frame payload and invokes backend/tunnel side effects,
// optionally filling resp. Pass resp == nil when the frame must not be
// responded to (broadcast, or request_reply unset).
type Engine struct {
	Stats Stats
}

// Process runs the parse loop of spec §4.B to completion or to the first
// malformed/unknown subframe, per spec: "already-consumed subframes are
// not rolled back."
func (e *Engine) Process(backend register.Backend, tunnels TunnelLookup, payload []byte, resp *Responder) {
	if backend == nil {
		backend = register.NullBackend{}
	}
	idx := 0
	for idx < len(payload) {
		tagv, n, err := cos.Uvarint(payload[idx:])
		if err != nil {
			e.Stats.Malformed++
			return
		}
		idx += n
		tag := Tag(tagv)

		if cls, ti, ok := classify(tag); ok {
			consumed, ok := e.processRegister(cls, ti, backend, payload[idx:], resp)
			if !ok {
				e.Stats.Malformed++
				return
			}
			idx += consumed
			continue
		}

		switch tag {
		case TagClientToServer, TagClientPollServer:
			consumed, ok := e.processTunnelIn(tag, tunnels, payload[idx:], resp)
			if !ok {
				e.Stats.Malformed++
				return
			}
			idx += consumed
		case TagWriteError, TagReadError:
			// Servers never receive these from a well-behaved client;
			// treat as unknown-in-context rather than crashing the parse.
			e.Stats.Unknown++
			return
		default:
			e.Stats.Unknown++
			return
		}
	}
}

func (e *Engine) processRegister(cls class, ti register.TypeIndex, backend register.Backend, b []byte, resp *Responder) (consumed int, ok bool) {
	switch cls {
	case classWriteSingle:
		reg, n, err := cos.Uvarint(b)
		if err != nil {
			return 0, false
		}
		consumed = n
		v, m, err := register.DecodeRaw(ti, b[consumed:])
		if err != nil {
			return 0, false
		}
		consumed += m
		if code := backend.Write(int(reg), v); code != 0 {
			emitWriteError(resp, int(reg), code)
		}
		return consumed, true

	case classWriteMultiple:
		start, n, err := cos.Uvarint(b)
		if err != nil {
			return 0, false
		}
		consumed = n
		count, n, err := cos.Uvarint(b[consumed:])
		if err != nil {
			return 0, false
		}
		consumed += n
		reg := int(start)
		for i := uint64(0); i < count; i++ {
			v, m, err := register.DecodeRaw(ti, b[consumed:])
			if err != nil {
				return 0, false
			}
			consumed += m
			if code := backend.Write(reg, v); code != 0 {
				emitWriteError(resp, reg, code)
			}
			reg++
		}
		return consumed, true

	case classReadSingle:
		reg, n, err := cos.Uvarint(b)
		if err != nil {
			return 0, false
		}
		consumed = n
		if resp != nil {
			v, ok, code := backend.Read(int(reg), ti)
			emitRead(resp, int(reg), v, ok, code)
		}
		return consumed, true

	case classReadMultiple:
		start, n, err := cos.Uvarint(b)
		if err != nil {
			return 0, false
		}
		consumed = n
		count, n, err := cos.Uvarint(b[consumed:])
		if err != nil {
			return 0, false
		}
		consumed += n
		if resp == nil {
			return consumed, true
		}
		reg := int(start)
		results := make([]readResult, 0, count)
		allOK := true
		for i := uint64(0); i < count; i++ {
			v, ok, code := backend.Read(reg, ti)
			results = append(results, readResult{reg: reg, v: v, ok: ok, code: code})
			allOK = allOK && ok
			reg++
		}
		emitReadMultiple(resp, ti, results, allOK)
		return consumed, true

	default:
		// ReplySingle/ReplyMultiple arriving at a server is nonsensical;
		// a server never parses its own reply tags in an inbound frame.
		return 0, false
	}
}

func (e *Engine) processTunnelIn(tag Tag, tunnels TunnelLookup, b []byte, resp *Responder) (consumed int, ok bool) {
	channel, n, err := cos.Uvarint(b)
	if err != nil {
		return 0, false
	}
	consumed = n

	var maxBytes uint64
	var data []byte
	if tag == TagClientToServer {
		nbytes, n, err := cos.Uvarint(b[consumed:])
		if err != nil {
			return 0, false
		}
		consumed += n
		if uint64(len(b[consumed:])) < nbytes {
			return 0, false
		}
		data = b[consumed : consumed+int(nbytes)]
		consumed += int(nbytes)
		maxBytes = 0
	} else {
		mb, n, err := cos.Uvarint(b[consumed:])
		if err != nil {
			return 0, false
		}
		consumed += n
		maxBytes = mb
	}

	ts := tunnels(int(channel))
	if ts == nil {
		return consumed, true // unknown channel: ignore, not malformed
	}
	if len(data) > 0 {
		ts.DeliverFromWire(data)
	}

	if resp == nil {
		return consumed, true
	}

	reserve := cos.SizeUvarint(uint64(TagServerToClient)) + cos.SizeUvarint(channel) + maxUvarintHeadroom
	budget := resp.remaining() - reserve
	if tag == TagClientPollServer && int(maxBytes) < budget {
		budget = int(maxBytes)
	}
	if budget <= 0 {
		return consumed, true
	}
	out := ts.DrainOutbound(budget)
	if len(out) == 0 {
		return consumed, true
	}
	var hdr []byte
	hdr = cos.PutUvarint(hdr, uint64(TagServerToClient))
	hdr = cos.PutUvarint(hdr, channel)
	hdr = cos.PutUvarint(hdr, uint64(len(out)))
	if !resp.tryAppend(append(hdr, out...)) {
		// Shouldn't happen given the reserve above, but never corrupt a
		// partially-built response over an accounting slip.
		return consumed, true
	}
	return consumed, true
}

// maxUvarintHeadroom covers the worst-case extra byte a varuint(len) can
// take versus the estimate used to compute the drain budget.
const maxUvarintHeadroom = 2

type readResult struct {
	reg  int
	v    register.Value
	ok   bool
	code register.ErrorCode
}

func emitWriteError(resp *Responder, reg int, code register.ErrorCode) {
	if resp == nil {
		return
	}
	var b []byte
	b = cos.PutUvarint(b, uint64(TagWriteError))
	b = cos.PutUvarint(b, uint64(reg))
	b = cos.PutUvarint(b, uint64(code))
	resp.tryAppend(b)
}

func emitRead(resp *Responder, reg int, v register.Value, ok bool, code register.ErrorCode) {
	var b []byte
	if ok {
		b = cos.PutUvarint(b, uint64(TagReplySingleBase)|uint64(v.Type))
		b = cos.PutUvarint(b, uint64(reg))
		b = register.EncodeRaw(b, v)
	} else {
		b = cos.PutUvarint(b, uint64(TagReadError))
		b = cos.PutUvarint(b, uint64(reg))
		b = cos.PutUvarint(b, uint64(code))
	}
	resp.tryAppend(b)
}

// emitReadMultiple attempts a single coalesced ReplyMultiple when every
// register in results read successfully, falling back to per-register
// ReplySingle/ReadError emission otherwise (spec §4.B: "ReplyMultiple is
// attempted for ReadMultiple but falls back to emitting per-register
// errors inside the block when an error occurs midway").
func emitReadMultiple(resp *Responder, ti register.TypeIndex, results []readResult, allOK bool) {
	if len(results) == 0 {
		return
	}
	if allOK {
		var b []byte
		b = cos.PutUvarint(b, uint64(TagReplyMultipleBase)|uint64(ti))
		b = cos.PutUvarint(b, uint64(results[0].reg))
		b = cos.PutUvarint(b, uint64(len(results)))
		for _, r := range results {
			b = register.EncodeRaw(b, r.v)
		}
		if resp.tryAppend(b) {
			return
		}
	}
	for _, r := range results {
		emitRead(resp, r.reg, r.v, r.ok, r.code)
	}
}
