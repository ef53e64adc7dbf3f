package wire

import (
	"bufio"
	"context"
	"io"
	"sync"

	"github.com/corvid-robotics/multiplex/cmn/cos"
	"github.com/corvid-robotics/multiplex/cmn/logx"
	"github.com/corvid-robotics/multiplex/config"
)

// Byte offsets within the fixed part of a byte-stream frame header, before
// the variable-length payload-length varuint.
const (
	hdrSentinel0 = 0
	hdrSentinel1 = 1
	hdrSourceID  = 2
	hdrDestID    = 3
	hdrFixedSize = 4

	sentinelByte0 = 0x54
	sentinelByte1 = 0xAB

	requestReplyBit = 0x80
	sourceIDMask    = 0x7F

	crcSize = 2
)

// ByteStreamCarrier implements the RS-485-style carrier of spec §4.A over
// any io.Reader/io.Writer pair (a serial device the caller has opened and
// configured, or an in-memory pipe in tests). It does no line setup of its
// own.
type ByteStreamCarrier struct {
	mu         sync.Mutex
	w          io.Writer
	r          *bufio.Reader
	maxPayload int
	selfID     int // this endpoint's id, for address filtering; -1 accepts all

	pending []byte // unconsumed bytes read but not yet parsed into a frame

	Stats Stats

	pumpOnce sync.Once
	frames   chan frameOrErr
}

type frameOrErr struct {
	f   Frame
	err error
}

// ByteStreamOption configures a ByteStreamCarrier at construction.
type ByteStreamOption func(*ByteStreamCarrier)

// WithMaxPayload overrides the default 256-byte payload ceiling.
func WithMaxPayload(n int) ByteStreamOption {
	return func(c *ByteStreamCarrier) { c.maxPayload = n }
}

// WithSelfID restricts Read to frames whose dest_id is id or the broadcast
// address. Without this option, Read returns every frame it decodes
// regardless of addressing (used by a bus sniffer or bridge).
func WithSelfID(id int) ByteStreamOption {
	return func(c *ByteStreamCarrier) { c.selfID = id }
}

// NewByteStreamCarrier wraps rw (commonly an opened serial device or a
// net.Conn) as a Carrier.
func NewByteStreamCarrier(r io.Reader, w io.Writer, opts ...ByteStreamOption) *ByteStreamCarrier {
	c := &ByteStreamCarrier{
		w:          w,
		r:          bufio.NewReaderSize(r, 4*config.DefaultByteCarrierMaxPayload),
		maxPayload: config.DefaultByteCarrierMaxPayload,
		selfID:     -1,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *ByteStreamCarrier) encode(f Frame) []byte {
	buf := make([]byte, hdrFixedSize, hdrFixedSize+binary_maxVaruintLen+len(f.Payload)+crcSize)
	buf[hdrSentinel0] = sentinelByte0
	buf[hdrSentinel1] = sentinelByte1
	sid := byte(f.SourceID & sourceIDMask)
	if f.RequestReply {
		sid |= requestReplyBit
	}
	buf[hdrSourceID] = sid
	buf[hdrDestID] = byte(f.DestID)
	buf = cos.PutUvarint(buf, uint64(len(f.Payload)))
	buf = append(buf, f.Payload...)
	crc := cos.CRC16CCITTFalse(buf)
	buf = append(buf, byte(crc), byte(crc>>8))
	return buf
}

const binary_maxVaruintLen = 10

// Write sends one frame as a single underlying Write call.
func (c *ByteStreamCarrier) Write(_ context.Context, f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.w.Write(c.encode(f))
	return err
}

// WriteMultiple concatenates frames into a single underlying Write, per
// spec §4.A ("the byte carrier concatenates them into one syscall").
func (c *ByteStreamCarrier) WriteMultiple(_ context.Context, frames []Frame) error {
	if len(frames) == 0 {
		return nil
	}
	var buf []byte
	for _, f := range frames {
		buf = append(buf, c.encode(f)...)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.w.Write(buf)
	return err
}

// Read blocks until a valid, addressed-to-us frame is decoded or ctx is
// done. Malformed headers and CRC mismatches are consumed internally and
// counted, never surfaced to the caller (spec §4.A failure semantics).
//
// Decoding runs on a single long-lived background goroutine shared by all
// Read calls, started lazily on first use, so that a cancelled/timed-out
// Read does not abandon an in-flight blocking device read (which would
// otherwise leak one goroutine per timeout).
func (c *ByteStreamCarrier) Read(ctx context.Context) (Frame, error) {
	c.pumpOnce.Do(func() {
		c.frames = make(chan frameOrErr, 1)
		go c.pump()
	})
	select {
	case <-ctx.Done():
		return Frame{}, ErrTimeout
	case res, ok := <-c.frames:
		if !ok {
			<-ctx.Done()
			return Frame{}, ErrTimeout
		}
		return res.f, res.err
	}
}

// pump runs readOne in a loop, publishing each result. A fatal I/O error
// is published once and the pump exits; subsequent Read calls then block
// on ctx until cancelled, since frames is closed.
func (c *ByteStreamCarrier) pump() {
	defer close(c.frames)
	for {
		f, err := c.readOne()
		c.frames <- frameOrErr{f, err}
		if err != nil {
			return
		}
	}
}

// readOne runs the decoder loop of spec §4.A's "Framing state" until one
// valid frame is produced or a fatal I/O error occurs.
func (c *ByteStreamCarrier) readOne() (Frame, error) {
	for {
		if err := c.fill(hdrFixedSize); err != nil {
			return Frame{}, err
		}
		if c.pending[hdrSentinel0] != sentinelByte0 || c.pending[hdrSentinel1] != sentinelByte1 {
			c.advance(1)
			c.Stats.MalformedFrames++
			continue
		}

		sidByte := c.pending[hdrSourceID]
		destID := int(c.pending[hdrDestID])
		requestReply := sidByte&requestReplyBit != 0
		sourceID := int(sidByte & sourceIDMask)

		payloadLen, lenSize, err := c.decodeLenVaruint()
		if err != nil {
			c.advance(2)
			c.Stats.MalformedFrames++
			continue
		}
		if int(payloadLen) > c.maxPayload {
			logx.Warnf("wire: oversize payload_len=%d > max=%d, resyncing", payloadLen, c.maxPayload)
			c.advance(2)
			c.Stats.OversizePayloads++
			continue
		}

		total := hdrFixedSize + lenSize + int(payloadLen) + crcSize
		if err := c.fill(total); err != nil {
			return Frame{}, err
		}

		frameBytes := c.pending[:total]
		body := frameBytes[:total-crcSize]
		wantCRC := cos.CRC16CCITTFalse(body)
		gotCRC := uint16(frameBytes[total-2]) | uint16(frameBytes[total-1])<<8
		if wantCRC != gotCRC {
			c.advance(2)
			c.Stats.ChecksumErrors++
			continue
		}

		payload := make([]byte, payloadLen)
		copy(payload, frameBytes[hdrFixedSize+lenSize:total-crcSize])
		c.advance(total)

		if c.selfID >= 0 && destID != c.selfID && destID != config.BroadcastID {
			continue
		}
		return Frame{SourceID: sourceID, DestID: destID, RequestReply: requestReply, Payload: payload}, nil
	}
}

// fill ensures c.pending holds at least n bytes, reading from the
// underlying reader as needed.
func (c *ByteStreamCarrier) fill(n int) error {
	for len(c.pending) < n {
		chunk := make([]byte, 256)
		m, err := c.r.Read(chunk)
		if m > 0 {
			c.pending = append(c.pending, chunk[:m]...)
		}
		if err != nil {
			if len(c.pending) >= n {
				break
			}
			return err
		}
	}
	return nil
}

// decodeLenVaruint reads the payload-length varuint immediately following
// the fixed header, growing c.pending one byte at a time (rather than
// requiring a full 10 bytes up front, which would block forever on short
// frames whose varuint is one byte).
func (c *ByteStreamCarrier) decodeLenVaruint() (v uint64, n int, err error) {
	for probe := 1; probe <= binary_maxVaruintLen; probe++ {
		if err := c.fill(hdrFixedSize + probe); err != nil {
			return 0, 0, err
		}
		v, n, err = cos.Uvarint(c.pending[hdrFixedSize : hdrFixedSize+probe])
		if err == nil {
			return v, n, nil
		}
		if err != cos.ErrVarintOverflow && probe < binary_maxVaruintLen {
			continue // ran out of buffered bytes, not actually malformed yet
		}
	}
	return 0, 0, cos.ErrVarintOverflow
}

func (c *ByteStreamCarrier) advance(n int) {
	if n > len(c.pending) {
		n = len(c.pending)
	}
	c.pending = append([]byte(nil), c.pending[n:]...)
}

var _ Carrier = (*ByteStreamCarrier)(nil)
