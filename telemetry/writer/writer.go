// Package writer implements the telemetry log writer (spec §4.F): an
// append-only stream of schema and data blocks, written by a dedicated
// background goroutine so that producers never block on disk I/O unless
// explicitly configured to.
/*
 * Copyright (c) 2018-2024, Corvid Robotics. All rights reserved.
 */
package writer

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/sync/errgroup"

	"github.com/corvid-robotics/multiplex/cmn/cos"
	"github.com/corvid-robotics/multiplex/config"
	"github.com/corvid-robotics/multiplex/telemetry"
)

// queueDepth bounds the background goroutine's pending-buffer queue. A
// non-blocking Writer drops data once it fills rather than stalling
// producers (spec §4.F: "Background writer").
const queueDepth = 64

// WriteFlags overrides write_data's per-call compression/checksum
// decision; a nil field falls back to the writer's configured default.
type WriteFlags struct {
	Compression *bool
	Checksum    *bool
}

func evaluate(override *bool, def bool) bool {
	if override != nil {
		return *override
	}
	return def
}

type schemaRecord struct {
	name           string
	schemaPosition int64
	lastPosition   int64 // -1 until the first data block for this id
}

type writeJob struct {
	buf *bytebufferpool.ByteBuffer // nil for a pure flush barrier
	ack chan struct{}
}

// Writer is the telemetry log writer (spec §4.F). Safe for concurrent use
// by multiple goroutines calling WriteData/WriteSchema; the background
// goroutine serializes the actual I/O.
type Writer struct {
	cfg config.Writer

	mu       sync.Mutex // guards schema bookkeeping and the logical position counter
	names    map[uint64]string
	byName   map[string]uint64
	nextID   uint64
	schema   map[uint64]*schemaRecord
	position int64
	lastSeek time.Time

	pool bytebufferpool.Pool

	jobs chan writeJob
	g    *errgroup.Group

	out    io.Writer
	closer io.Closer

	closed    int32
	closeOnce sync.Once
	closeErr  error

	dropped uint64
}

var errClosed = errors.New("telemetry: writer is closed")

// Open creates (truncating) the log file at path and returns an open
// Writer over it.
func Open(path string, cfg config.Writer) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "telemetry: open %s", path)
	}
	w := New(f, cfg)
	w.closer = f
	return w, nil
}

// New wraps an already-open sink (a file, a pipe, an in-memory buffer in
// tests) as a Writer. The caller owns closing out; Close will not attempt
// it unless out also satisfies io.Closer (as Open's os.File does).
func New(out io.Writer, cfg config.Writer) *Writer {
	w := &Writer{
		cfg:    cfg,
		out:    out,
		names:  make(map[uint64]string),
		byName: make(map[string]uint64),
		schema: make(map[uint64]*schemaRecord),
		nextID: 1,
		jobs:   make(chan writeJob, queueDepth),
	}
	if c, ok := out.(io.Closer); ok {
		w.closer = c
	}
	w.g, _ = errgroup.WithContext(context.Background())
	w.g.Go(w.run)
	w.writeHeader()
	return w
}

func (w *Writer) run() error {
	for j := range w.jobs {
		if j.buf != nil {
			_, err := w.out.Write(j.buf.B)
			w.pool.Put(j.buf)
			if err != nil {
				if j.ack != nil {
					close(j.ack)
				}
				return errors.Wrap(err, "telemetry: write")
			}
		}
		if j.ack != nil {
			close(j.ack)
		}
	}
	return nil
}

func (w *Writer) enqueue(buf *bytebufferpool.ByteBuffer) {
	if atomic.LoadInt32(&w.closed) != 0 {
		w.pool.Put(buf)
		return
	}
	j := writeJob{buf: buf}
	if w.cfg.Blocking {
		w.jobs <- j
		return
	}
	select {
	case w.jobs <- j:
	default:
		atomic.AddUint64(&w.dropped, 1)
		w.pool.Put(buf)
	}
}

func (w *Writer) writeHeader() {
	buf := w.pool.Get()
	buf.Reset()
	buf.B = append(buf.B, telemetry.Header...)
	buf.B = cos.PutUvarint(buf.B, 0)

	w.mu.Lock()
	w.position += int64(len(buf.B))
	w.mu.Unlock()

	w.enqueue(buf)
}

// Dropped returns the number of buffers discarded because a non-blocking
// Writer's queue was full (spec §4.F: "overflow results in data loss that
// the caller must detect out of band").
func (w *Writer) Dropped() uint64 { return atomic.LoadUint64(&w.dropped) }

// AllocateID assigns a fresh, stable identifier to name, or returns the
// one already bound to it.
func (w *Writer) AllocateID(name string) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if id, ok := w.byName[name]; ok {
		return id, nil
	}
	id := w.nextID
	w.nextID++
	w.byName[name] = id
	w.names[id] = name
	return id, nil
}

// ReserveID binds name to an explicit identifier. A name may not be bound
// to two distinct identifiers, nor an identifier to two distinct names.
func (w *Writer) ReserveID(name string, id uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if existing, ok := w.byName[name]; ok && existing != id {
		return telemetry.ErrDuplicateIdentifier
	}
	if other, ok := w.names[id]; ok && other != name {
		return telemetry.ErrDuplicateIdentifier
	}
	w.byName[name] = id
	w.names[id] = name
	if id >= w.nextID {
		w.nextID = id + 1
	}
	return nil
}

// WriteSchema appends a schema block for id, previously bound to a name
// via AllocateID or ReserveID. Schemas MUST precede any WriteData call
// referring to the same id (spec §4.F.1).
func (w *Writer) WriteSchema(id uint64, rawSchema []byte) error {
	w.mu.Lock()
	name, ok := w.names[id]
	if !ok {
		w.mu.Unlock()
		return telemetry.ErrUnknownIdentifier
	}
	w.schema[id] = &schemaRecord{name: name, schemaPosition: w.position, lastPosition: -1}

	var content []byte
	content = cos.PutUvarint(content, id)
	content = cos.PutUvarint(content, 0) // flags, reserved
	content = telemetry.PutPString(content, name)
	content = append(content, rawSchema...)

	buf := w.pool.Get()
	buf.Reset()
	buf.B = telemetry.PutBlockHeader(buf.B, telemetry.BlockSchema, len(content))
	buf.B = append(buf.B, content...)
	w.position += int64(len(buf.B))
	w.mu.Unlock()

	w.enqueue(buf)
	return nil
}

// WriteData appends a data block for id. A zero timestamp means "use
// system time" if the writer is configured for system timestamps,
// otherwise the block carries no timestamp at all. Compression and
// checksum default per the writer's configuration but can be overridden
// per call via flags (spec §4.F.2).
func (w *Writer) WriteData(id uint64, timestamp time.Time, payload []byte, flags WriteFlags) error {
	w.mu.Lock()
	rec, ok := w.schema[id]
	if !ok {
		w.mu.Unlock()
		return telemetry.ErrUnknownIdentifier
	}

	var dataFlags telemetry.DataFlags
	var previousOffset uint64
	if w.cfg.WritePreviousOffsets {
		dataFlags |= telemetry.FlagPreviousOffset
		if rec.lastPosition >= 0 {
			previousOffset = uint64(w.position - rec.lastPosition)
		}
	}

	var tsMicros int64
	includeTimestamp := !timestamp.IsZero() || w.cfg.TimestampsSystem
	if includeTimestamp {
		dataFlags |= telemetry.FlagTimestamp
		if !timestamp.IsZero() {
			tsMicros = timestamp.UnixMicro()
		} else {
			tsMicros = time.Now().UnixMicro()
		}
	}

	writeChecksum := evaluate(flags.Checksum, w.cfg.DefaultChecksumData)
	if writeChecksum {
		dataFlags |= telemetry.FlagChecksum
	}

	body := payload
	if evaluate(flags.Compression, w.cfg.DefaultCompression) {
		dataFlags |= telemetry.FlagSnappy
		body = snappy.Encode(nil, payload)
	}

	var content []byte
	content = cos.PutUvarint(content, id)
	content = cos.PutUvarint(content, uint64(dataFlags))
	if dataFlags&telemetry.FlagPreviousOffset != 0 {
		content = cos.PutUvarint(content, previousOffset)
	}
	if dataFlags&telemetry.FlagTimestamp != 0 {
		var tsb [8]byte
		binary.LittleEndian.PutUint64(tsb[:], uint64(tsMicros))
		content = append(content, tsb[:]...)
	}
	crcOffset := -1
	if dataFlags&telemetry.FlagChecksum != 0 {
		crcOffset = len(content)
		content = append(content, 0, 0, 0, 0)
	}
	content = append(content, body...)

	buf := w.pool.Get()
	buf.Reset()
	buf.B = telemetry.PutBlockHeader(buf.B, telemetry.BlockData, len(content))
	headerLen := len(buf.B)
	buf.B = append(buf.B, content...)

	if crcOffset >= 0 {
		crc := telemetry.BlockCRC(buf.B, headerLen+crcOffset)
		telemetry.PutCRC(buf.B, headerLen+crcOffset, crc)
	}

	dataPos := w.position
	w.position += int64(len(buf.B))
	rec.lastPosition = dataPos

	// Seek-marker cadence is driven by the caller's logical timestamp, not
	// wall time: the first call only seeds the clock, and a zero-valued
	// timestamp never triggers a marker even if later calls supply one
	// (mirrors file_writer.cc's last_seek_block_ bookkeeping).
	emitSeek := false
	if w.cfg.SeekBlockPeriod != 0 {
		if w.lastSeek.IsZero() {
			w.lastSeek = timestamp
		} else if !timestamp.IsZero() && timestamp.Sub(w.lastSeek) >= w.cfg.SeekBlockPeriod {
			emitSeek = true
			w.lastSeek = timestamp
		}
	}
	w.mu.Unlock()

	w.enqueue(buf)

	if emitSeek {
		w.writeSeekBlock(timestamp.UnixMicro())
	}
	return nil
}

// writeSeekBlock appends a seek marker (spec §4.F.4): the fixed 8-byte
// signature, a CRC-32 over the whole block, a 1-byte header-size hint (so
// a backward signature scan can locate the block's start), a reserved
// flags varuint, a timestamp, and the (id, offset-to-last-data) pairs of
// every id with at least one data block so far.
func (w *Writer) writeSeekBlock(tsMicros int64) {
	w.mu.Lock()

	var content []byte
	var sigb [8]byte
	binary.LittleEndian.PutUint64(sigb[:], telemetry.SeekMarkerSignature)
	content = append(content, sigb[:]...)
	crcOffset := len(content)
	content = append(content, 0, 0, 0, 0)
	hdrSizeOffset := len(content)
	content = append(content, 0)
	content = cos.PutUvarint(content, 0) // flags, reserved
	var tsb [8]byte
	binary.LittleEndian.PutUint64(tsb[:], uint64(tsMicros))
	content = append(content, tsb[:]...)

	ids := make([]uint64, 0, len(w.schema))
	for id, rec := range w.schema {
		if rec.lastPosition >= 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	content = cos.PutUvarint(content, uint64(len(ids)))
	for _, id := range ids {
		rec := w.schema[id]
		content = cos.PutUvarint(content, id)
		content = cos.PutUvarint(content, uint64(w.position-rec.lastPosition))
	}

	header := telemetry.PutBlockHeader(nil, telemetry.BlockSeek, len(content))
	content[hdrSizeOffset] = byte(len(header))

	buf := w.pool.Get()
	buf.Reset()
	buf.B = append(buf.B, header...)
	buf.B = append(buf.B, content...)

	crc := telemetry.BlockCRC(buf.B, len(header)+crcOffset)
	telemetry.PutCRC(buf.B, len(header)+crcOffset, crc)

	w.position += int64(len(buf.B))
	w.mu.Unlock()

	w.enqueue(buf)
}

// writeIndex appends the trailing index block (spec §4.F.3): for each
// known id, its schema offset and last-data offset, followed by a 4-byte
// total-size-of-this-block field and the "TLOGIDEX" sentinel — both
// needed by the reader to locate and size the block from EOF backward.
func (w *Writer) writeIndex() {
	w.mu.Lock()
	defer w.mu.Unlock()

	var body []byte
	body = cos.PutUvarint(body, 0) // flags, reserved

	ids := make([]uint64, 0, len(w.schema))
	for id := range w.schema {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	body = cos.PutUvarint(body, uint64(len(ids)))
	for _, id := range ids {
		rec := w.schema[id]
		body = cos.PutUvarint(body, id)
		var b8 [8]byte
		binary.LittleEndian.PutUint64(b8[:], uint64(rec.schemaPosition))
		body = append(body, b8[:]...)
		binary.LittleEndian.PutUint64(b8[:], uint64(rec.lastPosition))
		body = append(body, b8[:]...)
	}

	preLen := len(body)
	finalSize := uint64(preLen) + 4 + 8
	// "1" below is the block-type varuint's size: kIndex's tag value is
	// always one byte.
	trailingSize := uint32(preLen) + 1 + uint32(cos.SizeUvarint(finalSize)) + 4 + 8

	var trailb [4]byte
	binary.LittleEndian.PutUint32(trailb[:], trailingSize)
	body = append(body, trailb[:]...)
	body = append(body, telemetry.IndexTrailerMagic...)

	buf := w.pool.Get()
	buf.Reset()
	buf.B = telemetry.PutBlockHeader(buf.B, telemetry.BlockIndex, len(body))
	buf.B = append(buf.B, body...)

	w.position += int64(len(buf.B))
	w.enqueue(buf)
}

// Flush blocks until every buffer enqueued so far has reached the
// underlying sink.
func (w *Writer) Flush() error {
	if atomic.LoadInt32(&w.closed) != 0 {
		return errClosed
	}
	ack := make(chan struct{})
	w.jobs <- writeJob{ack: ack}
	<-ack
	return nil
}

// Close flushes, optionally emits the trailing index (spec §4.F:
// "close() additionally emits the trailing index when configured"), and
// closes the underlying sink if it implements io.Closer (as the file
// opened by Open does).
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		if w.cfg.IndexBlock {
			w.writeIndex()
		}
		atomic.StoreInt32(&w.closed, 1)
		close(w.jobs)
		w.closeErr = w.g.Wait()
		if w.closer != nil {
			if cerr := w.closer.Close(); cerr != nil && w.closeErr == nil {
				w.closeErr = cerr
			}
		}
	})
	return w.closeErr
}
