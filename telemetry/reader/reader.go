// Package reader implements the telemetry log reader (spec §4.G):
// random-access and streaming playback of logs produced by
// telemetry/writer. Tolerant of truncated tails — a missing trailing
// index falls back to a lazy linear scan rather than an error.
/*
 * Copyright (c) 2018-2024, Corvid Robotics. All rights reserved.
 */
package reader

import (
	"encoding/binary"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/corvid-robotics/multiplex/cmn/cos"
	"github.com/corvid-robotics/multiplex/config"
	"github.com/corvid-robotics/multiplex/telemetry"
)

// Record is one named, typed schema registered in the log.
type Record struct {
	ID           uint64
	Name         string
	RawSchema    []byte
	SchemaOffset int64
	LastOffset   int64 // -1 if no data block has been observed yet
}

// Item is one decoded data block (spec §4.G: "(index, timestamp, data,
// flags, record*)"). Index is the block's absolute byte offset in the
// log — stable across reopens and accepted back by ItemFilter.Start/End.
type Item struct {
	Index     int64
	Timestamp time.Time
	Data      []byte
	Flags     telemetry.DataFlags
	Record    *Record
}

// ItemFilter narrows Items to one record name (empty matches all) and an
// optional [Start, End) byte-offset window (zero End means unbounded).
type ItemFilter struct {
	Name  string
	Start int64
	End   int64
}

type seekMarkerRec struct {
	offset    int64
	timestamp time.Time
	live      map[uint64]int64
}

// Reader is an open telemetry log (spec §4.G).
type Reader struct {
	cfg       config.Reader
	src       io.ReaderAt
	closer    io.Closer
	size      int64
	bodyStart int64

	mu          sync.Mutex
	byID        map[uint64]*Record
	byName      map[string]*Record
	scanned     bool
	seekMarkers []seekMarkerRec
	seekScanned bool
}

// Open opens the log file at path for reading.
func Open(path string, cfg config.Reader) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "telemetry: open %s", path)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "telemetry: stat %s", path)
	}
	r, err := NewReader(f, fi.Size(), cfg)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// NewReader wraps an already-sized source (an os.File, or a bytes.Reader
// in tests — both implement io.ReaderAt) as a Reader.
func NewReader(src io.ReaderAt, size int64, cfg config.Reader) (*Reader, error) {
	hdrLen := min(size, 32)
	hdr := make([]byte, hdrLen)
	if hdrLen > 0 {
		if _, err := src.ReadAt(hdr, 0); err != nil && err != io.EOF {
			return nil, errors.Wrap(err, "telemetry: read header")
		}
	}
	if len(hdr) < len(telemetry.Header) || string(hdr[:len(telemetry.Header)]) != telemetry.Header {
		return nil, telemetry.ErrInvalidHeader
	}
	_, n, err := cos.Uvarint(hdr[len(telemetry.Header):])
	if err != nil {
		return nil, telemetry.ErrInvalidHeader
	}

	r := &Reader{
		cfg:       cfg,
		src:       src,
		size:      size,
		bodyStart: int64(len(telemetry.Header)) + int64(n),
		byID:      make(map[uint64]*Record),
		byName:    make(map[string]*Record),
	}
	r.tryLoadIndex()
	return r, nil
}

// Close releases the underlying file, if Open (not NewReader) was used.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// readBlock reads the complete framed block (header + body) starting at
// offset, returning its type, raw bytes, and the header's length within
// those bytes.
func (r *Reader) readBlock(offset int64) (t telemetry.BlockType, raw []byte, headerLen int64, err error) {
	if offset >= r.size {
		return 0, nil, 0, io.EOF
	}
	peekEnd := min(offset+20, r.size)
	peek := make([]byte, peekEnd-offset)
	if _, err = r.src.ReadAt(peek, offset); err != nil && err != io.EOF {
		return 0, nil, 0, errors.Wrap(err, "telemetry: read block header")
	}
	tv, n1, verr := cos.Uvarint(peek)
	if verr != nil {
		return 0, nil, 0, telemetry.ErrTruncated
	}
	bt := telemetry.BlockType(tv)
	if bt < telemetry.BlockSchema || bt > telemetry.BlockSeek {
		return 0, nil, 0, telemetry.ErrInvalidBlockType
	}
	sz, n2, verr := cos.Uvarint(peek[n1:])
	if verr != nil {
		return 0, nil, 0, telemetry.ErrTruncated
	}
	headerLen = int64(n1 + n2)
	total := headerLen + int64(sz)
	if offset+total > r.size {
		return 0, nil, 0, telemetry.ErrTruncated
	}
	raw = make([]byte, total)
	if total > 0 {
		if _, err = r.src.ReadAt(raw, offset); err != nil {
			return 0, nil, 0, errors.Wrap(err, "telemetry: read block")
		}
	}
	return bt, raw, headerLen, nil
}

func decodeSchemaBody(body []byte) (*Record, error) {
	id, n, err := cos.Uvarint(body)
	if err != nil {
		return nil, telemetry.ErrTruncated
	}
	idx := n
	if _, n, err = cos.Uvarint(body[idx:]); err != nil {
		return nil, telemetry.ErrTruncated
	}
	idx += n
	name, n, err := telemetry.PString(body[idx:])
	if err != nil {
		return nil, telemetry.ErrTruncated
	}
	idx += n
	raw := append([]byte(nil), body[idx:]...)
	return &Record{ID: id, Name: name, RawSchema: raw}, nil
}

type dataBlockInfo struct {
	id                   uint64
	flags                telemetry.DataFlags
	timestamp            time.Time
	hasTimestamp         bool
	checksumOffsetInBody int // -1 if the checksum flag is absent
}

const knownDataFlags = telemetry.FlagPreviousOffset | telemetry.FlagTimestamp | telemetry.FlagChecksum | telemetry.FlagSnappy

func decodeDataBody(body []byte) (info dataBlockInfo, payloadStart int, err error) {
	info.checksumOffsetInBody = -1
	id, n, err := cos.Uvarint(body)
	if err != nil {
		return info, 0, telemetry.ErrTruncated
	}
	idx := n
	flagsv, n, err := cos.Uvarint(body[idx:])
	if err != nil {
		return info, 0, telemetry.ErrTruncated
	}
	idx += n
	flags := telemetry.DataFlags(flagsv)
	if flags & ^knownDataFlags != 0 {
		return info, 0, telemetry.ErrUnknownFlag
	}
	if flags&telemetry.FlagPreviousOffset != 0 {
		if _, n, err = cos.Uvarint(body[idx:]); err != nil {
			return info, 0, telemetry.ErrTruncated
		}
		idx += n
	}
	if flags&telemetry.FlagTimestamp != 0 {
		if len(body[idx:]) < 8 {
			return info, 0, telemetry.ErrTruncated
		}
		ts := int64(binary.LittleEndian.Uint64(body[idx : idx+8]))
		idx += 8
		info.timestamp = time.UnixMicro(ts)
		info.hasTimestamp = true
	}
	if flags&telemetry.FlagChecksum != 0 {
		if len(body[idx:]) < 4 {
			return info, 0, telemetry.ErrTruncated
		}
		info.checksumOffsetInBody = idx
		idx += 4
	}
	info.id = id
	info.flags = flags
	return info, idx, nil
}

func (r *Reader) decodeItem(offset int64, raw []byte, headerLen int64) (*Item, error) {
	body := raw[headerLen:]
	info, payloadStart, err := decodeDataBody(body)
	if err != nil {
		return nil, err
	}
	if info.checksumOffsetInBody >= 0 && r.cfg.VerifyChecksums {
		want := telemetry.GetCRC(body, info.checksumOffsetInBody)
		got := telemetry.BlockCRC(raw, int(headerLen)+info.checksumOffsetInBody)
		if got != want {
			return nil, telemetry.ErrChecksumMismatch
		}
	}
	payload := body[payloadStart:]
	if info.flags&telemetry.FlagSnappy != 0 {
		decoded, derr := snappy.Decode(nil, payload)
		if derr != nil {
			return nil, telemetry.ErrDecompression
		}
		payload = decoded
	} else {
		payload = append([]byte(nil), payload...)
	}

	r.mu.Lock()
	rec := r.byID[info.id]
	r.mu.Unlock()

	item := &Item{Index: offset, Data: payload, Flags: info.flags, Record: rec}
	if info.hasTimestamp {
		item.Timestamp = info.timestamp
	}
	return item, nil
}

// tryLoadIndex looks for the trailing index sentinel and, if found, reads
// schemas directly from it rather than scanning the whole file.
func (r *Reader) tryLoadIndex() {
	trailerLen := int64(len(telemetry.IndexTrailerMagic)) + 4
	if r.size < r.bodyStart+trailerLen {
		return
	}
	tail := make([]byte, trailerLen)
	if _, err := r.src.ReadAt(tail, r.size-trailerLen); err != nil {
		return
	}
	if string(tail[4:]) != telemetry.IndexTrailerMagic {
		return
	}
	trailingSize := binary.LittleEndian.Uint32(tail[:4])
	blockStart := r.size - int64(trailingSize)
	if blockStart < r.bodyStart {
		return
	}
	if err := r.parseIndexBlockAt(blockStart); err != nil {
		r.byID = make(map[uint64]*Record)
		r.byName = make(map[string]*Record)
	}
}

func (r *Reader) parseIndexBlockAt(offset int64) error {
	bt, raw, headerLen, err := r.readBlock(offset)
	if err != nil {
		return err
	}
	if bt != telemetry.BlockIndex {
		return telemetry.ErrInvalidBlockType
	}
	body := raw[headerLen:]
	idx := 0
	if _, n, err := cos.Uvarint(body[idx:]); err != nil {
		return telemetry.ErrTruncated
	} else {
		idx += n
	}
	count, n, err := cos.Uvarint(body[idx:])
	if err != nil {
		return telemetry.ErrTruncated
	}
	idx += n

	type pending struct {
		id                         uint64
		schemaOffset, lastPosition int64
	}
	records := make([]pending, 0, count)
	for i := uint64(0); i < count; i++ {
		id, n, err := cos.Uvarint(body[idx:])
		if err != nil {
			return telemetry.ErrTruncated
		}
		idx += n
		if len(body[idx:]) < 16 {
			return telemetry.ErrTruncated
		}
		schemaPos := int64(binary.LittleEndian.Uint64(body[idx : idx+8]))
		idx += 8
		lastPos := int64(binary.LittleEndian.Uint64(body[idx : idx+8]))
		idx += 8
		if uint64(lastPos) == ^uint64(0) {
			lastPos = -1
		}
		records = append(records, pending{id, schemaPos, lastPos})
	}

	for _, p := range records {
		name, rawSchema, serr := r.readSchemaAt(p.schemaOffset)
		rec := &Record{ID: p.id, SchemaOffset: p.schemaOffset, LastOffset: p.lastPosition}
		if serr == nil {
			rec.Name = name
			rec.RawSchema = rawSchema
		}
		r.byID[p.id] = rec
		if rec.Name != "" {
			r.byName[rec.Name] = rec
		}
	}
	return nil
}

func (r *Reader) readSchemaAt(offset int64) (string, []byte, error) {
	bt, raw, headerLen, err := r.readBlock(offset)
	if err != nil {
		return "", nil, err
	}
	if bt != telemetry.BlockSchema {
		return "", nil, telemetry.ErrInvalidBlockType
	}
	rec, err := decodeSchemaBody(raw[headerLen:])
	if err != nil {
		return "", nil, err
	}
	return rec.Name, rec.RawSchema, nil
}

// ensureScanned performs a full forward scan, needed whenever a name or
// record isn't already known (no trailing index, or a name the index
// didn't cover).
func (r *Reader) ensureScanned() {
	r.mu.Lock()
	if r.scanned {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	offset := r.bodyStart
	for offset < r.size {
		bt, raw, headerLen, err := r.readBlock(offset)
		if err != nil {
			break // tolerant of a truncated tail
		}
		total := int64(len(raw))
		switch bt {
		case telemetry.BlockSchema:
			if rec, perr := decodeSchemaBody(raw[headerLen:]); perr == nil {
				rec.SchemaOffset = offset
				rec.LastOffset = -1
				r.mu.Lock()
				if existing, ok := r.byID[rec.ID]; ok {
					rec.LastOffset = existing.LastOffset
				}
				r.byID[rec.ID] = rec
				r.byName[rec.Name] = rec
				r.mu.Unlock()
			}
		case telemetry.BlockData:
			if id, _, perr := cos.Uvarint(raw[headerLen:]); perr == nil {
				r.mu.Lock()
				if rec, ok := r.byID[id]; ok {
					rec.LastOffset = offset
				}
				r.mu.Unlock()
			}
		}
		offset += total
	}

	r.mu.Lock()
	r.scanned = true
	r.mu.Unlock()
}

// Records returns every schema registered in the log, triggering a full
// forward scan first if no trailing index was found.
func (r *Reader) Records() []*Record {
	r.ensureScanned()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Record, 0, len(r.byID))
	for _, rec := range r.byID {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Record looks up a single schema by name; a name not yet known triggers
// a full forward scan before giving up.
func (r *Reader) Record(name string) *Record {
	r.mu.Lock()
	rec, ok := r.byName[name]
	r.mu.Unlock()
	if ok {
		return rec
	}
	r.ensureScanned()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byName[name]
}

// Items returns a forward iterator over data blocks matching filter.
func (r *Reader) Items(filter ItemFilter) *Items {
	start := filter.Start
	if start < r.bodyStart {
		start = r.bodyStart
	}
	return &Items{r: r, filter: filter, offset: start}
}

// Items is a forward iterator produced by Reader.Items.
type Items struct {
	r      *Reader
	filter ItemFilter
	offset int64
}

// Next advances to the next matching data block, returning io.EOF once
// the filter's window or the log itself is exhausted.
func (it *Items) Next() (*Item, error) {
	r := it.r
	for {
		if it.filter.End > 0 && it.offset >= it.filter.End {
			return nil, io.EOF
		}
		bt, raw, headerLen, err := r.readBlock(it.offset)
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, io.EOF // tolerant of a truncated tail
		}
		total := int64(len(raw))

		switch bt {
		case telemetry.BlockSchema:
			if rec, perr := decodeSchemaBody(raw[headerLen:]); perr == nil {
				rec.SchemaOffset = it.offset
				r.mu.Lock()
				if existing, ok := r.byID[rec.ID]; ok {
					rec.LastOffset = existing.LastOffset
				} else {
					rec.LastOffset = -1
				}
				r.byID[rec.ID] = rec
				r.byName[rec.Name] = rec
				r.mu.Unlock()
			}
			it.offset += total
		case telemetry.BlockData:
			item, derr := r.decodeItem(it.offset, raw, headerLen)
			it.offset += total
			if derr != nil {
				return nil, derr
			}
			if it.filter.Name != "" && (item.Record == nil || item.Record.Name != it.filter.Name) {
				continue
			}
			return item, nil
		default: // Index, Seek marker: skip
			it.offset += total
		}
	}
}

// Seek locates, for every record, the byte offset of its last data item
// whose timestamp is <= target (spec §4.G). Records with no qualifying
// item are absent from the result.
func (r *Reader) Seek(target time.Time) map[string]int64 {
	r.ensureScanned()
	r.ensureSeekIndex()

	r.mu.Lock()
	markers := r.seekMarkers
	r.mu.Unlock()

	startOffset := r.bodyStart
	live := make(map[uint64]int64)
	best := -1
	for i := range markers {
		if !markers[i].timestamp.After(target) {
			best = i
		}
	}
	if best >= 0 {
		for id, off := range markers[best].live {
			live[id] = off
		}
		if _, raw, _, err := r.readBlock(markers[best].offset); err == nil {
			startOffset = markers[best].offset + int64(len(raw))
		}
	}

	offset := startOffset
	for offset < r.size {
		bt, raw, headerLen, err := r.readBlock(offset)
		if err != nil {
			break
		}
		total := int64(len(raw))
		if bt == telemetry.BlockData {
			if info, _, derr := decodeDataBody(raw[headerLen:]); derr == nil && info.hasTimestamp {
				if info.timestamp.After(target) {
					break // timestamps are non-decreasing across the whole log
				}
				live[info.id] = offset
			}
		}
		offset += total
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(live))
	for id, off := range live {
		if rec, ok := r.byID[id]; ok && rec.Name != "" {
			out[rec.Name] = off
		}
	}
	return out
}

// ensureSeekIndex performs a one-time forward scan collecting every seek
// marker (CRC-verified; a mismatch is treated as a signature
// false-positive and dropped, spec §4.G).
func (r *Reader) ensureSeekIndex() {
	r.mu.Lock()
	if r.seekScanned {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	var markers []seekMarkerRec
	offset := r.bodyStart
	for offset < r.size {
		bt, raw, headerLen, err := r.readBlock(offset)
		if err != nil {
			break
		}
		total := int64(len(raw))
		if bt == telemetry.BlockSeek {
			if m, perr := decodeSeekBlock(raw, headerLen, offset); perr == nil {
				markers = append(markers, m)
			}
		}
		offset += total
	}
	sort.Slice(markers, func(i, j int) bool { return markers[i].offset < markers[j].offset })

	r.mu.Lock()
	r.seekMarkers = markers
	r.seekScanned = true
	r.mu.Unlock()
}

func decodeSeekBlock(raw []byte, headerLen int64, offset int64) (seekMarkerRec, error) {
	body := raw[headerLen:]
	if len(body) < 8+4+1 {
		return seekMarkerRec{}, telemetry.ErrTruncated
	}
	sig := binary.LittleEndian.Uint64(body[:8])
	if sig != telemetry.SeekMarkerSignature {
		return seekMarkerRec{}, telemetry.ErrInvalidBlockType
	}
	crcOffset := 8
	idx := 8 + 4 + 1 // signature, crc, header-size hint
	flagsv, n, err := cos.Uvarint(body[idx:])
	if err != nil {
		return seekMarkerRec{}, telemetry.ErrTruncated
	}
	idx += n
	if flagsv != 0 {
		return seekMarkerRec{}, telemetry.ErrUnknownFlag
	}
	if len(body[idx:]) < 8 {
		return seekMarkerRec{}, telemetry.ErrTruncated
	}
	ts := int64(binary.LittleEndian.Uint64(body[idx : idx+8]))
	idx += 8
	count, n, err := cos.Uvarint(body[idx:])
	if err != nil {
		return seekMarkerRec{}, telemetry.ErrTruncated
	}
	idx += n

	live := make(map[uint64]int64, count)
	for i := uint64(0); i < count; i++ {
		id, n, err := cos.Uvarint(body[idx:])
		if err != nil {
			return seekMarkerRec{}, telemetry.ErrTruncated
		}
		idx += n
		delta, n, err := cos.Uvarint(body[idx:])
		if err != nil {
			return seekMarkerRec{}, telemetry.ErrTruncated
		}
		idx += n
		live[id] = offset - int64(delta)
	}

	want := telemetry.GetCRC(body, crcOffset)
	got := telemetry.BlockCRC(raw, int(headerLen)+crcOffset)
	if got != want {
		return seekMarkerRec{}, telemetry.ErrChecksumMismatch
	}

	return seekMarkerRec{offset: offset, timestamp: time.UnixMicro(ts), live: live}, nil
}
