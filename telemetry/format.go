// Package telemetry defines the wire format shared by the log writer
// (telemetry/writer) and reader (telemetry/reader): the file header, block
// framing, and the constants every block type is built from (spec §4.F/G).
/*
 * Copyright (c) 2018-2024, Corvid Robotics. All rights reserved.
 */
package telemetry

import (
	"encoding/binary"

	"github.com/corvid-robotics/multiplex/cmn/cos"
)

// Header is the 9-byte file magic, followed by one varuint flag word (0)
// that open() writes exactly once and every reader verifies.
const Header = "TLOG0003\x00"

// IndexTrailerMagic closes the trailing index block (spec §4.F.3).
const IndexTrailerMagic = "TLOGIDEX"

// SeekMarkerSignature is the 8-byte fixed constant opening a seek marker
// block (spec §4.F.4), matching the original firmware's file_writer.cc.
const SeekMarkerSignature uint64 = 0xfdcab9a897867564

// BlockType tags the varuint(type) field that precedes every block.
//
// spec.md enumerates exactly four block types, numbered 1-4; the original
// C++ implementation (mjlib/telemetry/format.h) additionally reserves tag
// 4 for a shared compression-dictionary block (kCompressionDictionary)
// and moves Seek Marker to tag 5. spec.md is not silent here — it assigns
// these four types their tag values explicitly — so this module follows
// spec.md's numbering bit-for-bit rather than the original's. The
// dictionary block has no role in this format (compression here is
// strictly per-block snappy, spec §4.F.2) and is not implemented; see
// DESIGN.md for the recorded decision.
type BlockType uint64

const (
	BlockSchema BlockType = 1
	BlockData   BlockType = 2
	BlockIndex  BlockType = 3
	BlockSeek   BlockType = 4
)

// DataFlags are the optional-field bits of a Data block, in wire order
// (spec §4.F.2: "previous-offset varuint, 8-byte timestamp, 4-byte CRC-32,
// snappy compression").
type DataFlags uint64

const (
	FlagPreviousOffset DataFlags = 1 << 0
	FlagTimestamp      DataFlags = 1 << 1
	FlagChecksum       DataFlags = 1 << 2
	FlagSnappy         DataFlags = 1 << 3
)

// PutPString appends a varuint-length-prefixed UTF-8 string, the encoding
// spec.md calls "pstring" for a schema's name field.
func PutPString(dst []byte, s string) []byte {
	dst = cos.PutUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

// PString decodes a pstring from the front of b.
func PString(b []byte) (s string, n int, err error) {
	l, n, err := cos.Uvarint(b)
	if err != nil {
		return "", 0, err
	}
	if uint64(len(b[n:])) < l {
		return "", 0, ErrTruncated
	}
	return string(b[n : n+int(l)]), n + int(l), nil
}

// PutBlockHeader appends varuint(type) | varuint(size) to dst.
func PutBlockHeader(dst []byte, t BlockType, size int) []byte {
	dst = cos.PutUvarint(dst, uint64(t))
	dst = cos.PutUvarint(dst, uint64(size))
	return dst
}

// BlockCRC computes the CRC-32 of a fully-assembled block (type + size +
// content) with the 4-byte CRC field, located at crcOffset within block,
// treated as zero (spec §4.F: "a mismatched marker is treated as a
// signature false-positive"; the data-block and seek-marker checksums
// share this same "CRC field zeroed" convention).
func BlockCRC(block []byte, crcOffset int) uint32 {
	saved := [4]byte{block[crcOffset], block[crcOffset+1], block[crcOffset+2], block[crcOffset+3]}
	block[crcOffset], block[crcOffset+1], block[crcOffset+2], block[crcOffset+3] = 0, 0, 0, 0
	crc := cos.CRC32IEEE(block)
	block[crcOffset], block[crcOffset+1], block[crcOffset+2], block[crcOffset+3] = saved[0], saved[1], saved[2], saved[3]
	return crc
}

// PutCRC writes crc little-endian into dst[off:off+4].
func PutCRC(dst []byte, off int, crc uint32) {
	binary.LittleEndian.PutUint32(dst[off:off+4], crc)
}

// GetCRC reads a little-endian CRC-32 from b[off:off+4].
func GetCRC(b []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(b[off : off+4])
}
