// Package cos provides common low-level types and utilities shared by the
// wire, subframe, tunnel, server, client, and telemetry packages.
/*
 * Copyright (c) 2018-2024, Corvid Robotics. All rights reserved.
 */
package cos

import "hash/crc32"

// CRC16CCITTFalse computes CRC-16/CCITT-FALSE (poly 0x1021, init 0xFFFF,
// no reflection, no xorout) over b. This is the checksum carried at the end
// of every byte-stream frame (spec: "crc16-ccitt(little-endian over all
// prior bytes)").
//
// No ecosystem CRC-16 implementation appears anywhere in the retrieved
// example pack (the pack's checksum dependencies — OneOfOne/xxhash,
// klauspost/reedsolomon — compute unrelated algorithms), and introducing
// an unfamiliar, unaudited one for what is a short bitwise function
// bit-exact to an external wire format is not worth the dependency. This
// is the one place in the repo where the standard library has no direct
// implementation and none of the pack's libraries apply either, so a
// small hand-rolled, table-free bitwise implementation is used instead.
func CRC16CCITTFalse(b []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, c := range b {
		crc ^= uint16(c) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// CRC32IEEE wraps the standard library's CRC-32 (IEEE polynomial), used by
// the telemetry log's data-block and seek-marker checksums. hash/crc32
// implements this exact, ubiquitous polynomial natively and bit-exactly;
// none of the pack's third-party hash libraries (xxhash, a non-CRC
// algorithm) produce a compatible checksum, so there is no ecosystem
// dependency to prefer over the standard library here.
func CRC32IEEE(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}
