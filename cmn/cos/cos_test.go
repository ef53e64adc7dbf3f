package cos_test

import (
	"bytes"
	"testing"

	"github.com/corvid-robotics/multiplex/cmn/cos"
)

func TestUvarintRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 127, 128, 129, 16383, 16384, 1 << 32, 1<<64 - 1}
	for _, v := range cases {
		buf := cos.PutUvarint(nil, v)
		got, n, err := cos.Uvarint(buf)
		if err != nil {
			t.Fatalf("Uvarint(%d): %v", v, err)
		}
		if got != v || n != len(buf) {
			t.Fatalf("Uvarint(%d) = %d, %d; want %d, %d", v, got, n, v, len(buf))
		}
		if cos.SizeUvarint(v) != len(buf) {
			t.Fatalf("SizeUvarint(%d) = %d, want %d", v, cos.SizeUvarint(v), len(buf))
		}
	}
}

func TestVarintRoundTrip(t *testing.T) {
	cases := []int64{0, -1, 1, -64, 64, 1 << 40, -(1 << 40)}
	for _, v := range cases {
		buf := cos.PutVarint(nil, v)
		got, n, err := cos.Varint(buf)
		if err != nil {
			t.Fatalf("Varint(%d): %v", v, err)
		}
		if got != v || n != len(buf) {
			t.Fatalf("Varint(%d) = %d, %d; want %d, %d", v, got, n, v, len(buf))
		}
	}
}

func TestUvarintTruncated(t *testing.T) {
	buf := cos.PutUvarint(nil, 1<<20)
	if _, _, err := cos.Uvarint(buf[:1]); err == nil {
		t.Fatal("expected error on truncated varuint")
	}
}

func TestCRC16CCITTFalseKnownVector(t *testing.T) {
	// "123456789" is the standard CRC-16/CCITT-FALSE check vector; the
	// expected residue is 0x29B1.
	if got := cos.CRC16CCITTFalse([]byte("123456789")); got != 0x29B1 {
		t.Fatalf("CRC16CCITTFalse = %#04x, want 0x29b1", got)
	}
}

func TestCRC32IEEEKnownVector(t *testing.T) {
	if got := cos.CRC32IEEE([]byte("123456789")); got != 0xCBF43926 {
		t.Fatalf("CRC32IEEE = %#08x, want 0xcbf43926", got)
	}
}

func TestUnsafeConversionsRoundTrip(t *testing.T) {
	s := "hello tunnel"
	if !bytes.Equal(cos.UnsafeB(s), []byte(s)) {
		t.Fatal("UnsafeB mismatch")
	}
	b := []byte("round trip")
	if cos.UnsafeS(b) != "round trip" {
		t.Fatal("UnsafeS mismatch")
	}
}
