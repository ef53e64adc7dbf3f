package wire

import "testing"

func TestCANFDIDRoundTrip(t *testing.T) {
	cases := []Frame{
		{SourceID: 1, DestID: 2, RequestReply: false},
		{SourceID: 4, DestID: 5, RequestReply: false},
		{SourceID: 0x7e, DestID: 0x7f, RequestReply: false},
		{SourceID: 3, DestID: 9, RequestReply: true},
	}
	for _, f := range cases {
		id := encodeCANFDID(f)
		gotSrc, gotDst, gotRR := decodeCANFDID(id)
		if gotSrc != f.SourceID || gotDst != f.DestID || gotRR != f.RequestReply {
			t.Fatalf("round trip mismatch for %+v: got src=%d dst=%d rr=%v", f, gotSrc, gotDst, gotRR)
		}
	}
}

func TestCANFDIDLiteral(t *testing.T) {
	// source=1, dest=2 -> 0x102, matching the fdcanusb gateway's
	// "can send 102 61" wire trace.
	id := encodeCANFDID(Frame{SourceID: 1, DestID: 2})
	if id != 0x102 {
		t.Fatalf("got id %#x, want 0x102", id)
	}
}

func TestCANFDRoundUpLen(t *testing.T) {
	cases := map[int]int{0: 0, 1: 8, 8: 8, 9: 12, 16: 16, 17: 20, 64: 64}
	for in, want := range cases {
		got, err := canfdRoundUpLen(in)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("canfdRoundUpLen(%d) = %d, want %d", in, got, want)
		}
	}
	if _, err := canfdRoundUpLen(65); err == nil {
		t.Fatal("expected error for payload exceeding 64 bytes")
	}
}
