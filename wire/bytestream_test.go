package wire

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"strings"
	"testing"
	"time"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

func TestByteStreamEncode_WriteSingleNoReply(t *testing.T) {
	var out bytes.Buffer
	c := NewByteStreamCarrier(bytes.NewReader(nil), &out)
	f := Frame{SourceID: 0, DestID: 2, RequestReply: false, Payload: []byte{0x10, 0x01, 0x0a}}
	if err := c.Write(context.Background(), f); err != nil {
		t.Fatal(err)
	}
	got := out.Bytes()
	want := mustHex(t, "54 ab 00 02 03 10 01 0a")
	if !bytes.Equal(got[:len(want)], want) {
		t.Fatalf("header mismatch: got %x want %x", got[:len(want)], want)
	}
	if len(got) != len(want)+2 {
		t.Fatalf("expected 2 trailing crc bytes, got %d total bytes", len(got))
	}
}

func TestByteStreamEncode_TunnelWrite(t *testing.T) {
	var out bytes.Buffer
	c := NewByteStreamCarrier(bytes.NewReader(nil), &out)
	f := Frame{SourceID: 0, DestID: 2, RequestReply: false, Payload: []byte{0x40, 0x03, 0x05, 'h', 'e', 'l', 'l', 'o'}}
	if err := c.Write(context.Background(), f); err != nil {
		t.Fatal(err)
	}
	want := mustHex(t, "54 ab 00 02 08 40 03 05 68 65 6c 6c 6f b7 e2")
	if !bytes.Equal(out.Bytes(), want) {
		t.Fatalf("got %x want %x", out.Bytes(), want)
	}
}

func TestByteStreamEncode_TunnelPoll(t *testing.T) {
	var out bytes.Buffer
	c := NewByteStreamCarrier(bytes.NewReader(nil), &out)
	f := Frame{SourceID: 0, DestID: 2, RequestReply: true, Payload: []byte{0x40, 0x03, 0x00}}
	if err := c.Write(context.Background(), f); err != nil {
		t.Fatal(err)
	}
	want := mustHex(t, "54 ab 80 02 03 40 03 00 96 38")
	if !bytes.Equal(out.Bytes(), want) {
		t.Fatalf("got %x want %x", out.Bytes(), want)
	}
}

func TestByteStreamRoundTrip(t *testing.T) {
	r, w := io.Pipe()
	enc := NewByteStreamCarrier(nil, w)
	dec := NewByteStreamCarrier(r, nil, WithSelfID(2))

	want := Frame{SourceID: 5, DestID: 2, RequestReply: true, Payload: []byte("register probe payload")}
	go func() { _ = enc.Write(context.Background(), want) }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := dec.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.SourceID != want.SourceID || got.DestID != want.DestID || got.RequestReply != want.RequestReply {
		t.Fatalf("got %+v want %+v", got, want)
	}
	if !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("payload mismatch: got %q want %q", got.Payload, want.Payload)
	}
}

func TestByteStreamRead_ResyncsOnGarbage(t *testing.T) {
	r, w := io.Pipe()
	dec := NewByteStreamCarrier(r, nil)

	go func() {
		_, _ = w.Write([]byte{0x00, 0x01, 0x02, sentinelByte0}) // garbage then a lone sentinel byte
		enc := NewByteStreamCarrier(nil, w)
		_ = enc.Write(context.Background(), Frame{SourceID: 1, DestID: 2, Payload: []byte("x")})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := dec.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.SourceID != 1 || got.DestID != 2 || string(got.Payload) != "x" {
		t.Fatalf("unexpected frame after resync: %+v", got)
	}
	if dec.Stats.MalformedFrames == 0 {
		t.Fatal("expected malformed-frame stat to be incremented during resync")
	}
}

func TestByteStreamRead_DiscardsBadCRC(t *testing.T) {
	r, w := io.Pipe()
	dec := NewByteStreamCarrier(r, nil)

	go func() {
		bad := mustHex(t, "54 ab 00 02 01 ff 00 00") // bad crc
		_, _ = w.Write(bad)
		enc := NewByteStreamCarrier(nil, w)
		_ = enc.Write(context.Background(), Frame{SourceID: 1, DestID: 2, Payload: []byte("ok")})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := dec.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Payload) != "ok" {
		t.Fatalf("expected to recover valid frame after bad crc, got %+v", got)
	}
	if dec.Stats.ChecksumErrors == 0 {
		t.Fatal("expected checksum-error stat to be incremented")
	}
}

func TestByteStreamRead_TimesOut(t *testing.T) {
	r, _ := io.Pipe()
	dec := NewByteStreamCarrier(r, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := dec.Read(ctx)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}
