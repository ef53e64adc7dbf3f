package wire

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestFDCANUSBWrite(t *testing.T) {
	var out bytes.Buffer
	c := NewFDCANUSBCarrier(bytes.NewReader(nil), &out, -1)
	f := Frame{SourceID: 1, DestID: 2, RequestReply: false, Payload: []byte("a")}
	if err := c.Write(context.Background(), f); err != nil {
		t.Fatal(err)
	}
	if got, want := out.String(), "can send 102 61\n"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestFDCANUSBRead(t *testing.T) {
	r := bytes.NewBufferString("rcv 405 20\n")
	c := NewFDCANUSBCarrier(r, nil, -1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f, err := c.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if f.SourceID != 4 || f.DestID != 5 {
		t.Fatalf("got source=%d dest=%d, want 4/5", f.SourceID, f.DestID)
	}
	if string(f.Payload) != " " {
		t.Fatalf("got payload %q, want single space", f.Payload)
	}
}

func TestFDCANUSBRead_SkipsNonRcvLines(t *testing.T) {
	r := bytes.NewBufferString("OK\nrcv 102 61\n")
	c := NewFDCANUSBCarrier(r, nil, -1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f, err := c.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if f.SourceID != 1 || f.DestID != 2 || string(f.Payload) != "a" {
		t.Fatalf("unexpected frame %+v", f)
	}
}
