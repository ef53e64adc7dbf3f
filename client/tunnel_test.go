package client

import (
	"context"
	"testing"

	"github.com/corvid-robotics/multiplex/config"
	"github.com/corvid-robotics/multiplex/wire"
)

// TestStream_WriteRequestReplyClear is spec §8 scenario 3, literal: a
// tunnel write never sets request_reply, unlike the poll path.
func TestStream_WriteRequestReplyClear(t *testing.T) {
	var captured wire.Frame
	carrier := newLoopbackCarrier(0, func(f wire.Frame) (wire.Frame, bool) {
		captured = f
		return wire.Frame{}, false
	})
	c := New(config.DefaultClient(), carrier)
	s := c.MakeTunnel(2, 3)

	n, err := s.Write(context.Background(), []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("got %d bytes written, want 5", n)
	}
	if captured.RequestReply {
		t.Fatal("tunnel write must not set request_reply")
	}
	if captured.DestID != 2 {
		t.Fatalf("got dest %d, want 2", captured.DestID)
	}
	want := []byte{0x40, 0x03, 0x05, 'h', 'e', 'l', 'l', 'o'}
	if string(captured.Payload) != string(want) {
		t.Fatalf("got payload % x, want % x", captured.Payload, want)
	}
}
