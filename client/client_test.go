package client

import (
	"context"
	"testing"
	"time"

	"github.com/corvid-robotics/multiplex/config"
	"github.com/corvid-robotics/multiplex/register"
	"github.com/corvid-robotics/multiplex/wire"
)

// loopbackCarrier is an in-memory wire.Carrier: writes addressed to a
// deviceHandler are answered synchronously and queued for the next Read.
type loopbackCarrier struct {
	myID    int
	handler func(req wire.Frame) (wire.Frame, bool)
	replies chan wire.Frame
}

func newLoopbackCarrier(myID int, handler func(wire.Frame) (wire.Frame, bool)) *loopbackCarrier {
	return &loopbackCarrier{myID: myID, handler: handler, replies: make(chan wire.Frame, 8)}
}

func (l *loopbackCarrier) Write(ctx context.Context, f wire.Frame) error {
	if reply, ok := l.handler(f); ok {
		l.replies <- reply
	}
	return nil
}

func (l *loopbackCarrier) WriteMultiple(ctx context.Context, frames []wire.Frame) error {
	for _, f := range frames {
		if err := l.Write(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

func (l *loopbackCarrier) Read(ctx context.Context) (wire.Frame, error) {
	select {
	case f := <-l.replies:
		return f, nil
	case <-ctx.Done():
		return wire.Frame{}, wire.ErrTimeout
	}
}

func TestClient_TransmitWriteSingleNoReply(t *testing.T) {
	written := make(chan wire.Frame, 1)
	carrier := newLoopbackCarrier(0, func(f wire.Frame) (wire.Frame, bool) {
		written <- f
		return wire.Frame{}, false
	})
	c := New(config.NewClient(), carrier)

	req := []DeviceRequest{{ID: 1, Ops: []Op{{Kind: OpWriteSingle, Reg: 3, Value: register.Int8Value(9)}}}}
	if err := c.Transmit(context.Background(), req, nil); err != nil {
		t.Fatal(err)
	}

	select {
	case f := <-written:
		want := []byte{0x10, 0x03, 0x09}
		if string(f.Payload) != string(want) {
			t.Fatalf("got % x want % x", f.Payload, want)
		}
	case <-time.After(time.Second):
		t.Fatal("no frame written")
	}
}

func TestClient_TransmitReadSingleCorrelates(t *testing.T) {
	carrier := newLoopbackCarrier(0, func(f wire.Frame) (wire.Frame, bool) {
		// ReadSingle(int8) reg=5 -> ReplySingle(int8) reg=5 value=42
		return wire.Frame{SourceID: f.DestID, DestID: f.SourceID, Payload: []byte{0x20, 0x05, 0x2a}}, true
	})
	c := New(config.NewClient(), carrier)

	var results []ReadResult
	req := []DeviceRequest{{ID: 1, Ops: []Op{{Kind: OpReadSingle, Reg: 5, Type: register.Int8}}}}
	if err := c.Transmit(context.Background(), req, &results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || !results[0].OK || results[0].Value.I8 != 42 {
		t.Fatalf("got %+v", results)
	}
}

func TestClient_TransmitDropsUnmatchedFrames(t *testing.T) {
	var calls int
	carrier := newLoopbackCarrier(0, func(f wire.Frame) (wire.Frame, bool) {
		calls++
		// First reply looks like it's from a different device; client
		// should ignore it and the correct one should still arrive.
		go func() {
			time.Sleep(2 * time.Millisecond)
		}()
		return wire.Frame{}, false
	})
	c := New(config.NewClient(), carrier)
	go func() {
		time.Sleep(time.Millisecond)
		carrier.replies <- wire.Frame{SourceID: 9, DestID: 0, Payload: []byte{0x20, 0x01, 0x01}}
		carrier.replies <- wire.Frame{SourceID: 1, DestID: 0, Payload: []byte{0x20, 0x01, 0x07}}
	}()

	var results []ReadResult
	req := []DeviceRequest{{ID: 1, Ops: []Op{{Kind: OpReadSingle, Reg: 1, Type: register.Int8}}}}
	if err := c.Transmit(context.Background(), req, &results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Value.I8 != 7 {
		t.Fatalf("got %+v", results)
	}
}

func TestClient_TransmitTimeout(t *testing.T) {
	carrier := newLoopbackCarrier(0, func(f wire.Frame) (wire.Frame, bool) { return wire.Frame{}, false })
	cfg := config.NewClient(config.WithReplyTimeout(10 * time.Millisecond))
	c := New(cfg, carrier)

	var results []ReadResult
	req := []DeviceRequest{{ID: 1, Ops: []Op{{Kind: OpReadSingle, Reg: 1, Type: register.Int8}}}}
	err := c.Transmit(context.Background(), req, &results)
	if err != ErrTimeout {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
}

func TestClient_WriteVerifySucceeds(t *testing.T) {
	store := map[int]register.Value{}
	carrier := newLoopbackCarrier(0, func(f wire.Frame) (wire.Frame, bool) {
		idx := 0
		var replyPayload []byte
		for idx < len(f.Payload) {
			tag := f.Payload[idx]
			switch tag {
			case 0x10: // WriteSingle(int8)
				reg := int(f.Payload[idx+1])
				store[reg] = register.Int8Value(int8(f.Payload[idx+2]))
				idx += 3
			case 0x18: // ReadSingle(int8)
				reg := int(f.Payload[idx+1])
				v := store[reg]
				replyPayload = append(replyPayload, 0x20, byte(reg), byte(v.I8))
				idx += 2
			default:
				idx = len(f.Payload)
			}
		}
		return wire.Frame{SourceID: f.DestID, DestID: f.SourceID, Payload: replyPayload}, true
	})
	c := New(config.NewClient(), carrier)

	if err := c.WriteVerify(context.Background(), 1, 4, register.Int8Value(17)); err != nil {
		t.Fatal(err)
	}
}

func TestClient_CancelBeforeStart(t *testing.T) {
	carrier := newLoopbackCarrier(0, func(f wire.Frame) (wire.Frame, bool) { return wire.Frame{}, false })
	c := New(config.NewClient(), carrier)

	nonce := c.newNonce()
	c.Cancel(nonce)
	_, err := c.acquire(context.Background(), nonce)
	if err != ErrCancelled {
		t.Fatalf("got %v, want ErrCancelled", err)
	}
}
