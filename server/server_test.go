package server

import (
	"context"
	"testing"
	"time"

	"github.com/corvid-robotics/multiplex/config"
	"github.com/corvid-robotics/multiplex/register"
	"github.com/corvid-robotics/multiplex/wire"
)

// fakeCarrier is an in-memory wire.Carrier double: inbound frames are fed
// through in, and frames the server writes are pushed onto out.
type fakeCarrier struct {
	in  chan wire.Frame
	out chan wire.Frame
}

func newFakeCarrier() *fakeCarrier {
	return &fakeCarrier{in: make(chan wire.Frame, 8), out: make(chan wire.Frame, 8)}
}

func (c *fakeCarrier) Write(ctx context.Context, f wire.Frame) error {
	c.out <- f
	return nil
}

func (c *fakeCarrier) WriteMultiple(ctx context.Context, frames []wire.Frame) error {
	for _, f := range frames {
		c.out <- f
	}
	return nil
}

func (c *fakeCarrier) Read(ctx context.Context) (wire.Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-ctx.Done():
		return wire.Frame{}, wire.ErrTimeout
	}
}

type memBackend struct{ values map[int]register.Value }

func (b *memBackend) Write(reg int, v register.Value) register.ErrorCode {
	b.values[reg] = v
	return 0
}

func (b *memBackend) Read(reg int, ti register.TypeIndex) (register.Value, bool, register.ErrorCode) {
	v, ok := b.values[reg]
	if !ok {
		return register.Value{}, false, 2
	}
	return v, true, 0
}

func TestServer_WriteThenReadReply(t *testing.T) {
	carrier := newFakeCarrier()
	srv := New(config.NewServer(1), carrier)
	srv.Configure(&memBackend{values: map[int]register.Value{}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Start(ctx) }()

	carrier.in <- wire.Frame{
		SourceID: 0, DestID: 1, RequestReply: true,
		Payload: []byte{0x10, 0x03, 0x09}, // WriteSingle(int8) reg=3 value=9
	}

	select {
	case reply := <-carrier.out:
		if reply.SourceID != 1 || reply.DestID != 0 {
			t.Fatalf("got addressing src=%d dst=%d", reply.SourceID, reply.DestID)
		}
		if len(reply.Payload) != 0 {
			t.Fatalf("expected empty reply payload for a plain write, got % x", reply.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply")
	}
}

func TestServer_ReadSingleReply(t *testing.T) {
	carrier := newFakeCarrier()
	srv := New(config.NewServer(1), carrier)
	srv.Configure(&memBackend{values: map[int]register.Value{5: register.Int8Value(42)}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Start(ctx) }()

	carrier.in <- wire.Frame{
		SourceID: 0, DestID: 1, RequestReply: true,
		Payload: []byte{0x18, 0x05}, // ReadSingle(int8) reg=5
	}

	select {
	case reply := <-carrier.out:
		want := []byte{0x20, 0x05, 0x2a} // ReplySingle(int8) reg=5 value=42
		if string(reply.Payload) != string(want) {
			t.Fatalf("got % x want % x", reply.Payload, want)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply")
	}
}

func TestServer_BroadcastNeverReplies(t *testing.T) {
	carrier := newFakeCarrier()
	srv := New(config.NewServer(1), carrier)
	backend := &memBackend{values: map[int]register.Value{}}
	srv.Configure(backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Start(ctx) }()

	carrier.in <- wire.Frame{
		SourceID: 0, DestID: config.BroadcastID, RequestReply: false,
		Payload: []byte{0x10, 0x07, 0x01}, // WriteSingle(int8) reg=7 value=1
	}

	select {
	case reply := <-carrier.out:
		t.Fatalf("broadcast frame must never produce a reply, got %+v", reply)
	case <-time.After(50 * time.Millisecond):
	}

	time.Sleep(10 * time.Millisecond)
	if v, ok := backend.values[7]; !ok || v.I8 != 1 {
		t.Fatalf("broadcast write should still be applied locally: %+v ok=%v", v, ok)
	}
}

func TestServer_WrongAddresseeGoesToUnknownHandler(t *testing.T) {
	carrier := newFakeCarrier()
	srv := New(config.NewServer(1), carrier)
	srv.Configure(&memBackend{values: map[int]register.Value{}})

	seen := make(chan wire.Frame, 1)
	srv.SetUnknownHandler(func(f wire.Frame) { seen <- f })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Start(ctx) }()

	carrier.in <- wire.Frame{SourceID: 0, DestID: 9, Payload: []byte{0x10, 0x01, 0x01}}

	select {
	case f := <-seen:
		if f.DestID != 9 {
			t.Fatalf("got dest %d", f.DestID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for unknown-handler delivery")
	}

	st := srv.Stats()
	if st.WrongAddressee == 0 {
		t.Fatal("expected WrongAddressee stat to be incremented")
	}
}

// gatedCarrier blocks every Write until release is signalled, so a test
// can observe a reply write still in flight when the next frame arrives.
type gatedCarrier struct {
	in      chan wire.Frame
	out     chan wire.Frame
	release chan struct{}
}

func newGatedCarrier() *gatedCarrier {
	return &gatedCarrier{in: make(chan wire.Frame, 8), out: make(chan wire.Frame, 8), release: make(chan struct{})}
}

func (c *gatedCarrier) Write(ctx context.Context, f wire.Frame) error {
	<-c.release
	c.out <- f
	return nil
}

func (c *gatedCarrier) WriteMultiple(ctx context.Context, frames []wire.Frame) error {
	for _, f := range frames {
		if err := c.Write(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

func (c *gatedCarrier) Read(ctx context.Context) (wire.Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-ctx.Done():
		return wire.Frame{}, wire.ErrTimeout
	}
}

// TestServer_SuppressesReplyWhileWriteOutstanding exercises spec §4.C's
// "a new request arriving while a previous response has not yet been
// transmitted suppresses the response" rule. It requires the reply write
// to be in flight concurrently with the next frame's processing — see
// handleFrame's writeReply goroutine.
func TestServer_SuppressesReplyWhileWriteOutstanding(t *testing.T) {
	carrier := newGatedCarrier()
	srv := New(config.NewServer(1), carrier)
	srv.Configure(&memBackend{values: map[int]register.Value{5: register.Int8Value(1), 6: register.Int8Value(2)}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Start(ctx) }()

	carrier.in <- wire.Frame{
		SourceID: 0, DestID: 1, RequestReply: true,
		Payload: []byte{0x18, 0x05}, // ReadSingle(int8) reg=5
	}
	// Give handleFrame time to mark writeOutstanding and block inside
	// writeReply's carrier.Write, then send a second request before
	// releasing the first write.
	time.Sleep(50 * time.Millisecond)

	carrier.in <- wire.Frame{
		SourceID: 0, DestID: 1, RequestReply: true,
		Payload: []byte{0x18, 0x06}, // ReadSingle(int8) reg=6
	}
	time.Sleep(50 * time.Millisecond)
	close(carrier.release)

	select {
	case reply := <-carrier.out:
		want := []byte{0x20, 0x05, 0x01} // ReplySingle(int8) reg=5 value=1
		if string(reply.Payload) != string(want) {
			t.Fatalf("got % x want % x", reply.Payload, want)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first reply")
	}

	select {
	case reply := <-carrier.out:
		t.Fatalf("second request's reply should have been suppressed, got % x", reply.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServer_MakeTunnelRejectsChannelZero(t *testing.T) {
	srv := New(config.NewServer(1), newFakeCarrier())
	if _, err := srv.MakeTunnel(0); err == nil {
		t.Fatal("expected channel 0 to be rejected")
	}
}

func TestServer_MakeTunnelRejectsDuplicate(t *testing.T) {
	srv := New(config.NewServer(1), newFakeCarrier())
	if _, err := srv.MakeTunnel(3); err != nil {
		t.Fatal(err)
	}
	if _, err := srv.MakeTunnel(3); err == nil {
		t.Fatal("expected duplicate channel allocation to fail")
	}
}
