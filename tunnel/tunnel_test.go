package tunnel

import (
	"context"
	"testing"
	"time"
)

func TestServerStreamZeroLength(t *testing.T) {
	s := NewServerStream(3)
	n, err := s.Read(context.Background(), nil)
	if n != 0 || err != nil {
		t.Fatalf("zero-length read: got n=%d err=%v", n, err)
	}
	n, err = s.Write(context.Background(), nil)
	if n != 0 || err != nil {
		t.Fatalf("zero-length write: got n=%d err=%v", n, err)
	}
}

func TestServerStreamDeliverAndRead(t *testing.T) {
	s := NewServerStream(1)
	s.DeliverFromWire([]byte("hello"))

	buf := make([]byte, 3)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, err := s.Read(ctx, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 || string(buf) != "hel" {
		t.Fatalf("got n=%d buf=%q", n, buf)
	}
}

func TestServerStreamReadBlocksUntilDeliver(t *testing.T) {
	s := NewServerStream(1)
	done := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		s.DeliverFromWire([]byte("x"))
		close(done)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	buf := make([]byte, 1)
	n, err := s.Read(ctx, buf)
	if err != nil || n != 1 || buf[0] != 'x' {
		t.Fatalf("got n=%d err=%v buf=%v", n, err, buf)
	}
	<-done
}

func TestServerStreamReadCancel(t *testing.T) {
	s := NewServerStream(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Read(ctx, make([]byte, 1))
	if err != ErrCancelled {
		t.Fatalf("got %v, want ErrCancelled", err)
	}
}

func TestServerStreamOverrun(t *testing.T) {
	s := NewServerStream(1)
	big := make([]byte, 1000)
	s.DeliverFromWire(big)
	if s.RecvDrops() == 0 {
		t.Fatal("expected overrun to be counted")
	}
}

func TestServerStreamWriteDrainedByEngine(t *testing.T) {
	s := NewServerStream(2)
	done := make(chan struct{})
	var n int
	var err error
	go func() {
		n, err = s.Write(context.Background(), []byte("abcdef"))
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	part1 := s.DrainOutbound(3)
	if string(part1) != "abc" {
		t.Fatalf("got %q", part1)
	}
	select {
	case <-done:
		t.Fatal("write completed before buffer fully drained")
	default:
	}

	part2 := s.DrainOutbound(10)
	if string(part2) != "def" {
		t.Fatalf("got %q", part2)
	}
	<-done
	if err != nil || n != 6 {
		t.Fatalf("got n=%d err=%v", n, err)
	}
}

func TestServerStreamWriteCancel(t *testing.T) {
	s := NewServerStream(2)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Write(ctx, []byte("never drained"))
	if err != ErrCancelled {
		t.Fatalf("got %v, want ErrCancelled", err)
	}
}
