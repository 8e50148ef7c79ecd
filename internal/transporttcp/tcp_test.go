package transporttcp

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/byteferry/byteferry/internal/logging"
	"github.com/byteferry/byteferry/internal/transport"
)

func newPair(t *testing.T) (*Transport, *Transport) {
	t.Helper()
	server, err := New(Options{ListenAddr: "127.0.0.1:0", Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("new server transport: %v", err)
	}
	t.Cleanup(func() { server.Close() })

	client, err := New(Options{Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("new client transport: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return server, client
}

func TestStreamsShareLogicalConn(t *testing.T) {
	server, client := newPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dialed, err := client.Dial(ctx, server.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	accepted, err := server.Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	const streams = 3
	sent := make([]transport.Stream, streams)
	for i := 0; i < streams; i++ {
		s, err := dialed.OpenStream(ctx)
		if err != nil {
			t.Fatalf("open stream %d: %v", i, err)
		}
		sent[i] = s
	}
	for i := 0; i < streams; i++ {
		in, err := accepted.AcceptStream(ctx)
		if err != nil {
			t.Fatalf("accept stream %d: %v", i, err)
		}
		go func(s transport.Stream) {
			io.Copy(s, s) // echo
		}(in)
	}

	for i, s := range sent {
		msg := []byte{byte('a' + i)}
		if _, err := s.Write(msg); err != nil {
			t.Fatalf("write stream %d: %v", i, err)
		}
		buf := make([]byte, 1)
		if _, err := io.ReadFull(s, buf); err != nil {
			t.Fatalf("read echo %d: %v", i, err)
		}
		if buf[0] != msg[0] {
			t.Fatalf("stream %d echoed %q, want %q", i, buf, msg)
		}
	}
}

func TestSeparateDialsAreSeparateConns(t *testing.T) {
	server, client := newPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Dial(ctx, server.Addr().String()); err != nil {
		t.Fatalf("dial 1: %v", err)
	}
	if _, err := client.Dial(ctx, server.Addr().String()); err != nil {
		t.Fatalf("dial 2: %v", err)
	}

	first, err := server.Accept(ctx)
	if err != nil {
		t.Fatalf("accept 1: %v", err)
	}
	second, err := server.Accept(ctx)
	if err != nil {
		t.Fatalf("accept 2: %v", err)
	}
	if first == second {
		t.Fatal("two dials surfaced as one logical connection")
	}
}

func TestDialUnreachable(t *testing.T) {
	_, client := newPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Port 1 on loopback should refuse.
	if _, err := client.Dial(ctx, "127.0.0.1:1"); err == nil {
		t.Fatal("expected dial error for unreachable address")
	}
}

func TestAcceptHonorsContext(t *testing.T) {
	server, _ := newPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := server.Accept(ctx); err == nil {
		t.Fatal("expected context error")
	}
}
