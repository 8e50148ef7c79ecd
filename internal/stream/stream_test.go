package stream

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/byteferry/byteferry/internal/chunk"
	"github.com/byteferry/byteferry/internal/transport"
)

func TestClampStreams(t *testing.T) {
	cases := map[int]int{-1: 1, 0: 1, 1: 1, 3: 3, 4: 4, 5: 4, 100: 4}
	for in, want := range cases {
		if got := ClampStreams(in); got != want {
			t.Fatalf("ClampStreams(%d) = %d, want %d", in, got, want)
		}
	}
}

func makeChunks(t *testing.T, n int) []chunk.Chunk {
	t.Helper()
	rng := rand.New(rand.NewSource(5))
	chunks := make([]chunk.Chunk, n)
	for i := range chunks {
		payload := make([]byte, 1024+rng.Intn(4096))
		rng.Read(payload)
		chunks[i] = chunk.Chunk{
			Sequence: uint32(i),
			Offset:   int64(i) * chunk.DefaultChunkSize,
			RawLen:   uint32(len(payload)),
			Payload:  payload,
			Checksum: chunk.Sum(payload),
			Last:     i == n-1,
		}
	}
	return chunks
}

func TestSenderReceiverAllChunksArrive(t *testing.T) {
	left, right := transport.NewMemoryPair()
	defer left.Close()
	defer right.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dialed, err := left.Dial(ctx, "peer")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	accepted, err := right.Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	const streams = 4
	const total = 40
	chunks := makeChunks(t, total)

	recvDone := make(chan map[uint32][]byte, 1)
	go func() {
		rcv, err := NewReceiver(ctx, accepted, streams)
		if err != nil {
			t.Errorf("new receiver: %v", err)
			recvDone <- nil
			return
		}
		got := make(map[uint32][]byte)
		for c := range rcv.Chunks() {
			buf := make([]byte, len(c.Payload))
			copy(buf, c.Payload)
			got[c.Sequence] = buf
		}
		if err := rcv.Err(); err != nil {
			t.Errorf("receiver error: %v", err)
		}
		recvDone <- got
	}()

	snd, err := NewSender(ctx, dialed, streams)
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	if snd.StreamCount() != streams {
		t.Fatalf("stream count %d, want %d", snd.StreamCount(), streams)
	}
	for _, c := range chunks {
		if err := snd.Dispatch(ctx, c); err != nil {
			t.Fatalf("dispatch chunk %d: %v", c.Sequence, err)
		}
	}
	if err := snd.Close(); err != nil {
		t.Fatalf("close sender: %v", err)
	}

	got := <-recvDone
	if got == nil {
		t.Fatal("receiver failed")
	}
	if len(got) != total {
		t.Fatalf("received %d chunks, want %d", len(got), total)
	}
	for _, c := range chunks {
		payload, ok := got[c.Sequence]
		if !ok {
			t.Fatalf("chunk %d missing", c.Sequence)
		}
		if chunk.Sum(payload) != c.Checksum {
			t.Fatalf("chunk %d corrupted in transit", c.Sequence)
		}
	}
}

func TestSenderSingleStream(t *testing.T) {
	left, right := transport.NewMemoryPair()
	defer left.Close()
	defer right.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dialed, _ := left.Dial(ctx, "peer")
	accepted, _ := right.Accept(ctx)

	chunks := makeChunks(t, 5)
	done := make(chan int, 1)
	go func() {
		rcv, err := NewReceiver(ctx, accepted, 1)
		if err != nil {
			t.Errorf("new receiver: %v", err)
			done <- 0
			return
		}
		prev := -1
		count := 0
		for c := range rcv.Chunks() {
			// One stream preserves dispatch order.
			if int(c.Sequence) != prev+1 {
				t.Errorf("sequence %d arrived after %d", c.Sequence, prev)
			}
			prev = int(c.Sequence)
			count++
		}
		done <- count
	}()

	snd, err := NewSender(ctx, dialed, 1)
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	for _, c := range chunks {
		if err := snd.Dispatch(ctx, c); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}
	snd.Close()

	if got := <-done; got != len(chunks) {
		t.Fatalf("received %d chunks, want %d", got, len(chunks))
	}
}

func TestDispatchAfterClose(t *testing.T) {
	left, right := transport.NewMemoryPair()
	defer left.Close()
	defer right.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	dialed, _ := left.Dial(ctx, "peer")
	go right.Accept(ctx)

	snd, err := NewSender(ctx, dialed, 2)
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	snd.Close()

	chunks := makeChunks(t, 1)
	if err := snd.Dispatch(ctx, chunks[0]); err != ErrSenderClosed {
		t.Fatalf("expected ErrSenderClosed, got %v", err)
	}
}
