// Package stream fans chunks out over a bounded set of concurrent
// transport streams and fans them back in on the receiving side. Chunk
// verification and ordering live in the chunk package; this one only
// moves frames.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/byteferry/byteferry/internal/bufpool"
	"github.com/byteferry/byteferry/internal/chunk"
	"github.com/byteferry/byteferry/internal/transport"
)

// MaxStreams caps how many concurrent streams one transfer uses.
// Beyond four the per-stream overhead outweighs the pipelining gain on
// the paths this engine targets.
const MaxStreams = 4

// ErrSenderClosed is returned by Dispatch after Close.
var ErrSenderClosed = errors.New("stream sender closed")

// ClampStreams bounds a requested stream count to [1, MaxStreams].
func ClampStreams(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxStreams {
		return MaxStreams
	}
	return n
}

// payloadSlack leaves room for the rare LZ4 block that expands.
const payloadSlack = chunk.DefaultChunkSize / 2

type sendJob struct {
	c    chunk.Chunk
	buf  []byte // pooled backing buffer, returned after the write
	size int64
}

type worker struct {
	stream transport.Stream
	jobs   chan sendJob

	mu          sync.Mutex
	outstanding int64
}

func (w *worker) load() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.outstanding
}

func (w *worker) add(n int64) {
	w.mu.Lock()
	w.outstanding += n
	w.mu.Unlock()
}

// Sender spreads chunks across streams, always handing the next chunk to
// the stream with the fewest outstanding bytes so a slow stream sheds
// load instead of queueing it.
type Sender struct {
	workers []*worker
	pool    *bufpool.Pool
	wg      sync.WaitGroup

	mu     sync.Mutex
	err    error
	closed bool
}

// NewSender opens n streams (clamped to MaxStreams) on conn and starts a
// writer per stream.
func NewSender(ctx context.Context, conn transport.Conn, n int) (*Sender, error) {
	n = ClampStreams(n)
	s := &Sender{pool: bufpool.New(chunk.DefaultChunkSize + payloadSlack)}
	for i := 0; i < n; i++ {
		st, err := conn.OpenStream(ctx)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open stream %d: %w", i, err)
		}
		w := &worker{stream: st, jobs: make(chan sendJob, 8)}
		s.workers = append(s.workers, w)
		s.wg.Add(1)
		go s.run(w)
	}
	return s, nil
}

func (s *Sender) run(w *worker) {
	defer s.wg.Done()
	for job := range w.jobs {
		err := chunk.WriteFrame(w.stream, job.c)
		w.add(-job.size)
		if job.buf != nil {
			s.pool.Put(job.buf)
		}
		if err != nil {
			s.fail(err)
			return
		}
	}
}

func (s *Sender) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Err returns the first stream write error, if any.
func (s *Sender) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// StreamCount returns the number of open streams.
func (s *Sender) StreamCount() int { return len(s.workers) }

// Dispatch queues one chunk on the least-loaded stream. The payload is
// copied into a pooled buffer, so the caller may reuse its own
// immediately. Dispatch blocks when the chosen stream's queue is full,
// which is the backpressure that keeps the bandwidth limiter honest.
func (s *Sender) Dispatch(ctx context.Context, c chunk.Chunk) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSenderClosed
	}
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	best := s.workers[0]
	bestLoad := best.load()
	for _, w := range s.workers[1:] {
		if l := w.load(); l < bestLoad {
			best, bestLoad = w, l
		}
	}

	size := int64(len(c.Payload))
	var buf []byte
	if len(c.Payload) <= s.pool.BufSize() {
		buf = s.pool.Get()
		copy(buf, c.Payload)
		c.Payload = buf[:len(c.Payload)]
	} else {
		owned := make([]byte, len(c.Payload))
		copy(owned, c.Payload)
		c.Payload = owned
	}

	best.add(size)
	select {
	case best.jobs <- sendJob{c: c, buf: buf, size: size}:
		return nil
	case <-ctx.Done():
		best.add(-size)
		if buf != nil {
			s.pool.Put(buf)
		}
		return ctx.Err()
	}
}

// Close flushes queued chunks, waits for the writers and closes the
// streams. Safe to call more than once.
func (s *Sender) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.err
	}
	s.closed = true
	s.mu.Unlock()

	for _, w := range s.workers {
		close(w.jobs)
	}
	s.wg.Wait()
	for _, w := range s.workers {
		w.stream.Close()
	}
	return s.Err()
}

// Receiver fans frames from several streams into one channel.
type Receiver struct {
	out  chan chunk.Chunk
	errs chan error
	wg   sync.WaitGroup
}

// NewReceiver accepts n streams (clamped to MaxStreams) on conn and
// starts a reader per stream. Chunks from all streams arrive interleaved
// on Chunks; each reader stops at EOF.
func NewReceiver(ctx context.Context, conn transport.Conn, n int) (*Receiver, error) {
	n = ClampStreams(n)
	r := &Receiver{
		out:  make(chan chunk.Chunk, n*2),
		errs: make(chan error, n),
	}
	streams := make([]transport.Stream, 0, n)
	for i := 0; i < n; i++ {
		st, err := conn.AcceptStream(ctx)
		if err != nil {
			for _, open := range streams {
				open.Close()
			}
			return nil, fmt.Errorf("accept stream %d: %w", i, err)
		}
		streams = append(streams, st)
	}
	for _, st := range streams {
		r.wg.Add(1)
		go r.run(ctx, st)
	}
	go func() {
		r.wg.Wait()
		close(r.out)
	}()
	return r, nil
}

func (r *Receiver) run(ctx context.Context, st transport.Stream) {
	defer r.wg.Done()
	defer st.Close()
	for {
		c, err := chunk.ReadFrame(st, nil)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				select {
				case r.errs <- err:
				default:
				}
			}
			return
		}
		select {
		case r.out <- c:
		case <-ctx.Done():
			return
		}
	}
}

// Chunks is closed once every stream reached EOF.
func (r *Receiver) Chunks() <-chan chunk.Chunk { return r.out }

// Err returns the first read error observed, nil after clean EOFs.
func (r *Receiver) Err() error {
	select {
	case err := <-r.errs:
		return err
	default:
		return nil
	}
}
