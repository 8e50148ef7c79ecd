package transport

import (
	"context"
	"io"
	"net"
	"sync"
)

// MemoryTransport is an in-process Transport used by tests across the
// session, stream and negotiation packages. A pair shares channels so
// one side's Dial surfaces as the other side's Accept.
type MemoryTransport struct {
	mu       sync.Mutex
	name     string
	inbound  chan *memoryConn
	outbound chan *memoryConn
	conns    map[*memoryConn]struct{}
	closed   bool
}

// NewMemoryPair returns two linked in-process transports.
func NewMemoryPair() (*MemoryTransport, *MemoryTransport) {
	a := make(chan *memoryConn, 4)
	b := make(chan *memoryConn, 4)
	left := &MemoryTransport{name: "left", inbound: a, outbound: b, conns: make(map[*memoryConn]struct{})}
	right := &MemoryTransport{name: "right", inbound: b, outbound: a, conns: make(map[*memoryConn]struct{})}
	return left, right
}

type memoryConn struct {
	mu      sync.Mutex
	owner   *MemoryTransport
	peer    *memoryConn
	streams chan *memoryStream
	opened  []*memoryStream
	closed  bool
}

type memoryStream struct {
	mu     sync.Mutex
	r      *io.PipeReader
	w      *io.PipeWriter
	closed bool
}

type memoryAddr struct{ name string }

func (a memoryAddr) Network() string { return "memory" }
func (a memoryAddr) String() string  { return a.name }

var (
	_ Transport = (*MemoryTransport)(nil)
	_ Conn      = (*memoryConn)(nil)
	_ Stream    = (*memoryStream)(nil)
)

func (t *MemoryTransport) Protocol() Protocol { return Protocol("memory") }

func (t *MemoryTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, net.ErrClosed
	}
	t.mu.Unlock()

	local := &memoryConn{owner: t, streams: make(chan *memoryStream, 16)}
	remote := &memoryConn{streams: make(chan *memoryStream, 16)}
	local.peer = remote
	remote.peer = local

	t.mu.Lock()
	t.conns[local] = struct{}{}
	t.mu.Unlock()

	select {
	case t.outbound <- remote:
		return local, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *MemoryTransport) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn, ok := <-t.inbound:
		if !ok || conn == nil {
			return nil, net.ErrClosed
		}
		conn.owner = t
		t.mu.Lock()
		t.conns[conn] = struct{}{}
		t.mu.Unlock()
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*memoryConn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.conns = nil
	t.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return nil
}

func (c *memoryConn) OpenStream(ctx context.Context) (Stream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, net.ErrClosed
	}
	c.mu.Unlock()

	outR, outW := io.Pipe()
	inR, inW := io.Pipe()
	local := &memoryStream{r: inR, w: outW}
	remote := &memoryStream{r: outR, w: inW}

	select {
	case c.peer.streams <- remote:
		c.mu.Lock()
		c.opened = append(c.opened, local)
		c.mu.Unlock()
		return local, nil
	case <-ctx.Done():
		local.Close()
		remote.Close()
		return nil, ctx.Err()
	}
}

func (c *memoryConn) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case s := <-c.streams:
		if s == nil {
			return nil, net.ErrClosed
		}
		c.mu.Lock()
		c.opened = append(c.opened, s)
		c.mu.Unlock()
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memoryConn) RemoteAddr() net.Addr {
	if c.peer != nil && c.peer.owner != nil {
		return memoryAddr{name: c.peer.owner.name}
	}
	return memoryAddr{name: "memory"}
}

func (c *memoryConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	opened := c.opened
	c.opened = nil
	c.mu.Unlock()

	// A dead connection takes its streams with it, the way a real
	// transport tears down flows: in-flight reads must unblock.
	for _, s := range opened {
		s.Close()
	}

	// Drain and close any streams the peer opened but we never accepted.
	for {
		select {
		case s := <-c.streams:
			if s != nil {
				s.Close()
			}
		default:
			if c.owner != nil {
				c.owner.mu.Lock()
				if c.owner.conns != nil {
					delete(c.owner.conns, c)
				}
				c.owner.mu.Unlock()
			}
			return nil
		}
	}
}

func (s *memoryStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	r := s.r
	s.mu.Unlock()
	return r.Read(p)
}

func (s *memoryStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	w := s.w
	s.mu.Unlock()
	return w.Write(p)
}

func (s *memoryStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.r.Close()
	s.w.Close()
	return nil
}
