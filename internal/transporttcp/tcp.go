// Package transporttcp is the universal fallback transport. TCP has no
// native stream multiplexing, so each stream rides its own TCP
// connection; a short preamble carries a connection ID that groups the
// streams of one logical peer connection back together on the accepting
// side.
package transporttcp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/byteferry/byteferry/internal/transport"
)

// preambleMagic opens every stream connection, followed by the 8-byte
// logical connection ID.
const preambleMagic = "BFT1"

// Transport implements transport.Transport over plain TCP.
type Transport struct {
	listener net.Listener
	logger   *slog.Logger

	mu      sync.Mutex
	pending chan *acceptedConn
	conns   map[uint64]*acceptedConn
	closed  bool
}

var _ transport.Transport = (*Transport)(nil)

// Options tunes the TCP transport.
type Options struct {
	// ListenAddr enables accepting. Empty means dial-only.
	ListenAddr string
	Logger     *slog.Logger
}

// New creates a TCP transport. With a listen address it starts a
// background acceptor that demultiplexes stream connections into logical
// peer connections.
func New(opts Options) (*Transport, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		logger:  logger,
		pending: make(chan *acceptedConn, 4),
		conns:   make(map[uint64]*acceptedConn),
	}
	if opts.ListenAddr != "" {
		ln, err := net.Listen("tcp", opts.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("tcp listen %s: %w", opts.ListenAddr, err)
		}
		t.listener = ln
		logger.Info("tcp listener ready", "addr", ln.Addr())
		go t.acceptLoop()
	}
	return t, nil
}

// Protocol implements transport.Transport.
func (t *Transport) Protocol() transport.Protocol { return transport.ProtocolTCP }

// Addr returns the listener address, nil when dial-only.
func (t *Transport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *Transport) acceptLoop() {
	for {
		nc, err := t.listener.Accept()
		if err != nil {
			return
		}
		go t.handleInbound(nc)
	}
}

func (t *Transport) handleInbound(nc net.Conn) {
	id, err := readPreamble(nc)
	if err != nil {
		t.logger.Warn("tcp preamble rejected", "remote", nc.RemoteAddr(), "error", err)
		nc.Close()
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		nc.Close()
		return
	}
	ac, known := t.conns[id]
	if !known {
		ac = &acceptedConn{
			transport: t,
			id:        id,
			remote:    nc.RemoteAddr(),
			streams:   make(chan net.Conn, 16),
		}
		t.conns[id] = ac
	}
	t.mu.Unlock()

	if !known {
		select {
		case t.pending <- ac:
		default:
			// Nobody accepting: drop the logical conn.
			t.mu.Lock()
			delete(t.conns, id)
			t.mu.Unlock()
			nc.Close()
			return
		}
	}
	select {
	case ac.streams <- nc:
	default:
		nc.Close()
	}
}

// Dial implements transport.Transport. The returned Conn carries a fresh
// connection ID; each OpenStream dials addr anew under that ID.
func (t *Transport) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	var idBytes [8]byte
	if _, err := rand.Read(idBytes[:]); err != nil {
		return nil, fmt.Errorf("generate connection id: %w", err)
	}
	c := &dialedConn{
		addr: addr,
		id:   binary.BigEndian.Uint64(idBytes[:]),
	}
	// Probe reachability now so negotiation can fall back early.
	s, err := c.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.spare = append(c.spare, s)
	c.mu.Unlock()
	t.logger.Info("tcp connection established", "remote", addr)
	return c, nil
}

// Accept implements transport.Transport. A logical connection surfaces
// when its first stream arrives.
func (t *Transport) Accept(ctx context.Context) (transport.Conn, error) {
	if t.listener == nil {
		return nil, fmt.Errorf("tcp transport has no listener")
	}
	select {
	case ac := <-t.pending:
		return ac, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*acceptedConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.conns = nil
	t.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

// dialedConn is the dialing side of a logical connection.
type dialedConn struct {
	addr string
	id   uint64

	mu     sync.Mutex
	spare  []transport.Stream
	remote net.Addr
	closed bool
}

var _ transport.Conn = (*dialedConn)(nil)

func (c *dialedConn) OpenStream(ctx context.Context) (transport.Stream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, net.ErrClosed
	}
	if n := len(c.spare); n > 0 {
		s := c.spare[n-1]
		c.spare = c.spare[:n-1]
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("tcp dial %s: %w", c.addr, err)
	}
	if err := writePreamble(nc, c.id); err != nil {
		nc.Close()
		return nil, err
	}
	c.mu.Lock()
	c.remote = nc.RemoteAddr()
	c.mu.Unlock()
	return &tcpStream{nc: nc}, nil
}

// AcceptStream is not available on the dialing side; the accepting peer
// opens no streams in this protocol.
func (c *dialedConn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	return nil, fmt.Errorf("tcp: accept stream on dialing side unsupported")
}

func (c *dialedConn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote != nil {
		return c.remote
	}
	return &net.TCPAddr{}
}

func (c *dialedConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, s := range c.spare {
		s.Close()
	}
	c.spare = nil
	return nil
}

// acceptedConn is the listening side of a logical connection.
type acceptedConn struct {
	transport *Transport
	id        uint64
	remote    net.Addr
	streams   chan net.Conn

	mu     sync.Mutex
	closed bool
}

var _ transport.Conn = (*acceptedConn)(nil)

func (c *acceptedConn) OpenStream(ctx context.Context) (transport.Stream, error) {
	return nil, fmt.Errorf("tcp: open stream on accepting side unsupported")
}

func (c *acceptedConn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	select {
	case nc := <-c.streams:
		if nc == nil {
			return nil, net.ErrClosed
		}
		return &tcpStream{nc: nc}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *acceptedConn) RemoteAddr() net.Addr { return c.remote }

func (c *acceptedConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	for {
		select {
		case nc := <-c.streams:
			if nc != nil {
				nc.Close()
			}
		default:
			t := c.transport
			t.mu.Lock()
			if t.conns != nil {
				delete(t.conns, c.id)
			}
			t.mu.Unlock()
			return nil
		}
	}
}

type tcpStream struct {
	nc net.Conn
}

var _ transport.Stream = (*tcpStream)(nil)

func (s *tcpStream) Read(p []byte) (int, error)  { return s.nc.Read(p) }
func (s *tcpStream) Write(p []byte) (int, error) { return s.nc.Write(p) }
func (s *tcpStream) Close() error                { return s.nc.Close() }

func writePreamble(w io.Writer, id uint64) error {
	buf := make([]byte, len(preambleMagic)+8)
	copy(buf, preambleMagic)
	binary.BigEndian.PutUint64(buf[len(preambleMagic):], id)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write stream preamble: %w", err)
	}
	return nil
}

func readPreamble(r io.Reader) (uint64, error) {
	buf := make([]byte, len(preambleMagic)+8)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, fmt.Errorf("read stream preamble: %w", err)
	}
	if string(buf[:len(preambleMagic)]) != preambleMagic {
		return 0, fmt.Errorf("bad stream preamble magic")
	}
	return binary.BigEndian.Uint64(buf[len(preambleMagic):]), nil
}
