// Package transportwebrtc carries chunk streams over WebRTC data
// channels for peers that cannot accept direct sockets, typically
// browsers. The peer connection itself is established by an external
// signaling step; this package starts where the connected
// PeerConnection ends.
package transportwebrtc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/byteferry/byteferry/internal/transport"
)

// sendMTU bounds a single data channel message. SCTP handles larger
// messages poorly across implementations, so writes are split.
const sendMTU = 16 * 1024

// openTimeout bounds how long channel establishment may take.
const openTimeout = 30 * time.Second

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Conn      = (*dataConn)(nil)
	_ transport.Stream    = (*dataStream)(nil)
)

// Options tunes the WebRTC transport.
type Options struct {
	// Ordered requests in-order delivery on each data channel.
	Ordered bool
	Logger  *slog.Logger
}

// PeerConnectionConfig builds a webrtc.Configuration from ICE server
// URLs.
func PeerConnectionConfig(stunServers, turnServers []string) webrtc.Configuration {
	var servers []webrtc.ICEServer
	if len(stunServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stunServers})
	}
	for _, turn := range turnServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{turn}})
	}
	return webrtc.Configuration{ICEServers: servers}
}

// NewPeerConnection creates a PeerConnection tuned for bulk transfer.
func NewPeerConnection(config webrtc.Configuration) (*webrtc.PeerConnection, error) {
	se := webrtc.SettingEngine{}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	return api.NewPeerConnection(config)
}

// Transport implements transport.Transport over one established
// PeerConnection. Dial and Accept both return the single logical
// connection; which side opens channels is decided by which method is
// used.
type Transport struct {
	pc     *webrtc.PeerConnection
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	conn   *dataConn
	closed bool
}

// New wraps an established PeerConnection.
func New(pc *webrtc.PeerConnection, opts Options) *Transport {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{pc: pc, opts: opts, logger: logger}
}

// Protocol implements transport.Transport.
func (t *Transport) Protocol() transport.Protocol { return transport.ProtocolWebRTC }

// Dial implements transport.Transport. addr is unused: the peer was
// chosen during signaling.
func (t *Transport) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	return t.connection()
}

// Accept implements transport.Transport.
func (t *Transport) Accept(ctx context.Context) (transport.Conn, error) {
	return t.connection()
}

func (t *Transport) connection() (transport.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, net.ErrClosed
	}
	if t.conn == nil {
		t.conn = newDataConn(t.pc, t.opts, t.logger)
	}
	return t.conn, nil
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.conn != nil {
		t.conn.Close()
	}
	return t.pc.Close()
}

type dataConn struct {
	pc     *webrtc.PeerConnection
	opts   Options
	logger *slog.Logger

	nextLabel atomic.Uint64

	mu       sync.Mutex
	closed   bool
	incoming chan *dataStream
}

func newDataConn(pc *webrtc.PeerConnection, opts Options, logger *slog.Logger) *dataConn {
	c := &dataConn{
		pc:       pc,
		opts:     opts,
		logger:   logger,
		incoming: make(chan *dataStream, 16),
	}
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		s := newDataStream(dc)
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			dc.Close()
			return
		}
		select {
		case c.incoming <- s:
		default:
			logger.Warn("dropping data channel, accept queue full", "label", dc.Label())
			dc.Close()
		}
	})
	return c
}

func (c *dataConn) OpenStream(ctx context.Context) (transport.Stream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, net.ErrClosed
	}
	c.mu.Unlock()

	label := fmt.Sprintf("chunks-%d", c.nextLabel.Add(1))
	ordered := c.opts.Ordered
	dc, err := c.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	s := newDataStream(dc)
	if err := s.waitOpen(ctx); err != nil {
		dc.Close()
		return nil, err
	}
	return s, nil
}

func (c *dataConn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	select {
	case s, ok := <-c.incoming:
		if !ok {
			return nil, net.ErrClosed
		}
		if err := s.waitOpen(ctx); err != nil {
			return nil, err
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *dataConn) RemoteAddr() net.Addr {
	return webrtcAddr{}
}

func (c *dataConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.incoming)
	return nil
}

type webrtcAddr struct{}

func (webrtcAddr) Network() string { return "webrtc" }
func (webrtcAddr) String() string  { return "datachannel" }

// dataStream adapts one data channel to transport.Stream. Incoming
// messages are buffered; Read drains the buffer in order.
type dataStream struct {
	dc *webrtc.DataChannel

	openCh   chan struct{}
	openOnce sync.Once

	mu      sync.Mutex
	cond    *sync.Cond
	buf     bytes.Buffer
	readErr error
	closed  bool
}

func newDataStream(dc *webrtc.DataChannel) *dataStream {
	s := &dataStream{dc: dc, openCh: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)

	dc.OnOpen(func() {
		s.openOnce.Do(func() { close(s.openCh) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.mu.Lock()
		s.buf.Write(msg.Data)
		s.mu.Unlock()
		s.cond.Signal()
	})
	dc.OnError(func(err error) {
		s.fail(err)
	})
	dc.OnClose(func() {
		s.fail(io.EOF)
	})
	return s
}

func (s *dataStream) fail(err error) {
	s.mu.Lock()
	if s.readErr == nil {
		s.readErr = err
	}
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *dataStream) waitOpen(ctx context.Context) error {
	select {
	case <-s.openCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(openTimeout):
		return errors.New("timeout waiting for data channel open")
	}
}

func (s *dataStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.buf.Len() == 0 && s.readErr == nil {
		s.cond.Wait()
	}
	if s.buf.Len() > 0 {
		return s.buf.Read(p)
	}
	return 0, s.readErr
}

func (s *dataStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	s.mu.Unlock()

	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > sendMTU {
			n = sendMTU
		}
		if err := s.dc.Send(p[:n]); err != nil {
			return total, fmt.Errorf("data channel send: %w", err)
		}
		total += n
		p = p[n:]
	}
	return total, nil
}

func (s *dataStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.readErr == nil {
		s.readErr = io.EOF
	}
	s.mu.Unlock()
	s.cond.Signal()
	return s.dc.Close()
}
