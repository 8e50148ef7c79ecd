// Package transportquic adapts quic-go to the transport interfaces. QUIC
// is the preferred protocol: a single connection multiplexes every chunk
// stream of a transfer without head-of-line blocking between them.
package transportquic

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/byteferry/byteferry/internal/transport"
)

// alpnProtocol identifies the chunk protocol during the TLS handshake.
const alpnProtocol = "byteferry-quic-v1"

// Transport implements transport.Transport over QUIC.
type Transport struct {
	listener *quic.Listener
	logger   *slog.Logger
}

var _ transport.Transport = (*Transport)(nil)

// Options tunes the QUIC transport.
type Options struct {
	// ListenAddr is the UDP address to accept on. Empty disables the
	// listener; the transport can still dial out.
	ListenAddr string
	Logger     *slog.Logger
}

// New creates a QUIC transport, listening when opts.ListenAddr is set.
func New(opts Options) (*Transport, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{logger: logger}
	if opts.ListenAddr != "" {
		ln, err := quic.ListenAddr(opts.ListenAddr, serverTLS(), quicConfig())
		if err != nil {
			return nil, fmt.Errorf("quic listen %s: %w", opts.ListenAddr, err)
		}
		t.listener = ln
		logger.Info("quic listener ready", "addr", ln.Addr())
	}
	return t, nil
}

// Protocol implements transport.Transport.
func (t *Transport) Protocol() transport.Protocol { return transport.ProtocolQUIC }

// Addr returns the listener address, nil when not listening.
func (t *Transport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Dial implements transport.Transport.
func (t *Transport) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	qc, err := quic.DialAddr(ctx, addr, clientTLS(), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}
	t.logger.Info("quic connection established", "remote", qc.RemoteAddr())
	return &conn{qc: qc}, nil
}

// Accept implements transport.Transport.
func (t *Transport) Accept(ctx context.Context) (transport.Conn, error) {
	if t.listener == nil {
		return nil, fmt.Errorf("quic transport has no listener")
	}
	qc, err := t.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	t.logger.Info("quic connection accepted", "remote", qc.RemoteAddr())
	return &conn{qc: qc}, nil
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	if t.listener == nil {
		return nil
	}
	return t.listener.Close()
}

type conn struct {
	qc *quic.Conn
}

var _ transport.Conn = (*conn)(nil)

func (c *conn) OpenStream(ctx context.Context) (transport.Stream, error) {
	return c.qc.OpenStreamSync(ctx)
}

func (c *conn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	return c.qc.AcceptStream(ctx)
}

func (c *conn) RemoteAddr() net.Addr { return c.qc.RemoteAddr() }

func (c *conn) Close() error {
	return c.qc.CloseWithError(0, "done")
}

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 30 * time.Second,
		MaxIncomingStreams:             16,
		InitialConnectionReceiveWindow: 16 * 1024 * 1024,
		MaxConnectionReceiveWindow:     64 * 1024 * 1024,
		InitialStreamReceiveWindow:     4 * 1024 * 1024,
		MaxStreamReceiveWindow:         16 * 1024 * 1024,
	}
}

func serverTLS() *tls.Config {
	cert, err := selfSignedCert()
	if err != nil {
		panic("generate self-signed certificate: " + err.Error())
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProtocol},
	}
}

func clientTLS() *tls.Config {
	// Peer identity is established at the capability-exchange layer, not
	// by the certificate. TODO: pin the peer certificate from the
	// capability reply.
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
	}
}

func selfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"ByteFerry"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}
