// Package transport defines the path abstraction chunks travel over.
// Concrete implementations live in the transportquic, transporttcp and
// transportwebrtc packages; the session layer only sees these
// interfaces.
package transport

import (
	"context"
	"io"
	"net"
)

// Protocol identifies a concrete transport implementation.
type Protocol string

const (
	// ProtocolQUIC is the preferred path: one connection multiplexing
	// many chunk streams.
	ProtocolQUIC Protocol = "quic"
	// ProtocolTCP is the universal fallback, one connection per stream.
	ProtocolTCP Protocol = "tcp"
	// ProtocolWebRTC reaches browser-constrained peers over data
	// channels.
	ProtocolWebRTC Protocol = "webrtc"
)

// PreferenceOrder lists protocols from most to least preferred. The
// negotiator walks this order against both peers' capabilities;
// browser-only peers short-circuit straight to WebRTC.
func PreferenceOrder() []Protocol {
	return []Protocol{ProtocolQUIC, ProtocolTCP, ProtocolWebRTC}
}

// Transport is an established way of reaching peers over one protocol.
// One Transport serves many concurrent connections.
type Transport interface {
	// Protocol identifies the implementation for logging and
	// negotiation.
	Protocol() Protocol

	// Dial connects to the peer at addr.
	Dial(ctx context.Context, addr string) (Conn, error)

	// Accept blocks until an inbound connection arrives.
	Accept(ctx context.Context) (Conn, error)

	// Close shuts the transport and every connection it carries.
	Close() error
}

// Conn is one peer-to-peer connection able to carry multiple
// bidirectional streams.
type Conn interface {
	OpenStream(ctx context.Context) (Stream, error)
	AcceptStream(ctx context.Context) (Stream, error)
	RemoteAddr() net.Addr
	Close() error
}

// Stream is one bidirectional byte stream. Streams are independent; the
// parallel stream manager runs up to four of them per transfer.
type Stream interface {
	io.Reader
	io.Writer
	Close() error
}
