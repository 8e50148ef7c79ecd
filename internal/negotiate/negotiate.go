// Package negotiate picks the transport protocol for a peer pair from
// both sides' capabilities, caches capability lookups, and supplies the
// fallback chain walked when an established transport fails mid-
// transfer.
package negotiate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/byteferry/byteferry/internal/faults"
	"github.com/byteferry/byteferry/internal/transport"
	"github.com/byteferry/byteferry/pkg/protocol"
)

// DefaultCacheTTL is how long a capability lookup stays fresh. Peers
// change transports rarely; five minutes keeps rendezvous chatter low
// without riding stale data for long.
const DefaultCacheTTL = 5 * time.Minute

// CapabilityClient resolves a peer's advertised capabilities.
// internal/peerwire provides the websocket implementation; tests use a
// static one.
type CapabilityClient interface {
	QueryCapabilities(ctx context.Context, peerID string) (protocol.Capabilities, error)
}

// DefaultCapabilities is assumed for peers that cannot be queried. TCP
// with one stream works against anything that accepts a socket.
func DefaultCapabilities() protocol.Capabilities {
	return protocol.Capabilities{TCP: true, MaxStreams: 1}
}

type cacheEntry struct {
	caps    protocol.Capabilities
	fetched time.Time
}

// Negotiator selects transports against its peer's capabilities.
type Negotiator struct {
	client CapabilityClient
	local  protocol.Capabilities
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// Option adjusts a Negotiator.
type Option func(*Negotiator)

// WithCacheTTL overrides the capability cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(n *Negotiator) { n.ttl = ttl }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(n *Negotiator) { n.now = now }
}

// New creates a negotiator for a peer with the given local capabilities.
func New(client CapabilityClient, local protocol.Capabilities, logger *slog.Logger, opts ...Option) *Negotiator {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Negotiator{
		client: client,
		local:  local,
		ttl:    DefaultCacheTTL,
		logger: logger,
		now:    time.Now,
		cache:  make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// PeerCapabilities returns the peer's capabilities, from cache when
// fresh. An unreachable peer gets DefaultCapabilities rather than an
// error so a transfer can still be attempted over TCP.
func (n *Negotiator) PeerCapabilities(ctx context.Context, peerID string) protocol.Capabilities {
	n.mu.Lock()
	entry, ok := n.cache[peerID]
	n.mu.Unlock()
	if ok && n.now().Sub(entry.fetched) < n.ttl {
		return entry.caps
	}

	caps, err := n.client.QueryCapabilities(ctx, peerID)
	if err != nil {
		n.logger.Warn("capability query failed, assuming defaults", "peer", peerID, "error", err)
		caps = DefaultCapabilities()
	}
	n.mu.Lock()
	n.cache[peerID] = cacheEntry{caps: caps, fetched: n.now()}
	n.mu.Unlock()
	return caps
}

// Invalidate drops a peer's cached capabilities, forcing the next
// lookup to query again. Called after a transport failure.
func (n *Negotiator) Invalidate(peerID string) {
	n.mu.Lock()
	delete(n.cache, peerID)
	n.mu.Unlock()
}

// Select picks the protocol for a transfer to peerID.
func (n *Negotiator) Select(ctx context.Context, peerID string) (transport.Protocol, protocol.Capabilities, error) {
	caps := n.PeerCapabilities(ctx, peerID)
	chain := n.candidates(caps)
	if len(chain) == 0 {
		return "", caps, faults.Newf(faults.KindTransport,
			"no transport in common with peer %s", peerID)
	}
	n.logger.Info("transport selected", "peer", peerID, "protocol", chain[0])
	return chain[0], caps, nil
}

// Fallback returns the next protocol to try after current failed, or
// false when the chain is exhausted.
func (n *Negotiator) Fallback(ctx context.Context, peerID string, current transport.Protocol) (transport.Protocol, bool) {
	caps := n.PeerCapabilities(ctx, peerID)
	chain := n.candidates(caps)
	for i, p := range chain {
		if p == current && i+1 < len(chain) {
			n.logger.Info("transport fallback", "peer", peerID, "from", current, "to", chain[i+1])
			return chain[i+1], true
		}
	}
	return "", false
}

// candidates lists mutually supported protocols in preference order.
// Browser-only peers can only be reached over data channels, whatever
// else they claim.
func (n *Negotiator) candidates(peer protocol.Capabilities) []transport.Protocol {
	if peer.BrowserOnly {
		if n.local.WebRTC && peer.WebRTC {
			return []transport.Protocol{transport.ProtocolWebRTC}
		}
		return nil
	}
	var out []transport.Protocol
	for _, p := range transport.PreferenceOrder() {
		switch p {
		case transport.ProtocolQUIC:
			if n.local.QUIC && peer.QUIC {
				out = append(out, p)
			}
		case transport.ProtocolTCP:
			if n.local.TCP && peer.TCP {
				out = append(out, p)
			}
		case transport.ProtocolWebRTC:
			if n.local.WebRTC && peer.WebRTC {
				out = append(out, p)
			}
		}
	}
	return out
}

// StreamBudget bounds the stream count for a transfer by both sides'
// advertised limits.
func (n *Negotiator) StreamBudget(peer protocol.Capabilities) int {
	budget := n.local.MaxStreams
	if budget <= 0 {
		budget = 1
	}
	if peer.MaxStreams > 0 && peer.MaxStreams < budget {
		budget = peer.MaxStreams
	}
	return budget
}

// Addr returns the dial address for a protocol from the peer's
// capabilities.
func Addr(p transport.Protocol, caps protocol.Capabilities) (string, error) {
	switch p {
	case transport.ProtocolQUIC:
		if caps.ListenAddr == "" {
			return "", fmt.Errorf("peer advertises no quic address")
		}
		return caps.ListenAddr, nil
	case transport.ProtocolTCP:
		if caps.TCPListenAddr == "" {
			return "", fmt.Errorf("peer advertises no tcp address")
		}
		return caps.TCPListenAddr, nil
	case transport.ProtocolWebRTC:
		return "", nil // addressing happens during signaling
	default:
		return "", fmt.Errorf("unknown protocol %q", p)
	}
}
