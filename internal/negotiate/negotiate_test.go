package negotiate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/byteferry/byteferry/internal/faults"
	"github.com/byteferry/byteferry/internal/logging"
	"github.com/byteferry/byteferry/internal/transport"
	"github.com/byteferry/byteferry/pkg/protocol"
)

type countingClient struct {
	caps    map[string]protocol.Capabilities
	queries int
}

func (c *countingClient) QueryCapabilities(ctx context.Context, peerID string) (protocol.Capabilities, error) {
	c.queries++
	caps, ok := c.caps[peerID]
	if !ok {
		return protocol.Capabilities{}, errors.New("peer unreachable")
	}
	return caps, nil
}

func fullCaps() protocol.Capabilities {
	return protocol.Capabilities{QUIC: true, TCP: true, WebRTC: true, MaxStreams: 4}
}

func TestSelectPrefersQUIC(t *testing.T) {
	client := &countingClient{caps: map[string]protocol.Capabilities{"b": fullCaps()}}
	n := New(client, fullCaps(), logging.Discard())

	p, _, err := n.Select(context.Background(), "b")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if p != transport.ProtocolQUIC {
		t.Fatalf("selected %s, want quic", p)
	}
}

func TestSelectTCPWhenPeerLacksQUIC(t *testing.T) {
	client := &countingClient{caps: map[string]protocol.Capabilities{
		"b": {TCP: true, MaxStreams: 2},
	}}
	n := New(client, fullCaps(), logging.Discard())

	p, _, err := n.Select(context.Background(), "b")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if p != transport.ProtocolTCP {
		t.Fatalf("selected %s, want tcp", p)
	}
}

func TestSelectBrowserOnlyPeer(t *testing.T) {
	client := &countingClient{caps: map[string]protocol.Capabilities{
		"b": {QUIC: true, TCP: true, WebRTC: true, BrowserOnly: true},
	}}
	n := New(client, fullCaps(), logging.Discard())

	p, _, err := n.Select(context.Background(), "b")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if p != transport.ProtocolWebRTC {
		t.Fatalf("selected %s, want webrtc for browser-only peer", p)
	}
}

func TestSelectNoCommonTransport(t *testing.T) {
	client := &countingClient{caps: map[string]protocol.Capabilities{
		"b": {WebRTC: true},
	}}
	n := New(client, protocol.Capabilities{QUIC: true, TCP: true}, logging.Discard())

	_, _, err := n.Select(context.Background(), "b")
	if !faults.Is(err, faults.KindTransport) {
		t.Fatalf("expected transport fault, got %v", err)
	}
}

func TestUnreachablePeerGetsDefaults(t *testing.T) {
	client := &countingClient{}
	n := New(client, fullCaps(), logging.Discard())

	p, caps, err := n.Select(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if p != transport.ProtocolTCP {
		t.Fatalf("selected %s, want tcp for defaulted peer", p)
	}
	if caps != DefaultCapabilities() {
		t.Fatalf("caps = %+v, want defaults", caps)
	}
}

func TestCapabilityCacheTTL(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	client := &countingClient{caps: map[string]protocol.Capabilities{"b": fullCaps()}}
	n := New(client, fullCaps(), logging.Discard(),
		WithCacheTTL(5*time.Minute),
		WithClock(func() time.Time { return now }))

	ctx := context.Background()
	n.PeerCapabilities(ctx, "b")
	n.PeerCapabilities(ctx, "b")
	if client.queries != 1 {
		t.Fatalf("expected 1 query with warm cache, got %d", client.queries)
	}

	now = now.Add(5*time.Minute + time.Second)
	n.PeerCapabilities(ctx, "b")
	if client.queries != 2 {
		t.Fatalf("expected requery after TTL, got %d queries", client.queries)
	}
}

func TestInvalidateForcesRequery(t *testing.T) {
	client := &countingClient{caps: map[string]protocol.Capabilities{"b": fullCaps()}}
	n := New(client, fullCaps(), logging.Discard())

	ctx := context.Background()
	n.PeerCapabilities(ctx, "b")
	n.Invalidate("b")
	n.PeerCapabilities(ctx, "b")
	if client.queries != 2 {
		t.Fatalf("expected 2 queries after invalidate, got %d", client.queries)
	}
}

func TestFallbackChain(t *testing.T) {
	client := &countingClient{caps: map[string]protocol.Capabilities{"b": fullCaps()}}
	n := New(client, fullCaps(), logging.Discard())
	ctx := context.Background()

	p, ok := n.Fallback(ctx, "b", transport.ProtocolQUIC)
	if !ok || p != transport.ProtocolTCP {
		t.Fatalf("fallback from quic = %s, %v; want tcp", p, ok)
	}
	p, ok = n.Fallback(ctx, "b", transport.ProtocolTCP)
	if !ok || p != transport.ProtocolWebRTC {
		t.Fatalf("fallback from tcp = %s, %v; want webrtc", p, ok)
	}
	if _, ok := n.Fallback(ctx, "b", transport.ProtocolWebRTC); ok {
		t.Fatal("fallback past the end of the chain should report false")
	}
}

func TestStreamBudget(t *testing.T) {
	n := New(&countingClient{}, protocol.Capabilities{MaxStreams: 4}, logging.Discard())
	if got := n.StreamBudget(protocol.Capabilities{MaxStreams: 2}); got != 2 {
		t.Fatalf("budget %d, want 2", got)
	}
	if got := n.StreamBudget(protocol.Capabilities{}); got != 4 {
		t.Fatalf("budget %d, want 4 when peer is silent", got)
	}
}

func TestAddrResolution(t *testing.T) {
	caps := protocol.Capabilities{ListenAddr: "192.0.2.1:4433", TCPListenAddr: "192.0.2.1:9000"}
	if addr, err := Addr(transport.ProtocolQUIC, caps); err != nil || addr != "192.0.2.1:4433" {
		t.Fatalf("quic addr = %q, %v", addr, err)
	}
	if addr, err := Addr(transport.ProtocolTCP, caps); err != nil || addr != "192.0.2.1:9000" {
		t.Fatalf("tcp addr = %q, %v", addr, err)
	}
	if _, err := Addr(transport.ProtocolQUIC, protocol.Capabilities{}); err == nil {
		t.Fatal("expected error for missing quic address")
	}
}
