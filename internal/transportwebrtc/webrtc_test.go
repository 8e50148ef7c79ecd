package transportwebrtc

import (
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestPeerConnectionConfig(t *testing.T) {
	cfg := PeerConnectionConfig(
		[]string{"stun:stun.example.org:3478"},
		[]string{"turn:turn.example.org:3478"},
	)
	if len(cfg.ICEServers) != 2 {
		t.Fatalf("expected 2 ICE server entries, got %d", len(cfg.ICEServers))
	}
	if cfg.ICEServers[0].URLs[0] != "stun:stun.example.org:3478" {
		t.Fatalf("stun server misplaced: %v", cfg.ICEServers[0].URLs)
	}
}

func TestPeerConnectionConfigEmpty(t *testing.T) {
	cfg := PeerConnectionConfig(nil, nil)
	if len(cfg.ICEServers) != 0 {
		t.Fatalf("expected no ICE servers, got %d", len(cfg.ICEServers))
	}
}

func TestNewPeerConnection(t *testing.T) {
	pc, err := NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("new peer connection: %v", err)
	}
	defer pc.Close()

	tr := New(pc, Options{Ordered: true})
	if tr.Protocol() != "webrtc" {
		t.Fatalf("protocol = %q", tr.Protocol())
	}
	conn, err := tr.Dial(t.Context(), "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	again, err := tr.Accept(t.Context())
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if conn != again {
		t.Fatal("dial and accept should share the single logical connection")
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := tr.Dial(t.Context(), ""); err == nil {
		t.Fatal("expected error after close")
	}
}
