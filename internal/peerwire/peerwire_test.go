package peerwire

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/byteferry/byteferry/internal/logging"
	"github.com/byteferry/byteferry/pkg/protocol"
)

var upgrader = websocket.Upgrader{}

// fakeRendezvous answers capability queries for a fixed peer table.
func fakeRendezvous(t *testing.T, peers map[string]protocol.Capabilities) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var env protocol.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Type != protocol.TypeCapabilityQuery {
				continue
			}
			var q protocol.CapabilityQuery
			if err := env.DecodePayload(&q); err != nil {
				return
			}
			caps, ok := peers[q.PeerID]
			if !ok {
				reply, _ := protocol.NewEnvelope(protocol.TypeError, protocol.NewMsgID(),
					protocol.Error{Code: "unknown_peer", Message: "peer not registered"})
				conn.WriteJSON(reply)
				continue
			}
			reply, _ := protocol.NewEnvelope(protocol.TypeCapabilityReply, protocol.NewMsgID(),
				protocol.CapabilityReply{PeerID: q.PeerID, Online: true, Capabilities: caps})
			conn.WriteJSON(reply)
		}
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestQueryCapabilities(t *testing.T) {
	want := protocol.Capabilities{QUIC: true, TCP: true, MaxStreams: 4, ListenAddr: "203.0.113.9:4433"}
	srv := fakeRendezvous(t, map[string]protocol.Capabilities{"peer-b": want})
	defer srv.Close()

	c := NewClient(wsURL(srv), "peer-a", logging.Discard())
	got, err := c.QueryCapabilities(context.Background(), "peer-b")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got != want {
		t.Fatalf("capabilities = %+v, want %+v", got, want)
	}
}

func TestQueryUnknownPeer(t *testing.T) {
	srv := fakeRendezvous(t, nil)
	defer srv.Close()

	c := NewClient(wsURL(srv), "peer-a", logging.Discard())
	if _, err := c.QueryCapabilities(context.Background(), "ghost"); err == nil {
		t.Fatal("expected error for unknown peer")
	}
}

func TestQueryServiceUnreachable(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/ws", "peer-a", logging.Discard())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c.QueryCapabilities(ctx, "peer-b"); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestStaticClient(t *testing.T) {
	want := protocol.Capabilities{TCP: true, MaxStreams: 2}
	s := NewStatic(map[string]protocol.Capabilities{"peer-b": want})

	got, err := s.QueryCapabilities(context.Background(), "peer-b")
	if err != nil {
		t.Fatalf("static query: %v", err)
	}
	if got != want {
		t.Fatalf("capabilities = %+v, want %+v", got, want)
	}
	if _, err := s.QueryCapabilities(context.Background(), "ghost"); err == nil {
		t.Fatal("expected error for unlisted peer")
	}
}
