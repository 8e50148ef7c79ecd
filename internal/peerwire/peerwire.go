// Package peerwire talks to the rendezvous service over websocket to
// learn what transports a peer supports. The rendezvous service itself
// is external; this client only performs the capability query/reply
// exchange.
package peerwire

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/byteferry/byteferry/pkg/protocol"
)

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// queryTimeout bounds one capability exchange when the context carries
// no deadline of its own.
const queryTimeout = 10 * time.Second

// Client queries peer capabilities through the rendezvous service. Each
// query is a short-lived connection; results are cached upstream by the
// negotiator, so connection reuse buys nothing here.
type Client struct {
	url    string
	selfID string
	logger *slog.Logger
}

// NewClient creates a capability client. url is the rendezvous
// websocket endpoint, selfID identifies this peer in envelopes.
func NewClient(url, selfID string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{url: url, selfID: selfID, logger: logger}
}

// QueryCapabilities asks the rendezvous service what transports peerID
// supports.
func (c *Client) QueryCapabilities(ctx context.Context, peerID string) (protocol.Capabilities, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, queryTimeout)
		defer cancel()
	}

	conn, resp, err := dialer.DialContext(ctx, c.url, http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if len(body) > 0 {
				return protocol.Capabilities{}, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, body)
			}
			return protocol.Capabilities{}, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return protocol.Capabilities{}, fmt.Errorf("dial rendezvous: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		conn.SetWriteDeadline(deadline)
	}

	env, err := protocol.NewEnvelope(protocol.TypeCapabilityQuery, protocol.NewMsgID(),
		protocol.CapabilityQuery{PeerID: peerID})
	if err != nil {
		return protocol.Capabilities{}, err
	}
	env.From = c.selfID
	env.To = peerID
	if err := conn.WriteJSON(env); err != nil {
		return protocol.Capabilities{}, fmt.Errorf("send capability query: %w", err)
	}

	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			return protocol.Capabilities{}, fmt.Errorf("read capability reply: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var in protocol.Envelope
		if err := json.Unmarshal(raw, &in); err != nil {
			c.logger.Warn("invalid envelope from rendezvous", "error", err)
			continue
		}
		switch in.Type {
		case protocol.TypeCapabilityReply:
			var reply protocol.CapabilityReply
			if err := in.DecodePayload(&reply); err != nil {
				return protocol.Capabilities{}, fmt.Errorf("decode capability reply: %w", err)
			}
			if reply.PeerID != peerID {
				continue // reply for some other in-flight query
			}
			return reply.Capabilities, nil
		case protocol.TypeError:
			var perr protocol.Error
			if err := in.DecodePayload(&perr); err != nil {
				return protocol.Capabilities{}, fmt.Errorf("decode error reply: %w", err)
			}
			return protocol.Capabilities{}, fmt.Errorf("rendezvous: %s", perr.Message)
		default:
			continue
		}
	}
}

// Static serves fixed capabilities without any rendezvous service, for
// direct-addressed peers and for tests.
type Static struct {
	peers map[string]protocol.Capabilities
}

// NewStatic builds a static capability source.
func NewStatic(peers map[string]protocol.Capabilities) *Static {
	return &Static{peers: peers}
}

// QueryCapabilities returns the configured capabilities, or an error for
// unknown peers so the negotiator applies its defaults.
func (s *Static) QueryCapabilities(ctx context.Context, peerID string) (protocol.Capabilities, error) {
	caps, ok := s.peers[peerID]
	if !ok {
		return protocol.Capabilities{}, fmt.Errorf("no capabilities recorded for peer %s", peerID)
	}
	return caps, nil
}
