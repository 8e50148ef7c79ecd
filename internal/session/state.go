package session

import (
	"fmt"

	"github.com/byteferry/byteferry/internal/progress"
)

// State is the lifecycle phase of a transfer session.
type State string

const (
	StatePending      State = "pending"
	StateNegotiating  State = "negotiating"
	StateTransferring State = "transferring"
	StatePaused       State = "paused"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

// transitions is the full set of legal state changes. Anything absent is
// a programming error surfaced loudly rather than absorbed.
var transitions = map[State][]State{
	StatePending:      {StateNegotiating, StateCancelled, StateFailed},
	StateNegotiating:  {StateTransferring, StateFailed, StateCancelled},
	StateTransferring: {StatePaused, StateCompleted, StateFailed, StateCancelled},
	StatePaused:       {StateTransferring, StateCancelled, StateFailed},
	StateCompleted:    {},
	StateFailed:       {},
	StateCancelled:    {},
}

// Terminal reports whether no further transitions exist from s.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Event is emitted on every state change and on throttled progress
// updates.
type Event struct {
	SessionID  string
	TransferID string
	PeerID     string
	State      State
	Reason     string
	Progress   *progress.Snapshot
}

// transition moves the session to a new state, emitting an event. The
// caller must hold s.mu.
func (s *Session) transitionLocked(to State, reason string) error {
	if !canTransition(s.state, to) {
		return fmt.Errorf("illegal transition %s -> %s", s.state, to)
	}
	from := s.state
	s.state = to
	s.reason = reason
	s.logger.Info("session state", "session", s.id, "from", from, "to", to, "reason", reason)
	s.emitLocked(Event{
		SessionID:  s.id,
		TransferID: s.transferID,
		PeerID:     s.peerID,
		State:      to,
		Reason:     reason,
	})
	return nil
}

func (s *Session) transition(to State, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to, reason)
}
