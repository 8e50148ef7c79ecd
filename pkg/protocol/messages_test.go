package protocol

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	query := CapabilityQuery{PeerID: "peer-b"}
	env, err := NewEnvelope(TypeCapabilityQuery, NewMsgID(), query)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if err := env.ValidateBasic(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Envelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	var out CapabilityQuery
	if err := decoded.DecodePayload(&out); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if out.PeerID != "peer-b" {
		t.Fatalf("peer_id = %q, want peer-b", out.PeerID)
	}
}

func TestValidateBasicRejectsBadVersion(t *testing.T) {
	env := Envelope{V: 99, Type: TypeHello, MsgID: "abc"}
	if err := env.ValidateBasic(); err == nil {
		t.Fatal("expected version error")
	}
}

func TestValidateBasicRequiresTypeAndID(t *testing.T) {
	env := Envelope{V: ProtocolVersion}
	if err := env.ValidateBasic(); err == nil {
		t.Fatal("expected missing type error")
	}
	env.Type = TypeHello
	if err := env.ValidateBasic(); err == nil {
		t.Fatal("expected missing msg_id error")
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	env := Envelope{V: ProtocolVersion, Type: TypeHello, MsgID: "abc"}
	var out Hello
	if err := env.DecodePayload(&out); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestNewMsgIDLength(t *testing.T) {
	id := NewMsgID()
	if len(id) != 16 {
		t.Fatalf("msg id length = %d, want 16", len(id))
	}
	if id == NewMsgID() {
		t.Fatal("consecutive msg ids should differ")
	}
}
