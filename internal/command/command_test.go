package command

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestEncodeCarriesDiscriminantAndAddressee(t *testing.T) {
	data, err := Encode(42, SendDtmf{Digits: "123#"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if fields["command_type"] != "send_dtmf" {
		t.Fatalf("unexpected command_type %v", fields["command_type"])
	}
	if fields["call_attempt_id"].(float64) != 42 {
		t.Fatalf("unexpected call_attempt_id %v", fields["call_attempt_id"])
	}
	if fields["digits"] != "123#" {
		t.Fatalf("unexpected digits %v", fields["digits"])
	}
}

func TestDecodeEndCall(t *testing.T) {
	raw := []byte(`{"command_type":"end_call","call_attempt_id":7,"reason":"done","final_message":"bye now","outcome":"objective_met"}`)
	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.CallAttemptID != 7 {
		t.Fatalf("unexpected attempt id %d", env.CallAttemptID)
	}
	end, ok := env.Command.(EndCall)
	if !ok {
		t.Fatalf("expected EndCall, got %T", env.Command)
	}
	if end.Outcome != OutcomeObjectiveMet || end.FinalMessage != "bye now" {
		t.Fatalf("unexpected payload %+v", end)
	}
}

func TestDecodeHandshake(t *testing.T) {
	id := uuid.New()
	data, err := Encode(3, AIHandshake{CorrelationUUID: id})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	hs, ok := env.Command.(AIHandshake)
	if !ok || hs.CorrelationUUID != id {
		t.Fatalf("unexpected handshake %+v", env.Command)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"command_type":"transfer_call","call_attempt_id":1}`))
	if !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}

	_, err = Decode([]byte(`{"call_attempt_id":1}`))
	if !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand for missing discriminant, got %v", err)
	}
}

func TestDecodeRejectsMalformedPayload(t *testing.T) {
	_, err := Decode([]byte(`{"command_type":"request_user_info","timeout_seconds":"soon"}`))
	if err == nil || errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected a payload error, got %v", err)
	}
}

func TestTopics(t *testing.T) {
	if got := CommandTopic(9); got != "call_commands:9" {
		t.Fatalf("unexpected command topic %q", got)
	}
	id := uuid.MustParse("6f1c1d1e-0000-4000-8000-000000000001")
	if got := HandshakeTopic(id); got != "call_handshake:6f1c1d1e-0000-4000-8000-000000000001" {
		t.Fatalf("unexpected handshake topic %q", got)
	}
}
