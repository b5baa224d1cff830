package callattempt

import (
	"strings"
	"testing"

	"github.com/acme/outbound-voice-agent/internal/domain"
	"github.com/acme/outbound-voice-agent/internal/pbx"
)

func event(name string, kv ...string) pbx.Message {
	m := pbx.Message{"event": name}
	for i := 0; i+1 < len(kv); i += 2 {
		m[strings.ToLower(kv[i])] = kv[i+1]
	}
	return m
}

func TestMatcherIdentifiesByVariable(t *testing.T) {
	m := NewMatcher("originate-1-abc", "corr-1")

	if kind := m.Match(event("Newchannel", "Uniqueid", "1.1")); kind != MatchNone {
		t.Fatalf("unrelated event matched before identification: %v", kind)
	}
	if kind := m.Match(event("VarSet", "Uniqueid", "1.2", "Variable", CorrelationVariable, "Value", "other")); kind != MatchNone {
		t.Fatalf("foreign correlation matched: %v", kind)
	}
	kind := m.Match(event("VarSet", "Uniqueid", "1.3", "Variable", CorrelationVariable, "Value", "corr-1"))
	if kind != MatchVariable || m.UniqueID() != "1.3" {
		t.Fatalf("expected variable match with identity 1.3, got %v %q", kind, m.UniqueID())
	}
}

func TestMatcherIdentifiesByActionID(t *testing.T) {
	m := NewMatcher("originate-1-abc", "corr-1")
	kind := m.Match(event("OriginateResponse", "ActionID", "originate-1-abc", "Uniqueid", "7.7"))
	if kind != MatchActionID || !m.Identified() {
		t.Fatalf("expected action id match, got %v", kind)
	}
}

func TestMatcherIgnoresNullUniqueID(t *testing.T) {
	m := NewMatcher("originate-1-abc", "corr-1")
	kind := m.Match(event("OriginateResponse", "ActionID", "originate-1-abc", "Uniqueid", "<null>", "Response", "Failure"))
	if kind != MatchActionID {
		t.Fatalf("expected action id match, got %v", kind)
	}
	if m.Identified() {
		t.Fatalf("a null unique id must not identify the call")
	}
}

func TestMatcherIdentifiedPhaseRejectsForeignIDs(t *testing.T) {
	m := NewMatcher("a", "corr-1")
	m.Match(event("VarSet", "Uniqueid", "1.3", "Variable", CorrelationVariable, "Value", "corr-1"))

	cases := []struct {
		ev   pbx.Message
		want MatchKind
	}{
		{event("Newstate", "Uniqueid", "1.3"), MatchUniqueID},
		{event("DialEnd", "Uniqueid", "1.9", "Linkedid", "1.3"), MatchUniqueID},
		{event("Hangup", "Uniqueid", "2.1", "Linkedid", "2.1"), MatchNone},
		{event("OriginateResponse", "ActionID", "a", "Uniqueid", "2.2"), MatchNone},
		{event("VarSet", "Uniqueid", "2.3", "Variable", CorrelationVariable, "Value", "corr-1"), MatchNone},
	}
	for _, tc := range cases {
		if got := m.Match(tc.ev); got != tc.want {
			t.Fatalf("event %v: expected %v, got %v", tc.ev, tc.want, got)
		}
	}
	if m.UniqueID() != "1.3" {
		t.Fatalf("identity must not change once captured, got %q", m.UniqueID())
	}
}

func TestHangupStatusMapping(t *testing.T) {
	cases := map[int]domain.CallStatus{
		16: domain.CallStatusCompletedUserHangup,
		17: domain.CallStatusFailedBusy,
		18: domain.CallStatusFailedNoAnswer,
		19: domain.CallStatusFailedNoAnswer,
		21: domain.CallStatusFailedNoAnswer,
		1:  domain.CallStatusFailedInvalidNumber,
		34: domain.CallStatusFailedCongestion,
		38: domain.CallStatusCompletedSystemHangup,
	}
	for cause, want := range cases {
		got, deferToAI := hangupStatus(cause)
		if got != want {
			t.Fatalf("cause %d: expected %s, got %s", cause, want, got)
		}
		if deferToAI != (cause == 16) {
			t.Fatalf("cause %d: unexpected deferToAI=%v", cause, deferToAI)
		}
	}
	if got := causeString("User busy", 17); got != "User busy (Code: 17)" {
		t.Fatalf("unexpected cause string %q", got)
	}
}

func TestDialStatusAndOriginateFailureMapping(t *testing.T) {
	dial := map[string]domain.CallStatus{
		"ANSWER":      domain.CallStatusAnswered,
		"NOANSWER":    domain.CallStatusFailedNoAnswer,
		"CANCEL":      domain.CallStatusFailedNoAnswer,
		"BUSY":        domain.CallStatusFailedBusy,
		"CONGESTION":  domain.CallStatusFailedCongestion,
		"CHANUNAVAIL": domain.CallStatusFailedChannelUnavailable,
	}
	for in, want := range dial {
		if got, ok := dialStatusResult(in); !ok || got != want {
			t.Fatalf("dial status %s: expected %s, got %s", in, want, got)
		}
	}
	if _, ok := dialStatusResult("CONTINUE"); ok {
		t.Fatalf("unknown dial status must be ignored")
	}

	reasons := map[string]domain.CallStatus{
		"3": domain.CallStatusFailedNoAnswer,
		"5": domain.CallStatusFailedBusy,
		"8": domain.CallStatusFailedCongestion,
		"0": domain.CallStatusFailedChannelUnavailable,
	}
	for in, want := range reasons {
		if got := originateFailureStatus(in); got != want {
			t.Fatalf("reason %s: expected %s, got %s", in, want, got)
		}
	}
}
