package callattempt

import (
	"sync/atomic"

	"github.com/acme/outbound-voice-agent/internal/pbx"
)

// CorrelationVariable carries the correlation UUID through the dialplan.
const CorrelationVariable = "CALL_CORRELATION_UUID"

// MatchKind explains why an event was accepted.
type MatchKind int

const (
	MatchNone MatchKind = iota
	MatchActionID
	MatchVariable
	MatchUniqueID
)

func (k MatchKind) String() string {
	switch k {
	case MatchActionID:
		return "action_id"
	case MatchVariable:
		return "variable"
	case MatchUniqueID:
		return "unique_id"
	}
	return "none"
}

// Matcher decides which PBX events belong to one call attempt. Before the PBX
// identity is known it accepts the Originate ActionID or the correlation
// variable; afterwards only events on the captured unique id are accepted.
// Match must be called from one goroutine; Identified and UniqueID may be read
// from any.
type Matcher struct {
	actionID    string
	correlation string
	uniqueID    atomic.Pointer[string]
}

// NewMatcher builds a matcher in the unidentified phase.
func NewMatcher(actionID, correlation string) *Matcher {
	return &Matcher{actionID: actionID, correlation: correlation}
}

// Identified reports whether the PBX identity has been captured.
func (m *Matcher) Identified() bool {
	return m.UniqueID() != ""
}

// UniqueID returns the captured identity.
func (m *Matcher) UniqueID() string {
	if uid := m.uniqueID.Load(); uid != nil {
		return *uid
	}
	return ""
}

// Match classifies ev and captures the identity on the first unidentified match.
func (m *Matcher) Match(ev pbx.Message) MatchKind {
	if uid := m.UniqueID(); uid != "" {
		if ev.Get("Uniqueid") == uid || ev.Get("Linkedid") == uid {
			return MatchUniqueID
		}
		return MatchNone
	}

	kind := MatchNone
	switch {
	case m.actionID != "" && ev.ActionID() == m.actionID:
		kind = MatchActionID
	case ev.Name() == "VarSet" && ev.Get("Variable") == CorrelationVariable &&
		m.correlation != "" && ev.Get("Value") == m.correlation:
		kind = MatchVariable
	}
	if uid := ev.Get("Uniqueid"); kind != MatchNone && uid != "<null>" {
		m.uniqueID.Store(&uid)
	}
	return kind
}
