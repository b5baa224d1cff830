package pbx

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// OriginateRequest describes an asynchronous Originate into the dialplan.
type OriginateRequest struct {
	Channel   string
	Context   string
	Exten     string
	Priority  int
	CallerID  string
	Timeout   time.Duration
	Variables map[string]string
}

// Originate builds an Async Originate action with a fresh ActionID.
func Originate(req OriginateRequest) Action {
	exten := req.Exten
	if exten == "" {
		exten = "s"
	}
	priority := req.Priority
	if priority <= 0 {
		priority = 1
	}

	a := NewAction("Originate",
		"Channel", req.Channel,
		"Context", req.Context,
		"Exten", exten,
		"Priority", strconv.Itoa(priority),
	)
	if req.CallerID != "" {
		a = a.With("CallerID", req.CallerID)
	}
	if req.Timeout > 0 {
		a = a.With("Timeout", strconv.FormatInt(req.Timeout.Milliseconds(), 10))
	}
	a = a.With("Async", "true")
	if len(req.Variables) > 0 {
		a = a.With("Variable", encodeVariables(req.Variables))
	}
	a.Async = true
	return a.WithID(NewActionID("Originate"))
}

// Hangup builds a Hangup action for the channel with a Q.850 cause code.
func Hangup(channel string, cause int) Action {
	return NewAction("Hangup", "Channel", channel, "Cause", strconv.Itoa(cause))
}

// PlayDTMF builds a PlayDTMF action for a single digit.
func PlayDTMF(channel string, digit rune) Action {
	return NewAction("PlayDTMF", "Channel", channel, "Digit", string(digit))
}

func encodeVariables(vars map[string]string) string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, vars[k]))
	}
	return strings.Join(parts, ",")
}
