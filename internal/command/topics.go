package command

import (
	"fmt"

	"github.com/google/uuid"
)

// CommandTopic carries DTMF, end-call, reschedule and request-info commands for an attempt.
func CommandTopic(callAttemptID int64) string {
	return fmt.Sprintf("call_commands:%d", callAttemptID)
}

// InjectTopic carries messages injected into the live conversation of an attempt.
func InjectTopic(callAttemptID int64) string {
	return fmt.Sprintf("call_inject:%d", callAttemptID)
}

// HITLTopic carries user-info requests raised by an attempt.
func HITLTopic(callAttemptID int64) string {
	return fmt.Sprintf("call_hitl:%d", callAttemptID)
}

// HandshakeTopic carries the AI handshake for a correlation UUID.
func HandshakeTopic(correlationUUID uuid.UUID) string {
	return "call_handshake:" + correlationUUID.String()
}
