package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// CallCompletedMessage announces that a call attempt reached a terminal status.
type CallCompletedMessage struct {
	CallAttemptID       int64     `json:"call_attempt_id"`
	TaskID              int64     `json:"task_id"`
	AttemptNumber       int       `json:"attempt_number"`
	Status              string    `json:"status"`
	HangupCause         string    `json:"hangup_cause,omitempty"`
	Conclusion          string    `json:"conclusion,omitempty"`
	DurationSeconds     int       `json:"duration_seconds"`
	RescheduleRequested bool      `json:"reschedule_requested"`
	OccurredAt          time.Time `json:"occurred_at"`
}

// Key partitions messages by task so a task's outcomes are consumed in order.
func (m CallCompletedMessage) Key() []byte {
	return []byte(strconv.FormatInt(m.TaskID, 10))
}

// DeadLetter wraps a payload the consumer could not process.
type DeadLetter struct {
	Topic     string          `json:"topic"`
	Partition int             `json:"partition"`
	Offset    int64           `json:"offset"`
	Error     string          `json:"error"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Raw       string          `json:"raw,omitempty"`
	FailedAt  time.Time       `json:"failed_at"`
}

// DecodeCallCompleted parses and validates a CallCompleted payload.
func DecodeCallCompleted(data []byte) (CallCompletedMessage, error) {
	var msg CallCompletedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("queue: decode call completed: %w", err)
	}
	if msg.CallAttemptID <= 0 || msg.TaskID <= 0 {
		return msg, fmt.Errorf("queue: decode call completed: missing identifiers")
	}
	return msg, nil
}
