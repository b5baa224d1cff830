package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallStatus enumerates lifecycle stages for an individual call attempt.
type CallStatus string

const (
	CallStatusPendingOrigination CallStatus = "PENDING_ORIGINATION"
	CallStatusOriginating        CallStatus = "ORIGINATING"
	CallStatusDialing            CallStatus = "DIALING"
	CallStatusRinging            CallStatus = "RINGING"
	CallStatusAnswered           CallStatus = "ANSWERED"
	CallStatusLiveAIHandling     CallStatus = "LIVE_AI_HANDLING"

	CallStatusCompletedAIObjectiveMet CallStatus = "COMPLETED_AI_OBJECTIVE_MET"
	CallStatusCompletedAIHangup       CallStatus = "COMPLETED_AI_HANGUP"
	CallStatusCompletedUserHangup     CallStatus = "COMPLETED_USER_HANGUP"
	CallStatusCompletedSystemHangup   CallStatus = "COMPLETED_SYSTEM_HANGUP"

	CallStatusFailedNoAnswer           CallStatus = "FAILED_NO_ANSWER"
	CallStatusFailedBusy               CallStatus = "FAILED_BUSY"
	CallStatusFailedCongestion         CallStatus = "FAILED_CONGESTION"
	CallStatusFailedInvalidNumber      CallStatus = "FAILED_INVALID_NUMBER"
	CallStatusFailedChannelUnavailable CallStatus = "FAILED_CHANNEL_UNAVAILABLE"
	CallStatusFailedAsteriskError      CallStatus = "FAILED_ASTERISK_ERROR"
	CallStatusFailedInternalError      CallStatus = "FAILED_INTERNAL_ERROR"
)

// terminalRank is shared by every COMPLETED_* and FAILED_* status.
const terminalRank = 100

var callStatusRank = map[CallStatus]int{
	CallStatusPendingOrigination: 0,
	CallStatusOriginating:        1,
	CallStatusDialing:            2,
	CallStatusRinging:            3,
	CallStatusAnswered:           4,
	CallStatusLiveAIHandling:     5,
}

// ActiveCallStatuses lists every non-terminal status in pipeline order.
var ActiveCallStatuses = []CallStatus{
	CallStatusPendingOrigination,
	CallStatusOriginating,
	CallStatusDialing,
	CallStatusRinging,
	CallStatusAnswered,
	CallStatusLiveAIHandling,
}

// EarlyCallStatuses are the statuses that precede an answered call.
var EarlyCallStatuses = ActiveCallStatuses[:4]

// LiveCallStatuses are the non-terminal statuses of an answered call.
var LiveCallStatuses = ActiveCallStatuses[4:]

// Rank orders statuses along the pipeline. Unknown statuses rank below everything.
func (s CallStatus) Rank() int {
	if r, ok := callStatusRank[s]; ok {
		return r
	}
	if s.IsTerminal() {
		return terminalRank
	}
	return -1
}

// IsTerminal reports whether the status ends the attempt.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusCompletedAIObjectiveMet, CallStatusCompletedAIHangup,
		CallStatusCompletedUserHangup, CallStatusCompletedSystemHangup,
		CallStatusFailedNoAnswer, CallStatusFailedBusy, CallStatusFailedCongestion,
		CallStatusFailedInvalidNumber, CallStatusFailedChannelUnavailable,
		CallStatusFailedAsteriskError, CallStatusFailedInternalError:
		return true
	}
	return false
}

// IsAIConclusive reports whether the AI session decided the outcome.
func (s CallStatus) IsAIConclusive() bool {
	return s == CallStatusCompletedAIObjectiveMet || s == CallStatusCompletedAIHangup
}

// CanTransition reports whether moving from one status to another goes forward.
func CanTransition(from, to CallStatus) bool {
	if from.IsTerminal() {
		return false
	}
	return to.Rank() > from.Rank()
}

// PredecessorsOf returns the statuses a row may hold for a write of to to apply.
func PredecessorsOf(to CallStatus) []CallStatus {
	out := make([]CallStatus, 0, len(ActiveCallStatuses))
	for _, s := range ActiveCallStatuses {
		if CanTransition(s, to) {
			out = append(out, s)
		}
	}
	return out
}

// CallAttempt is a single dial of a task's phone number.
type CallAttempt struct {
	ID              int64
	TaskID          int64
	AttemptNumber   int
	Status          CallStatus
	PBXUniqueID     string
	PBXChannel      string
	OutboundChannel string
	CorrelationUUID uuid.UUID
	Prompt          string
	HangupCause     string
	Conclusion      string
	DurationSeconds int
	RecordingPath   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	AnsweredAt      *time.Time
	EndedAt         *time.Time
}

// CallCompletion carries the fields written with a terminal status.
type CallCompletion struct {
	Status          CallStatus
	HangupCause     string
	Conclusion      string
	DurationSeconds int
	EndedAt         time.Time
}
