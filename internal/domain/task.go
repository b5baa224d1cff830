package domain

import (
	"encoding/json"
	"time"
)

// TaskStatus enumerates lifecycle states of a calling task.
type TaskStatus string

const (
	TaskStatusPending          TaskStatus = "pending"
	TaskStatusQueuedForCall    TaskStatus = "queued_for_call"
	TaskStatusInitiatingCall   TaskStatus = "initiating_call"
	TaskStatusRetryScheduled   TaskStatus = "retry_scheduled"
	TaskStatusPendingUserInfo  TaskStatus = "pending_user_info"
	TaskStatusCompletedSuccess TaskStatus = "completed_success"
	TaskStatusCompletedFailure TaskStatus = "completed_failure"
	TaskStatusOnHold           TaskStatus = "on_hold"
	TaskStatusCancelledDND     TaskStatus = "cancelled_dnd"
	TaskStatusCancelledUser    TaskStatus = "cancelled_user"
	TaskStatusError            TaskStatus = "error"
)

// IsTerminal reports whether the task will never be dialled again.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompletedSuccess, TaskStatusCompletedFailure,
		TaskStatusCancelledDND, TaskStatusCancelledUser, TaskStatusError:
		return true
	}
	return false
}

// DefaultMaxAttempts applies when a task is created without a limit.
const DefaultMaxAttempts = 3

// Task is a user's request to reach one phone number.
type Task struct {
	ID                     int64
	UserID                 int64
	CampaignID             *int64
	Description            string
	AgentPrompt            string
	PhoneNumber            string
	BusinessName           string
	PersonName             string
	Status                 TaskStatus
	OverallConclusion      string
	NextActionTime         *time.Time
	MaxAttempts            int
	CurrentAttemptCount    int
	UserInfoRequest        string
	UserInfoResponse       string
	UserInfoTimeoutSeconds int
	UserInfoRequestedAt    *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Task event types written to the audit log.
const (
	TaskEventTaskCompletedSuccess = "task_completed_success"
	TaskEventTaskCompletedFailure = "task_completed_failure"
	TaskEventRetryScheduled       = "retry_scheduled"
	TaskEventMaxAttemptsReached   = "max_attempts_reached"
	TaskEventRescheduleRequested  = "reschedule_requested"
	TaskEventUserInfoRequested    = "user_info_requested"
	TaskEventUserInfoProvided     = "user_info_provided"
	TaskEventCancelledDND         = "cancelled_dnd"
)

// TaskEvent is an append-only audit record for a task.
type TaskEvent struct {
	ID        int64
	TaskID    int64
	EventType string
	Details   json.RawMessage
	CreatedBy string
	CreatedAt time.Time
}

// NewTaskEvent builds a system event with JSON details.
func NewTaskEvent(taskID int64, eventType string, details map[string]any) TaskEvent {
	raw, err := json.Marshal(details)
	if err != nil || details == nil {
		raw = json.RawMessage(`{}`)
	}
	return TaskEvent{
		TaskID:    taskID,
		EventType: eventType,
		Details:   raw,
		CreatedBy: "system",
		CreatedAt: time.Now().UTC(),
	}
}
