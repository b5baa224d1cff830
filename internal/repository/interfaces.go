package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-voice-agent/internal/domain"
	apperrors "github.com/acme/outbound-voice-agent/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation or a lost conditional update.
	ErrConflict = apperrors.ErrConflict
)

// CallAttemptRepository persists call attempts. Status writes are conditional and forward-only.
type CallAttemptRepository interface {
	Create(ctx context.Context, attempt *domain.CallAttempt) error
	Get(ctx context.Context, id int64) (*domain.CallAttempt, error)
	GetByCorrelationUUID(ctx context.Context, correlation uuid.UUID) (*domain.CallAttempt, error)
	ListByTask(ctx context.Context, taskID int64) ([]*domain.CallAttempt, error)
	SetCorrelationUUID(ctx context.Context, id int64, correlation uuid.UUID) error
	// AdvanceStatus moves a non-terminal attempt forward; it reports false when the row
	// already holds the target or a later status.
	AdvanceStatus(ctx context.Context, id int64, to domain.CallStatus, at time.Time) (bool, error)
	SetPBXIdentity(ctx context.Context, id int64, uniqueID, channel string) error
	SetOutboundChannel(ctx context.Context, id int64, channel string) error
	SetRecordingPath(ctx context.Context, id int64, path string) error
	// Complete writes a terminal status once; later terminal writes report false.
	Complete(ctx context.Context, id int64, completion domain.CallCompletion) (bool, error)
	ListStale(ctx context.Context, statuses []domain.CallStatus, updatedBefore time.Time) ([]*domain.CallAttempt, error)
	CountActive(ctx context.Context) (int, error)
}

// TaskRepository persists tasks.
type TaskRepository interface {
	Create(ctx context.Context, task *domain.Task) error
	Get(ctx context.Context, id int64) (*domain.Task, error)
	List(ctx context.Context, filter TaskFilter) ([]*domain.Task, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error)
	// TransitionStatus updates the status only when the current one is listed in from.
	TransitionStatus(ctx context.Context, id int64, from []domain.TaskStatus, to domain.TaskStatus) (bool, error)
	UpdateStatus(ctx context.Context, id int64, status domain.TaskStatus) error
	RequestUserInfo(ctx context.Context, id int64, question string, timeoutSeconds int, at time.Time) error
	SubmitUserInfo(ctx context.Context, id int64, response string) error
	// ApplyOutcome writes the task change and its event in one transaction.
	ApplyOutcome(ctx context.Context, outcome TaskOutcome, event *domain.TaskEvent) error
}

// TaskEventRepository appends to and reads the task audit log.
type TaskEventRepository interface {
	Append(ctx context.Context, event *domain.TaskEvent) error
	ListByTask(ctx context.Context, taskID int64) ([]domain.TaskEvent, error)
}

// DNDRepository answers do-not-disturb lookups.
type DNDRepository interface {
	IsBlocked(ctx context.Context, phoneNumber string, userID int64) (bool, error)
	Add(ctx context.Context, phoneNumber string, userID *int64) error
}

// TranscriptStore keeps per-call transcripts and the PBX event timeline.
type TranscriptStore interface {
	AppendTranscript(ctx context.Context, entry domain.TranscriptEntry) error
	ListTranscript(ctx context.Context, callAttemptID int64) ([]domain.TranscriptEntry, error)
	AppendEvent(ctx context.Context, event domain.CallEvent) error
	ListEvents(ctx context.Context, callAttemptID int64) ([]domain.CallEvent, error)
}

// TaskFilter narrows task listings.
type TaskFilter struct {
	UserID *int64
	Status domain.TaskStatus
	Limit  int
	Offset int
}

// TaskOutcome is the post-call update applied by the retry scheduler.
type TaskOutcome struct {
	TaskID              int64
	Status              domain.TaskStatus
	OverallConclusion   string
	NextActionTime      *time.Time
	CurrentAttemptCount int
}
