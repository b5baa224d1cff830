package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-voice-agent/internal/domain"
	"github.com/acme/outbound-voice-agent/internal/repository"
)

// TaskEventRepository implements repository.TaskEventRepository.
type TaskEventRepository struct {
	db *sqlx.DB
}

// NewTaskEventRepository constructs the repository.
func NewTaskEventRepository(db *sqlx.DB) *TaskEventRepository {
	return &TaskEventRepository{db: db}
}

// Append writes one audit event.
func (r *TaskEventRepository) Append(ctx context.Context, event *domain.TaskEvent) error {
	return insertEvent(ctx, r.db, event)
}

// ListByTask returns a task's events oldest first.
func (r *TaskEventRepository) ListByTask(ctx context.Context, taskID int64) ([]domain.TaskEvent, error) {
	var recs []eventRecord
	if err := r.db.SelectContext(ctx, &recs, `SELECT id, task_id, event_type, details, created_by, created_at
		FROM task_events WHERE task_id = $1 ORDER BY id ASC`, taskID); err != nil {
		return nil, fmt.Errorf("task event repo: list: %w", err)
	}
	out := make([]domain.TaskEvent, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toDomain())
	}
	return out, nil
}

func insertEvent(ctx context.Context, q sqlx.QueryerContext, event *domain.TaskEvent) error {
	details := event.Details
	if len(details) == 0 {
		details = json.RawMessage(`{}`)
	}
	createdBy := event.CreatedBy
	if createdBy == "" {
		createdBy = "system"
	}
	row := q.QueryRowxContext(ctx, `INSERT INTO task_events (task_id, event_type, details, created_by)
		VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		event.TaskID, event.EventType, []byte(details), createdBy)
	if err := row.Scan(&event.ID, &event.CreatedAt); err != nil {
		return fmt.Errorf("task event repo: insert: %w", err)
	}
	return nil
}

type eventRecord struct {
	ID        int64     `db:"id"`
	TaskID    int64     `db:"task_id"`
	EventType string    `db:"event_type"`
	Details   []byte    `db:"details"`
	CreatedBy string    `db:"created_by"`
	CreatedAt time.Time `db:"created_at"`
}

func (r eventRecord) toDomain() domain.TaskEvent {
	return domain.TaskEvent{
		ID:        r.ID,
		TaskID:    r.TaskID,
		EventType: r.EventType,
		Details:   json.RawMessage(r.Details),
		CreatedBy: r.CreatedBy,
		CreatedAt: r.CreatedAt,
	}
}

var _ repository.TaskEventRepository = (*TaskEventRepository)(nil)
