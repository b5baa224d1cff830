package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-voice-agent/internal/domain"
	"github.com/acme/outbound-voice-agent/internal/repository"
)

const taskColumns = `id, user_id, campaign_id, description, agent_prompt, phone_number, business_name,
	person_name, status, overall_conclusion, next_action_time, max_attempts, current_attempt_count,
	user_info_request, user_info_response, user_info_timeout_seconds, user_info_requested_at,
	created_at, updated_at`

// TaskRepository implements repository.TaskRepository using PostgreSQL.
type TaskRepository struct {
	db *sqlx.DB
}

// NewTaskRepository constructs the repository.
func NewTaskRepository(db *sqlx.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// Create inserts a task.
func (r *TaskRepository) Create(ctx context.Context, task *domain.Task) error {
	q := `INSERT INTO tasks (
		user_id, campaign_id, description, agent_prompt, phone_number, business_name, person_name,
		status, next_action_time, max_attempts, current_attempt_count
	) VALUES (
		:user_id, :campaign_id, :description, :agent_prompt, :phone_number, :business_name, :person_name,
		:status, :next_action_time, :max_attempts, :current_attempt_count
	) RETURNING id, created_at, updated_at`

	params := map[string]any{
		"user_id":               task.UserID,
		"campaign_id":           task.CampaignID,
		"description":           task.Description,
		"agent_prompt":          task.AgentPrompt,
		"phone_number":          task.PhoneNumber,
		"business_name":         task.BusinessName,
		"person_name":           task.PersonName,
		"status":                string(task.Status),
		"next_action_time":      task.NextActionTime,
		"max_attempts":          task.MaxAttempts,
		"current_attempt_count": task.CurrentAttemptCount,
	}

	rows, err := r.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return fmt.Errorf("task repo: insert: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return fmt.Errorf("task repo: insert returned no row")
	}
	if err := rows.Scan(&task.ID, &task.CreatedAt, &task.UpdatedAt); err != nil {
		return fmt.Errorf("task repo: insert scan: %w", err)
	}
	return rows.Err()
}

// Get fetches a task by id.
func (r *TaskRepository) Get(ctx context.Context, id int64) (*domain.Task, error) {
	var rec taskRecord
	if err := r.db.QueryRowxContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id).StructScan(&rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("task repo: get: %w", err)
	}
	task := rec.toDomain()
	return &task, nil
}

// List returns tasks newest first.
func (r *TaskRepository) List(ctx context.Context, filter repository.TaskFilter) ([]*domain.Task, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if filter.UserID != nil {
		args = append(args, *filter.UserID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	return r.list(ctx, query, args...)
}

// ListDue returns pending tasks and retries whose next action time has passed.
func (r *TaskRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + taskColumns + ` FROM tasks
		WHERE (status = 'pending' AND (next_action_time IS NULL OR next_action_time <= $1))
		   OR (status = 'retry_scheduled' AND next_action_time <= $1)
		ORDER BY next_action_time ASC NULLS FIRST, id ASC
		LIMIT $2`
	return r.list(ctx, q, now, limit)
}

func (r *TaskRepository) list(ctx context.Context, q string, args ...any) ([]*domain.Task, error) {
	rows, err := r.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("task repo: list: %w", err)
	}
	defer rows.Close()

	var out []*domain.Task
	for rows.Next() {
		var rec taskRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("task repo: scan: %w", err)
		}
		task := rec.toDomain()
		out = append(out, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task repo: rows err: %w", err)
	}
	return out, nil
}

// TransitionStatus moves the task to `to` only from one of the listed statuses.
func (r *TaskRepository) TransitionStatus(ctx context.Context, id int64, from []domain.TaskStatus, to domain.TaskStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE tasks SET status = $2, updated_at = now() WHERE id = $1 AND status = ANY($3)`,
		id, string(to), taskStatusStrings(from))
	if err != nil {
		return false, fmt.Errorf("task repo: transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("task repo: rows affected: %w", err)
	}
	if n == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// UpdateStatus sets the status unconditionally.
func (r *TaskRepository) UpdateStatus(ctx context.Context, id int64, status domain.TaskStatus) error {
	return r.mustUpdate(ctx, "update status", `UPDATE tasks SET status = $2, updated_at = now() WHERE id = $1`, id, string(status))
}

// RequestUserInfo parks the task waiting for the user's answer.
func (r *TaskRepository) RequestUserInfo(ctx context.Context, id int64, question string, timeoutSeconds int, at time.Time) error {
	q := `UPDATE tasks SET
		status = 'pending_user_info',
		user_info_request = $2,
		user_info_response = '',
		user_info_timeout_seconds = $3,
		user_info_requested_at = $4,
		updated_at = now()
		WHERE id = $1`
	return r.mustUpdate(ctx, "request user info", q, id, question, timeoutSeconds, at)
}

// SubmitUserInfo stores the answer; the task must be waiting for one.
func (r *TaskRepository) SubmitUserInfo(ctx context.Context, id int64, response string) error {
	q := `UPDATE tasks SET status = 'initiating_call', user_info_response = $2, updated_at = now()
		WHERE id = $1 AND status = 'pending_user_info'`
	res, err := r.db.ExecContext(ctx, q, id, response)
	if err != nil {
		return fmt.Errorf("task repo: submit user info: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("task repo: rows affected: %w", err)
	}
	if n == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return repository.ErrConflict
	}
	return nil
}

// ApplyOutcome writes the post-call update and its audit event together.
// A task that reached a terminal status in the meantime is left alone.
func (r *TaskRepository) ApplyOutcome(ctx context.Context, outcome repository.TaskOutcome, event *domain.TaskEvent) error {
	return withTx(ctx, r.db, "apply_outcome", func(tx *sqlx.Tx) error {
		q := `UPDATE tasks SET
			status = $2,
			overall_conclusion = CASE WHEN $3 <> '' THEN $3 ELSE overall_conclusion END,
			next_action_time = $4,
			current_attempt_count = $5,
			updated_at = now()
			WHERE id = $1 AND NOT (status = ANY($6))`
		res, err := tx.ExecContext(ctx, q, outcome.TaskID, string(outcome.Status), outcome.OverallConclusion,
			outcome.NextActionTime, outcome.CurrentAttemptCount, taskStatusStrings(terminalTaskStatuses))
		if err != nil {
			return fmt.Errorf("task repo: apply outcome: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("task repo: rows affected: %w", err)
		}
		if n == 0 {
			var exists bool
			if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, outcome.TaskID); err != nil {
				return fmt.Errorf("task repo: exists: %w", err)
			}
			if !exists {
				return repository.ErrNotFound
			}
			return repository.ErrConflict
		}
		if event == nil {
			return nil
		}
		return insertEvent(ctx, tx, event)
	})
}

func (r *TaskRepository) mustUpdate(ctx context.Context, action, q string, args ...any) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("task repo: %s: %w", action, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("task repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

var terminalTaskStatuses = []domain.TaskStatus{
	domain.TaskStatusCompletedSuccess,
	domain.TaskStatusCompletedFailure,
	domain.TaskStatusCancelledDND,
	domain.TaskStatusCancelledUser,
	domain.TaskStatusError,
}

func taskStatusStrings(statuses []domain.TaskStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

type taskRecord struct {
	ID                     int64         `db:"id"`
	UserID                 int64         `db:"user_id"`
	CampaignID             sql.NullInt64 `db:"campaign_id"`
	Description            string        `db:"description"`
	AgentPrompt            string        `db:"agent_prompt"`
	PhoneNumber            string        `db:"phone_number"`
	BusinessName           string        `db:"business_name"`
	PersonName             string        `db:"person_name"`
	Status                 string        `db:"status"`
	OverallConclusion      string        `db:"overall_conclusion"`
	NextActionTime         sql.NullTime  `db:"next_action_time"`
	MaxAttempts            int           `db:"max_attempts"`
	CurrentAttemptCount    int           `db:"current_attempt_count"`
	UserInfoRequest        string        `db:"user_info_request"`
	UserInfoResponse       string        `db:"user_info_response"`
	UserInfoTimeoutSeconds int           `db:"user_info_timeout_seconds"`
	UserInfoRequestedAt    sql.NullTime  `db:"user_info_requested_at"`
	CreatedAt              time.Time     `db:"created_at"`
	UpdatedAt              time.Time     `db:"updated_at"`
}

func (r taskRecord) toDomain() domain.Task {
	t := domain.Task{
		ID:                     r.ID,
		UserID:                 r.UserID,
		Description:            r.Description,
		AgentPrompt:            r.AgentPrompt,
		PhoneNumber:            r.PhoneNumber,
		BusinessName:           r.BusinessName,
		PersonName:             r.PersonName,
		Status:                 domain.TaskStatus(r.Status),
		OverallConclusion:      r.OverallConclusion,
		NextActionTime:         timePtr(r.NextActionTime),
		MaxAttempts:            r.MaxAttempts,
		CurrentAttemptCount:    r.CurrentAttemptCount,
		UserInfoRequest:        r.UserInfoRequest,
		UserInfoResponse:       r.UserInfoResponse,
		UserInfoTimeoutSeconds: r.UserInfoTimeoutSeconds,
		UserInfoRequestedAt:    timePtr(r.UserInfoRequestedAt),
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
	}
	if r.CampaignID.Valid {
		id := r.CampaignID.Int64
		t.CampaignID = &id
	}
	return t
}

var _ repository.TaskRepository = (*TaskRepository)(nil)
