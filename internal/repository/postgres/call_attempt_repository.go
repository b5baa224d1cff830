package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-voice-agent/internal/domain"
	"github.com/acme/outbound-voice-agent/internal/repository"
)

const attemptColumns = `id, task_id, attempt_number, status, pbx_unique_id, pbx_channel, outbound_channel,
	correlation_uuid, prompt, hangup_cause, conclusion, duration_seconds, recording_path,
	created_at, updated_at, started_at, answered_at, ended_at`

// CallAttemptRepository implements repository.CallAttemptRepository using PostgreSQL.
type CallAttemptRepository struct {
	db *sqlx.DB
}

// NewCallAttemptRepository constructs the repository.
func NewCallAttemptRepository(db *sqlx.DB) *CallAttemptRepository {
	return &CallAttemptRepository{db: db}
}

// Create inserts the attempt and fills in its id and timestamps.
func (r *CallAttemptRepository) Create(ctx context.Context, attempt *domain.CallAttempt) error {
	q := `INSERT INTO call_attempts (task_id, attempt_number, status, correlation_uuid, prompt)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`

	status := attempt.Status
	if status == "" {
		status = domain.CallStatusPendingOrigination
	}
	row := r.db.QueryRowxContext(ctx, q, attempt.TaskID, attempt.AttemptNumber, string(status),
		nullUUID(attempt.CorrelationUUID), attempt.Prompt)
	if err := row.Scan(&attempt.ID, &attempt.CreatedAt, &attempt.UpdatedAt); err != nil {
		return fmt.Errorf("call attempt repo: insert: %w", err)
	}
	attempt.Status = status
	return nil
}

// Get fetches an attempt by id.
func (r *CallAttemptRepository) Get(ctx context.Context, id int64) (*domain.CallAttempt, error) {
	return r.getOne(ctx, `SELECT `+attemptColumns+` FROM call_attempts WHERE id = $1`, id)
}

// GetByCorrelationUUID prefers the live attempt carrying the UUID.
func (r *CallAttemptRepository) GetByCorrelationUUID(ctx context.Context, correlation uuid.UUID) (*domain.CallAttempt, error) {
	q := `SELECT ` + attemptColumns + ` FROM call_attempts
		WHERE correlation_uuid = $1
		ORDER BY (status = ANY($2)) DESC, id DESC
		LIMIT 1`
	return r.getOne(ctx, q, correlation, statusStrings(domain.ActiveCallStatuses))
}

func (r *CallAttemptRepository) getOne(ctx context.Context, q string, args ...any) (*domain.CallAttempt, error) {
	var rec attemptRecord
	if err := r.db.QueryRowxContext(ctx, q, args...).StructScan(&rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("call attempt repo: get: %w", err)
	}
	attempt := rec.toDomain()
	return &attempt, nil
}

// ListByTask returns a task's attempts in dial order.
func (r *CallAttemptRepository) ListByTask(ctx context.Context, taskID int64) ([]*domain.CallAttempt, error) {
	return r.list(ctx, `SELECT `+attemptColumns+` FROM call_attempts WHERE task_id = $1 ORDER BY attempt_number ASC`, taskID)
}

// ListStale returns attempts parked in one of statuses since before the cutoff.
func (r *CallAttemptRepository) ListStale(ctx context.Context, statuses []domain.CallStatus, updatedBefore time.Time) ([]*domain.CallAttempt, error) {
	q := `SELECT ` + attemptColumns + ` FROM call_attempts
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at ASC`
	return r.list(ctx, q, statusStrings(statuses), updatedBefore)
}

func (r *CallAttemptRepository) list(ctx context.Context, q string, args ...any) ([]*domain.CallAttempt, error) {
	rows, err := r.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("call attempt repo: list: %w", err)
	}
	defer rows.Close()

	var out []*domain.CallAttempt
	for rows.Next() {
		var rec attemptRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("call attempt repo: scan: %w", err)
		}
		attempt := rec.toDomain()
		out = append(out, &attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("call attempt repo: rows err: %w", err)
	}
	return out, nil
}

// SetCorrelationUUID stores the UUID unless one is already set.
func (r *CallAttemptRepository) SetCorrelationUUID(ctx context.Context, id int64, correlation uuid.UUID) error {
	q := `UPDATE call_attempts SET correlation_uuid = $2, updated_at = now()
		WHERE id = $1 AND correlation_uuid IS NULL`
	_, err := r.exec(ctx, "set correlation uuid", q, id, correlation)
	return err
}

// AdvanceStatus moves the attempt forward when its stored status precedes to.
func (r *CallAttemptRepository) AdvanceStatus(ctx context.Context, id int64, to domain.CallStatus, at time.Time) (bool, error) {
	if to.IsTerminal() {
		return false, nil
	}
	q := `UPDATE call_attempts SET
		status = $2,
		updated_at = now(),
		started_at = CASE WHEN $2 = 'ORIGINATING' THEN COALESCE(started_at, $3) ELSE started_at END,
		answered_at = CASE WHEN $2 = 'ANSWERED' THEN COALESCE(answered_at, $3) ELSE answered_at END
		WHERE id = $1 AND status = ANY($4)`
	return r.exec(ctx, "advance status", q, id, string(to), at, statusStrings(domain.PredecessorsOf(to)))
}

// SetPBXIdentity records the PBX unique id once; the channel may be refreshed.
func (r *CallAttemptRepository) SetPBXIdentity(ctx context.Context, id int64, uniqueID, channel string) error {
	q := `UPDATE call_attempts SET
		pbx_unique_id = CASE WHEN pbx_unique_id = '' THEN $2 ELSE pbx_unique_id END,
		pbx_channel = CASE WHEN $3 <> '' THEN $3 ELSE pbx_channel END,
		updated_at = now()
		WHERE id = $1`
	_, err := r.exec(ctx, "set pbx identity", q, id, uniqueID, channel)
	return err
}

func (r *CallAttemptRepository) SetOutboundChannel(ctx context.Context, id int64, channel string) error {
	_, err := r.exec(ctx, "set outbound channel",
		`UPDATE call_attempts SET outbound_channel = $2, updated_at = now() WHERE id = $1`, id, channel)
	return err
}

func (r *CallAttemptRepository) SetRecordingPath(ctx context.Context, id int64, path string) error {
	_, err := r.exec(ctx, "set recording path",
		`UPDATE call_attempts SET recording_path = $2, updated_at = now() WHERE id = $1`, id, path)
	return err
}

// Complete writes the terminal status if no terminal status has landed yet.
func (r *CallAttemptRepository) Complete(ctx context.Context, id int64, c domain.CallCompletion) (bool, error) {
	if !c.Status.IsTerminal() {
		return false, nil
	}
	q := `UPDATE call_attempts SET
		status = $2,
		hangup_cause = $3,
		conclusion = CASE WHEN $4 <> '' THEN $4 ELSE conclusion END,
		duration_seconds = $5,
		ended_at = $6,
		updated_at = now()
		WHERE id = $1 AND status = ANY($7)`
	return r.exec(ctx, "complete", q, id, string(c.Status), c.HangupCause, c.Conclusion,
		c.DurationSeconds, c.EndedAt, statusStrings(domain.ActiveCallStatuses))
}

// CountActive counts attempts not yet in a terminal status.
func (r *CallAttemptRepository) CountActive(ctx context.Context) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT count(*) FROM call_attempts WHERE status = ANY($1)`,
		statusStrings(domain.ActiveCallStatuses)); err != nil {
		return 0, fmt.Errorf("call attempt repo: count active: %w", err)
	}
	return n, nil
}

// exec runs a conditional update. Zero affected rows on an existing attempt
// reports false; a missing attempt reports ErrNotFound.
func (r *CallAttemptRepository) exec(ctx context.Context, action, q string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("call attempt repo: %s: %w", action, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("call attempt repo: rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM call_attempts WHERE id = $1)`, args[0]); err != nil {
		return false, fmt.Errorf("call attempt repo: exists: %w", err)
	}
	if !exists {
		return false, repository.ErrNotFound
	}
	return false, nil
}

type attemptRecord struct {
	ID              int64         `db:"id"`
	TaskID          int64         `db:"task_id"`
	AttemptNumber   int           `db:"attempt_number"`
	Status          string        `db:"status"`
	PBXUniqueID     string        `db:"pbx_unique_id"`
	PBXChannel      string        `db:"pbx_channel"`
	OutboundChannel string        `db:"outbound_channel"`
	CorrelationUUID uuid.NullUUID `db:"correlation_uuid"`
	Prompt          string        `db:"prompt"`
	HangupCause     string        `db:"hangup_cause"`
	Conclusion      string        `db:"conclusion"`
	DurationSeconds int           `db:"duration_seconds"`
	RecordingPath   string        `db:"recording_path"`
	CreatedAt       time.Time     `db:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at"`
	StartedAt       sql.NullTime  `db:"started_at"`
	AnsweredAt      sql.NullTime  `db:"answered_at"`
	EndedAt         sql.NullTime  `db:"ended_at"`
}

func (r attemptRecord) toDomain() domain.CallAttempt {
	a := domain.CallAttempt{
		ID:              r.ID,
		TaskID:          r.TaskID,
		AttemptNumber:   r.AttemptNumber,
		Status:          domain.CallStatus(r.Status),
		PBXUniqueID:     r.PBXUniqueID,
		PBXChannel:      r.PBXChannel,
		OutboundChannel: r.OutboundChannel,
		Prompt:          r.Prompt,
		HangupCause:     r.HangupCause,
		Conclusion:      r.Conclusion,
		DurationSeconds: r.DurationSeconds,
		RecordingPath:   r.RecordingPath,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		StartedAt:       timePtr(r.StartedAt),
		AnsweredAt:      timePtr(r.AnsweredAt),
		EndedAt:         timePtr(r.EndedAt),
	}
	if r.CorrelationUUID.Valid {
		a.CorrelationUUID = r.CorrelationUUID.UUID
	}
	return a
}

func statusStrings(statuses []domain.CallStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func nullUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

var _ repository.CallAttemptRepository = (*CallAttemptRepository)(nil)
