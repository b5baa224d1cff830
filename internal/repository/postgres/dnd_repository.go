package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-voice-agent/internal/repository"
)

// DNDRepository implements repository.DNDRepository.
type DNDRepository struct {
	db *sqlx.DB
}

// NewDNDRepository constructs the repository.
func NewDNDRepository(db *sqlx.DB) *DNDRepository {
	return &DNDRepository{db: db}
}

// IsBlocked reports a global block or one owned by userID.
func (r *DNDRepository) IsBlocked(ctx context.Context, phoneNumber string, userID int64) (bool, error) {
	var blocked bool
	q := `SELECT EXISTS (
		SELECT 1 FROM dnd_list WHERE phone_number = $1 AND (user_id IS NULL OR user_id = $2)
	)`
	if err := r.db.GetContext(ctx, &blocked, q, phoneNumber, userID); err != nil {
		return false, fmt.Errorf("dnd repo: lookup: %w", err)
	}
	return blocked, nil
}

// Add blocks a number for one user, or for everyone when userID is nil.
func (r *DNDRepository) Add(ctx context.Context, phoneNumber string, userID *int64) error {
	if _, err := r.db.ExecContext(ctx, `INSERT INTO dnd_list (phone_number, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		phoneNumber, userID); err != nil {
		return fmt.Errorf("dnd repo: insert: %w", err)
	}
	return nil
}

var _ repository.DNDRepository = (*DNDRepository)(nil)
