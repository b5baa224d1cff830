package task

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/acme/outbound-voice-agent/internal/domain"
	"github.com/acme/outbound-voice-agent/internal/repository"
	apperrors "github.com/acme/outbound-voice-agent/pkg/errors"
)

var phonePattern = regexp.MustCompile(`^\+?[0-9]{3,20}$`)

// Service manages calling tasks on behalf of users.
type Service struct {
	tasks              repository.TaskRepository
	events             repository.TaskEventRepository
	dnd                repository.DNDRepository
	defaultMaxAttempts int
}

// NewService constructs a task service. A non-positive default falls back to domain.DefaultMaxAttempts.
func NewService(tasks repository.TaskRepository, events repository.TaskEventRepository, dnd repository.DNDRepository, defaultMaxAttempts int) *Service {
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = domain.DefaultMaxAttempts
	}
	return &Service{tasks: tasks, events: events, dnd: dnd, defaultMaxAttempts: defaultMaxAttempts}
}

// CreateTaskInput captures task creation parameters.
type CreateTaskInput struct {
	UserID       int64
	CampaignID   *int64
	Description  string
	AgentPrompt  string
	PhoneNumber  string
	BusinessName string
	PersonName   string
	MaxAttempts  int
	ScheduledAt  *time.Time
}

// Create validates and stores a pending task.
func (s *Service) Create(ctx context.Context, input CreateTaskInput) (*domain.Task, error) {
	input.PhoneNumber = normalizePhone(input.PhoneNumber)
	if err := validateCreateInput(input); err != nil {
		return nil, err
	}

	maxAttempts := input.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.defaultMaxAttempts
	}
	prompt := input.AgentPrompt
	if prompt == "" {
		prompt = input.Description
	}

	task := &domain.Task{
		UserID:         input.UserID,
		CampaignID:     input.CampaignID,
		Description:    input.Description,
		AgentPrompt:    prompt,
		PhoneNumber:    input.PhoneNumber,
		BusinessName:   input.BusinessName,
		PersonName:     input.PersonName,
		Status:         domain.TaskStatusPending,
		NextActionTime: input.ScheduledAt,
		MaxAttempts:    maxAttempts,
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("task service: create task: %w", err)
	}
	return task, nil
}

// Get retrieves a task by id.
func (s *Service) Get(ctx context.Context, id int64) (*domain.Task, error) {
	return s.tasks.Get(ctx, id)
}

// List returns tasks matching the filter, newest first.
func (s *Service) List(ctx context.Context, filter repository.TaskFilter) ([]*domain.Task, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.tasks.List(ctx, filter)
}

// Events returns the audit log of a task.
func (s *Service) Events(ctx context.Context, id int64) ([]domain.TaskEvent, error) {
	if _, err := s.tasks.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.events.ListByTask(ctx, id)
}

// Cancel stops a task that has not finished. Calls already in flight run to completion.
func (s *Service) Cancel(ctx context.Context, id int64) (*domain.Task, error) {
	from := []domain.TaskStatus{
		domain.TaskStatusPending,
		domain.TaskStatusRetryScheduled,
		domain.TaskStatusOnHold,
		domain.TaskStatusPendingUserInfo,
	}
	ok, err := s.tasks.TransitionStatus(ctx, id, from, domain.TaskStatusCancelledUser)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: task %d cannot be cancelled in its current state", apperrors.ErrConflict, id)
	}
	return s.tasks.Get(ctx, id)
}

// BlockNumber adds a number to the do-not-disturb list, for one user or globally when userID is nil.
func (s *Service) BlockNumber(ctx context.Context, phoneNumber string, userID *int64) error {
	phoneNumber = normalizePhone(phoneNumber)
	if !phonePattern.MatchString(phoneNumber) {
		return fmt.Errorf("%w: invalid phone number", apperrors.ErrValidation)
	}
	return s.dnd.Add(ctx, phoneNumber, userID)
}

func normalizePhone(raw string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
}

func validateCreateInput(input CreateTaskInput) error {
	if input.UserID <= 0 {
		return fmt.Errorf("%w: user id is required", apperrors.ErrValidation)
	}
	if !phonePattern.MatchString(input.PhoneNumber) {
		return fmt.Errorf("%w: invalid phone number %q", apperrors.ErrValidation, input.PhoneNumber)
	}
	if strings.TrimSpace(input.Description) == "" && strings.TrimSpace(input.AgentPrompt) == "" {
		return fmt.Errorf("%w: description or agent prompt is required", apperrors.ErrValidation)
	}
	if input.MaxAttempts < 0 || input.MaxAttempts > 10 {
		return fmt.Errorf("%w: max attempts must be between 1 and 10", apperrors.ErrValidation)
	}
	return nil
}
