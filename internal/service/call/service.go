package call

import (
	"context"
	"fmt"
	"strings"

	"github.com/acme/outbound-voice-agent/internal/bus"
	"github.com/acme/outbound-voice-agent/internal/command"
	"github.com/acme/outbound-voice-agent/internal/domain"
	"github.com/acme/outbound-voice-agent/internal/repository"
	apperrors "github.com/acme/outbound-voice-agent/pkg/errors"
)

// Service exposes call attempts to operators and relays their input into live calls.
type Service struct {
	attempts    repository.CallAttemptRepository
	tasks       repository.TaskRepository
	events      repository.TaskEventRepository
	transcripts repository.TranscriptStore
	publisher   bus.Publisher
}

// NewService builds the call service. transcripts may be nil when no transcript store is configured.
func NewService(
	attempts repository.CallAttemptRepository,
	tasks repository.TaskRepository,
	events repository.TaskEventRepository,
	transcripts repository.TranscriptStore,
	publisher bus.Publisher,
) *Service {
	return &Service{
		attempts:    attempts,
		tasks:       tasks,
		events:      events,
		transcripts: transcripts,
		publisher:   publisher,
	}
}

// Get retrieves a call attempt.
func (s *Service) Get(ctx context.Context, id int64) (*domain.CallAttempt, error) {
	return s.attempts.Get(ctx, id)
}

// ListByTask returns every attempt made for a task.
func (s *Service) ListByTask(ctx context.Context, taskID int64) ([]*domain.CallAttempt, error) {
	if _, err := s.tasks.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return s.attempts.ListByTask(ctx, taskID)
}

// Transcript returns the utterances recorded for a call.
func (s *Service) Transcript(ctx context.Context, id int64) ([]domain.TranscriptEntry, error) {
	if _, err := s.attempts.Get(ctx, id); err != nil {
		return nil, err
	}
	if s.transcripts == nil {
		return nil, fmt.Errorf("%w: transcript store not configured", apperrors.ErrUnavailable)
	}
	return s.transcripts.ListTranscript(ctx, id)
}

// Timeline returns the PBX events accepted for a call.
func (s *Service) Timeline(ctx context.Context, id int64) ([]domain.CallEvent, error) {
	if _, err := s.attempts.Get(ctx, id); err != nil {
		return nil, err
	}
	if s.transcripts == nil {
		return nil, fmt.Errorf("%w: transcript store not configured", apperrors.ErrUnavailable)
	}
	return s.transcripts.ListEvents(ctx, id)
}

// SubmitUserInfo answers the question the agent raised during the call and
// injects the answer into the live conversation.
func (s *Service) SubmitUserInfo(ctx context.Context, id int64, response string) (*domain.Task, error) {
	response = strings.TrimSpace(response)
	if response == "" {
		return nil, fmt.Errorf("%w: response is required", apperrors.ErrValidation)
	}
	attempt, err := s.attempts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if attempt.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: call %d has ended", apperrors.ErrConflict, id)
	}
	if err := s.tasks.SubmitUserInfo(ctx, attempt.TaskID, response); err != nil {
		return nil, fmt.Errorf("call service: store user info: %w", err)
	}

	ev := domain.NewTaskEvent(attempt.TaskID, domain.TaskEventUserInfoProvided, map[string]any{
		"call_attempt_id": id,
		"response":        response,
	})
	ev.CreatedBy = "user"
	if err := s.events.Append(ctx, &ev); err != nil {
		return nil, fmt.Errorf("call service: append user info event: %w", err)
	}

	msg := command.InjectMessage{
		Text:               "The user has provided the requested information: " + response,
		RespondImmediately: true,
	}
	if err := s.publisher.Publish(ctx, command.InjectTopic(id), id, msg); err != nil {
		return nil, fmt.Errorf("call service: inject user info: %w", err)
	}
	return s.tasks.Get(ctx, attempt.TaskID)
}

// EndCall asks a live call to hang up.
func (s *Service) EndCall(ctx context.Context, id int64, reason string) error {
	attempt, err := s.attempts.Get(ctx, id)
	if err != nil {
		return err
	}
	if attempt.Status.IsTerminal() {
		return fmt.Errorf("%w: call %d has already ended", apperrors.ErrConflict, id)
	}
	if reason == "" {
		reason = "ended by operator"
	}
	if err := s.publisher.Publish(ctx, command.CommandTopic(id), id, command.EndCall{Reason: reason}); err != nil {
		return fmt.Errorf("call service: publish end call: %w", err)
	}
	return nil
}
