package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/acme/outbound-voice-agent/internal/bus"
	"github.com/acme/outbound-voice-agent/internal/command"
	"github.com/acme/outbound-voice-agent/internal/domain"
	"github.com/acme/outbound-voice-agent/internal/repository/memory"
	apperrors "github.com/acme/outbound-voice-agent/pkg/errors"
)

func seedCall(t *testing.T, store *memory.Store, status domain.CallStatus, taskStatus domain.TaskStatus) (*domain.Task, *domain.CallAttempt) {
	t.Helper()
	ctx := context.Background()
	task := &domain.Task{UserID: 1, PhoneNumber: "5551234", Status: taskStatus, MaxAttempts: 3}
	if err := store.Tasks().Create(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	attempt := &domain.CallAttempt{TaskID: task.ID, AttemptNumber: 1, Status: status}
	if err := store.Attempts().Create(ctx, attempt); err != nil {
		t.Fatalf("create attempt: %v", err)
	}
	return task, attempt
}

func TestSubmitUserInfoInjectsAnswer(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	b := bus.NewMemory()
	svc := NewService(store.Attempts(), store.Tasks(), store.Events(), store.Transcripts(), b)
	task, attempt := seedCall(t, store, domain.CallStatusLiveAIHandling, domain.TaskStatusPendingUserInfo)

	sub, _ := b.Subscribe(ctx, command.InjectTopic(attempt.ID))
	defer sub.Close()

	updated, err := svc.SubmitUserInfo(ctx, attempt.ID, " 7pm works ")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if updated.Status != domain.TaskStatusInitiatingCall || updated.UserInfoResponse != "7pm works" {
		t.Fatalf("unexpected task %+v", updated)
	}

	select {
	case env := <-sub.C():
		msg, ok := env.Command.(command.InjectMessage)
		if !ok || !msg.RespondImmediately || env.CallAttemptID != attempt.ID {
			t.Fatalf("unexpected envelope %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatalf("answer was not injected")
	}

	events, _ := store.Events().ListByTask(ctx, task.ID)
	if len(events) != 1 || events[0].EventType != domain.TaskEventUserInfoProvided {
		t.Fatalf("expected user_info_provided event, got %+v", events)
	}
}

func TestSubmitUserInfoRequiresPendingQuestion(t *testing.T) {
	store := memory.NewStore()
	svc := NewService(store.Attempts(), store.Tasks(), store.Events(), nil, bus.NewMemory())
	_, attempt := seedCall(t, store, domain.CallStatusLiveAIHandling, domain.TaskStatusInitiatingCall)

	if _, err := svc.SubmitUserInfo(context.Background(), attempt.ID, "answer"); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := svc.SubmitUserInfo(context.Background(), attempt.ID, "  "); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestEndCallPublishesOnlyForLiveCalls(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	b := bus.NewMemory()
	svc := NewService(store.Attempts(), store.Tasks(), store.Events(), nil, b)
	_, live := seedCall(t, store, domain.CallStatusRinging, domain.TaskStatusInitiatingCall)
	_, ended := seedCall(t, store, domain.CallStatusCompletedUserHangup, domain.TaskStatusCompletedSuccess)

	sub, _ := b.Subscribe(ctx, command.CommandTopic(live.ID))
	defer sub.Close()

	if err := svc.EndCall(ctx, live.ID, ""); err != nil {
		t.Fatalf("end call: %v", err)
	}
	select {
	case env := <-sub.C():
		if end, ok := env.Command.(command.EndCall); !ok || end.Reason != "ended by operator" {
			t.Fatalf("unexpected command %+v", env.Command)
		}
	case <-time.After(time.Second):
		t.Fatalf("end call not published")
	}

	if err := svc.EndCall(ctx, ended.ID, "stop"); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected conflict for an ended call, got %v", err)
	}
}

func TestTranscriptWithoutStoreIsUnavailable(t *testing.T) {
	store := memory.NewStore()
	svc := NewService(store.Attempts(), store.Tasks(), store.Events(), nil, bus.NewMemory())
	_, attempt := seedCall(t, store, domain.CallStatusLiveAIHandling, domain.TaskStatusInitiatingCall)
	if _, err := svc.Transcript(context.Background(), attempt.ID); !errors.Is(err, apperrors.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}
