package task

import (
	"context"
	"errors"
	"testing"

	"github.com/acme/outbound-voice-agent/internal/domain"
	"github.com/acme/outbound-voice-agent/internal/repository"
	"github.com/acme/outbound-voice-agent/internal/repository/memory"
	apperrors "github.com/acme/outbound-voice-agent/pkg/errors"
)

func newService() (*Service, *memory.Store) {
	store := memory.NewStore()
	return NewService(store.Tasks(), store.Events(), store.DND(), 0), store
}

func TestValidateCreateInputFailures(t *testing.T) {
	cases := []CreateTaskInput{
		{UserID: 0, PhoneNumber: "5551234", Description: "book"},
		{UserID: 1, PhoneNumber: "", Description: "book"},
		{UserID: 1, PhoneNumber: "call-me", Description: "book"},
		{UserID: 1, PhoneNumber: "5551234"},
		{UserID: 1, PhoneNumber: "5551234", Description: "book", MaxAttempts: 50},
	}

	for _, tc := range cases {
		if err := validateCreateInput(tc); !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("expected validation error for input %+v, got %v", tc, err)
		}
	}
}

func TestCreateDefaultsAndNormalizes(t *testing.T) {
	svc, _ := newService()
	task, err := svc.Create(context.Background(), CreateTaskInput{
		UserID:      7,
		PhoneNumber: "+1 (555) 123-4567",
		Description: "Book a table for two at 7pm",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.ID == 0 || task.Status != domain.TaskStatusPending {
		t.Fatalf("unexpected task %+v", task)
	}
	if task.MaxAttempts != domain.DefaultMaxAttempts {
		t.Fatalf("expected default max attempts, got %d", task.MaxAttempts)
	}
	if task.PhoneNumber != "+15551234567" {
		t.Fatalf("expected normalized phone, got %q", task.PhoneNumber)
	}
	if task.AgentPrompt != task.Description {
		t.Fatalf("prompt should fall back to the description")
	}
}

func TestListFiltersByUser(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService()
	for _, user := range []int64{1, 2, 1} {
		if _, err := svc.Create(ctx, CreateTaskInput{UserID: user, PhoneNumber: "5551234", Description: "x"}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	user := int64(1)
	tasks, err := svc.List(ctx, repository.TaskFilter{UserID: &user})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID < tasks[1].ID {
		t.Fatalf("expected two tasks newest first, got %d", len(tasks))
	}
}

func TestCancelOnlyUnfinishedTasks(t *testing.T) {
	ctx := context.Background()
	svc, store := newService()
	task, _ := svc.Create(ctx, CreateTaskInput{UserID: 1, PhoneNumber: "5551234", Description: "x"})

	cancelled, err := svc.Cancel(ctx, task.ID)
	if err != nil || cancelled.Status != domain.TaskStatusCancelledUser {
		t.Fatalf("cancel: %v %+v", err, cancelled)
	}

	done, _ := svc.Create(ctx, CreateTaskInput{UserID: 1, PhoneNumber: "5551234", Description: "y"})
	_ = store.Tasks().UpdateStatus(ctx, done.ID, domain.TaskStatusCompletedSuccess)
	if _, err := svc.Cancel(ctx, done.ID); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected conflict for a finished task, got %v", err)
	}
	if _, err := svc.Cancel(ctx, 999); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBlockNumber(t *testing.T) {
	ctx := context.Background()
	svc, store := newService()
	if err := svc.BlockNumber(ctx, "555-0100", nil); err != nil {
		t.Fatalf("block: %v", err)
	}
	blocked, _ := store.DND().IsBlocked(ctx, "5550100", 42)
	if !blocked {
		t.Fatalf("global block should apply to every user")
	}
}
