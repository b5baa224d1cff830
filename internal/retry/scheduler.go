package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-voice-agent/internal/domain"
	"github.com/acme/outbound-voice-agent/internal/queue"
	"github.com/acme/outbound-voice-agent/internal/repository"
	"github.com/acme/outbound-voice-agent/internal/telemetry"
	"github.com/acme/outbound-voice-agent/pkg/logger"
)

// Decision is what Handle did with an outcome.
type Decision string

const (
	DecisionSkipped     Decision = "skipped"
	DecisionSuccess     Decision = "success"
	DecisionFailed      Decision = "failed"
	DecisionRetry       Decision = "retry"
	DecisionMaxAttempts Decision = "max_attempts"
)

// Scheduler applies call outcomes to their tasks.
type Scheduler struct {
	attempts repository.CallAttemptRepository
	tasks    repository.TaskRepository
	policy   *Policy
	metrics  *telemetry.Metrics
	log      *logger.Logger
	now      func() time.Time
}

// NewScheduler constructs a scheduler. metrics may be nil.
func NewScheduler(attempts repository.CallAttemptRepository, tasks repository.TaskRepository, policy *Policy, metrics *telemetry.Metrics, log *logger.Logger) *Scheduler {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Scheduler{
		attempts: attempts,
		tasks:    tasks,
		policy:   policy,
		metrics:  metrics,
		log:      log.Named("retry"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle decides the task's next state from one completed attempt. Redelivered
// outcomes for an attempt the task already counted are skipped.
func (s *Scheduler) Handle(ctx context.Context, msg queue.CallCompletedMessage) (Decision, error) {
	tracer := otel.Tracer("outbound.retry")
	ctx, span := tracer.Start(ctx, "retry.decide", trace.WithAttributes(
		attribute.Int64("task.id", msg.TaskID),
		attribute.Int64("call_attempt.id", msg.CallAttemptID),
		attribute.String("call.status", msg.Status),
	))
	defer span.End()

	attempt, err := s.attempts.Get(ctx, msg.CallAttemptID)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("retry: get attempt: %w", err)
	}
	task, err := s.tasks.Get(ctx, msg.TaskID)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("retry: get task: %w", err)
	}

	if task.Status.IsTerminal() || attempt.AttemptNumber <= task.CurrentAttemptCount {
		s.log.Debug("retry: outcome already applied",
			zap.Int64("task_id", task.ID),
			zap.Int64("call_attempt_id", attempt.ID),
			zap.String("task_status", string(task.Status)))
		s.metrics.RecordRetryDecision(string(DecisionSkipped))
		return DecisionSkipped, nil
	}

	status := attempt.Status
	if !status.IsTerminal() {
		status = domain.CallStatus(msg.Status)
	}
	class := Classify(status, msg.RescheduleRequested)

	now := s.now()
	count := task.CurrentAttemptCount + 1
	outcome := repository.TaskOutcome{
		TaskID:              task.ID,
		CurrentAttemptCount: count,
		OverallConclusion:   conclusion(attempt, msg),
	}
	details := map[string]any{
		"call_attempt_id": attempt.ID,
		"attempt_number":  attempt.AttemptNumber,
		"call_status":     string(status),
	}

	var decision Decision
	var eventType string
	switch {
	case class == ClassSuccess:
		decision, eventType = DecisionSuccess, domain.TaskEventTaskCompletedSuccess
		outcome.Status = domain.TaskStatusCompletedSuccess
	case class == ClassNonRetriable:
		decision, eventType = DecisionFailed, domain.TaskEventTaskCompletedFailure
		outcome.Status = domain.TaskStatusCompletedFailure
	case count < task.MaxAttempts:
		delay := s.policy.Delay(count)
		next := now.Add(delay)
		decision, eventType = DecisionRetry, domain.TaskEventRetryScheduled
		outcome.Status = domain.TaskStatusRetryScheduled
		outcome.NextActionTime = &next
		details["next_action_time"] = next.Format(time.RFC3339)
		details["delay_seconds"] = int(delay.Seconds())
	default:
		decision, eventType = DecisionMaxAttempts, domain.TaskEventMaxAttemptsReached
		outcome.Status = domain.TaskStatusCompletedFailure
		details["max_attempts"] = task.MaxAttempts
	}

	event := domain.NewTaskEvent(task.ID, eventType, details)
	if err := s.tasks.ApplyOutcome(ctx, outcome, &event); err != nil {
		span.RecordError(err)
		if errors.Is(err, repository.ErrConflict) {
			s.metrics.RecordRetryDecision(string(DecisionSkipped))
			return DecisionSkipped, nil
		}
		return "", fmt.Errorf("retry: apply outcome: %w", err)
	}

	span.SetAttributes(attribute.String("retry.decision", string(decision)))
	s.metrics.RecordRetryDecision(string(decision))
	fields := []zap.Field{
		zap.Int64("task_id", task.ID),
		zap.Int64("call_attempt_id", attempt.ID),
		zap.String("call_status", string(status)),
		zap.String("decision", string(decision)),
		zap.Int("attempt", count),
	}
	if outcome.NextActionTime != nil {
		fields = append(fields, zap.Time("next_action_time", *outcome.NextActionTime))
	}
	s.log.Info("retry: outcome applied", fields...)
	return decision, nil
}

func conclusion(attempt *domain.CallAttempt, msg queue.CallCompletedMessage) string {
	switch {
	case attempt.Conclusion != "":
		return attempt.Conclusion
	case msg.Conclusion != "":
		return msg.Conclusion
	default:
		return attempt.HangupCause
	}
}
