// Package admission gates call origination behind a global concurrency limit.
package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/outbound-voice-agent/internal/domain"
	"github.com/acme/outbound-voice-agent/internal/queue"
	"github.com/acme/outbound-voice-agent/internal/repository"
	"github.com/acme/outbound-voice-agent/internal/telemetry"
	"github.com/acme/outbound-voice-agent/pkg/logger"
)

const (
	causeInitiationFailure = "initiation process failure"
	causeStaleCleanup      = "stale call attempt cleanup"
)

// Spawner starts the state machine for an attempt. onDone must run once it terminates.
type Spawner interface {
	Spawn(ctx context.Context, attempt *domain.CallAttempt, task *domain.Task, onDone func())
}

// SlotCounter is a cross-process slot limiter.
type SlotCounter interface {
	Acquire(ctx context.Context, limit int) (bool, error)
	Release(ctx context.Context) error
	Reset(ctx context.Context) error
}

// OutcomePublisher announces attempts failed by reconciliation.
type OutcomePublisher interface {
	PublishCallCompleted(ctx context.Context, msg queue.CallCompletedMessage) error
}

// Config bounds admission. MaxCallDuration is the age past which an answered
// attempt that no handler in this process owns is considered orphaned.
type Config struct {
	MaxConcurrentCalls int
	ReconcileInterval  time.Duration
	StaleAfter         time.Duration
	MaxCallDuration    time.Duration
}

// Deps are the controller's collaborators. Slots and Metrics are optional.
type Deps struct {
	Attempts repository.CallAttemptRepository
	Tasks    repository.TaskRepository
	Spawner  Spawner
	Outcomes OutcomePublisher
	Slots    SlotCounter
	Metrics  *telemetry.Metrics
	Logger   *logger.Logger
}

// Controller tracks active attempts in memory. A reservation counter keeps
// concurrent Initiate calls from overshooting the limit between check and register.
type Controller struct {
	cfg  Config
	deps Deps
	log  *logger.Logger

	runCtx  context.Context
	stopRun context.CancelFunc

	mu       sync.Mutex
	active   map[int64]struct{}
	slotted  map[int64]struct{}
	reserved int
}

// New constructs a controller.
func New(cfg Config, deps Deps) *Controller {
	if cfg.MaxConcurrentCalls <= 0 {
		cfg.MaxConcurrentCalls = 10
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 20 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.MaxCallDuration <= 0 {
		cfg.MaxCallDuration = 30 * time.Minute
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	runCtx, stopRun := context.WithCancel(context.Background())
	return &Controller{
		cfg:     cfg,
		deps:    deps,
		log:     deps.Logger.Named("admission"),
		runCtx:  runCtx,
		stopRun: stopRun,
		active:  make(map[int64]struct{}),
		slotted: make(map[int64]struct{}),
	}
}

// Shutdown cancels every spawned state machine and refuses further admissions.
// It is idempotent.
func (c *Controller) Shutdown() {
	c.stopRun()
}

// MaxConcurrent returns the configured limit.
func (c *Controller) MaxConcurrent() int {
	return c.cfg.MaxConcurrentCalls
}

// CanInitiate reports whether another call may start now.
func (c *Controller) CanInitiate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)+c.reserved < c.cfg.MaxConcurrentCalls
}

// ActiveCount returns the number of registered attempts.
func (c *Controller) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Initiate creates an attempt for task and spawns its state machine. It returns
// false without error when capacity is exhausted.
func (c *Controller) Initiate(ctx context.Context, task *domain.Task) (bool, error) {
	if !c.reserve() {
		return false, nil
	}

	slotHeld := false
	if c.deps.Slots != nil {
		ok, err := c.deps.Slots.Acquire(ctx, c.cfg.MaxConcurrentCalls)
		if err != nil || !ok {
			c.unreserve()
			if err != nil {
				return false, fmt.Errorf("admission: acquire slot: %w", err)
			}
			return false, nil
		}
		slotHeld = true
	}

	attempt := &domain.CallAttempt{
		TaskID:        task.ID,
		AttemptNumber: task.CurrentAttemptCount + 1,
		Status:        domain.CallStatusPendingOrigination,
		Prompt:        task.AgentPrompt,
	}
	if err := c.deps.Attempts.Create(ctx, attempt); err != nil {
		c.abort(ctx, nil, task, slotHeld)
		return false, fmt.Errorf("admission: create attempt: %w", err)
	}
	if err := c.deps.Tasks.UpdateStatus(ctx, task.ID, domain.TaskStatusInitiatingCall); err != nil {
		c.abort(ctx, attempt, task, slotHeld)
		return false, fmt.Errorf("admission: mark task initiating: %w", err)
	}

	c.mu.Lock()
	c.reserved--
	c.active[attempt.ID] = struct{}{}
	if slotHeld {
		c.slotted[attempt.ID] = struct{}{}
	}
	active := len(c.active)
	c.mu.Unlock()
	c.deps.Metrics.SetActiveCalls(active)

	// handlers outlive the request that admitted them but not the process run
	spawnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(c.runCtx, cancel)
	id := attempt.ID
	c.deps.Spawner.Spawn(spawnCtx, attempt, task, func() {
		stop()
		cancel()
		c.Unregister(id)
	})

	c.log.Info("admission: call attempt admitted",
		zap.Int64("task_id", task.ID),
		zap.Int64("call_attempt_id", attempt.ID),
		zap.Int("attempt", attempt.AttemptNumber),
		zap.Int("active", active))
	return true, nil
}

// Register marks an attempt active. It is idempotent.
func (c *Controller) Register(id int64) {
	c.mu.Lock()
	c.active[id] = struct{}{}
	n := len(c.active)
	c.mu.Unlock()
	c.deps.Metrics.SetActiveCalls(n)
}

// Unregister removes an attempt and frees its distributed slot. It is idempotent.
func (c *Controller) Unregister(id int64) {
	c.mu.Lock()
	_, wasActive := c.active[id]
	delete(c.active, id)
	_, held := c.slotted[id]
	delete(c.slotted, id)
	n := len(c.active)
	c.mu.Unlock()

	if held {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.deps.Slots.Release(ctx); err != nil {
			c.log.Warn("admission: release slot", zap.Int64("call_attempt_id", id), zap.Error(err))
		}
		cancel()
	}
	if wasActive {
		c.deps.Metrics.SetActiveCalls(n)
		c.log.Debug("admission: call attempt released", zap.Int64("call_attempt_id", id), zap.Int("active", n))
	}
}

// Run reconciles memory against the database until ctx is cancelled, then
// shuts down the spawned state machines.
func (c *Controller) Run(ctx context.Context) error {
	defer c.Shutdown()
	ticker := time.NewTicker(c.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := c.Reconcile(ctx); err != nil && ctx.Err() == nil {
			c.log.Error("admission: reconcile failed", zap.Error(err))
		}
	}
}

// Reconcile fails stale early-stage attempts, fails answered attempts left
// behind by a previous run, and corrects phantom active counts.
func (c *Controller) Reconcile(ctx context.Context) error {
	tracer := otel.Tracer("outbound.admission")
	ctx, span := tracer.Start(ctx, "admission.reconcile")
	defer span.End()

	now := time.Now().UTC()
	stale, err := c.deps.Attempts.ListStale(ctx, domain.EarlyCallStatuses, now.Add(-c.cfg.StaleAfter))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("admission: list stale: %w", err)
	}
	orphaned, err := c.deps.Attempts.ListStale(ctx, domain.LiveCallStatuses, now.Add(-c.cfg.MaxCallDuration))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("admission: list orphaned: %w", err)
	}
	span.SetAttributes(attribute.Int("stale.count", len(stale)), attribute.Int("orphaned.count", len(orphaned)))

	for _, attempt := range stale {
		c.failStale(ctx, attempt)
	}
	for _, attempt := range orphaned {
		if c.owns(attempt.ID) {
			continue
		}
		c.failStale(ctx, attempt)
	}

	dbActive, err := c.deps.Attempts.CountActive(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("admission: count active: %w", err)
	}

	c.mu.Lock()
	memActive := len(c.active)
	phantom := dbActive == 0 && memActive > 0
	if phantom {
		c.active = make(map[int64]struct{})
		c.slotted = make(map[int64]struct{})
	}
	c.mu.Unlock()

	if phantom {
		c.log.Warn("admission: resetting phantom active calls", zap.Int("memory", memActive))
		if c.deps.Slots != nil {
			if err := c.deps.Slots.Reset(ctx); err != nil {
				c.log.Warn("admission: reset slots", zap.Error(err))
			}
		}
		memActive = 0
	} else if dbActive != memActive {
		c.log.Debug("admission: active count drift", zap.Int("memory", memActive), zap.Int("database", dbActive))
	}
	c.deps.Metrics.SetActiveCalls(memActive)
	return nil
}

func (c *Controller) failStale(ctx context.Context, attempt *domain.CallAttempt) {
	now := time.Now().UTC()
	applied, err := c.deps.Attempts.Complete(ctx, attempt.ID, domain.CallCompletion{
		Status:      domain.CallStatusFailedInternalError,
		HangupCause: causeStaleCleanup,
		EndedAt:     now,
	})
	c.Unregister(attempt.ID)
	if err != nil {
		c.log.Error("admission: fail stale attempt", zap.Int64("call_attempt_id", attempt.ID), zap.Error(err))
		return
	}
	if !applied {
		return
	}

	c.log.Warn("admission: failed stale call attempt",
		zap.Int64("call_attempt_id", attempt.ID),
		zap.String("status", string(attempt.Status)))
	c.deps.Metrics.RecordCallOutcome(string(domain.CallStatusFailedInternalError))

	if c.deps.Outcomes == nil {
		return
	}
	msg := queue.CallCompletedMessage{
		CallAttemptID: attempt.ID,
		TaskID:        attempt.TaskID,
		AttemptNumber: attempt.AttemptNumber,
		Status:        string(domain.CallStatusFailedInternalError),
		HangupCause:   causeStaleCleanup,
		OccurredAt:    now,
	}
	if err := c.deps.Outcomes.PublishCallCompleted(ctx, msg); err != nil {
		c.log.Error("admission: publish stale completion", zap.Int64("call_attempt_id", attempt.ID), zap.Error(err))
	}
}

func (c *Controller) owns(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[id]
	return ok
}

func (c *Controller) reserve() bool {
	if c.runCtx.Err() != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.active)+c.reserved >= c.cfg.MaxConcurrentCalls {
		return false
	}
	c.reserved++
	return true
}

func (c *Controller) unreserve() {
	c.mu.Lock()
	c.reserved--
	c.mu.Unlock()
}

// abort undoes a partially initiated attempt.
func (c *Controller) abort(ctx context.Context, attempt *domain.CallAttempt, task *domain.Task, slotHeld bool) {
	c.unreserve()
	if slotHeld {
		if err := c.deps.Slots.Release(ctx); err != nil {
			c.log.Warn("admission: release slot after failure", zap.Error(err))
		}
	}

	ctx = context.WithoutCancel(ctx)
	if attempt != nil {
		c.Unregister(attempt.ID)
		_, err := c.deps.Attempts.Complete(ctx, attempt.ID, domain.CallCompletion{
			Status:      domain.CallStatusFailedInternalError,
			HangupCause: causeInitiationFailure,
			EndedAt:     time.Now().UTC(),
		})
		if err != nil {
			c.log.Error("admission: mark attempt failed", zap.Int64("call_attempt_id", attempt.ID), zap.Error(err))
		}
	}
	if err := c.deps.Tasks.UpdateStatus(ctx, task.ID, domain.TaskStatusPending); err != nil {
		c.log.Error("admission: revert task to pending", zap.Int64("task_id", task.ID), zap.Error(err))
	}
}
