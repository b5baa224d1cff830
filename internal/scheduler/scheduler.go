package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/outbound-voice-agent/internal/config"
	"github.com/acme/outbound-voice-agent/internal/domain"
	"github.com/acme/outbound-voice-agent/internal/repository"
	"github.com/acme/outbound-voice-agent/internal/telemetry"
	"github.com/acme/outbound-voice-agent/pkg/logger"
)

// Admitter starts calls for tasks while capacity lasts.
type Admitter interface {
	CanInitiate() bool
	MaxConcurrent() int
	Initiate(ctx context.Context, task *domain.Task) (bool, error)
}

// Config tunes the polling loop.
type Config struct {
	PollInterval time.Duration
	InitialDelay time.Duration
	Location     *time.Location
	CallingHours []domain.CallingWindow
}

// ConfigFrom parses calling hours and the time zone from application configuration.
func ConfigFrom(cfg config.SchedulerConfig) (Config, error) {
	out := Config{PollInterval: cfg.PollInterval, InitialDelay: cfg.InitialDelay, Location: time.UTC}
	if cfg.TimeZone != "" {
		loc, err := time.LoadLocation(cfg.TimeZone)
		if err != nil {
			return Config{}, fmt.Errorf("scheduler: time zone %q: %w", cfg.TimeZone, err)
		}
		out.Location = loc
	}
	for _, w := range cfg.CallingHours {
		window, err := parseWindow(w)
		if err != nil {
			return Config{}, err
		}
		out.CallingHours = append(out.CallingHours, window)
	}
	return out, nil
}

// Deps are the scheduler's collaborators. Events and Metrics are optional.
type Deps struct {
	Tasks     repository.TaskRepository
	DND       repository.DNDRepository
	Events    repository.TaskEventRepository
	Admission Admitter
	Metrics   *telemetry.Metrics
	Logger    *logger.Logger
}

// Scheduler periodically hands due tasks to admission.
type Scheduler struct {
	cfg  Config
	deps Deps
	log  *logger.Logger
	now  func() time.Time
}

// New constructs a scheduler.
func New(cfg Config, deps Deps) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	return &Scheduler{cfg: cfg, deps: deps, log: deps.Logger.Named("scheduler"), now: time.Now}
}

// Run executes the scheduling loop until cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cfg.InitialDelay > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.InitialDelay):
		}
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("scheduler: tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick dispatches the tasks that are due now.
func (s *Scheduler) Tick(ctx context.Context) error {
	tracer := otel.Tracer("outbound.scheduler")
	ctx, span := tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	now := s.now().UTC()
	if !isWithinCallingHours(now, s.cfg.Location, s.cfg.CallingHours) {
		s.log.Debug("scheduler: outside calling hours")
		return nil
	}
	if !s.deps.Admission.CanInitiate() {
		s.log.Debug("scheduler: admission full, skipping tick")
		return nil
	}

	tasks, err := s.deps.Tasks.ListDue(ctx, now, s.deps.Admission.MaxConcurrent()*2)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("scheduler: list due tasks: %w", err)
	}
	span.SetAttributes(attribute.Int("tasks.due", len(tasks)))
	if len(tasks) > 0 {
		s.log.Info("scheduler: found due tasks", zap.Int("count", len(tasks)))
	}

	dispatched := 0
	for _, task := range tasks {
		if !s.deps.Admission.CanInitiate() {
			s.log.Info("scheduler: admission full, deferring remaining tasks", zap.Int("dispatched", dispatched))
			break
		}
		if s.dispatch(ctx, task) {
			dispatched++
		}
	}
	span.SetAttributes(attribute.Int("tasks.dispatched", dispatched))
	return nil
}

// dispatch runs one task through the DND check, the queued claim and admission.
func (s *Scheduler) dispatch(ctx context.Context, task *domain.Task) bool {
	log := s.log.With(zap.Int64("task_id", task.ID))

	blocked, err := s.deps.DND.IsBlocked(ctx, task.PhoneNumber, task.UserID)
	if err != nil {
		log.Error("scheduler: dnd lookup", zap.Error(err))
		s.deps.Metrics.RecordDispatch("error")
		return false
	}
	if blocked {
		s.cancelDND(ctx, task, log)
		return false
	}

	claimed, err := s.deps.Tasks.TransitionStatus(ctx, task.ID,
		[]domain.TaskStatus{domain.TaskStatusPending, domain.TaskStatusRetryScheduled}, domain.TaskStatusQueuedForCall)
	if err != nil {
		log.Error("scheduler: claim task", zap.Error(err))
		s.deps.Metrics.RecordDispatch("error")
		return false
	}
	if !claimed {
		log.Debug("scheduler: task claimed elsewhere")
		return false
	}
	task.Status = domain.TaskStatusQueuedForCall

	started, err := s.deps.Admission.Initiate(ctx, task)
	if err != nil {
		log.Error("scheduler: initiate call", zap.Error(err))
	}
	if !started {
		if err := s.deps.Tasks.UpdateStatus(ctx, task.ID, domain.TaskStatusPending); err != nil {
			log.Error("scheduler: revert task to pending", zap.Error(err))
		}
		s.deps.Metrics.RecordDispatch("deferred")
		return false
	}

	s.deps.Metrics.RecordDispatch("dispatched")
	log.Info("scheduler: call dispatched", zap.Int("attempt", task.CurrentAttemptCount+1))
	return true
}

func (s *Scheduler) cancelDND(ctx context.Context, task *domain.Task, log *logger.Logger) {
	if err := s.deps.Tasks.UpdateStatus(ctx, task.ID, domain.TaskStatusCancelledDND); err != nil {
		log.Error("scheduler: cancel dnd task", zap.Error(err))
		return
	}
	s.deps.Metrics.RecordDispatch("cancelled_dnd")
	log.Info("scheduler: number on do-not-disturb list, task cancelled")
	if s.deps.Events == nil {
		return
	}
	event := domain.NewTaskEvent(task.ID, domain.TaskEventCancelledDND, map[string]any{"phone_number": task.PhoneNumber})
	if err := s.deps.Events.Append(ctx, &event); err != nil {
		log.Warn("scheduler: record dnd event", zap.Error(err))
	}
}

func isWithinCallingHours(nowUTC time.Time, loc *time.Location, windows []domain.CallingWindow) bool {
	if len(windows) == 0 {
		return true
	}

	local := nowUTC.In(loc)
	minuteOfDay := local.Hour()*60 + local.Minute()
	weekday := local.Weekday()

	for _, window := range windows {
		start := window.Start.Hour()*60 + window.Start.Minute()
		end := window.End.Hour()*60 + window.End.Minute()

		if end <= start {
			// window spans midnight
			nextDay := time.Weekday((int(window.DayOfWeek) + 1) % 7)
			if window.DayOfWeek == weekday && minuteOfDay >= start {
				return true
			}
			if nextDay == weekday && minuteOfDay < end {
				return true
			}
			continue
		}

		if window.DayOfWeek == weekday && minuteOfDay >= start && minuteOfDay < end {
			return true
		}
	}
	return false
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func parseWindow(w config.CallingWindowConfig) (domain.CallingWindow, error) {
	key := strings.ToLower(strings.TrimSpace(w.Day))
	if len(key) > 3 {
		key = key[:3]
	}
	day, ok := weekdays[key]
	if !ok {
		return domain.CallingWindow{}, fmt.Errorf("scheduler: calling hours: unknown day %q", w.Day)
	}
	start, err := time.Parse("15:04", w.Start)
	if err != nil {
		return domain.CallingWindow{}, fmt.Errorf("scheduler: calling hours start %q: %w", w.Start, err)
	}
	end, err := time.Parse("15:04", w.End)
	if err != nil {
		return domain.CallingWindow{}, fmt.Errorf("scheduler: calling hours end %q: %w", w.End, err)
	}
	return domain.CallingWindow{DayOfWeek: day, Start: start, End: end}, nil
}
