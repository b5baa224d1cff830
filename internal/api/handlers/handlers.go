package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"go.uber.org/zap"

	"github.com/acme/outbound-voice-agent/internal/app"
	"github.com/acme/outbound-voice-agent/internal/domain"
	"github.com/acme/outbound-voice-agent/internal/repository"
	tasksvc "github.com/acme/outbound-voice-agent/internal/service/task"
	"github.com/acme/outbound-voice-agent/pkg/logger"
)

// TaskService is the task API surface.
type TaskService interface {
	Create(ctx context.Context, input tasksvc.CreateTaskInput) (*domain.Task, error)
	Get(ctx context.Context, id int64) (*domain.Task, error)
	List(ctx context.Context, filter repository.TaskFilter) ([]*domain.Task, error)
	Events(ctx context.Context, id int64) ([]domain.TaskEvent, error)
	Cancel(ctx context.Context, id int64) (*domain.Task, error)
	BlockNumber(ctx context.Context, phoneNumber string, userID *int64) error
}

// CallService is the call API surface.
type CallService interface {
	Get(ctx context.Context, id int64) (*domain.CallAttempt, error)
	ListByTask(ctx context.Context, taskID int64) ([]*domain.CallAttempt, error)
	Transcript(ctx context.Context, id int64) ([]domain.TranscriptEntry, error)
	Timeline(ctx context.Context, id int64) ([]domain.CallEvent, error)
	SubmitUserInfo(ctx context.Context, id int64, response string) (*domain.Task, error)
	EndCall(ctx context.Context, id int64, reason string) error
}

// HealthCheck probes one backing store.
type HealthCheck func(ctx context.Context) error

// Deps are the handler collaborators. Metrics may be nil.
type Deps struct {
	Tasks   TaskService
	Calls   CallService
	Health  map[string]HealthCheck
	Metrics http.Handler
	Logger  *logger.Logger
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	tasks   TaskService
	calls   CallService
	health  map[string]HealthCheck
	metrics http.Handler
	log     *logger.Logger
}

// New creates a handler bundle from explicit collaborators.
func New(deps Deps) *HandlerSet {
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	return &HandlerSet{
		tasks:   deps.Tasks,
		calls:   deps.Calls,
		health:  deps.Health,
		metrics: deps.Metrics,
		log:     deps.Logger,
	}
}

// NewHandlerSet creates a handler bundle backed by the container.
func NewHandlerSet(container *app.Container) *HandlerSet {
	services := container.Services()
	return New(Deps{
		Tasks: services.Task,
		Calls: services.Call,
		Health: map[string]HealthCheck{
			"postgres": func(ctx context.Context) error {
				return container.Postgres.DB().PingContext(ctx)
			},
			"redis": container.Redis.Ping,
			"scylla": func(ctx context.Context) error {
				return container.Scylla.Session().Query("SELECT now() FROM system.local").WithContext(ctx).Exec()
			},
		},
		Metrics: container.Metrics.Handler(),
		Logger:  container.Logger,
	})
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.healthz)
	if h.metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(h.metrics))
	}

	api := app.Group("/api")
	v1 := api.Group("/v1")

	tasks := v1.Group("/tasks")
	tasks.Post("/", h.createTask)
	tasks.Get("/", h.listTasks)
	tasks.Get("/:id", h.getTask)
	tasks.Get("/:id/events", h.taskEvents)
	tasks.Get("/:id/calls", h.taskCalls)
	tasks.Post("/:id/cancel", h.cancelTask)

	calls := v1.Group("/calls")
	calls.Get("/:id", h.getCall)
	calls.Get("/:id/transcript", h.callTranscript)
	calls.Get("/:id/events", h.callTimeline)
	calls.Post("/:id/user-info", h.submitUserInfo)
	calls.Post("/:id/end", h.endCall)

	v1.Post("/dnd", h.blockNumber)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.log.Error("api: request failed", zap.String("path", ctx.Path()), zap.Error(err))
		message = "internal error"
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) healthz(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for name, check := range h.health {
		if err := check(healthCtx); err != nil {
			errs[name] = err.Error()
		}
	}

	status := fiber.StatusOK
	state := "ok"
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
		state = "degraded"
	}

	return ctx.Status(status).JSON(fiber.Map{"status": state, "errors": errs})
}

func parseID(ctx *fiber.Ctx, what string) (int64, error) {
	id, err := strconv.ParseInt(ctx.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fiber.NewError(http.StatusBadRequest, "invalid "+what+" id")
	}
	return id, nil
}
