package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/outbound-voice-agent/internal/domain"
	"github.com/acme/outbound-voice-agent/internal/repository"
	tasksvc "github.com/acme/outbound-voice-agent/internal/service/task"
)

type createTaskRequest struct {
	UserID       int64      `json:"user_id"`
	CampaignID   *int64     `json:"campaign_id"`
	Description  string     `json:"description"`
	AgentPrompt  string     `json:"agent_prompt"`
	PhoneNumber  string     `json:"phone_number"`
	BusinessName string     `json:"business_name"`
	PersonName   string     `json:"person_name"`
	MaxAttempts  int        `json:"max_attempts"`
	ScheduledAt  *time.Time `json:"scheduled_at"`
}

type taskResponse struct {
	ID                  int64             `json:"id"`
	UserID              int64             `json:"user_id"`
	CampaignID          *int64            `json:"campaign_id,omitempty"`
	Description         string            `json:"description"`
	PhoneNumber         string            `json:"phone_number"`
	BusinessName        string            `json:"business_name,omitempty"`
	PersonName          string            `json:"person_name,omitempty"`
	Status              domain.TaskStatus `json:"status"`
	OverallConclusion   string            `json:"overall_conclusion,omitempty"`
	NextActionTime      *time.Time        `json:"next_action_time,omitempty"`
	MaxAttempts         int               `json:"max_attempts"`
	CurrentAttemptCount int               `json:"current_attempt_count"`
	UserInfoRequest     string            `json:"user_info_request,omitempty"`
	UserInfoResponse    string            `json:"user_info_response,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

type taskEventResponse struct {
	ID        int64           `json:"id"`
	EventType string          `json:"event_type"`
	Details   json.RawMessage `json:"details"`
	CreatedBy string          `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
}

type blockNumberRequest struct {
	PhoneNumber string `json:"phone_number"`
	UserID      *int64 `json:"user_id"`
}

func (h *HandlerSet) createTask(ctx *fiber.Ctx) error {
	var req createTaskRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	task, err := h.tasks.Create(ctx.UserContext(), tasksvc.CreateTaskInput{
		UserID:       req.UserID,
		CampaignID:   req.CampaignID,
		Description:  req.Description,
		AgentPrompt:  req.AgentPrompt,
		PhoneNumber:  req.PhoneNumber,
		BusinessName: req.BusinessName,
		PersonName:   req.PersonName,
		MaxAttempts:  req.MaxAttempts,
		ScheduledAt:  req.ScheduledAt,
	})
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusCreated).JSON(toTaskResponse(task))
}

func (h *HandlerSet) listTasks(ctx *fiber.Ctx) error {
	limit, _ := strconv.Atoi(ctx.Query("limit", "50"))
	offset, _ := strconv.Atoi(ctx.Query("offset", "0"))
	filter := repository.TaskFilter{
		Status: domain.TaskStatus(ctx.Query("status")),
		Limit:  limit,
		Offset: offset,
	}
	if raw := ctx.Query("user_id"); raw != "" {
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid user id")
		}
		filter.UserID = &userID
	}

	tasks, err := h.tasks.List(ctx.UserContext(), filter)
	if err != nil {
		return translateError(err)
	}

	items := make([]taskResponse, 0, len(tasks))
	for _, task := range tasks {
		items = append(items, toTaskResponse(task))
	}
	return ctx.JSON(fiber.Map{"items": items})
}

func (h *HandlerSet) getTask(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "task")
	if err != nil {
		return err
	}

	task, err := h.tasks.Get(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(toTaskResponse(task))
}

func (h *HandlerSet) taskEvents(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "task")
	if err != nil {
		return err
	}

	events, err := h.tasks.Events(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	items := make([]taskEventResponse, 0, len(events))
	for _, ev := range events {
		items = append(items, taskEventResponse{
			ID:        ev.ID,
			EventType: ev.EventType,
			Details:   ev.Details,
			CreatedBy: ev.CreatedBy,
			CreatedAt: ev.CreatedAt,
		})
	}
	return ctx.JSON(fiber.Map{"items": items})
}

func (h *HandlerSet) taskCalls(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "task")
	if err != nil {
		return err
	}
	if _, err := h.tasks.Get(ctx.UserContext(), id); err != nil {
		return translateError(err)
	}

	attempts, err := h.calls.ListByTask(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	items := make([]callResponse, 0, len(attempts))
	for _, attempt := range attempts {
		items = append(items, toCallResponse(attempt))
	}
	return ctx.JSON(fiber.Map{"items": items})
}

func (h *HandlerSet) cancelTask(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "task")
	if err != nil {
		return err
	}

	task, err := h.tasks.Cancel(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(toTaskResponse(task))
}

func (h *HandlerSet) blockNumber(ctx *fiber.Ctx) error {
	var req blockNumberRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.tasks.BlockNumber(ctx.UserContext(), req.PhoneNumber, req.UserID); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func toTaskResponse(task *domain.Task) taskResponse {
	return taskResponse{
		ID:                  task.ID,
		UserID:              task.UserID,
		CampaignID:          task.CampaignID,
		Description:         task.Description,
		PhoneNumber:         task.PhoneNumber,
		BusinessName:        task.BusinessName,
		PersonName:          task.PersonName,
		Status:              task.Status,
		OverallConclusion:   task.OverallConclusion,
		NextActionTime:      task.NextActionTime,
		MaxAttempts:         task.MaxAttempts,
		CurrentAttemptCount: task.CurrentAttemptCount,
		UserInfoRequest:     task.UserInfoRequest,
		UserInfoResponse:    task.UserInfoResponse,
		CreatedAt:           task.CreatedAt,
		UpdatedAt:           task.UpdatedAt,
	}
}
