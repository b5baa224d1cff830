package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/outbound-voice-agent/internal/domain"
)

type callResponse struct {
	ID              int64             `json:"id"`
	TaskID          int64             `json:"task_id"`
	AttemptNumber   int               `json:"attempt_number"`
	Status          domain.CallStatus `json:"status"`
	HangupCause     string            `json:"hangup_cause,omitempty"`
	Conclusion      string            `json:"conclusion,omitempty"`
	DurationSeconds int               `json:"duration_seconds"`
	RecordingPath   string            `json:"recording_path,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	AnsweredAt      *time.Time        `json:"answered_at,omitempty"`
	EndedAt         *time.Time        `json:"ended_at,omitempty"`
}

type transcriptLine struct {
	Speaker   domain.Speaker `json:"speaker"`
	Text      string         `json:"text"`
	CreatedAt time.Time      `json:"created_at"`
}

type callEventResponse struct {
	Name       string            `json:"name"`
	UniqueID   string            `json:"unique_id,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

type userInfoRequest struct {
	Response string `json:"response"`
}

type endCallRequest struct {
	Reason string `json:"reason"`
}

func (h *HandlerSet) getCall(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "call")
	if err != nil {
		return err
	}

	attempt, err := h.calls.Get(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(toCallResponse(attempt))
}

func (h *HandlerSet) callTranscript(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "call")
	if err != nil {
		return err
	}

	entries, err := h.calls.Transcript(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	lines := make([]transcriptLine, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, transcriptLine{Speaker: e.Speaker, Text: e.Text, CreatedAt: e.CreatedAt})
	}
	return ctx.JSON(fiber.Map{"call_attempt_id": id, "items": lines})
}

func (h *HandlerSet) callTimeline(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "call")
	if err != nil {
		return err
	}

	events, err := h.calls.Timeline(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	items := make([]callEventResponse, 0, len(events))
	for _, ev := range events {
		items = append(items, callEventResponse{
			Name:       ev.Name,
			UniqueID:   ev.UniqueID,
			Fields:     ev.Fields,
			ReceivedAt: ev.ReceivedAt,
		})
	}
	return ctx.JSON(fiber.Map{"call_attempt_id": id, "items": items})
}

func (h *HandlerSet) submitUserInfo(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "call")
	if err != nil {
		return err
	}

	var req userInfoRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	task, err := h.calls.SubmitUserInfo(ctx.UserContext(), id, req.Response)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusAccepted).JSON(toTaskResponse(task))
}

func (h *HandlerSet) endCall(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "call")
	if err != nil {
		return err
	}

	var req endCallRequest
	if len(ctx.Body()) > 0 {
		if err := ctx.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid request body")
		}
	}

	if err := h.calls.EndCall(ctx.UserContext(), id, req.Reason); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusAccepted)
}

func toCallResponse(attempt *domain.CallAttempt) callResponse {
	return callResponse{
		ID:              attempt.ID,
		TaskID:          attempt.TaskID,
		AttemptNumber:   attempt.AttemptNumber,
		Status:          attempt.Status,
		HangupCause:     attempt.HangupCause,
		Conclusion:      attempt.Conclusion,
		DurationSeconds: attempt.DurationSeconds,
		RecordingPath:   attempt.RecordingPath,
		CreatedAt:       attempt.CreatedAt,
		StartedAt:       attempt.StartedAt,
		AnsweredAt:      attempt.AnsweredAt,
		EndedAt:         attempt.EndedAt,
	}
}
