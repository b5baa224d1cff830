// Package callattempt drives one outbound call from origination to its terminal status.
package callattempt

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-voice-agent/internal/bus"
	"github.com/acme/outbound-voice-agent/internal/command"
	"github.com/acme/outbound-voice-agent/internal/config"
	"github.com/acme/outbound-voice-agent/internal/domain"
	"github.com/acme/outbound-voice-agent/internal/pbx"
	"github.com/acme/outbound-voice-agent/internal/queue"
	"github.com/acme/outbound-voice-agent/internal/repository"
	"github.com/acme/outbound-voice-agent/internal/telemetry"
	"github.com/acme/outbound-voice-agent/pkg/logger"
)

const eventBuffer = 256

// PBX is the subset of the control client the state machine uses.
type PBX interface {
	SendAction(ctx context.Context, action pbx.Action, timeout time.Duration) (pbx.Message, error)
	OnAny(l pbx.Listener) func()
}

// OutcomePublisher announces terminal attempts.
type OutcomePublisher interface {
	PublishCallCompleted(ctx context.Context, msg queue.CallCompletedMessage) error
}

// Config tunes origination and command handling.
type Config struct {
	OutboundContext     string
	AgentContext        string
	CallerID            string
	OriginateTimeout    time.Duration
	OriginateWatchdog   time.Duration
	MaxCallDuration     time.Duration
	DTMFInterDigitDelay time.Duration
	SecondsPerWord      float64
	HangupPadding       time.Duration
	ActionTimeout       time.Duration
	FinalizeTimeout     time.Duration
	UserInfoTimeout     time.Duration
	TestMode            bool
	TestNumber          string
}

// ConfigFrom assembles the state machine settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		OutboundContext:     cfg.CallAttempt.OutboundContext,
		AgentContext:        cfg.CallAttempt.AgentContext,
		CallerID:            cfg.CallAttempt.CallerID,
		OriginateTimeout:    cfg.CallAttempt.OriginateTimeout,
		OriginateWatchdog:   cfg.CallAttempt.OriginateWatchdog,
		MaxCallDuration:     cfg.CallAttempt.MaxCallDuration,
		DTMFInterDigitDelay: cfg.CallAttempt.DTMFInterDigitDelay,
		SecondsPerWord:      cfg.CallAttempt.SecondsPerWord,
		HangupPadding:       cfg.CallAttempt.HangupPadding,
		ActionTimeout:       cfg.PBX.ActionTimeout,
		FinalizeTimeout:     cfg.CallAttempt.FinalizeTimeout,
		UserInfoTimeout:     cfg.CallAttempt.UserInfoTimeout,
		TestMode:            cfg.App.TestMode,
		TestNumber:          cfg.CallAttempt.TestNumber,
	}
}

func (c *Config) applyDefaults() {
	if c.OriginateTimeout <= 0 {
		c.OriginateTimeout = 30 * time.Second
	}
	if c.OriginateWatchdog <= 0 {
		c.OriginateWatchdog = 60 * time.Second
	}
	if c.MaxCallDuration <= 0 {
		c.MaxCallDuration = 30 * time.Minute
	}
	if c.DTMFInterDigitDelay <= 0 {
		c.DTMFInterDigitDelay = 250 * time.Millisecond
	}
	if c.SecondsPerWord <= 0 {
		c.SecondsPerWord = 0.4
	}
	if c.HangupPadding <= 0 {
		c.HangupPadding = 500 * time.Millisecond
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 10 * time.Second
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 10 * time.Second
	}
	if c.UserInfoTimeout <= 0 {
		c.UserInfoTimeout = 5 * time.Minute
	}
}

// Deps are the collaborators shared by every handler.
type Deps struct {
	PBX        PBX
	Attempts   repository.CallAttemptRepository
	Tasks      repository.TaskRepository
	Events     repository.TaskEventRepository
	Timeline   repository.TranscriptStore
	Publisher  bus.Publisher
	Subscriber bus.Subscriber
	Outcomes   OutcomePublisher
	Metrics    *telemetry.Metrics
	Logger     *logger.Logger
	Sleep      func(ctx context.Context, d time.Duration) error
	Now        func() time.Time
}

// matchedEvent is an event accepted by the matcher on the listener goroutine.
type matchedEvent struct {
	ev         pbx.Message
	kind       MatchKind
	identified bool
}

type userInfoTimeout struct {
	question string
	seconds  int
}

// Handler is the per-attempt actor. The PBX listener only matches and enqueues
// events; all other state lives on the goroutine running Run.
type Handler struct {
	cfg     Config
	deps    Deps
	log     *logger.Logger
	attempt domain.CallAttempt
	task    domain.Task
	onDone  func()

	events   chan matchedEvent
	filter   atomic.Pointer[Matcher]
	stopped  chan struct{}
	timeouts chan userInfoTimeout
	timers   []*time.Timer
	maxTimer *time.Timer

	matcher       *Matcher
	status        domain.CallStatus
	startedAt     time.Time
	answeredAt    time.Time
	handshakeSent bool
	aiStatus      domain.CallStatus
	conclusion    string
	reschedule    bool
	ended         bool
	final         domain.CallStatus
}

// New builds a handler for a freshly created attempt. onDone runs once after the
// terminal status is published.
func New(cfg Config, deps Deps, attempt *domain.CallAttempt, task *domain.Task, onDone func()) *Handler {
	cfg.applyDefaults()
	if deps.Sleep == nil {
		deps.Sleep = sleepContext
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	status := attempt.Status
	if status == "" {
		status = domain.CallStatusPendingOrigination
	}
	return &Handler{
		cfg:      cfg,
		deps:     deps,
		log:      deps.Logger.Named("callattempt").With(zap.Int64("call_attempt_id", attempt.ID), zap.Int64("task_id", task.ID)),
		attempt:  *attempt,
		task:     *task,
		onDone:   onDone,
		events:   make(chan matchedEvent, eventBuffer),
		stopped:  make(chan struct{}),
		timeouts: make(chan userInfoTimeout, 4),
		status:   status,
	}
}

// FinalStatus returns the stored terminal status once Run has returned.
func (h *Handler) FinalStatus() domain.CallStatus {
	return h.final
}

// Run originates the call and processes events and commands until the attempt ends.
func (h *Handler) Run(ctx context.Context) (err error) {
	tracer := otel.Tracer("outbound.callattempt")
	ctx, span := tracer.Start(ctx, "callattempt.run", trace.WithAttributes(
		attribute.Int64("call_attempt.id", h.attempt.ID),
		attribute.Int64("task.id", h.task.ID),
		attribute.Int("attempt", h.attempt.AttemptNumber),
	))
	defer span.End()

	unsubscribe := h.deps.PBX.OnAny(h.enqueue)
	defer func() {
		close(h.stopped)
		unsubscribe()
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callattempt: panic: %v", r)
			span.RecordError(err)
			h.log.Error("callattempt: recovered from panic", zap.Any("panic", r))
			h.finish(ctx, domain.CallStatusFailedInternalError, "internal error")
		}
	}()

	if err := h.run(ctx); err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.String("call_attempt.status", string(h.final)))
	return nil
}

func (h *Handler) run(ctx context.Context) error {
	sub, err := h.deps.Subscriber.Subscribe(ctx, command.CommandTopic(h.attempt.ID))
	if err != nil {
		h.finish(ctx, domain.CallStatusFailedInternalError, "command subscription failed")
		return fmt.Errorf("callattempt: subscribe commands: %w", err)
	}
	defer sub.Close()

	if err := h.originate(ctx); err != nil {
		return err
	}

	watchdog := time.NewTimer(h.cfg.OriginateWatchdog)
	defer watchdog.Stop()
	watchdogC := watchdog.C
	commands := sub.C()

	for !h.ended {
		var maxDurationC <-chan time.Time
		if h.maxTimer != nil {
			maxDurationC = h.maxTimer.C
		}

		select {
		case <-ctx.Done():
			h.hangupChannel(context.WithoutCancel(ctx))
			h.finish(ctx, domain.CallStatusCompletedSystemHangup, "service shutdown")
		case me := <-h.events:
			h.handleEvent(ctx, me)
			if h.matcher.Identified() && watchdogC != nil {
				watchdog.Stop()
				watchdogC = nil
			}
		case env, ok := <-commands:
			if !ok {
				commands = nil
				continue
			}
			h.handleCommand(ctx, env)
		case <-watchdogC:
			watchdogC = nil
			if !h.matcher.Identified() {
				h.finish(ctx, domain.CallStatusFailedAsteriskError, "no PBX events before origination watchdog")
			}
		case <-maxDurationC:
			h.log.Warn("callattempt: maximum call duration reached", zap.Duration("max", h.cfg.MaxCallDuration))
			h.hangupChannel(ctx)
			h.finish(ctx, domain.CallStatusCompletedSystemHangup, "maximum call duration exceeded")
		case t := <-h.timeouts:
			h.handleUserInfoTimeout(ctx, t)
		}
	}
	return nil
}

// enqueue runs on the PBX listener goroutine. Foreign events are dropped here;
// events for this attempt wait for buffer space and are never discarded.
func (h *Handler) enqueue(ev pbx.Message) {
	m := h.filter.Load()
	if m == nil {
		return
	}
	kind := m.Match(ev)
	if kind == MatchNone {
		return
	}
	select {
	case <-h.stopped:
	case h.events <- matchedEvent{ev: ev, kind: kind, identified: m.Identified()}:
	}
}

func (h *Handler) originate(ctx context.Context) error {
	correlation := uuid.New()
	if err := h.deps.Attempts.SetCorrelationUUID(ctx, h.attempt.ID, correlation); err != nil {
		h.finish(ctx, domain.CallStatusFailedInternalError, "correlation persist failed")
		return fmt.Errorf("callattempt: persist correlation: %w", err)
	}
	h.attempt.CorrelationUUID = correlation
	h.log = h.log.With(zap.String("correlation_uuid", correlation.String()))

	h.advance(ctx, domain.CallStatusOriginating)

	number := h.task.PhoneNumber
	if h.cfg.TestMode && h.cfg.TestNumber != "" {
		number = h.cfg.TestNumber
	}

	action := pbx.Originate(pbx.OriginateRequest{
		Channel:  fmt.Sprintf("Local/%s@%s", number, h.cfg.OutboundContext),
		Context:  h.cfg.AgentContext,
		CallerID: h.cfg.CallerID,
		Timeout:  h.cfg.OriginateTimeout,
		Variables: map[string]string{
			"CALL_ATTEMPT_ID":   strconv.FormatInt(h.attempt.ID, 10),
			CorrelationVariable: correlation.String(),
			"TASK_ID":           strconv.FormatInt(h.task.ID, 10),
		},
	})
	h.matcher = NewMatcher(action.ID(), correlation.String())
	h.filter.Store(h.matcher)

	resp, err := h.deps.PBX.SendAction(ctx, action, h.cfg.ActionTimeout)
	if err != nil {
		h.finish(ctx, domain.CallStatusFailedInternalError, "originate failed: "+err.Error())
		return fmt.Errorf("callattempt: originate: %w", err)
	}
	if !resp.Success() {
		h.finish(ctx, domain.CallStatusFailedAsteriskError, "originate rejected: "+resp.Get("Message"))
		return nil
	}
	h.log.Info("callattempt: originate sent", zap.String("action_id", action.ID()), zap.Bool("presumed", resp.Presumed()))
	return nil
}

func (h *Handler) handleEvent(ctx context.Context, me matchedEvent) {
	ev := me.ev
	if me.kind != MatchUniqueID && me.identified {
		h.identify(ctx, ev, me.kind)
	}
	h.recordTimeline(ctx, ev)

	switch ev.Name() {
	case "Newchannel":
		if ev.Get("Uniqueid") == h.matcher.UniqueID() && h.attempt.PBXChannel == "" {
			h.setIdentity(ctx, ev.Get("Channel"))
		}
		h.advance(ctx, domain.CallStatusDialing)
	case "Newstate":
		if isRinging(ev) {
			h.advance(ctx, domain.CallStatusRinging)
		}
	case "DialBegin":
		h.dialBegin(ctx, ev.Get("DestChannel"))
	case "Dial":
		switch strings.ToLower(ev.Get("SubEvent")) {
		case "begin":
			h.dialBegin(ctx, ev.Get("Destination"))
		case "end":
			h.dialEnd(ctx, ev.Get("DialStatus"))
		}
	case "DialEnd":
		h.dialEnd(ctx, ev.Get("DialStatus"))
	case "OriginateResponse":
		if strings.EqualFold(ev.Get("Response"), "Failure") {
			reason := ev.Get("Reason")
			h.finish(ctx, originateFailureStatus(reason), fmt.Sprintf("originate failed (Reason: %s)", reason))
		}
	case "BridgeEnter":
		h.bridgeEnter(ctx)
	case "Hangup":
		h.hangup(ctx, ev)
	}
}

func (h *Handler) identify(ctx context.Context, ev pbx.Message, kind MatchKind) {
	h.log.Info("callattempt: PBX identity captured",
		zap.String("uniqueid", h.matcher.UniqueID()),
		zap.Stringer("match", kind),
		zap.String("event", ev.Name()))
	h.setIdentity(ctx, ev.Get("Channel"))
}

func (h *Handler) setIdentity(ctx context.Context, channel string) {
	if err := h.deps.Attempts.SetPBXIdentity(ctx, h.attempt.ID, h.matcher.UniqueID(), channel); err != nil {
		h.log.Error("callattempt: persist PBX identity", zap.Error(err))
	}
	if h.attempt.PBXUniqueID == "" {
		h.attempt.PBXUniqueID = h.matcher.UniqueID()
	}
	if channel != "" {
		h.attempt.PBXChannel = channel
	}
}

func (h *Handler) dialBegin(ctx context.Context, dest string) {
	if dest != "" && h.attempt.OutboundChannel == "" {
		h.attempt.OutboundChannel = dest
		if err := h.deps.Attempts.SetOutboundChannel(ctx, h.attempt.ID, dest); err != nil {
			h.log.Error("callattempt: persist outbound channel", zap.Error(err))
		}
	}
	h.advance(ctx, domain.CallStatusRinging)
}

func (h *Handler) dialEnd(ctx context.Context, dialStatus string) {
	status, ok := dialStatusResult(dialStatus)
	if !ok {
		h.log.Debug("callattempt: ignoring dial status", zap.String("dial_status", dialStatus))
		return
	}
	if status == domain.CallStatusAnswered {
		h.markAnswered(ctx)
		return
	}
	h.finish(ctx, status, "dial ended: "+strings.ToUpper(dialStatus))
}

func (h *Handler) markAnswered(ctx context.Context) {
	h.advance(ctx, domain.CallStatusAnswered)
	if h.answeredAt.IsZero() {
		h.answeredAt = h.deps.Now()
		h.maxTimer = time.NewTimer(h.cfg.MaxCallDuration)
	}
}

func (h *Handler) bridgeEnter(ctx context.Context) {
	if h.handshakeSent {
		return
	}
	h.handshakeSent = true
	h.markAnswered(ctx)

	topic := command.HandshakeTopic(h.attempt.CorrelationUUID)
	err := h.deps.Publisher.Publish(ctx, topic, h.attempt.ID, command.AIHandshake{CorrelationUUID: h.attempt.CorrelationUUID})
	if err != nil {
		h.log.Error("callattempt: publish handshake", zap.Error(err))
		return
	}
	h.log.Info("callattempt: call bridged, handshake published")
}

func (h *Handler) hangup(ctx context.Context, ev pbx.Message) {
	channel := ev.Get("Channel")
	onOrigin := ev.Get("Uniqueid") == h.matcher.UniqueID()
	onOutbound := h.attempt.OutboundChannel != "" && channel == h.attempt.OutboundChannel
	if !onOrigin && !onOutbound {
		return
	}

	code := parseCause(ev.Get("Cause"))
	status, deferToAI := hangupStatus(code)
	if deferToAI {
		if h.aiStatus != "" {
			status = h.aiStatus
		} else if stored, err := h.deps.Attempts.Get(ctx, h.attempt.ID); err == nil && stored.Status.IsAIConclusive() {
			status = stored.Status
		}
	}
	h.finish(ctx, status, causeString(ev.Get("Cause-txt"), code))
}

func (h *Handler) handleCommand(ctx context.Context, env command.Envelope) {
	if env.CallAttemptID != h.attempt.ID {
		h.log.Warn("callattempt: command for another attempt", zap.Int64("envelope_attempt_id", env.CallAttemptID))
		return
	}

	switch cmd := env.Command.(type) {
	case command.EndCall:
		h.endCall(ctx, cmd)
	case command.SendDtmf:
		h.sendDTMF(ctx, cmd.Digits)
	case command.RescheduleCall:
		h.rescheduleCall(ctx, cmd)
	case command.RequestUserInfo:
		h.requestUserInfo(ctx, cmd)
	default:
		h.log.Debug("callattempt: ignoring command", zap.String("command_type", string(env.Command.Type())))
	}
}

func (h *Handler) endCall(ctx context.Context, cmd command.EndCall) {
	status := domain.CallStatusCompletedAIHangup
	if cmd.Outcome == command.OutcomeObjectiveMet {
		status = domain.CallStatusCompletedAIObjectiveMet
	}
	h.aiStatus = status
	if h.conclusion == "" && cmd.Reason != "" {
		h.conclusion = cmd.Reason
	}

	delay := h.speechDelay(cmd.FinalMessage)
	h.log.Info("callattempt: agent ended call",
		zap.String("outcome", cmd.Outcome),
		zap.Duration("hangup_delay", delay))
	if err := h.deps.Sleep(ctx, delay); err != nil {
		h.log.Warn("callattempt: hangup delay interrupted", zap.Error(err))
	}

	h.hangupChannel(ctx)
	h.finish(ctx, status, causeString("Normal Clearing", causeNormalClearing))
}

func (h *Handler) speechDelay(message string) time.Duration {
	words := len(strings.Fields(message))
	spoken := time.Duration(float64(words) * h.cfg.SecondsPerWord * float64(time.Second))
	return spoken + h.cfg.HangupPadding
}

func (h *Handler) hangupChannel(ctx context.Context) {
	channel := h.attempt.PBXChannel
	if channel == "" {
		channel = h.attempt.OutboundChannel
	}
	if channel == "" {
		return
	}
	resp, err := h.deps.PBX.SendAction(ctx, pbx.Hangup(channel, causeNormalClearing), h.cfg.ActionTimeout)
	if err != nil {
		h.log.Warn("callattempt: hangup action failed", zap.String("channel", channel), zap.Error(err))
		return
	}
	if !resp.Success() {
		h.log.Warn("callattempt: hangup rejected", zap.String("channel", channel), zap.String("message", resp.Get("Message")))
	}
}

func (h *Handler) sendDTMF(ctx context.Context, digits string) {
	channel := h.attempt.OutboundChannel
	if channel == "" {
		channel = h.attempt.PBXChannel
	}
	if channel == "" {
		h.log.Warn("callattempt: no channel for DTMF", zap.String("digits", digits))
		return
	}

	for i, digit := range []rune(digits) {
		if i > 0 {
			if err := h.deps.Sleep(ctx, h.cfg.DTMFInterDigitDelay); err != nil {
				return
			}
		}
		resp, err := h.deps.PBX.SendAction(ctx, pbx.PlayDTMF(channel, digit), h.cfg.ActionTimeout)
		if err == nil && !resp.Success() {
			err = fmt.Errorf("rejected: %s", resp.Get("Message"))
		}
		if err != nil {
			h.log.Warn("callattempt: DTMF aborted", zap.Int("position", i), zap.String("digits", digits), zap.Error(err))
			return
		}
	}
}

func (h *Handler) rescheduleCall(ctx context.Context, cmd command.RescheduleCall) {
	h.reschedule = true
	h.conclusion = "reschedule requested: " + cmd.Reason
	if cmd.TimeDescription != "" {
		h.conclusion += " (" + cmd.TimeDescription + ")"
	}

	ev := domain.NewTaskEvent(h.task.ID, domain.TaskEventRescheduleRequested, map[string]any{
		"call_attempt_id":  h.attempt.ID,
		"reason":           cmd.Reason,
		"time_description": cmd.TimeDescription,
	})
	if err := h.deps.Events.Append(ctx, &ev); err != nil {
		h.log.Error("callattempt: append reschedule event", zap.Error(err))
	}

	h.endCall(ctx, command.EndCall{Reason: cmd.Reason, Outcome: command.OutcomeReschedule})
}

func (h *Handler) requestUserInfo(ctx context.Context, cmd command.RequestUserInfo) {
	timeout := time.Duration(cmd.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = h.cfg.UserInfoTimeout
		cmd.TimeoutSeconds = int(timeout / time.Second)
	}

	if err := h.deps.Tasks.RequestUserInfo(ctx, h.task.ID, cmd.Question, cmd.TimeoutSeconds, h.deps.Now()); err != nil {
		h.log.Error("callattempt: store user info request", zap.Error(err))
		return
	}
	ev := domain.NewTaskEvent(h.task.ID, domain.TaskEventUserInfoRequested, map[string]any{
		"call_attempt_id": h.attempt.ID,
		"question":        cmd.Question,
		"timeout_seconds": cmd.TimeoutSeconds,
	})
	if err := h.deps.Events.Append(ctx, &ev); err != nil {
		h.log.Error("callattempt: append user info event", zap.Error(err))
	}
	if err := h.deps.Publisher.Publish(ctx, command.HITLTopic(h.attempt.ID), h.attempt.ID, cmd); err != nil {
		h.log.Error("callattempt: publish user info request", zap.Error(err))
	}

	pending := userInfoTimeout{question: cmd.Question, seconds: cmd.TimeoutSeconds}
	h.timers = append(h.timers, time.AfterFunc(timeout, func() {
		select {
		case h.timeouts <- pending:
		case <-h.stopped:
		}
	}))
}

func (h *Handler) handleUserInfoTimeout(ctx context.Context, t userInfoTimeout) {
	task, err := h.deps.Tasks.Get(ctx, h.task.ID)
	if err != nil {
		h.log.Error("callattempt: load task for user info timeout", zap.Error(err))
		return
	}
	if task.UserInfoResponse != "" || task.Status != domain.TaskStatusPendingUserInfo {
		return
	}

	msg := command.InjectMessage{
		Text: fmt.Sprintf("No response within %d seconds to the question %q. Continue the call without this information.",
			t.seconds, t.question),
		RespondImmediately: true,
	}
	if err := h.deps.Publisher.Publish(ctx, command.InjectTopic(h.attempt.ID), h.attempt.ID, msg); err != nil {
		h.log.Error("callattempt: publish user info timeout", zap.Error(err))
	}
}

func (h *Handler) advance(ctx context.Context, to domain.CallStatus) {
	if !domain.CanTransition(h.status, to) {
		return
	}
	now := h.deps.Now()
	if _, err := h.deps.Attempts.AdvanceStatus(ctx, h.attempt.ID, to, now); err != nil {
		h.log.Error("callattempt: advance status", zap.String("to", string(to)), zap.Error(err))
		return
	}
	if to == domain.CallStatusOriginating && h.startedAt.IsZero() {
		h.startedAt = now
	}
	h.status = to
}

func (h *Handler) recordTimeline(ctx context.Context, ev pbx.Message) {
	if h.deps.Timeline == nil {
		return
	}
	err := h.deps.Timeline.AppendEvent(ctx, domain.CallEvent{
		CallAttemptID: h.attempt.ID,
		Name:          ev.Name(),
		UniqueID:      ev.Get("Uniqueid"),
		Fields:        map[string]string(ev),
		ReceivedAt:    h.deps.Now(),
	})
	if err != nil {
		h.log.Debug("callattempt: append timeline event", zap.Error(err))
	}
}

// finish runs termination exactly once.
func (h *Handler) finish(ctx context.Context, status domain.CallStatus, cause string) {
	if h.ended {
		return
	}
	h.ended = true
	for _, t := range h.timers {
		t.Stop()
	}
	if h.maxTimer != nil {
		h.maxTimer.Stop()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.FinalizeTimeout)
	defer cancel()

	now := h.deps.Now()
	var duration time.Duration
	switch {
	case !h.answeredAt.IsZero():
		duration = now.Sub(h.answeredAt)
	case !h.startedAt.IsZero():
		duration = now.Sub(h.startedAt)
	}

	completion := domain.CallCompletion{
		Status:          status,
		HangupCause:     cause,
		Conclusion:      h.conclusion,
		DurationSeconds: int(duration / time.Second),
		EndedAt:         now,
	}
	applied, err := h.deps.Attempts.Complete(ctx, h.attempt.ID, completion)
	if err != nil {
		h.log.Error("callattempt: terminal write failed", zap.Error(err))
	}

	h.final = status
	if stored, err := h.deps.Attempts.Get(ctx, h.attempt.ID); err == nil && stored.Status.IsTerminal() {
		h.final = stored.Status
		completion.HangupCause = stored.HangupCause
		completion.DurationSeconds = stored.DurationSeconds
		if stored.Conclusion != "" {
			completion.Conclusion = stored.Conclusion
		}
	}

	msg := queue.CallCompletedMessage{
		CallAttemptID:       h.attempt.ID,
		TaskID:              h.task.ID,
		AttemptNumber:       h.attempt.AttemptNumber,
		Status:              string(h.final),
		HangupCause:         completion.HangupCause,
		Conclusion:          completion.Conclusion,
		DurationSeconds:     completion.DurationSeconds,
		RescheduleRequested: h.reschedule,
		OccurredAt:          now,
	}
	if err := h.deps.Outcomes.PublishCallCompleted(ctx, msg); err != nil {
		h.log.Error("callattempt: publish call completed", zap.Error(err))
	}
	h.deps.Metrics.RecordCallOutcome(string(h.final))

	if h.onDone != nil {
		h.onDone()
	}

	h.log.Info("callattempt: finished",
		zap.String("status", string(h.final)),
		zap.Bool("applied", applied),
		zap.String("cause", completion.HangupCause),
		zap.Int("duration_seconds", completion.DurationSeconds))
}

func isRinging(ev pbx.Message) bool {
	switch strings.ToLower(ev.Get("ChannelStateDesc")) {
	case "ringing", "ring":
		return true
	}
	state := ev.Get("ChannelState")
	return state == "4" || state == "5"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
