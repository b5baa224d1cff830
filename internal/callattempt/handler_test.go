package callattempt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/acme/outbound-voice-agent/internal/bus"
	"github.com/acme/outbound-voice-agent/internal/command"
	"github.com/acme/outbound-voice-agent/internal/domain"
	"github.com/acme/outbound-voice-agent/internal/pbx"
	"github.com/acme/outbound-voice-agent/internal/queue"
	"github.com/acme/outbound-voice-agent/internal/repository/memory"
)

type fakePBX struct {
	mu        sync.Mutex
	actions   []pbx.Action
	listener  pbx.Listener
	respond   func(pbx.Action) (pbx.Message, error)
	originate chan pbx.Action
}

func (f *fakePBX) SendAction(_ context.Context, a pbx.Action, _ time.Duration) (pbx.Message, error) {
	f.mu.Lock()
	f.actions = append(f.actions, a)
	respond := f.respond
	f.mu.Unlock()
	if a.Name == "Originate" {
		f.originate <- a
	}
	if respond != nil {
		return respond(a)
	}
	return pbx.Message{"response": "Success"}, nil
}

func (f *fakePBX) OnAny(l pbx.Listener) func() {
	f.mu.Lock()
	f.listener = l
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.listener = nil
		f.mu.Unlock()
	}
}

func (f *fakePBX) emit(ev pbx.Message) {
	f.mu.Lock()
	l := f.listener
	f.mu.Unlock()
	if l != nil {
		l(ev)
	}
}

func (f *fakePBX) sent(name string) []pbx.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []pbx.Action
	for _, a := range f.actions {
		if a.Name == name {
			out = append(out, a)
		}
	}
	return out
}

type fakeOutcomes struct {
	ch chan queue.CallCompletedMessage
}

func (f *fakeOutcomes) PublishCallCompleted(_ context.Context, msg queue.CallCompletedMessage) error {
	f.ch <- msg
	return nil
}

type harness struct {
	t        *testing.T
	store    *memory.Store
	pbx      *fakePBX
	bus      *bus.Memory
	outcomes *fakeOutcomes
	handler  *Handler
	cfg      Config
	deps     Deps
	attempt  *domain.CallAttempt
	task     *domain.Task
	done     chan struct{}

	mu     sync.Mutex
	sleeps []time.Duration
	gate   chan struct{}
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	ctx := context.Background()
	hs := &harness{
		t:        t,
		store:    memory.NewStore(),
		pbx:      &fakePBX{originate: make(chan pbx.Action, 1)},
		bus:      bus.NewMemory(),
		outcomes: &fakeOutcomes{ch: make(chan queue.CallCompletedMessage, 4)},
		done:     make(chan struct{}),
	}

	hs.task = &domain.Task{UserID: 1, PhoneNumber: "5551234", Status: domain.TaskStatusInitiatingCall, MaxAttempts: 3}
	if err := hs.store.Tasks().Create(ctx, hs.task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	hs.attempt = &domain.CallAttempt{TaskID: hs.task.ID, AttemptNumber: 1, Status: domain.CallStatusPendingOrigination}
	if err := hs.store.Attempts().Create(ctx, hs.attempt); err != nil {
		t.Fatalf("create attempt: %v", err)
	}

	cfg := Config{OutboundContext: "outbound-trunk", AgentContext: "voice-agent", CallerID: "agent"}
	if mutate != nil {
		mutate(&cfg)
	}
	deps := Deps{
		PBX:        hs.pbx,
		Attempts:   hs.store.Attempts(),
		Tasks:      hs.store.Tasks(),
		Events:     hs.store.Events(),
		Timeline:   hs.store.Transcripts(),
		Publisher:  hs.bus,
		Subscriber: hs.bus,
		Outcomes:   hs.outcomes,
		Sleep: func(ctx context.Context, d time.Duration) error {
			hs.mu.Lock()
			hs.sleeps = append(hs.sleeps, d)
			gate := hs.gate
			hs.mu.Unlock()
			if gate == nil {
				return nil
			}
			select {
			case <-gate:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	hs.cfg, hs.deps = cfg, deps
	hs.handler = New(cfg, deps, hs.attempt, hs.task, func() { close(hs.done) })
	return hs
}

// start runs the handler and returns the Originate action it sent.
func (hs *harness) start() pbx.Action {
	hs.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hs.t.Cleanup(cancel)
	go func() { _ = hs.handler.Run(ctx) }()
	select {
	case a := <-hs.pbx.originate:
		return a
	case <-time.After(time.Second):
		hs.t.Fatalf("originate not sent")
	}
	return pbx.Action{}
}

func (hs *harness) correlation() string {
	hs.t.Helper()
	a, err := hs.store.Attempts().Get(context.Background(), hs.attempt.ID)
	if err != nil {
		hs.t.Fatalf("get attempt: %v", err)
	}
	return a.CorrelationUUID.String()
}

func (hs *harness) identify() {
	hs.pbx.emit(event("VarSet", "Uniqueid", "100.1", "Channel", "Local/5551234@outbound-trunk-0001;1",
		"Variable", CorrelationVariable, "Value", hs.correlation()))
	hs.waitFor(func(a *domain.CallAttempt) bool { return a.PBXUniqueID == "100.1" })
}

// waitFor polls the stored attempt so commands are not raced against queued events.
func (hs *harness) waitFor(cond func(*domain.CallAttempt) bool) {
	hs.t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond(hs.stored()) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	hs.t.Fatalf("condition not reached, attempt %+v", hs.stored())
}

func (hs *harness) waitDone() queue.CallCompletedMessage {
	hs.t.Helper()
	select {
	case <-hs.done:
	case <-time.After(2 * time.Second):
		hs.t.Fatalf("attempt did not terminate")
	}
	select {
	case msg := <-hs.outcomes.ch:
		return msg
	case <-time.After(time.Second):
		hs.t.Fatalf("no CallCompleted published")
	}
	return queue.CallCompletedMessage{}
}

func (hs *harness) stored() *domain.CallAttempt {
	hs.t.Helper()
	a, err := hs.store.Attempts().Get(context.Background(), hs.attempt.ID)
	if err != nil {
		hs.t.Fatalf("get attempt: %v", err)
	}
	return a
}

func (hs *harness) publish(cmd command.Command) {
	hs.t.Helper()
	if err := hs.bus.Publish(context.Background(), command.CommandTopic(hs.attempt.ID), hs.attempt.ID, cmd); err != nil {
		hs.t.Fatalf("publish: %v", err)
	}
}

func TestOriginateCarriesCorrelation(t *testing.T) {
	hs := newHarness(t, func(c *Config) {
		c.TestMode = true
		c.TestNumber = "600"
	})
	a := hs.start()

	enc := make(map[string]string)
	for _, f := range a.Fields {
		enc[f.Key] = f.Value
	}
	if enc["Channel"] != "Local/600@outbound-trunk" {
		t.Fatalf("test mode must dial the test number, got %q", enc["Channel"])
	}
	if enc["Context"] != "voice-agent" || enc["Exten"] != "s" || enc["Async"] != "true" {
		t.Fatalf("unexpected originate fields %v", enc)
	}
	if !strings.Contains(enc["Variable"], "CALL_CORRELATION_UUID="+hs.correlation()) {
		t.Fatalf("correlation variable missing from %q", enc["Variable"])
	}
	if hs.stored().Status != domain.CallStatusOriginating {
		t.Fatalf("expected ORIGINATING, got %s", hs.stored().Status)
	}
}

func TestBusyDialEndFailsAttempt(t *testing.T) {
	hs := newHarness(t, nil)
	hs.start()

	hs.identify()
	hs.pbx.emit(event("Newchannel", "Uniqueid", "100.1", "Channel", "Local/5551234@outbound-trunk-0001;1"))
	hs.pbx.emit(event("DialBegin", "Uniqueid", "100.2", "Linkedid", "100.1", "DestChannel", "PJSIP/trunk-0002"))
	hs.pbx.emit(event("DialEnd", "Uniqueid", "100.2", "Linkedid", "100.1", "DialStatus", "BUSY"))

	msg := hs.waitDone()
	if msg.Status != string(domain.CallStatusFailedBusy) {
		t.Fatalf("expected FAILED_BUSY outcome, got %s", msg.Status)
	}
	a := hs.stored()
	if a.Status != domain.CallStatusFailedBusy || a.PBXUniqueID != "100.1" || a.OutboundChannel != "PJSIP/trunk-0002" {
		t.Fatalf("unexpected stored attempt %+v", a)
	}
	if hs.handler.FinalStatus() != domain.CallStatusFailedBusy {
		t.Fatalf("unexpected final status %s", hs.handler.FinalStatus())
	}
	events, _ := hs.store.Transcripts().ListEvents(context.Background(), hs.attempt.ID)
	if len(events) != 4 {
		t.Fatalf("expected 4 timeline events, got %d", len(events))
	}
}

func TestBridgeEnterPublishesHandshakeOnce(t *testing.T) {
	hs := newHarness(t, nil)
	hs.start()

	sub, err := hs.bus.Subscribe(context.Background(), "call_handshake:"+hs.correlation())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	hs.identify()
	hs.pbx.emit(event("BridgeEnter", "Uniqueid", "100.1"))
	hs.pbx.emit(event("BridgeEnter", "Uniqueid", "100.1"))

	select {
	case env := <-sub.C():
		if _, ok := env.Command.(command.AIHandshake); !ok {
			t.Fatalf("expected ai_handshake, got %T", env.Command)
		}
	case <-time.After(time.Second):
		t.Fatalf("no handshake published")
	}
	select {
	case env := <-sub.C():
		t.Fatalf("second handshake published: %+v", env)
	case <-time.After(150 * time.Millisecond):
	}

	a := hs.stored()
	if a.Status != domain.CallStatusAnswered || a.AnsweredAt == nil {
		t.Fatalf("expected ANSWERED with answered_at, got %+v", a)
	}

	hs.pbx.emit(event("Hangup", "Uniqueid", "100.1", "Cause", "16", "Cause-txt", "Normal Clearing"))
	msg := hs.waitDone()
	if msg.Status != string(domain.CallStatusCompletedUserHangup) || msg.HangupCause != "Normal Clearing (Code: 16)" {
		t.Fatalf("unexpected outcome %+v", msg)
	}
}

func TestEndCallDelaysHangupBySpokenLength(t *testing.T) {
	hs := newHarness(t, nil)
	hs.start()
	hs.identify()

	hs.publish(command.EndCall{
		Reason:       "booked",
		FinalMessage: "thank you your table is booked for tonight at eight",
		Outcome:      command.OutcomeObjectiveMet,
	})
	msg := hs.waitDone()

	hs.mu.Lock()
	sleeps := append([]time.Duration(nil), hs.sleeps...)
	hs.mu.Unlock()
	if len(sleeps) != 1 {
		t.Fatalf("expected one delay, got %v", sleeps)
	}
	if diff := sleeps[0] - 4500*time.Millisecond; diff < -time.Millisecond || diff > time.Millisecond {
		t.Fatalf("expected ~4.5s hangup delay, got %v", sleeps[0])
	}

	hangups := hs.pbx.sent("Hangup")
	if len(hangups) != 1 {
		t.Fatalf("expected one hangup action, got %d", len(hangups))
	}
	if hangups[0].Fields[0].Value != "Local/5551234@outbound-trunk-0001;1" || hangups[0].Fields[1].Value != "16" {
		t.Fatalf("unexpected hangup fields %v", hangups[0].Fields)
	}
	if msg.Status != string(domain.CallStatusCompletedAIObjectiveMet) || msg.Conclusion != "booked" {
		t.Fatalf("unexpected outcome %+v", msg)
	}
}

func TestRescheduleMarksCompletion(t *testing.T) {
	hs := newHarness(t, nil)
	hs.start()
	hs.identify()

	hs.publish(command.RescheduleCall{Reason: "owner is out", TimeDescription: "tomorrow morning"})
	msg := hs.waitDone()
	if !msg.RescheduleRequested || msg.Status != string(domain.CallStatusCompletedAIHangup) {
		t.Fatalf("unexpected outcome %+v", msg)
	}
	events, _ := hs.store.Events().ListByTask(context.Background(), hs.task.ID)
	if len(events) != 1 || events[0].EventType != domain.TaskEventRescheduleRequested {
		t.Fatalf("expected reschedule event, got %+v", events)
	}
}

func TestHangupKeepsStoredAIConclusion(t *testing.T) {
	hs := newHarness(t, nil)
	hs.start()
	hs.identify()
	hs.pbx.emit(event("BridgeEnter", "Uniqueid", "100.1"))
	hs.waitFor(func(a *domain.CallAttempt) bool { return a.Status == domain.CallStatusAnswered })

	_, err := hs.store.Attempts().Complete(context.Background(), hs.attempt.ID, domain.CallCompletion{
		Status:  domain.CallStatusCompletedAIHangup,
		EndedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	hs.pbx.emit(event("Hangup", "Uniqueid", "100.1", "Cause", "16", "Cause-txt", "Normal Clearing"))
	msg := hs.waitDone()
	if msg.Status != string(domain.CallStatusCompletedAIHangup) {
		t.Fatalf("AI conclusion must win, got %s", msg.Status)
	}
}

func TestSendDtmfAbortsOnFirstFailure(t *testing.T) {
	hs := newHarness(t, nil)
	hs.pbx.respond = func(a pbx.Action) (pbx.Message, error) {
		for _, f := range a.Fields {
			if f.Key == "Digit" && f.Value == "2" {
				return pbx.Message{"response": "Error", "message": "No such channel"}, nil
			}
		}
		return pbx.Message{"response": "Success"}, nil
	}
	hs.start()
	hs.identify()
	hs.pbx.emit(event("DialBegin", "Uniqueid", "100.1", "DestChannel", "PJSIP/trunk-0002"))
	hs.waitFor(func(a *domain.CallAttempt) bool { return a.OutboundChannel != "" })

	hs.publish(command.SendDtmf{Digits: "123"})

	deadline := time.Now().Add(time.Second)
	for len(hs.pbx.sent("PlayDTMF")) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	played := hs.pbx.sent("PlayDTMF")
	if len(played) != 2 {
		t.Fatalf("expected abort after second digit, got %d actions", len(played))
	}
	if played[0].Fields[0].Value != "PJSIP/trunk-0002" {
		t.Fatalf("DTMF must target the outbound channel, got %v", played[0].Fields)
	}

	hs.pbx.emit(event("Hangup", "Uniqueid", "100.1", "Cause", "17", "Cause-txt", "User busy"))
	if msg := hs.waitDone(); msg.Status != string(domain.CallStatusFailedBusy) {
		t.Fatalf("unexpected outcome %+v", msg)
	}
}

func TestHangupDuringDtmfAmidForeignTraffic(t *testing.T) {
	hs := newHarness(t, nil)
	gate := make(chan struct{})
	hs.gate = gate
	hs.start()
	hs.identify()
	hs.pbx.emit(event("DialBegin", "Uniqueid", "100.1", "DestChannel", "PJSIP/trunk-0002"))
	hs.waitFor(func(a *domain.CallAttempt) bool { return a.OutboundChannel != "" })

	hs.publish(command.SendDtmf{Digits: "12"})
	deadline := time.Now().Add(time.Second)
	for len(hs.pbx.sent("PlayDTMF")) < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	// the actor is parked in the inter-digit delay while other calls keep talking
	for i := 0; i < 4*eventBuffer; i++ {
		uid := fmt.Sprintf("%d.1", 500+i)
		hs.pbx.emit(event("Newstate", "Uniqueid", uid, "Linkedid", uid, "ChannelState", "6"))
	}
	hs.pbx.emit(event("Hangup", "Uniqueid", "100.1", "Cause", "16", "Cause-txt", "Normal Clearing"))
	close(gate)

	msg := hs.waitDone()
	if msg.Status != string(domain.CallStatusCompletedUserHangup) {
		t.Fatalf("unexpected outcome %+v", msg)
	}
	events, _ := hs.store.Transcripts().ListEvents(context.Background(), hs.attempt.ID)
	if len(events) != 3 {
		t.Fatalf("expected only this call's 3 events on the timeline, got %d", len(events))
	}
}

func TestForeignHangupIgnored(t *testing.T) {
	hs := newHarness(t, nil)
	hs.start()
	hs.identify()

	hs.pbx.emit(event("Hangup", "Uniqueid", "999.9", "Linkedid", "999.9", "Cause", "16"))
	select {
	case <-hs.done:
		t.Fatalf("foreign hangup terminated the attempt")
	case <-time.After(100 * time.Millisecond):
	}

	hs.pbx.emit(event("Hangup", "Uniqueid", "100.1", "Cause", "1", "Cause-txt", "Unallocated"))
	if msg := hs.waitDone(); msg.Status != string(domain.CallStatusFailedInvalidNumber) {
		t.Fatalf("unexpected outcome %+v", msg)
	}
}

func TestOriginateRejectedFailsWithAsteriskError(t *testing.T) {
	hs := newHarness(t, nil)
	hs.pbx.respond = func(pbx.Action) (pbx.Message, error) {
		return pbx.Message{"response": "Error", "message": "Extension does not exist."}, nil
	}
	hs.start()
	if msg := hs.waitDone(); msg.Status != string(domain.CallStatusFailedAsteriskError) {
		t.Fatalf("unexpected outcome %+v", msg)
	}
}

func TestWatchdogFailsUnmatchedOrigination(t *testing.T) {
	hs := newHarness(t, func(c *Config) { c.OriginateWatchdog = 50 * time.Millisecond })
	hs.start()
	if msg := hs.waitDone(); msg.Status != string(domain.CallStatusFailedAsteriskError) {
		t.Fatalf("unexpected outcome %+v", msg)
	}
}

func TestRequestUserInfoTimeoutInjectsMessage(t *testing.T) {
	hs := newHarness(t, nil)
	hs.start()
	hs.identify()

	ctx := context.Background()
	hitl, _ := hs.bus.Subscribe(ctx, command.HITLTopic(hs.attempt.ID))
	defer hitl.Close()
	inject, _ := hs.bus.Subscribe(ctx, command.InjectTopic(hs.attempt.ID))
	defer inject.Close()

	hs.publish(command.RequestUserInfo{Question: "Which date works?", TimeoutSeconds: 1})

	select {
	case env := <-hitl.C():
		if req, ok := env.Command.(command.RequestUserInfo); !ok || req.Question != "Which date works?" {
			t.Fatalf("unexpected HITL envelope %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatalf("HITL request not published")
	}
	task, _ := hs.store.Tasks().Get(ctx, hs.task.ID)
	if task.Status != domain.TaskStatusPendingUserInfo {
		t.Fatalf("expected pending_user_info, got %s", task.Status)
	}

	select {
	case env := <-inject.C():
		msg, ok := env.Command.(command.InjectMessage)
		if !ok || !msg.RespondImmediately || !strings.Contains(msg.Text, "1 seconds") {
			t.Fatalf("unexpected injection %+v", env)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout injection not published")
	}
}

func TestFactoryShutdownHangsUpLiveCall(t *testing.T) {
	hs := newHarness(t, nil)
	factory := NewFactory(hs.cfg, hs.deps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	factory.Spawn(ctx, hs.attempt, hs.task, func() { close(hs.done) })
	select {
	case <-hs.pbx.originate:
	case <-time.After(time.Second):
		t.Fatalf("originate not sent")
	}
	hs.identify()
	hs.pbx.emit(event("BridgeEnter", "Uniqueid", "100.1"))
	hs.waitFor(func(a *domain.CallAttempt) bool { return a.Status == domain.CallStatusAnswered })

	cancel()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if err := factory.Wait(waitCtx); err != nil {
		t.Fatalf("handler did not return after shutdown: %v", err)
	}

	msg := hs.waitDone()
	if msg.Status != string(domain.CallStatusCompletedSystemHangup) || msg.HangupCause != "service shutdown" {
		t.Fatalf("unexpected outcome %+v", msg)
	}
	if len(hs.pbx.sent("Hangup")) != 1 {
		t.Fatalf("expected the live channel to be hung up")
	}
}
