package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/acme/outbound-voice-agent/internal/domain"
	"github.com/acme/outbound-voice-agent/internal/queue"
	"github.com/acme/outbound-voice-agent/internal/repository/memory"
)

type recordingSpawner struct {
	mu      sync.Mutex
	spawned []int64
	onDone  map[int64]func()
	ctxs    map[int64]context.Context
}

func (s *recordingSpawner) Spawn(ctx context.Context, attempt *domain.CallAttempt, _ *domain.Task, onDone func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawned = append(s.spawned, attempt.ID)
	if s.onDone == nil {
		s.onDone = make(map[int64]func())
		s.ctxs = make(map[int64]context.Context)
	}
	s.onDone[attempt.ID] = onDone
	s.ctxs[attempt.ID] = ctx
}

type recordingOutcomes struct {
	mu   sync.Mutex
	msgs []queue.CallCompletedMessage
}

func (r *recordingOutcomes) PublishCallCompleted(_ context.Context, msg queue.CallCompletedMessage) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	return nil
}

type countingSlots struct {
	held   atomic.Int32
	resets atomic.Int32
}

func (s *countingSlots) Acquire(_ context.Context, limit int) (bool, error) {
	if int(s.held.Add(1)) > limit {
		s.held.Add(-1)
		return false, nil
	}
	return true, nil
}

func (s *countingSlots) Release(context.Context) error {
	s.held.Add(-1)
	return nil
}

func (s *countingSlots) Reset(context.Context) error {
	s.held.Store(0)
	s.resets.Add(1)
	return nil
}

func newTask(t *testing.T, store *memory.Store) *domain.Task {
	t.Helper()
	task := &domain.Task{UserID: 1, PhoneNumber: "5551234", Status: domain.TaskStatusQueuedForCall, MaxAttempts: 3, AgentPrompt: "book a table"}
	if err := store.Tasks().Create(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestInitiateNeverExceedsLimit(t *testing.T) {
	const requests, limit = 20, 4
	store := memory.NewStore()
	spawner := &recordingSpawner{}
	slots := &countingSlots{}
	c := New(Config{MaxConcurrentCalls: limit}, Deps{
		Attempts: store.Attempts(),
		Tasks:    store.Tasks(),
		Spawner:  spawner,
		Slots:    slots,
	})

	tasks := make([]*domain.Task, requests)
	for i := range tasks {
		tasks[i] = newTask(t, store)
	}

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(task *domain.Task) {
			defer wg.Done()
			ok, err := c.Initiate(context.Background(), task)
			if err != nil {
				t.Errorf("initiate: %v", err)
			}
			if ok {
				admitted.Add(1)
			}
		}(task)
	}
	wg.Wait()

	if admitted.Load() != limit {
		t.Fatalf("expected exactly %d admissions, got %d", limit, admitted.Load())
	}
	if c.ActiveCount() != limit || c.CanInitiate() {
		t.Fatalf("expected controller to be full, active=%d", c.ActiveCount())
	}
	if slots.held.Load() != limit {
		t.Fatalf("expected %d distributed slots held, got %d", limit, slots.held.Load())
	}
}

func TestInitiateCreatesAttemptAndReleasesOnDone(t *testing.T) {
	store := memory.NewStore()
	spawner := &recordingSpawner{}
	slots := &countingSlots{}
	c := New(Config{MaxConcurrentCalls: 1}, Deps{
		Attempts: store.Attempts(),
		Tasks:    store.Tasks(),
		Spawner:  spawner,
		Slots:    slots,
	})
	task := newTask(t, store)
	task.CurrentAttemptCount = 1

	ok, err := c.Initiate(context.Background(), task)
	if err != nil || !ok {
		t.Fatalf("initiate: ok=%v err=%v", ok, err)
	}

	id := spawner.spawned[0]
	attempt, _ := store.Attempts().Get(context.Background(), id)
	if attempt.AttemptNumber != 2 || attempt.Status != domain.CallStatusPendingOrigination || attempt.Prompt != "book a table" {
		t.Fatalf("unexpected attempt %+v", attempt)
	}
	stored, _ := store.Tasks().Get(context.Background(), task.ID)
	if stored.Status != domain.TaskStatusInitiatingCall {
		t.Fatalf("expected initiating_call, got %s", stored.Status)
	}

	spawner.onDone[id]()
	spawner.onDone[id]()
	if c.ActiveCount() != 0 || !c.CanInitiate() {
		t.Fatalf("expected capacity to be released")
	}
	if slots.held.Load() != 0 {
		t.Fatalf("expected slot release exactly once, held=%d", slots.held.Load())
	}
}

type failingTasks struct {
	*memory.Tasks
}

func (f failingTasks) UpdateStatus(ctx context.Context, id int64, status domain.TaskStatus) error {
	if status == domain.TaskStatusInitiatingCall {
		return errors.New("db down")
	}
	return f.Tasks.UpdateStatus(ctx, id, status)
}

func TestInitiateFailureRevertsTask(t *testing.T) {
	store := memory.NewStore()
	spawner := &recordingSpawner{}
	c := New(Config{MaxConcurrentCalls: 1}, Deps{
		Attempts: store.Attempts(),
		Tasks:    failingTasks{store.Tasks()},
		Spawner:  spawner,
	})
	task := newTask(t, store)

	ok, err := c.Initiate(context.Background(), task)
	if ok || err == nil {
		t.Fatalf("expected failure, got ok=%v err=%v", ok, err)
	}
	if len(spawner.spawned) != 0 {
		t.Fatalf("no state machine should be spawned")
	}
	if !c.CanInitiate() || c.ActiveCount() != 0 {
		t.Fatalf("failed initiation must release capacity")
	}

	attempts, _ := store.Attempts().ListByTask(context.Background(), task.ID)
	if len(attempts) != 1 || attempts[0].Status != domain.CallStatusFailedInternalError || attempts[0].HangupCause != causeInitiationFailure {
		t.Fatalf("unexpected attempts %+v", attempts)
	}
	stored, _ := store.Tasks().Get(context.Background(), task.ID)
	if stored.Status != domain.TaskStatusPending {
		t.Fatalf("expected task reverted to pending, got %s", stored.Status)
	}
}

func TestReconcileFailsStaleAttempts(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	outcomes := &recordingOutcomes{}
	c := New(Config{MaxConcurrentCalls: 5, StaleAfter: time.Minute}, Deps{
		Attempts: store.Attempts(),
		Tasks:    store.Tasks(),
		Spawner:  &recordingSpawner{},
		Outcomes: outcomes,
	})
	task := newTask(t, store)

	stale := &domain.CallAttempt{TaskID: task.ID, AttemptNumber: 1, Status: domain.CallStatusRinging}
	fresh := &domain.CallAttempt{TaskID: task.ID, AttemptNumber: 2, Status: domain.CallStatusDialing}
	live := &domain.CallAttempt{TaskID: task.ID, AttemptNumber: 3, Status: domain.CallStatusLiveAIHandling}
	for _, a := range []*domain.CallAttempt{stale, fresh, live} {
		_ = store.Attempts().Create(ctx, a)
		c.Register(a.ID)
	}
	store.Attempts().Backdate(stale.ID, 5*time.Minute)
	store.Attempts().Backdate(live.ID, 5*time.Minute)

	if err := c.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	got, _ := store.Attempts().Get(ctx, stale.ID)
	if got.Status != domain.CallStatusFailedInternalError || got.HangupCause != causeStaleCleanup {
		t.Fatalf("stale attempt not failed: %+v", got)
	}
	if got, _ := store.Attempts().Get(ctx, live.ID); got.Status != domain.CallStatusLiveAIHandling {
		t.Fatalf("live attempts must not be reaped, got %s", got.Status)
	}
	if c.ActiveCount() != 2 {
		t.Fatalf("expected 2 active after reconcile, got %d", c.ActiveCount())
	}
	if len(outcomes.msgs) != 1 || outcomes.msgs[0].CallAttemptID != stale.ID {
		t.Fatalf("expected one completion for the stale attempt, got %+v", outcomes.msgs)
	}
}

func TestReconcileResetsPhantomCount(t *testing.T) {
	store := memory.NewStore()
	slots := &countingSlots{}
	c := New(Config{MaxConcurrentCalls: 2}, Deps{
		Attempts: store.Attempts(),
		Tasks:    store.Tasks(),
		Spawner:  &recordingSpawner{},
		Slots:    slots,
	})
	c.Register(41)
	c.Register(42)
	if c.CanInitiate() {
		t.Fatalf("expected full controller")
	}

	if err := c.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if c.ActiveCount() != 0 || !c.CanInitiate() {
		t.Fatalf("phantom entries must be cleared")
	}
	if slots.resets.Load() != 1 {
		t.Fatalf("expected distributed slots reset")
	}
}

func TestRunCancellationReachesSpawnedHandlers(t *testing.T) {
	store := memory.NewStore()
	spawner := &recordingSpawner{}
	c := New(Config{MaxConcurrentCalls: 2, ReconcileInterval: time.Hour}, Deps{
		Attempts: store.Attempts(),
		Tasks:    store.Tasks(),
		Spawner:  spawner,
	})

	reqCtx, reqCancel := context.WithCancel(context.Background())
	ok, err := c.Initiate(reqCtx, newTask(t, store))
	if err != nil || !ok {
		t.Fatalf("initiate: ok=%v err=%v", ok, err)
	}
	reqCancel()
	spawned := spawner.ctxs[spawner.spawned[0]]
	if spawned.Err() != nil {
		t.Fatalf("handler must outlive the admitting request")
	}

	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(runCtx) }()
	stop()
	<-done

	select {
	case <-spawned.Done():
	case <-time.After(time.Second):
		t.Fatalf("handler context not cancelled when the controller stopped")
	}
	if ok, _ := c.Initiate(context.Background(), newTask(t, store)); ok {
		t.Fatalf("admission must be refused after shutdown")
	}
}

func TestReconcileFailsOrphanedLiveAttempts(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	outcomes := &recordingOutcomes{}
	c := New(Config{MaxConcurrentCalls: 5, MaxCallDuration: 10 * time.Minute}, Deps{
		Attempts: store.Attempts(),
		Tasks:    store.Tasks(),
		Spawner:  &recordingSpawner{},
		Outcomes: outcomes,
	})
	task := newTask(t, store)

	orphan := &domain.CallAttempt{TaskID: task.ID, AttemptNumber: 1, Status: domain.CallStatusLiveAIHandling}
	owned := &domain.CallAttempt{TaskID: task.ID, AttemptNumber: 2, Status: domain.CallStatusAnswered}
	recent := &domain.CallAttempt{TaskID: task.ID, AttemptNumber: 3, Status: domain.CallStatusAnswered}
	for _, a := range []*domain.CallAttempt{orphan, owned, recent} {
		_ = store.Attempts().Create(ctx, a)
	}
	c.Register(owned.ID)
	store.Attempts().Backdate(orphan.ID, time.Hour)
	store.Attempts().Backdate(owned.ID, time.Hour)

	if err := c.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if got, _ := store.Attempts().Get(ctx, orphan.ID); got.Status != domain.CallStatusFailedInternalError {
		t.Fatalf("orphaned attempt left as %s", got.Status)
	}
	if got, _ := store.Attempts().Get(ctx, owned.ID); got.Status != domain.CallStatusAnswered {
		t.Fatalf("attempt owned by a running handler was reaped: %s", got.Status)
	}
	if got, _ := store.Attempts().Get(ctx, recent.ID); got.Status != domain.CallStatusAnswered {
		t.Fatalf("recent attempt was reaped: %s", got.Status)
	}
	if len(outcomes.msgs) != 1 || outcomes.msgs[0].CallAttemptID != orphan.ID {
		t.Fatalf("expected one completion for the orphan, got %+v", outcomes.msgs)
	}
}
