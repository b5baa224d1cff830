// Package memory implements the repository interfaces in process memory.
// It is used by tests and by single-process local runs without Postgres or Scylla.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-voice-agent/internal/domain"
	"github.com/acme/outbound-voice-agent/internal/repository"
)

// Store holds every table behind one mutex so multi-table writes stay atomic.
type Store struct {
	mu         sync.Mutex
	attempts   map[int64]*domain.CallAttempt
	tasks      map[int64]*domain.Task
	events     []domain.TaskEvent
	dnd        map[string][]*int64
	transcript map[int64][]domain.TranscriptEntry
	timeline   map[int64][]domain.CallEvent
	nextID     int64
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		attempts:   make(map[int64]*domain.CallAttempt),
		tasks:      make(map[int64]*domain.Task),
		dnd:        make(map[string][]*int64),
		transcript: make(map[int64][]domain.TranscriptEntry),
		timeline:   make(map[int64][]domain.CallEvent),
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// Attempts returns the call attempt repository view.
func (s *Store) Attempts() *Attempts { return &Attempts{s} }

// Tasks returns the task repository view.
func (s *Store) Tasks() *Tasks { return &Tasks{s} }

// Events returns the task event repository view.
func (s *Store) Events() *Events { return &Events{s} }

// DND returns the do-not-disturb view.
func (s *Store) DND() *DND { return &DND{s} }

// Transcripts returns the transcript store view.
func (s *Store) Transcripts() *Transcripts { return &Transcripts{s} }

// Attempts implements repository.CallAttemptRepository.
type Attempts struct{ s *Store }

func (r *Attempts) Create(_ context.Context, attempt *domain.CallAttempt) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if attempt.ID == 0 {
		attempt.ID = r.s.id()
	}
	now := time.Now().UTC()
	attempt.CreatedAt, attempt.UpdatedAt = now, now
	cp := *attempt
	r.s.attempts[attempt.ID] = &cp
	return nil
}

func (r *Attempts) Get(_ context.Context, id int64) (*domain.CallAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.attempts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *Attempts) GetByCorrelationUUID(_ context.Context, correlation uuid.UUID) (*domain.CallAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.attempts {
		if a.CorrelationUUID == correlation {
			cp := *a
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *Attempts) ListByTask(_ context.Context, taskID int64) ([]*domain.CallAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.CallAttempt
	for _, a := range r.s.attempts {
		if a.TaskID == taskID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out, nil
}

func (r *Attempts) update(id int64, fn func(a *domain.CallAttempt) bool) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.attempts[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if !fn(a) {
		return false, nil
	}
	a.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *Attempts) SetCorrelationUUID(_ context.Context, id int64, correlation uuid.UUID) error {
	_, err := r.update(id, func(a *domain.CallAttempt) bool {
		if a.CorrelationUUID != uuid.Nil {
			return false
		}
		a.CorrelationUUID = correlation
		return true
	})
	return err
}

func (r *Attempts) AdvanceStatus(_ context.Context, id int64, to domain.CallStatus, at time.Time) (bool, error) {
	return r.update(id, func(a *domain.CallAttempt) bool {
		if !domain.CanTransition(a.Status, to) || to.IsTerminal() {
			return false
		}
		a.Status = to
		switch to {
		case domain.CallStatusOriginating:
			if a.StartedAt == nil {
				a.StartedAt = &at
			}
		case domain.CallStatusAnswered:
			if a.AnsweredAt == nil {
				a.AnsweredAt = &at
			}
		}
		return true
	})
}

func (r *Attempts) SetPBXIdentity(_ context.Context, id int64, uniqueID, channel string) error {
	_, err := r.update(id, func(a *domain.CallAttempt) bool {
		if a.PBXUniqueID == "" {
			a.PBXUniqueID = uniqueID
		}
		if channel != "" {
			a.PBXChannel = channel
		}
		return true
	})
	return err
}

func (r *Attempts) SetOutboundChannel(_ context.Context, id int64, channel string) error {
	_, err := r.update(id, func(a *domain.CallAttempt) bool {
		a.OutboundChannel = channel
		return true
	})
	return err
}

func (r *Attempts) SetRecordingPath(_ context.Context, id int64, path string) error {
	_, err := r.update(id, func(a *domain.CallAttempt) bool {
		a.RecordingPath = path
		return true
	})
	return err
}

func (r *Attempts) Complete(_ context.Context, id int64, c domain.CallCompletion) (bool, error) {
	return r.update(id, func(a *domain.CallAttempt) bool {
		if a.Status.IsTerminal() || !c.Status.IsTerminal() {
			return false
		}
		a.Status = c.Status
		a.HangupCause = c.HangupCause
		if c.Conclusion != "" {
			a.Conclusion = c.Conclusion
		}
		a.DurationSeconds = c.DurationSeconds
		ended := c.EndedAt
		a.EndedAt = &ended
		return true
	})
}

func (r *Attempts) ListStale(_ context.Context, statuses []domain.CallStatus, updatedBefore time.Time) ([]*domain.CallAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.CallAttempt
	for _, a := range r.s.attempts {
		for _, st := range statuses {
			if a.Status == st && a.UpdatedAt.Before(updatedBefore) {
				cp := *a
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

func (r *Attempts) CountActive(_ context.Context) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, a := range r.s.attempts {
		if !a.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

// Backdate moves an attempt's update time into the past.
func (r *Attempts) Backdate(id int64, age time.Duration) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if a, ok := r.s.attempts[id]; ok {
		a.UpdatedAt = time.Now().UTC().Add(-age)
	}
}

// Tasks implements repository.TaskRepository.
type Tasks struct{ s *Store }

func (r *Tasks) Create(_ context.Context, task *domain.Task) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if task.ID == 0 {
		task.ID = r.s.id()
	}
	now := time.Now().UTC()
	task.CreatedAt, task.UpdatedAt = now, now
	cp := *task
	r.s.tasks[task.ID] = &cp
	return nil
}

func (r *Tasks) Get(_ context.Context, id int64) (*domain.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *Tasks) List(_ context.Context, filter repository.TaskFilter) ([]*domain.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Task
	for _, t := range r.s.tasks {
		if filter.UserID != nil && t.UserID != *filter.UserID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *Tasks) ListDue(_ context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Task
	for _, t := range r.s.tasks {
		due := t.Status == domain.TaskStatusPending && (t.NextActionTime == nil || !t.NextActionTime.After(now))
		due = due || (t.Status == domain.TaskStatusRetryScheduled && t.NextActionTime != nil && !t.NextActionTime.After(now))
		if due {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Tasks) TransitionStatus(_ context.Context, id int64, from []domain.TaskStatus, to domain.TaskStatus) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	for _, st := range from {
		if t.Status == st {
			t.Status = to
			t.UpdatedAt = time.Now().UTC()
			return true, nil
		}
	}
	return false, nil
}

func (r *Tasks) UpdateStatus(_ context.Context, id int64, status domain.TaskStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[id]
	if !ok {
		return repository.ErrNotFound
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *Tasks) RequestUserInfo(_ context.Context, id int64, question string, timeoutSeconds int, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[id]
	if !ok {
		return repository.ErrNotFound
	}
	t.Status = domain.TaskStatusPendingUserInfo
	t.UserInfoRequest = question
	t.UserInfoResponse = ""
	t.UserInfoTimeoutSeconds = timeoutSeconds
	t.UserInfoRequestedAt = &at
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *Tasks) SubmitUserInfo(_ context.Context, id int64, response string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[id]
	if !ok {
		return repository.ErrNotFound
	}
	if t.Status != domain.TaskStatusPendingUserInfo {
		return repository.ErrConflict
	}
	t.UserInfoResponse = response
	t.Status = domain.TaskStatusInitiatingCall
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *Tasks) ApplyOutcome(_ context.Context, outcome repository.TaskOutcome, event *domain.TaskEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[outcome.TaskID]
	if !ok {
		return repository.ErrNotFound
	}
	if t.Status.IsTerminal() {
		return repository.ErrConflict
	}
	t.Status = outcome.Status
	if outcome.OverallConclusion != "" {
		t.OverallConclusion = outcome.OverallConclusion
	}
	t.NextActionTime = outcome.NextActionTime
	t.CurrentAttemptCount = outcome.CurrentAttemptCount
	t.UpdatedAt = time.Now().UTC()
	if event != nil {
		event.ID = r.s.id()
		r.s.events = append(r.s.events, *event)
	}
	return nil
}

// Events implements repository.TaskEventRepository.
type Events struct{ s *Store }

func (r *Events) Append(_ context.Context, event *domain.TaskEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	event.ID = r.s.id()
	r.s.events = append(r.s.events, *event)
	return nil
}

func (r *Events) ListByTask(_ context.Context, taskID int64) ([]domain.TaskEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.TaskEvent
	for _, ev := range r.s.events {
		if ev.TaskID == taskID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// DND implements repository.DNDRepository.
type DND struct{ s *Store }

func (r *DND) IsBlocked(_ context.Context, phoneNumber string, userID int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, owner := range r.s.dnd[phoneNumber] {
		if owner == nil || *owner == userID {
			return true, nil
		}
	}
	return false, nil
}

func (r *DND) Add(_ context.Context, phoneNumber string, userID *int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.dnd[phoneNumber] = append(r.s.dnd[phoneNumber], userID)
	return nil
}

// Transcripts implements repository.TranscriptStore.
type Transcripts struct{ s *Store }

func (r *Transcripts) AppendTranscript(_ context.Context, entry domain.TranscriptEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.transcript[entry.CallAttemptID] = append(r.s.transcript[entry.CallAttemptID], entry)
	return nil
}

func (r *Transcripts) ListTranscript(_ context.Context, callAttemptID int64) ([]domain.TranscriptEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return append([]domain.TranscriptEntry(nil), r.s.transcript[callAttemptID]...), nil
}

func (r *Transcripts) AppendEvent(_ context.Context, event domain.CallEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.timeline[event.CallAttemptID] = append(r.s.timeline[event.CallAttemptID], event)
	return nil
}

func (r *Transcripts) ListEvents(_ context.Context, callAttemptID int64) ([]domain.CallEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return append([]domain.CallEvent(nil), r.s.timeline[callAttemptID]...), nil
}

var (
	_ repository.CallAttemptRepository = (*Attempts)(nil)
	_ repository.TaskRepository        = (*Tasks)(nil)
	_ repository.TaskEventRepository   = (*Events)(nil)
	_ repository.DNDRepository         = (*DND)(nil)
	_ repository.TranscriptStore       = (*Transcripts)(nil)
)
