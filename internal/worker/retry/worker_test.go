package retry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/acme/outbound-voice-agent/internal/queue"
	"github.com/acme/outbound-voice-agent/internal/repository"
	"github.com/acme/outbound-voice-agent/internal/retry"
)

type sliceReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    bool
}

func (r *sliceReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *sliceReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *sliceReader) Close() error {
	r.closed = true
	return nil
}

func (r *sliceReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type scriptedHandler struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (h *scriptedHandler) Handle(context.Context, queue.CallCompletedMessage) (retry.Decision, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if len(h.errs) == 0 {
		return retry.DecisionRetry, nil
	}
	err := h.errs[0]
	h.errs = h.errs[1:]
	return "", err
}

type recordingDLQ struct {
	mu      sync.Mutex
	offsets []int64
}

func (d *recordingDLQ) Publish(_ context.Context, m kafka.Message, _ error) error {
	d.mu.Lock()
	d.offsets = append(d.offsets, m.Offset)
	d.mu.Unlock()
	return nil
}

func outcomeMessage(t *testing.T, offset int64) kafka.Message {
	t.Helper()
	value, err := json.Marshal(queue.CallCompletedMessage{CallAttemptID: 3, TaskID: 9, AttemptNumber: 1, Status: "FAILED_BUSY"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return kafka.Message{Offset: offset, Value: value}
}

func runUntilCommitted(t *testing.T, w *Worker, r *sliceReader, want int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(r.commits()) < want {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("timed out waiting for %d commits, got %v", want, r.commits())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestWorkerDeadLettersUndecodableMessages(t *testing.T) {
	reader := &sliceReader{msgs: []kafka.Message{{Offset: 1, Value: []byte("not json")}, outcomeMessage(t, 2)}}
	handler := &scriptedHandler{}
	dlq := &recordingDLQ{}
	w := New(reader, handler, dlq, nil)

	runUntilCommitted(t, w, reader, 2)

	if len(dlq.offsets) != 1 || dlq.offsets[0] != 1 {
		t.Fatalf("expected offset 1 dead-lettered, got %v", dlq.offsets)
	}
	if handler.calls != 1 {
		t.Fatalf("expected one handled outcome, got %d", handler.calls)
	}
	if !reader.closed {
		t.Fatalf("reader must be closed on exit")
	}
}

func TestWorkerRetriesTransientFailures(t *testing.T) {
	reader := &sliceReader{msgs: []kafka.Message{outcomeMessage(t, 5)}}
	handler := &scriptedHandler{errs: []error{errors.New("db timeout")}}
	dlq := &recordingDLQ{}
	w := New(reader, handler, dlq, nil)
	w.backoff = time.Millisecond

	runUntilCommitted(t, w, reader, 1)

	if handler.calls != 2 {
		t.Fatalf("expected a retry after the transient failure, got %d calls", handler.calls)
	}
	if len(dlq.offsets) != 0 {
		t.Fatalf("recovered outcome must not be dead-lettered")
	}
}

func TestWorkerDeadLettersMissingRows(t *testing.T) {
	reader := &sliceReader{msgs: []kafka.Message{outcomeMessage(t, 8)}}
	handler := &scriptedHandler{errs: []error{repository.ErrNotFound}}
	dlq := &recordingDLQ{}
	w := New(reader, handler, dlq, nil)

	runUntilCommitted(t, w, reader, 1)

	if handler.calls != 1 || len(dlq.offsets) != 1 {
		t.Fatalf("expected immediate dead letter, calls=%d dlq=%v", handler.calls, dlq.offsets)
	}
}
