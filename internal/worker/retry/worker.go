package retry

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-voice-agent/internal/queue"
	"github.com/acme/outbound-voice-agent/internal/repository"
	"github.com/acme/outbound-voice-agent/internal/retry"
	"github.com/acme/outbound-voice-agent/pkg/logger"
)

const (
	maxHandleAttempts = 3
	handleBackoff     = time.Second
)

// Reader is the subset of kafka.Reader the worker consumes through.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// OutcomeHandler applies one CallCompleted notification.
type OutcomeHandler interface {
	Handle(ctx context.Context, msg queue.CallCompletedMessage) (retry.Decision, error)
}

// DeadLetterSink receives messages the worker gives up on.
type DeadLetterSink interface {
	Publish(ctx context.Context, m kafka.Message, cause error) error
}

// Worker consumes CallCompleted notifications and feeds the retry scheduler.
type Worker struct {
	reader  Reader
	handler OutcomeHandler
	dlq     DeadLetterSink
	log     *logger.Logger
	backoff time.Duration
}

// New creates a retry worker. dlq may be nil.
func New(reader Reader, handler OutcomeHandler, dlq DeadLetterSink, log *logger.Logger) *Worker {
	if log == nil {
		log = logger.Nop()
	}
	return &Worker{reader: reader, handler: handler, dlq: dlq, log: log.Named("retryworker"), backoff: handleBackoff}
}

// Run processes outcomes until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reader.Close()

	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("retry worker: fetch", zap.Error(err))
			continue
		}
		w.process(ctx, msg)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (w *Worker) process(ctx context.Context, msg kafka.Message) {
	outcome, err := queue.DecodeCallCompleted(msg.Value)
	if err != nil {
		w.log.Error("retry worker: decode", zap.Int64("offset", msg.Offset), zap.Error(err))
		w.deadLetter(ctx, msg, err)
		w.commit(ctx, msg)
		return
	}

	tracer := otel.Tracer("outbound.retryworker")
	sctx, span := tracer.Start(ctx, "retry.consume", trace.WithAttributes(
		attribute.Int64("task.id", outcome.TaskID),
		attribute.Int64("call_attempt.id", outcome.CallAttemptID),
		attribute.Int("attempt", outcome.AttemptNumber),
	))
	defer span.End()

	for i := 1; ; i++ {
		_, err = w.handler.Handle(sctx, outcome)
		if err == nil {
			break
		}
		span.RecordError(err)
		if errors.Is(err, repository.ErrNotFound) || i >= maxHandleAttempts {
			w.log.Error("retry worker: giving up on outcome",
				zap.Int64("task_id", outcome.TaskID),
				zap.Int64("call_attempt_id", outcome.CallAttemptID),
				zap.Int("tries", i),
				zap.Error(err))
			w.deadLetter(sctx, msg, err)
			break
		}
		w.log.Warn("retry worker: handle failed, retrying", zap.Int64("task_id", outcome.TaskID), zap.Error(err))
		select {
		case <-sctx.Done():
			return
		case <-time.After(w.backoff):
		}
	}

	w.commit(sctx, msg)
}

func (w *Worker) deadLetter(ctx context.Context, msg kafka.Message, cause error) {
	if w.dlq == nil {
		return
	}
	if err := w.dlq.Publish(ctx, msg, cause); err != nil {
		w.log.Error("retry worker: dead letter", zap.Error(err))
	}
}

func (w *Worker) commit(ctx context.Context, msg kafka.Message) {
	if err := w.reader.CommitMessages(ctx, msg); err != nil {
		w.log.Error("retry worker: commit", zap.Error(err))
	}
}
