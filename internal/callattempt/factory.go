package callattempt

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/acme/outbound-voice-agent/internal/domain"
)

// Factory spawns handlers sharing one set of collaborators.
type Factory struct {
	cfg  Config
	deps Deps
	wg   sync.WaitGroup
}

// NewFactory constructs a factory.
func NewFactory(cfg Config, deps Deps) *Factory {
	return &Factory{cfg: cfg, deps: deps}
}

// Spawn starts the state machine for attempt on its own goroutine.
func (f *Factory) Spawn(ctx context.Context, attempt *domain.CallAttempt, task *domain.Task, onDone func()) {
	h := New(f.cfg, f.deps, attempt, task, onDone)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if err := h.Run(ctx); err != nil {
			h.log.Error("callattempt: run failed", zap.Error(err))
		}
	}()
}

// Wait blocks until every spawned handler has returned or ctx is done.
func (f *Factory) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
