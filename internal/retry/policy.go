// Package retry turns call outcomes into task decisions.
package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/acme/outbound-voice-agent/internal/config"
	"github.com/acme/outbound-voice-agent/internal/domain"
)

// Class groups terminal call statuses by what they mean for the task.
type Class int

const (
	ClassRetriable Class = iota
	ClassSuccess
	ClassNonRetriable
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassNonRetriable:
		return "non_retriable"
	default:
		return "retriable"
	}
}

// Classify maps a terminal status to its class. A reschedule request is always retriable.
func Classify(status domain.CallStatus, rescheduled bool) Class {
	if rescheduled {
		return ClassRetriable
	}
	switch status {
	case domain.CallStatusCompletedAIObjectiveMet:
		return ClassSuccess
	case domain.CallStatusFailedInvalidNumber,
		domain.CallStatusCompletedUserHangup,
		domain.CallStatusCompletedAIHangup:
		return ClassNonRetriable
	}
	return ClassRetriable
}

// Policy computes exponential backoff with additive jitter.
type Policy struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     float64

	mu  sync.Mutex
	rng *rand.Rand
}

// DefaultPolicy returns the 5m/x2/240m policy with 10% jitter.
func DefaultPolicy() *Policy {
	return NewPolicy(5*time.Minute, 2, 240*time.Minute, 0.1, nil)
}

// PolicyFrom builds a policy from configuration.
func PolicyFrom(cfg config.RetryConfig) *Policy {
	return NewPolicy(cfg.BaseDelay, cfg.Multiplier, cfg.MaxDelay, cfg.Jitter, nil)
}

// NewPolicy constructs a policy. A nil rng is seeded from the clock.
func NewPolicy(base time.Duration, multiplier float64, max time.Duration, jitter float64, rng *rand.Rand) *Policy {
	if base <= 0 {
		base = 5 * time.Minute
	}
	if multiplier < 1 {
		multiplier = 2
	}
	if max <= 0 {
		max = 240 * time.Minute
	}
	if jitter < 0 {
		jitter = 0
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Policy{Base: base, Multiplier: multiplier, Max: max, Jitter: jitter, rng: rng}
}

// BaseDelay returns the capped delay for attempt without jitter. Attempt is 1-based.
func (p *Policy) BaseDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.Max) {
		return p.Max
	}
	return time.Duration(delay)
}

// Delay returns BaseDelay plus up to Jitter of it.
func (p *Policy) Delay(attempt int) time.Duration {
	delay := p.BaseDelay(attempt)
	if p.Jitter == 0 {
		return delay
	}
	p.mu.Lock()
	f := p.rng.Float64()
	p.mu.Unlock()
	return delay + time.Duration(float64(delay)*p.Jitter*f)
}
