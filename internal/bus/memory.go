package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/acme/outbound-voice-agent/internal/command"
	apperrors "github.com/acme/outbound-voice-agent/pkg/errors"
)

// Memory is an in-process bus with the same at-most-once semantics as RedisBus:
// publishes with no subscriber are dropped, and a full subscriber drops the message.
type Memory struct {
	mu     sync.Mutex
	subs   map[string]map[*memorySubscription]struct{}
	buffer int
	closed bool
}

// NewMemory constructs an in-process bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[*memorySubscription]struct{}), buffer: 16}
}

// Publish delivers the command to current subscribers of the topic.
func (m *Memory) Publish(ctx context.Context, topic string, callAttemptID int64, cmd command.Command) error {
	if err := ctx.Err(); err != nil {
		return publishError(topic, err)
	}
	// round-trip through the codec so in-process delivery matches the wire
	payload, err := command.Encode(callAttemptID, cmd)
	if err != nil {
		return err
	}
	env, err := command.Decode(payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("bus: publish %s: %w", topic, apperrors.ErrClosed)
	}
	for sub := range m.subs[topic] {
		select {
		case sub.out <- env:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscription on the topic.
func (m *Memory) Subscribe(_ context.Context, topic string) (Subscription, error) {
	sub := &memorySubscription{bus: m, topic: topic, out: make(chan command.Envelope, m.buffer)}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("bus: subscribe %s: %w", topic, apperrors.ErrClosed)
	}
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[*memorySubscription]struct{})
	}
	m.subs[topic][sub] = struct{}{}
	m.mu.Unlock()
	return sub, nil
}

// Close ends every subscription and rejects later publishes.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var subs []*memorySubscription
	for _, set := range m.subs {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	m.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

// Subscribers reports how many subscriptions are open on the topic.
func (m *Memory) Subscribers(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[topic])
}

type memorySubscription struct {
	bus   *Memory
	topic string
	out   chan command.Envelope
	once  sync.Once
}

func (s *memorySubscription) C() <-chan command.Envelope {
	return s.out
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs[s.topic], s)
		if len(s.bus.subs[s.topic]) == 0 {
			delete(s.bus.subs, s.topic)
		}
		close(s.out)
		s.bus.mu.Unlock()
	})
	return nil
}
