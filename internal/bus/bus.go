// Package bus relays command envelopes between processes over Redis pub/sub.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/acme/outbound-voice-agent/internal/command"
	apperrors "github.com/acme/outbound-voice-agent/pkg/errors"
	"github.com/acme/outbound-voice-agent/pkg/logger"
)

// Publisher sends commands to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, callAttemptID int64, cmd command.Command) error
}

// Subscriber opens a subscription on a topic.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

// Subscription delivers decoded envelopes until closed.
type Subscription interface {
	C() <-chan command.Envelope
	Close() error
}

// RedisBus implements Publisher and Subscriber on Redis channels.
type RedisBus struct {
	client *redis.Client
	log    *logger.Logger
}

// NewRedisBus constructs the bus.
func NewRedisBus(client *redis.Client, log *logger.Logger) *RedisBus {
	return &RedisBus{client: client, log: log.Named("bus")}
}

// Publish encodes and publishes the command. Delivery is at-most-once.
func (b *RedisBus) Publish(ctx context.Context, topic string, callAttemptID int64, cmd command.Command) error {
	payload, err := command.Encode(callAttemptID, cmd)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return publishError(topic, err)
	}
	return nil
}

// publishError tags transport failures with the matching application sentinel.
func publishError(topic string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("bus: publish %s: %w: %w", topic, apperrors.ErrTimeout, err)
	case errors.Is(err, redis.ErrClosed):
		return fmt.Errorf("bus: publish %s: %w: %w", topic, apperrors.ErrClosed, err)
	}
	return fmt.Errorf("bus: publish %s: %w", topic, err)
}

// Subscribe listens on the topic. Undecodable messages are logged and skipped.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, topic)
	// wait for the subscription confirmation so early publishes are not missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("bus: subscribe %s: %w", topic, err)
	}

	sub := &redisSubscription{
		ps:   ps,
		out:  make(chan command.Envelope, 16),
		done: make(chan struct{}),
	}
	go sub.pump(topic, b.log)
	return sub, nil
}

type redisSubscription struct {
	ps        *redis.PubSub
	out       chan command.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func (s *redisSubscription) pump(topic string, log *logger.Logger) {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		env, err := command.Decode([]byte(msg.Payload))
		if err != nil {
			level := log.Warn
			if errors.Is(err, command.ErrUnknownCommand) {
				level = log.Error
			}
			level("bus: dropping message", zap.String("topic", topic), zap.Error(err))
			continue
		}
		select {
		case s.out <- env:
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) C() <-chan command.Envelope {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
