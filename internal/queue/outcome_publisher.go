package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// OutcomePublisher publishes CallCompleted notifications.
type OutcomePublisher struct {
	writer *kafka.Writer
}

// NewOutcomePublisher constructs a publisher for the given topic.
func NewOutcomePublisher(k *Kafka, topic string) *OutcomePublisher {
	return &OutcomePublisher{writer: k.NewWriter(topic)}
}

// PublishCallCompleted emits the message keyed by task id.
func (p *OutcomePublisher) PublishCallCompleted(ctx context.Context, msg CallCompletedMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("outcome publisher: marshal message: %w", err)
	}
	record := kafka.Message{
		Key:   msg.Key(),
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("outcome publisher: write message: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *OutcomePublisher) Close() error {
	return p.writer.Close()
}

// DeadLetterPublisher forwards unprocessable messages to the dead-letter topic.
type DeadLetterPublisher struct {
	writer *kafka.Writer
}

// NewDeadLetterPublisher constructs a dead-letter publisher.
func NewDeadLetterPublisher(k *Kafka, topic string) *DeadLetterPublisher {
	return &DeadLetterPublisher{writer: k.NewWriter(topic)}
}

// Publish records the failed message and the reason it was rejected.
func (p *DeadLetterPublisher) Publish(ctx context.Context, m kafka.Message, cause error) error {
	dl := DeadLetter{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Error:     cause.Error(),
		FailedAt:  time.Now().UTC(),
	}
	if json.Valid(m.Value) {
		dl.Payload = json.RawMessage(m.Value)
	} else {
		dl.Raw = string(m.Value)
	}
	value, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("dead letter: marshal: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: m.Key, Value: value, Time: dl.FailedAt}); err != nil {
		return fmt.Errorf("dead letter: write message: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *DeadLetterPublisher) Close() error {
	return p.writer.Close()
}
