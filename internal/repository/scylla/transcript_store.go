package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/acme/outbound-voice-agent/internal/domain"
	"github.com/acme/outbound-voice-agent/internal/repository"
)

// TranscriptStore keeps call transcripts and PBX event timelines in Scylla,
// one partition per call attempt.
type TranscriptStore struct {
	session *gocql.Session
	ttl     time.Duration
}

// NewTranscriptStore creates the store. A zero ttl keeps rows forever.
func NewTranscriptStore(session *gocql.Session, ttl time.Duration) *TranscriptStore {
	return &TranscriptStore{session: session, ttl: ttl}
}

func (s *TranscriptStore) ttlSeconds() int {
	return int(s.ttl / time.Second)
}

// AppendTranscript stores one utterance.
func (s *TranscriptStore) AppendTranscript(ctx context.Context, entry domain.TranscriptEntry) error {
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	if err := s.session.Query(`INSERT INTO call_transcripts (call_attempt_id, created_at, seq, speaker, text)
		VALUES (?, ?, ?, ?, ?) USING TTL ?`,
		entry.CallAttemptID, created, gocql.TimeUUID(), string(entry.Speaker), entry.Text, s.ttlSeconds(),
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("transcript store: insert transcript: %w", err)
	}
	return nil
}

// ListTranscript returns the utterances of a call in order.
func (s *TranscriptStore) ListTranscript(ctx context.Context, callAttemptID int64) ([]domain.TranscriptEntry, error) {
	iter := s.session.Query(`SELECT created_at, speaker, text FROM call_transcripts WHERE call_attempt_id = ?`,
		callAttemptID).WithContext(ctx).Iter()

	var (
		out     []domain.TranscriptEntry
		created time.Time
		speaker string
		text    string
	)
	for iter.Scan(&created, &speaker, &text) {
		out = append(out, domain.TranscriptEntry{
			CallAttemptID: callAttemptID,
			Speaker:       domain.Speaker(speaker),
			Text:          text,
			CreatedAt:     created,
		})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("transcript store: list transcript: %w", err)
	}
	return out, nil
}

// AppendEvent stores a PBX event accepted for the call.
func (s *TranscriptStore) AppendEvent(ctx context.Context, event domain.CallEvent) error {
	received := event.ReceivedAt
	if received.IsZero() {
		received = time.Now().UTC()
	}
	if err := s.session.Query(`INSERT INTO call_events (call_attempt_id, received_at, seq, name, unique_id, fields)
		VALUES (?, ?, ?, ?, ?, ?) USING TTL ?`,
		event.CallAttemptID, received, gocql.TimeUUID(), event.Name, event.UniqueID, event.Fields, s.ttlSeconds(),
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("transcript store: insert event: %w", err)
	}
	return nil
}

// ListEvents returns the PBX event timeline of a call.
func (s *TranscriptStore) ListEvents(ctx context.Context, callAttemptID int64) ([]domain.CallEvent, error) {
	iter := s.session.Query(`SELECT received_at, name, unique_id, fields FROM call_events WHERE call_attempt_id = ?`,
		callAttemptID).WithContext(ctx).Iter()

	var out []domain.CallEvent
	for {
		var (
			received time.Time
			name     string
			uniqueID string
			fields   map[string]string
		)
		if !iter.Scan(&received, &name, &uniqueID, &fields) {
			break
		}
		out = append(out, domain.CallEvent{
			CallAttemptID: callAttemptID,
			Name:          name,
			UniqueID:      uniqueID,
			Fields:        fields,
			ReceivedAt:    received,
		})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("transcript store: list events: %w", err)
	}
	return out, nil
}

var _ repository.TranscriptStore = (*TranscriptStore)(nil)
