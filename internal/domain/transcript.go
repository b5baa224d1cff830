package domain

import "time"

// Speaker identifies who produced a transcript line.
type Speaker string

const (
	SpeakerCaller Speaker = "caller"
	SpeakerAgent  Speaker = "agent"
)

// TranscriptEntry is one finalized utterance of a call.
type TranscriptEntry struct {
	CallAttemptID int64
	Speaker       Speaker
	Text          string
	CreatedAt     time.Time
}

// CallEvent is a PBX event accepted for a call attempt, kept for diagnostics.
type CallEvent struct {
	CallAttemptID int64
	Name          string
	UniqueID      string
	Fields        map[string]string
	ReceivedAt    time.Time
}

// CallingWindow captures an allowed dialling window per day of week.
type CallingWindow struct {
	DayOfWeek time.Weekday
	Start     time.Time
	End       time.Time
}
