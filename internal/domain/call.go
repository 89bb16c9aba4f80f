package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallType distinguishes how a call was established
type CallType string

const (
	CallTypeRandom CallType = "random" // matched from the waiting pool
	CallTypeDirect CallType = "direct" // explicit friend invitation
)

// CallStatus is the lifecycle state of a call. Transitions are monotonic:
// waiting -> active -> ended. Random calls are created directly as active.
type CallStatus string

const (
	CallStatusWaiting CallStatus = "waiting"
	CallStatusActive  CallStatus = "active"
	CallStatusEnded   CallStatus = "ended"
)

// CallSession represents one call's participants, status and transcript.
// Exactly two participants; the pairing logic assumes 2 even though the
// slice shape would extend.
type CallSession struct {
	CallID          uuid.UUID         `json:"call_id"`
	Type            CallType          `json:"type"`
	Status          CallStatus        `json:"status"`
	Participants    []CallParticipant `json:"participants"`
	StartTime       time.Time         `json:"start_time,omitempty"`
	EndTime         *time.Time        `json:"end_time,omitempty"`
	DurationSeconds int               `json:"duration_seconds,omitempty"`
	Transcript      []TranscriptEntry `json:"transcript,omitempty"`
	GrammarFeedback *GrammarFeedback  `json:"grammar_feedback,omitempty"`
}

// ParticipantIDs returns participant user ids in join order.
func (c *CallSession) ParticipantIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// HasParticipant reports whether userID is one of the call's participants.
func (c *CallSession) HasParticipant(userID uuid.UUID) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// CallParticipant records one user's membership in a call
type CallParticipant struct {
	CallID   uuid.UUID  `json:"call_id"`
	UserID   uuid.UUID  `json:"user_id"`
	Name     string     `json:"name,omitempty"`
	Avatar   string     `json:"avatar,omitempty"`
	JoinedAt time.Time  `json:"joined_at"`
	LeftAt   *time.Time `json:"left_at,omitempty"`
}

// TranscriptEntry is one transcribed utterance. Entries are append-only;
// persisted order is the coordinator's append order.
type TranscriptEntry struct {
	CallID     uuid.UUID `json:"call_id"`
	SpeakerID  uuid.UUID `json:"speaker_id"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
}

// CalculateBucket returns the monthly bucket (YYYYMM) for a transcript
// timestamp. Transcript rows are partitioned by call and month so a single
// long-lived call cannot grow one partition unbounded.
func CalculateBucket(t time.Time) int {
	return t.Year()*100 + int(t.Month())
}

// GrammarFeedback is the post-call language analysis of the combined
// transcript
type GrammarFeedback struct {
	OriginalText  string           `json:"original_text"`
	CorrectedText string           `json:"corrected_text"`
	Mistakes      []GrammarMistake `json:"mistakes,omitempty"`
	OverallScore  int              `json:"overall_score"`
	Suggestions   []string         `json:"suggestions,omitempty"`
}

// GrammarMistake is a single correction within the analyzed text
type GrammarMistake struct {
	Original    string `json:"original"`
	Corrected   string `json:"corrected"`
	Explanation string `json:"explanation"`
	Position    struct {
		Start int `json:"start"`
		End   int `json:"end"`
	} `json:"position"`
}
