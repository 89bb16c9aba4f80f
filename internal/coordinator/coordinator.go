// Package coordinator implements the call matchmaking core: presence
// registry, waiting pool, session store, signaling relay, and call
// lifecycle. The gateway feeds it decoded protocol events; everything
// stateful about a call happens here.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"talklink-backend/internal/domain"
	"talklink-backend/pkg/metrics"
	"talklink-backend/pkg/push"
)

// CallRepository is the durable call record store
type CallRepository interface {
	Create(ctx context.Context, call *domain.CallSession) error
	MarkActive(ctx context.Context, callID uuid.UUID, startTime time.Time) error
	EndCall(ctx context.Context, callID uuid.UUID, endTime time.Time, durationSeconds int) error
	SetGrammarFeedback(ctx context.Context, callID uuid.UUID, feedback *domain.GrammarFeedback) error
	MarkParticipantLeft(ctx context.Context, callID, userID uuid.UUID, leftAt time.Time) error
}

// UserDirectory resolves display profiles and mirrors online state
type UserDirectory interface {
	GetByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	SetOnline(ctx context.Context, userID uuid.UUID, online bool) error
}

// TranscriptRepository is the append-only transcript store
type TranscriptRepository interface {
	Append(entry *domain.TranscriptEntry) error
}

// PresenceMirror publishes online state for other services to read
type PresenceMirror interface {
	SetUserOnline(ctx context.Context, userID uuid.UUID) error
	SetUserOffline(ctx context.Context, userID uuid.UUID) error
}

// PushNotifier reaches offline callees
type PushNotifier interface {
	SendIncomingCallNotification(ctx context.Context, data *push.CallNotificationData, calleeID uuid.UUID) error
}

// Transcriber converts an audio chunk to text
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (text string, confidence float64, err error)
}

// AudioArchiver persists raw audio chunks for later review
type AudioArchiver interface {
	ArchiveChunk(ctx context.Context, callID, speakerID uuid.UUID, chunk []byte) error
}

// FeedbackAnalyzer produces post-call grammar feedback from a transcript
type FeedbackAnalyzer interface {
	Analyze(ctx context.Context, text string) (*domain.GrammarFeedback, error)
}

// Coordinator ties the in-memory structures to the persistence and
// analysis services. Registry, pool and store each guard their own state;
// matchMu serializes the pairing critical section on top of that.
type Coordinator struct {
	// matchMu serializes the pairing critical section: pool pop, session
	// persist, and store insert happen under one lock so two concurrent
	// joins can never pop the same partner or pair one user twice.
	// Notifications go out after the lock is released.
	matchMu sync.Mutex

	registry *Registry
	pool     *WaitingPool
	store    *SessionStore

	calls       CallRepository
	users       UserDirectory
	transcripts TranscriptRepository
	presence    PresenceMirror
	notifier    PushNotifier
	transcriber Transcriber
	archiver    AudioArchiver
	feedback    FeedbackAnalyzer

	metrics         *metrics.Metrics
	feedbackTimeout time.Duration
}

// Config carries the Coordinator's collaborators. Presence, notifier,
// transcriber, archiver and feedback are optional; the corresponding
// behavior is skipped when nil.
type Config struct {
	Calls       CallRepository
	Users       UserDirectory
	Transcripts TranscriptRepository
	Presence    PresenceMirror
	Notifier    PushNotifier
	Transcriber Transcriber
	Archiver    AudioArchiver
	Feedback    FeedbackAnalyzer

	Metrics         *metrics.Metrics
	FeedbackTimeout time.Duration
}

// New creates a Coordinator with empty in-memory state
func New(cfg Config) *Coordinator {
	if cfg.FeedbackTimeout <= 0 {
		cfg.FeedbackTimeout = 2 * time.Minute
	}
	return &Coordinator{
		registry:        NewRegistry(),
		pool:            NewWaitingPool(),
		store:           NewSessionStore(),
		calls:           cfg.Calls,
		users:           cfg.Users,
		transcripts:     cfg.Transcripts,
		presence:        cfg.Presence,
		notifier:        cfg.Notifier,
		transcriber:     cfg.Transcriber,
		archiver:        cfg.Archiver,
		feedback:        cfg.Feedback,
		metrics:         cfg.Metrics,
		feedbackTimeout: cfg.FeedbackTimeout,
	}
}

// Registry exposes the presence registry to the gateway
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Pool exposes the waiting pool (primarily for health/stats)
func (c *Coordinator) Pool() *WaitingPool {
	return c.pool
}

// Sessions exposes the live session store (primarily for health/stats)
func (c *Coordinator) Sessions() *SessionStore {
	return c.store
}

func (c *Coordinator) setActiveCalls() {
	if c.metrics != nil {
		c.metrics.SetActiveCalls(c.store.ActiveCount())
	}
}
