package coordinator

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"talklink-backend/internal/domain"
	"talklink-backend/internal/protocol"
	"talklink-backend/pkg/logger"
	"talklink-backend/pkg/push"
)

func TestMain(m *testing.M) {
	logger.Log = zap.NewNop()
	logger.Sugar = logger.Log.Sugar()
	os.Exit(m.Run())
}

// fakeSender is an in-memory protocol.Sender that records every delivered
// envelope. Setting closed makes Send report delivery failure, like a
// connection whose write queue is gone.
type fakeSender struct {
	mu     sync.Mutex
	events []protocol.Envelope
	closed bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{}
}

func (f *fakeSender) Send(env protocol.Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.events = append(f.events, env)
	return true
}

func (f *fakeSender) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSender) Events() []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Envelope(nil), f.events...)
}

func (f *fakeSender) EventsOfType(t protocol.EventType) []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range f.events {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeSender) HasEvent(t protocol.EventType) bool {
	return len(f.EventsOfType(t)) > 0
}

// MockCallRepository is a mock implementation of CallRepository
type MockCallRepository struct {
	mock.Mock
}

func (m *MockCallRepository) Create(ctx context.Context, call *domain.CallSession) error {
	args := m.Called(ctx, call)
	return args.Error(0)
}

func (m *MockCallRepository) MarkActive(ctx context.Context, callID uuid.UUID, startTime time.Time) error {
	args := m.Called(ctx, callID, startTime)
	return args.Error(0)
}

func (m *MockCallRepository) EndCall(ctx context.Context, callID uuid.UUID, endTime time.Time, durationSeconds int) error {
	args := m.Called(ctx, callID, endTime, durationSeconds)
	return args.Error(0)
}

func (m *MockCallRepository) SetGrammarFeedback(ctx context.Context, callID uuid.UUID, feedback *domain.GrammarFeedback) error {
	args := m.Called(ctx, callID, feedback)
	return args.Error(0)
}

func (m *MockCallRepository) MarkParticipantLeft(ctx context.Context, callID, userID uuid.UUID, leftAt time.Time) error {
	args := m.Called(ctx, callID, userID, leftAt)
	return args.Error(0)
}

// MockUserDirectory is a mock implementation of UserDirectory
type MockUserDirectory struct {
	mock.Mock
}

func (m *MockUserDirectory) GetByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func (m *MockUserDirectory) SetOnline(ctx context.Context, userID uuid.UUID, online bool) error {
	args := m.Called(ctx, userID, online)
	return args.Error(0)
}

// MockTranscriptRepository is a mock implementation of TranscriptRepository
type MockTranscriptRepository struct {
	mock.Mock
}

func (m *MockTranscriptRepository) Append(entry *domain.TranscriptEntry) error {
	args := m.Called(entry)
	return args.Error(0)
}

// MockPushNotifier is a mock implementation of PushNotifier
type MockPushNotifier struct {
	mock.Mock
}

func (m *MockPushNotifier) SendIncomingCallNotification(ctx context.Context, data *push.CallNotificationData, calleeID uuid.UUID) error {
	args := m.Called(ctx, data, calleeID)
	return args.Error(0)
}

// stubTranscriber returns canned transcription results
type stubTranscriber struct {
	text       string
	confidence float64
	err        error
	calls      int
	mu         sync.Mutex
}

func (s *stubTranscriber) Transcribe(ctx context.Context, audio []byte) (string, float64, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.text, s.confidence, s.err
}

// stubArchiver records archived chunks
type stubArchiver struct {
	mu     sync.Mutex
	chunks [][]byte
	err    error
}

func (s *stubArchiver) ArchiveChunk(ctx context.Context, callID, speakerID uuid.UUID, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunk)
	return s.err
}

// stubAnalyzer returns canned grammar feedback and signals completion so
// tests can wait on the background goroutine.
type stubAnalyzer struct {
	feedback *domain.GrammarFeedback
	err      error
	done     chan string
}

func newStubAnalyzer(feedback *domain.GrammarFeedback, err error) *stubAnalyzer {
	return &stubAnalyzer{feedback: feedback, err: err, done: make(chan string, 1)}
}

func (s *stubAnalyzer) Analyze(ctx context.Context, text string) (*domain.GrammarFeedback, error) {
	defer func() { s.done <- text }()
	return s.feedback, s.err
}

type testEnv struct {
	coord       *Coordinator
	calls       *MockCallRepository
	users       *MockUserDirectory
	transcripts *MockTranscriptRepository
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	calls := new(MockCallRepository)
	users := new(MockUserDirectory)
	transcripts := new(MockTranscriptRepository)

	cfg := Config{
		Calls:       calls,
		Users:       users,
		Transcripts: transcripts,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	return &testEnv{
		coord:       New(cfg),
		calls:       calls,
		users:       users,
		transcripts: transcripts,
	}
}

// connect registers a user with a fresh fake connection and swallows the
// registration side effects so individual tests stay focused.
func (e *testEnv) connect(ctx context.Context, userID uuid.UUID, name string) *fakeSender {
	e.users.On("GetByID", mock.Anything, userID).
		Return(&domain.User{ID: userID, Username: name}, nil).Maybe()
	e.users.On("SetOnline", mock.Anything, userID, true).Return(nil).Maybe()
	e.users.On("SetOnline", mock.Anything, userID, false).Return(nil).Maybe()

	sender := newFakeSender()
	e.coord.RegisterPresence(ctx, userID, sender)
	return sender
}
