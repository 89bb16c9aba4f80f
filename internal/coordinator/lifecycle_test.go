package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"talklink-backend/internal/domain"
	"talklink-backend/internal/protocol"
)

func TestEndCall_DurationCountsFromStart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := uuid.New()
	bob := uuid.New()
	aliceConn := env.connect(ctx, alice, "alice")
	bobConn := env.connect(ctx, bob, "bob")
	callID := pairUsers(t, env, ctx, alice, bob)

	// Rewind the session clock so the call appears 125 seconds old
	env.coord.Sessions().Update(callID, func(s *domain.CallSession) {
		s.StartTime = time.Now().Add(-125 * time.Second)
	})

	env.calls.On("EndCall", mock.Anything, callID, mock.Anything, 125).Return(nil).Once()
	env.calls.On("MarkParticipantLeft", mock.Anything, callID, alice, mock.Anything).Return(nil).Once()

	env.coord.EndCall(ctx, alice, callID)

	ended := bobConn.EventsOfType(protocol.EventCallEnded)
	require.Len(t, ended, 1)
	var payload protocol.CallEnded
	require.NoError(t, ended[0].Decode(&payload))
	assert.Equal(t, callID, payload.CallID)
	assert.Equal(t, 125, payload.DurationSeconds)

	// The requester hung up; only the peer is notified
	assert.False(t, aliceConn.HasEvent(protocol.EventCallEnded))
	assert.Equal(t, 0, env.coord.Sessions().ActiveCount())
	env.calls.AssertExpectations(t)
}

func TestEndCall_DoubleHangUpIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := uuid.New()
	bob := uuid.New()
	env.connect(ctx, alice, "alice")
	env.connect(ctx, bob, "bob")
	callID := pairUsers(t, env, ctx, alice, bob)

	env.calls.On("EndCall", mock.Anything, callID, mock.Anything, mock.Anything).Return(nil).Once()
	env.calls.On("MarkParticipantLeft", mock.Anything, callID, alice, mock.Anything).Return(nil).Once()

	env.coord.EndCall(ctx, alice, callID)
	env.coord.EndCall(ctx, bob, callID)

	// The second hang-up persisted nothing
	env.calls.AssertExpectations(t)
	env.calls.AssertNumberOfCalls(t, "EndCall", 1)
}

func TestEndCall_NonParticipantRefused(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := uuid.New()
	bob := uuid.New()
	mallory := uuid.New()
	env.connect(ctx, alice, "alice")
	env.connect(ctx, bob, "bob")
	malloryConn := env.connect(ctx, mallory, "mallory")
	callID := pairUsers(t, env, ctx, alice, bob)

	env.coord.EndCall(ctx, mallory, callID)

	assert.True(t, malloryConn.HasEvent(protocol.EventError))
	assert.Equal(t, 1, env.coord.Sessions().ActiveCount())
	env.calls.AssertNotCalled(t, "EndCall", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEndCall_PersistFailureStillNotifies(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := uuid.New()
	bob := uuid.New()
	env.connect(ctx, alice, "alice")
	bobConn := env.connect(ctx, bob, "bob")
	callID := pairUsers(t, env, ctx, alice, bob)

	env.calls.On("EndCall", mock.Anything, callID, mock.Anything, mock.Anything).
		Return(errors.New("connection refused")).Once()
	env.calls.On("MarkParticipantLeft", mock.Anything, callID, alice, mock.Anything).Return(nil).Once()

	env.coord.EndCall(ctx, alice, callID)

	assert.True(t, bobConn.HasEvent(protocol.EventCallEnded))
	assert.Equal(t, 0, env.coord.Sessions().ActiveCount())
}

func TestEndCall_GeneratesGrammarFeedback(t *testing.T) {
	feedback := &domain.GrammarFeedback{
		OriginalText:  "me went store",
		CorrectedText: "I went to the store",
		OverallScore:  62,
	}
	analyzer := newStubAnalyzer(feedback, nil)
	env := newTestEnv(t, func(cfg *Config) { cfg.Feedback = analyzer })
	ctx := context.Background()
	alice := uuid.New()
	bob := uuid.New()
	env.connect(ctx, alice, "alice")
	env.connect(ctx, bob, "bob")
	callID := pairUsers(t, env, ctx, alice, bob)

	env.transcripts.On("Append", mock.Anything).Return(nil)
	env.coord.AppendTranscript(ctx, callID, alice, "me went store", 0.91)
	env.coord.AppendTranscript(ctx, callID, bob, "where did you go", 0.88)

	stored := make(chan struct{})
	env.calls.On("EndCall", mock.Anything, callID, mock.Anything, mock.Anything).Return(nil).Once()
	env.calls.On("MarkParticipantLeft", mock.Anything, callID, alice, mock.Anything).Return(nil).Once()
	env.calls.On("SetGrammarFeedback", mock.Anything, callID, feedback).
		Run(func(args mock.Arguments) { close(stored) }).Return(nil).Once()

	env.coord.EndCall(ctx, alice, callID)

	select {
	case text := <-analyzer.done:
		assert.Equal(t, "me went store where did you go", text)
	case <-time.After(2 * time.Second):
		t.Fatal("grammar analysis never ran")
	}
	select {
	case <-stored:
	case <-time.After(2 * time.Second):
		t.Fatal("grammar feedback never stored")
	}
	env.calls.AssertExpectations(t)
}

func TestEndCall_FeedbackSkippedForEmptyTranscript(t *testing.T) {
	analyzer := newStubAnalyzer(&domain.GrammarFeedback{}, nil)
	env := newTestEnv(t, func(cfg *Config) { cfg.Feedback = analyzer })
	ctx := context.Background()
	alice := uuid.New()
	bob := uuid.New()
	env.connect(ctx, alice, "alice")
	env.connect(ctx, bob, "bob")
	callID := pairUsers(t, env, ctx, alice, bob)

	env.calls.On("EndCall", mock.Anything, callID, mock.Anything, mock.Anything).Return(nil).Once()
	env.calls.On("MarkParticipantLeft", mock.Anything, callID, alice, mock.Anything).Return(nil).Once()

	env.coord.EndCall(ctx, alice, callID)

	select {
	case <-analyzer.done:
		t.Fatal("analysis ran on an empty transcript")
	case <-time.After(100 * time.Millisecond):
	}
	env.calls.AssertNotCalled(t, "SetGrammarFeedback", mock.Anything, mock.Anything, mock.Anything)
}

func TestAppendTranscript_PersistsThenFansOut(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := uuid.New()
	bob := uuid.New()
	aliceConn := env.connect(ctx, alice, "alice")
	bobConn := env.connect(ctx, bob, "bob")
	callID := pairUsers(t, env, ctx, alice, bob)

	env.transcripts.On("Append", mock.MatchedBy(func(e *domain.TranscriptEntry) bool {
		return e.CallID == callID && e.SpeakerID == alice && e.Text == "hello over there"
	})).Return(nil).Once()

	env.coord.AppendTranscript(ctx, callID, alice, "  hello over there  ", 0.93)

	for _, conn := range []*fakeSender{aliceConn, bobConn} {
		live := conn.EventsOfType(protocol.EventLiveTranscript)
		require.Len(t, live, 1)
		var payload protocol.LiveTranscript
		require.NoError(t, live[0].Decode(&payload))
		assert.Equal(t, alice, payload.Speaker)
		assert.Equal(t, "hello over there", payload.Text)
		assert.InDelta(t, 0.93, payload.Confidence, 1e-9)
	}

	session, _ := env.coord.Sessions().Get(callID)
	require.Len(t, session.Transcript, 1)
	assert.Equal(t, "hello over there", session.Transcript[0].Text)
	env.transcripts.AssertExpectations(t)
}

func TestAppendTranscript_PersistFailureSuppressesFanOut(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := uuid.New()
	bob := uuid.New()
	aliceConn := env.connect(ctx, alice, "alice")
	bobConn := env.connect(ctx, bob, "bob")
	callID := pairUsers(t, env, ctx, alice, bob)

	env.transcripts.On("Append", mock.Anything).
		Return(errors.New("no hosts available")).Once()

	env.coord.AppendTranscript(ctx, callID, alice, "lost words", 0.8)

	// Stored transcript and what participants saw never diverge
	assert.Empty(t, aliceConn.EventsOfType(protocol.EventLiveTranscript))
	assert.Empty(t, bobConn.EventsOfType(protocol.EventLiveTranscript))
	session, _ := env.coord.Sessions().Get(callID)
	assert.Empty(t, session.Transcript)
}

func TestAppendTranscript_NonParticipantIgnored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := uuid.New()
	bob := uuid.New()
	env.connect(ctx, alice, "alice")
	bobConn := env.connect(ctx, bob, "bob")
	callID := pairUsers(t, env, ctx, alice, bob)

	env.coord.AppendTranscript(ctx, callID, uuid.New(), "not my call", 0.9)

	assert.Empty(t, bobConn.EventsOfType(protocol.EventLiveTranscript))
	env.transcripts.AssertNotCalled(t, "Append", mock.Anything)
}

func TestProcessAudioChunk_RunsPipeline(t *testing.T) {
	transcriber := &stubTranscriber{text: "good morning", confidence: 0.95}
	archiver := &stubArchiver{}
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Transcriber = transcriber
		cfg.Archiver = archiver
	})
	ctx := context.Background()
	alice := uuid.New()
	bob := uuid.New()
	env.connect(ctx, alice, "alice")
	bobConn := env.connect(ctx, bob, "bob")
	callID := pairUsers(t, env, ctx, alice, bob)

	env.transcripts.On("Append", mock.Anything).Return(nil).Once()

	chunk := []byte{0x52, 0x49, 0x46, 0x46, 0x00, 0x01}
	require.NoError(t, env.coord.ProcessAudioChunk(ctx, callID, alice, chunk))

	require.Len(t, archiver.chunks, 1)
	assert.Equal(t, chunk, archiver.chunks[0])

	live := bobConn.EventsOfType(protocol.EventLiveTranscript)
	require.Len(t, live, 1)
	var payload protocol.LiveTranscript
	require.NoError(t, live[0].Decode(&payload))
	assert.Equal(t, "good morning", payload.Text)
}

func TestProcessAudioChunk_ArchiveFailureDoesNotBlockTranscription(t *testing.T) {
	transcriber := &stubTranscriber{text: "still heard", confidence: 0.7}
	archiver := &stubArchiver{err: errors.New("bucket unavailable")}
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Transcriber = transcriber
		cfg.Archiver = archiver
	})
	ctx := context.Background()
	alice := uuid.New()
	bob := uuid.New()
	env.connect(ctx, alice, "alice")
	bobConn := env.connect(ctx, bob, "bob")
	callID := pairUsers(t, env, ctx, alice, bob)

	env.transcripts.On("Append", mock.Anything).Return(nil).Once()

	require.NoError(t, env.coord.ProcessAudioChunk(ctx, callID, alice, []byte{0x01}))
	assert.Len(t, bobConn.EventsOfType(protocol.EventLiveTranscript), 1)
}

func TestProcessAudioChunk_TranscriberFailureSwallowed(t *testing.T) {
	transcriber := &stubTranscriber{err: errors.New("upstream 503")}
	env := newTestEnv(t, func(cfg *Config) { cfg.Transcriber = transcriber })
	ctx := context.Background()
	alice := uuid.New()
	bob := uuid.New()
	env.connect(ctx, alice, "alice")
	bobConn := env.connect(ctx, bob, "bob")
	callID := pairUsers(t, env, ctx, alice, bob)

	require.NoError(t, env.coord.ProcessAudioChunk(ctx, callID, alice, []byte{0x01}))
	assert.Empty(t, bobConn.EventsOfType(protocol.EventLiveTranscript))
	env.transcripts.AssertNotCalled(t, "Append", mock.Anything)
}

func TestProcessAudioChunk_InvalidInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := uuid.New()
	bob := uuid.New()
	env.connect(ctx, alice, "alice")
	env.connect(ctx, bob, "bob")
	callID := pairUsers(t, env, ctx, alice, bob)

	assert.Error(t, env.coord.ProcessAudioChunk(ctx, callID, alice, nil))
	assert.Error(t, env.coord.ProcessAudioChunk(ctx, uuid.New(), alice, []byte{0x01}))
	assert.Error(t, env.coord.ProcessAudioChunk(ctx, callID, uuid.New(), []byte{0x01}))
}
