package coordinator

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"talklink-backend/internal/domain"
	"talklink-backend/internal/protocol"
	"talklink-backend/pkg/constants"
	"talklink-backend/pkg/errors"
	"talklink-backend/pkg/logger"
	"talklink-backend/pkg/metrics"
	"talklink-backend/pkg/sanitize"
)

// EndCall finishes a live call: the session leaves the store, the durable
// record gets its end time and duration, the other participant is told,
// and grammar feedback is kicked off in the background. Ending a call that
// is no longer live is a no-op, which makes both sides hanging up at once
// (or a hang-up racing a disconnect) safe.
func (c *Coordinator) EndCall(ctx context.Context, userID, callID uuid.UUID) {
	session, ok := c.store.RemoveIf(callID, func(s *domain.CallSession) bool {
		return s.HasParticipant(userID)
	})
	if !ok {
		// Already gone is the idempotent no-op; a live call someone else
		// owns gets a refusal
		if _, live := c.store.Get(callID); live {
			c.sendTo(userID, protocol.MustEnvelope(protocol.EventError, protocol.ErrorEvent{
				Message: "Not a participant of this call",
			}))
		}
		return
	}

	now := time.Now()
	duration := 0
	if session.Status == domain.CallStatusActive {
		duration = int(now.Sub(session.StartTime).Seconds())
		if duration < 0 {
			duration = 0
		}
	}

	if err := c.calls.EndCall(ctx, callID, now, duration); err != nil {
		logger.Error("Failed to persist call end",
			zap.String("call_id", callID.String()), zap.Error(err))
	}
	if err := c.calls.MarkParticipantLeft(ctx, callID, userID, now); err != nil {
		logger.Warn("Failed to record participant departure",
			zap.String("call_id", callID.String()),
			zap.String("user_id", userID.String()), zap.Error(err))
	}

	if c.metrics != nil {
		c.metrics.RecordCall(string(session.Type), "ended")
		c.metrics.RecordCallDuration(string(session.Type), time.Duration(duration)*time.Second)
	}
	c.setActiveCalls()

	// The requester already knows; only the other side is told
	ended := protocol.MustEnvelope(protocol.EventCallEnded, protocol.CallEnded{
		CallID:          callID,
		DurationSeconds: duration,
	})
	for _, p := range session.Participants {
		if p.UserID != userID {
			c.sendTo(p.UserID, ended)
		}
	}

	logger.Info("Call ended",
		zap.String("call_id", callID.String()),
		zap.String("ended_by", userID.String()),
		zap.Int("duration_seconds", duration))

	if c.feedback != nil && len(session.Transcript) > 0 {
		go c.generateFeedback(session)
	}
}

// AppendTranscript sanitizes and persists one transcribed utterance, then
// fans it out live to every participant. When the durable append fails the
// entry is logged and dropped without fan-out: the stored transcript and
// what participants saw never diverge.
func (c *Coordinator) AppendTranscript(ctx context.Context, callID, speakerID uuid.UUID, text string, confidence float64) {
	text = sanitize.SanitizeTranscriptText(text, constants.MaxTranscriptTextLen)
	if text == "" {
		return
	}

	session, ok := c.store.Get(callID)
	if !ok || !session.HasParticipant(speakerID) {
		return
	}

	entry := domain.TranscriptEntry{
		CallID:     callID,
		SpeakerID:  speakerID,
		Text:       text,
		Timestamp:  time.Now(),
		Confidence: confidence,
	}

	if c.transcripts != nil {
		if err := c.transcripts.Append(&entry); err != nil {
			metrics.TranscriptEntriesTotal.WithLabelValues("persist_failed").Inc()
			logger.Error("Failed to persist transcript entry",
				zap.String("call_id", callID.String()),
				zap.String("speaker_id", speakerID.String()),
				zap.Error(err))
			return
		}
	}

	c.store.Update(callID, func(s *domain.CallSession) {
		s.Transcript = append(s.Transcript, entry)
	})
	metrics.TranscriptEntriesTotal.WithLabelValues("appended").Inc()

	live := protocol.MustEnvelope(protocol.EventLiveTranscript, protocol.LiveTranscript{
		Speaker:    speakerID,
		Text:       text,
		Timestamp:  entry.Timestamp,
		Confidence: confidence,
	})
	for _, p := range session.Participants {
		c.sendTo(p.UserID, live)
	}
}

// ProcessAudioChunk runs the best-effort audio pipeline for one captured
// chunk: archive the raw audio, transcribe it, and append the result. Any
// stage failing ends the pipeline for this chunk without affecting the
// call.
func (c *Coordinator) ProcessAudioChunk(ctx context.Context, callID, speakerID uuid.UUID, chunk []byte) error {
	if len(chunk) == 0 {
		return errors.InvalidInputError("Empty audio chunk")
	}
	if len(chunk) > constants.MaxAudioChunkBytes {
		return errors.InvalidInputError("Audio chunk too large")
	}

	session, ok := c.store.Get(callID)
	if !ok {
		return errors.CallNotFoundError()
	}
	if !session.HasParticipant(speakerID) {
		return errors.ForbiddenError("Not a participant of this call")
	}

	if c.archiver != nil {
		if err := c.archiver.ArchiveChunk(ctx, callID, speakerID, chunk); err != nil {
			logger.Warn("Audio archival failed, continuing to transcription",
				zap.String("call_id", callID.String()), zap.Error(err))
		}
	}

	if c.transcriber == nil {
		return nil
	}

	start := time.Now()
	text, confidence, err := c.transcriber.Transcribe(ctx, chunk)
	if err != nil {
		logger.Warn("Transcription failed for chunk",
			zap.String("call_id", callID.String()),
			zap.String("speaker_id", speakerID.String()),
			zap.Error(err))
		return nil
	}
	metrics.TranscriptionJobDuration.Observe(time.Since(start).Seconds())

	if strings.TrimSpace(text) == "" {
		return nil
	}

	c.AppendTranscript(ctx, callID, speakerID, text, confidence)
	return nil
}

// generateFeedback runs the post-call grammar analysis and stores the
// result on the call record. Failures are logged and dropped; feedback is
// best effort by contract.
func (c *Coordinator) generateFeedback(session domain.CallSession) {
	ctx, cancel := context.WithTimeout(context.Background(), c.feedbackTimeout)
	defer cancel()

	var combined strings.Builder
	for _, entry := range session.Transcript {
		if combined.Len() > 0 {
			combined.WriteString(" ")
		}
		combined.WriteString(entry.Text)
	}

	feedback, err := c.feedback.Analyze(ctx, combined.String())
	if err != nil {
		metrics.GrammarFeedbackTotal.WithLabelValues("failed").Inc()
		logger.Warn("Grammar feedback generation failed",
			zap.String("call_id", session.CallID.String()), zap.Error(err))
		return
	}

	if err := c.calls.SetGrammarFeedback(ctx, session.CallID, feedback); err != nil {
		metrics.GrammarFeedbackTotal.WithLabelValues("failed").Inc()
		logger.Error("Failed to store grammar feedback",
			zap.String("call_id", session.CallID.String()), zap.Error(err))
		return
	}

	metrics.GrammarFeedbackTotal.WithLabelValues("delivered").Inc()
	logger.Info("Grammar feedback stored",
		zap.String("call_id", session.CallID.String()),
		zap.Int("transcript_entries", len(session.Transcript)))
}
