package coordinator

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"talklink-backend/internal/protocol"
	"talklink-backend/pkg/logger"
	"talklink-backend/pkg/metrics"
)

// RelaySignal forwards a WebRTC offer, answer, or ICE candidate to its
// target. The SDP/candidate body is opaque, and so is the call id: the
// relay never requires callId to map to a live session, so candidates
// racing call teardown (or arriving before the session is visible) still
// reach a connected peer. The only rewrite is addressing: from_user_id is
// stamped with the verified sender so a client cannot spoof signal origin.
//
// Delivery is best effort. An unreachable or saturated target drops the
// frame with a log line and a counter; the sender is not notified, per the
// signaling contract (WebRTC renegotiation recovers or the call dies).
func (c *Coordinator) RelaySignal(fromUserID uuid.UUID, eventType protocol.EventType, sig protocol.Signal) {
	signalLabel := signalTypeLabel(eventType)

	targetID := sig.TargetUserID
	if targetID == uuid.Nil || targetID == fromUserID {
		// The client left the target implicit: default to the other
		// participant of the sender's own live call, if there is one.
		if session, ok := c.store.Get(sig.CallID); ok && session.HasParticipant(fromUserID) {
			for _, p := range session.Participants {
				if p.UserID != fromUserID {
					targetID = p.UserID
					break
				}
			}
		}
	}
	if targetID == uuid.Nil || targetID == fromUserID {
		metrics.SignalsDroppedTotal.WithLabelValues(signalLabel).Inc()
		logger.Warn("Signal without resolvable target dropped",
			zap.String("call_id", sig.CallID.String()),
			zap.String("from", fromUserID.String()),
			zap.String("type", signalLabel))
		return
	}

	sig.FromUserID = fromUserID
	sig.TargetUserID = uuid.Nil

	if !c.sendTo(targetID, protocol.MustEnvelope(eventType, sig)) {
		metrics.SignalsDroppedTotal.WithLabelValues(signalLabel).Inc()
		logger.Warn("Signal target unreachable, dropped",
			zap.String("call_id", sig.CallID.String()),
			zap.String("from", fromUserID.String()),
			zap.String("target", targetID.String()),
			zap.String("type", signalLabel))
		return
	}

	metrics.SignalsRelayedTotal.WithLabelValues(signalLabel).Inc()
}

func signalTypeLabel(eventType protocol.EventType) string {
	switch eventType {
	case protocol.EventWebRTCOffer:
		return "offer"
	case protocol.EventWebRTCAnswer:
		return "answer"
	case protocol.EventWebRTCICECandidate:
		return "ice_candidate"
	default:
		return string(eventType)
	}
}
