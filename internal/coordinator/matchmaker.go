package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"talklink-backend/internal/domain"
	"talklink-backend/internal/protocol"
	"talklink-backend/pkg/errors"
	"talklink-backend/pkg/logger"
	"talklink-backend/pkg/metrics"
	"talklink-backend/pkg/push"
)

// RegisterPresence binds the user's connection, mirrors online state, and
// acks with user_registered
func (c *Coordinator) RegisterPresence(ctx context.Context, userID uuid.UUID, sender protocol.Sender) {
	if prev, replaced := c.registry.Register(userID, sender); replaced {
		logger.Info("Replacing existing connection for user",
			zap.String("user_id", userID.String()))
		prev.Send(protocol.MustEnvelope(protocol.EventError, protocol.ErrorEvent{
			Message: "Connection replaced by a newer session",
		}))
	}

	// Presence mirrors are advisory; the registry stays authoritative
	if c.presence != nil {
		if err := c.presence.SetUserOnline(ctx, userID); err != nil {
			logger.Warn("Failed to mirror presence to Redis",
				zap.String("user_id", userID.String()), zap.Error(err))
		}
	}
	if c.users != nil {
		if err := c.users.SetOnline(ctx, userID, true); err != nil {
			logger.Warn("Failed to mirror online flag",
				zap.String("user_id", userID.String()), zap.Error(err))
		}
	}

	sender.Send(protocol.MustEnvelope(protocol.EventUserRegistered, protocol.UserRegistered{Success: true}))

	logger.Info("User registered",
		zap.String("user_id", userID.String()),
		zap.Int("online_count", c.registry.Count()))
}

// JoinQueue enters the user into the waiting pool, or pairs them with the
// longest-waiting user if one is available. A user already waiting or
// already in a call is rejected.
func (c *Coordinator) JoinQueue(ctx context.Context, userID uuid.UUID) error {
	c.matchMu.Lock()

	if c.pool.Contains(userID) {
		c.matchMu.Unlock()
		metrics.MatchmakingQueueJoinsTotal.WithLabelValues("rejected").Inc()
		return errors.AlreadyQueuedError()
	}
	if _, inCall := c.store.FindByUser(userID); inCall {
		c.matchMu.Unlock()
		metrics.MatchmakingQueueJoinsTotal.WithLabelValues("rejected").Inc()
		return errors.CallConflictError("Already in a call")
	}

	partnerID, found := c.pool.Pop()
	if !found {
		c.pool.Enqueue(userID)
		c.matchMu.Unlock()

		metrics.MatchmakingQueueJoinsTotal.WithLabelValues("queued").Inc()
		c.sendTo(userID, protocol.MustEnvelope(protocol.EventWaitingForMatch, nil))
		logger.Info("User queued for random match", zap.String("user_id", userID.String()))
		return nil
	}

	// Participants in join order: the waiting user first. The first-listed
	// participant initiates the peer handshake.
	now := time.Now()
	session := &domain.CallSession{
		CallID:    uuid.New(),
		Type:      domain.CallTypeRandom,
		Status:    domain.CallStatusActive,
		StartTime: now,
		Participants: []domain.CallParticipant{
			c.participant(ctx, partnerID, now),
			c.participant(ctx, userID, now),
		},
	}

	if err := c.calls.Create(ctx, session); err != nil {
		// Put the partner back at the head of the pool: their turn is not
		// forfeit because persistence hiccuped.
		c.pool.EnqueueFront(partnerID)
		c.matchMu.Unlock()

		logger.Error("Failed to persist matched call",
			zap.String("call_id", session.CallID.String()),
			zap.Error(err))
		return errors.DatabaseError(err)
	}

	c.store.Insert(session)
	c.matchMu.Unlock()

	metrics.MatchmakingQueueJoinsTotal.WithLabelValues("matched").Inc()
	metrics.MatchmakingMatchesTotal.Inc()
	if c.metrics != nil {
		c.metrics.RecordCall(string(domain.CallTypeRandom), "matched")
	}
	c.setActiveCalls()

	matched := protocol.MustEnvelope(protocol.EventCallMatched, protocol.CallMatched{
		CallID:       session.CallID,
		Participants: participantInfos(session.Participants),
	})
	for _, p := range session.Participants {
		if !c.sendTo(p.UserID, matched) {
			logger.Warn("Matched participant unreachable at notify",
				zap.String("call_id", session.CallID.String()),
				zap.String("user_id", p.UserID.String()))
		}
	}

	logger.Info("Random call matched",
		zap.String("call_id", session.CallID.String()),
		zap.String("first", partnerID.String()),
		zap.String("second", userID.String()))
	return nil
}

// LeaveQueue removes the user from the waiting pool. Leaving when not
// queued is a no-op.
func (c *Coordinator) LeaveQueue(ctx context.Context, userID uuid.UUID) {
	if c.pool.Remove(userID) {
		logger.Info("User left waiting pool", zap.String("user_id", userID.String()))
	}
}

// InitiateDirectCall invites a specific friend to a call. If the friend
// has no live connection the caller is told friend_offline and, when push
// is configured, the friend's devices are pinged instead.
func (c *Coordinator) InitiateDirectCall(ctx context.Context, callerID, friendID uuid.UUID) error {
	if callerID == friendID {
		return errors.InvalidInputError("Cannot call yourself")
	}

	c.matchMu.Lock()
	if _, inCall := c.store.FindByUser(callerID); inCall {
		c.matchMu.Unlock()
		return errors.CallConflictError("Already in a call")
	}
	if _, inCall := c.store.FindByUser(friendID); inCall {
		c.matchMu.Unlock()
		return errors.CallConflictError("Friend is in another call")
	}

	now := time.Now()
	caller := c.participant(ctx, callerID, now)

	if !c.registry.IsOnline(friendID) {
		c.matchMu.Unlock()

		c.sendTo(callerID, protocol.MustEnvelope(protocol.EventFriendOffline, protocol.CallRef{}))
		if c.notifier != nil {
			data := &push.CallNotificationData{
				CallID:     uuid.Nil,
				CallerID:   callerID,
				CallerName: caller.Name,
				CallType:   string(domain.CallTypeDirect),
				Timestamp:  now.Unix(),
			}
			if err := c.notifier.SendIncomingCallNotification(ctx, data, friendID); err != nil {
				logger.Warn("Push to offline callee failed",
					zap.String("callee_id", friendID.String()), zap.Error(err))
			}
		}
		if c.metrics != nil {
			c.metrics.RecordCallFailure(string(domain.CallTypeDirect), "callee_offline")
		}
		logger.Info("Direct call target offline",
			zap.String("caller_id", callerID.String()),
			zap.String("callee_id", friendID.String()))
		return nil
	}

	session := &domain.CallSession{
		CallID:    uuid.New(),
		Type:      domain.CallTypeDirect,
		Status:    domain.CallStatusWaiting,
		StartTime: now, // reset on accept; duration counts from acceptance
		Participants: []domain.CallParticipant{
			caller,
			c.participant(ctx, friendID, now),
		},
	}

	if err := c.calls.Create(ctx, session); err != nil {
		c.matchMu.Unlock()
		logger.Error("Failed to persist direct call",
			zap.String("call_id", session.CallID.String()), zap.Error(err))
		return errors.DatabaseError(err)
	}

	c.store.Insert(session)
	c.matchMu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordCall(string(domain.CallTypeDirect), "initiated")
	}
	c.setActiveCalls()

	invite := protocol.DirectCallInvite{
		CallID: session.CallID,
		Caller: participantInfo(session.Participants[0]),
		Callee: participantInfo(session.Participants[1]),
	}
	if !c.sendTo(friendID, protocol.MustEnvelope(protocol.EventIncomingCall, invite)) {
		// Callee vanished between the online check and the notify; tear the
		// session down and tell the caller.
		c.abortPendingCall(ctx, session.CallID)
		c.sendTo(callerID, protocol.MustEnvelope(protocol.EventFriendOffline, protocol.CallRef{CallID: session.CallID}))
		return nil
	}
	c.sendTo(callerID, protocol.MustEnvelope(protocol.EventCallInitiated, invite))

	logger.Info("Direct call initiated",
		zap.String("call_id", session.CallID.String()),
		zap.String("caller_id", callerID.String()),
		zap.String("callee_id", friendID.String()))
	return nil
}

// AcceptCall transitions a waiting direct call to active. Only the invited
// callee can accept.
func (c *Coordinator) AcceptCall(ctx context.Context, userID, callID uuid.UUID) error {
	now := time.Now()
	var callerID uuid.UUID
	var accepted bool

	ok := c.store.Update(callID, func(session *domain.CallSession) {
		if session.Status != domain.CallStatusWaiting || !session.HasParticipant(userID) {
			return
		}
		// The caller is listed first on direct calls
		if session.Participants[0].UserID == userID {
			return
		}
		session.Status = domain.CallStatusActive
		session.StartTime = now
		callerID = session.Participants[0].UserID
		accepted = true
	})
	if !ok {
		return errors.CallNotFoundError()
	}
	if !accepted {
		return errors.CallConflictError("Call cannot be accepted")
	}

	if err := c.calls.MarkActive(ctx, callID, now); err != nil {
		logger.Error("Failed to persist call acceptance",
			zap.String("call_id", callID.String()), zap.Error(err))
	}
	if c.metrics != nil {
		c.metrics.RecordCall(string(domain.CallTypeDirect), "accepted")
	}

	ref := protocol.MustEnvelope(protocol.EventCallAccepted, protocol.CallRef{CallID: callID})
	c.sendTo(callerID, ref)
	c.sendTo(userID, ref)

	logger.Info("Direct call accepted",
		zap.String("call_id", callID.String()),
		zap.String("callee_id", userID.String()))
	return nil
}

// RejectCall ends a waiting direct call without it ever becoming active.
// Duration is recorded as zero.
func (c *Coordinator) RejectCall(ctx context.Context, userID, callID uuid.UUID) error {
	// The eligibility check and the removal share one critical section so
	// an acceptance landing in between cannot have its call torn down
	session, removed := c.store.RemoveIf(callID, func(s *domain.CallSession) bool {
		return s.Status == domain.CallStatusWaiting && s.HasParticipant(userID)
	})
	if !removed {
		if _, live := c.store.Get(callID); !live {
			return errors.CallNotFoundError()
		}
		return errors.CallConflictError("Call cannot be rejected")
	}

	now := time.Now()
	if err := c.calls.EndCall(ctx, callID, now, 0); err != nil {
		logger.Error("Failed to persist call rejection",
			zap.String("call_id", callID.String()), zap.Error(err))
	}
	if c.metrics != nil {
		c.metrics.RecordCall(string(domain.CallTypeDirect), "rejected")
	}
	c.setActiveCalls()

	rejected := protocol.MustEnvelope(protocol.EventCallRejected, protocol.CallRef{CallID: callID})
	for _, p := range session.Participants {
		if p.UserID != userID {
			c.sendTo(p.UserID, rejected)
		}
	}

	logger.Info("Direct call rejected",
		zap.String("call_id", callID.String()),
		zap.String("callee_id", userID.String()))
	return nil
}

// Disconnect tears down everything tied to a departing connection: the
// registry binding (only if sender is still current), any waiting pool
// slot, and any live call.
func (c *Coordinator) Disconnect(ctx context.Context, userID uuid.UUID, sender protocol.Sender) {
	if !c.registry.Unregister(userID, sender) {
		// A replaced connection's teardown; the user is still online on the
		// newer connection, so their queue slot and calls stay untouched.
		return
	}

	c.pool.Remove(userID)

	if session, ok := c.store.FindByUser(userID); ok {
		c.EndCall(ctx, userID, session.CallID)
	}

	if c.presence != nil {
		if err := c.presence.SetUserOffline(ctx, userID); err != nil {
			logger.Warn("Failed to clear presence mirror",
				zap.String("user_id", userID.String()), zap.Error(err))
		}
	}
	if c.users != nil {
		if err := c.users.SetOnline(ctx, userID, false); err != nil {
			logger.Warn("Failed to clear online flag",
				zap.String("user_id", userID.String()), zap.Error(err))
		}
	}

	logger.Info("User disconnected",
		zap.String("user_id", userID.String()),
		zap.Int("online_count", c.registry.Count()))
}

// abortPendingCall removes and closes a call whose invite never reached
// the callee
func (c *Coordinator) abortPendingCall(ctx context.Context, callID uuid.UUID) {
	if _, ok := c.store.Remove(callID); !ok {
		return
	}
	if err := c.calls.EndCall(ctx, callID, time.Now(), 0); err != nil {
		logger.Error("Failed to close undelivered call",
			zap.String("call_id", callID.String()), zap.Error(err))
	}
	c.setActiveCalls()
}

// participant builds the participant record, falling back to a bare ID
// when the profile lookup fails
func (c *Coordinator) participant(ctx context.Context, userID uuid.UUID, joinedAt time.Time) domain.CallParticipant {
	p := domain.CallParticipant{UserID: userID, JoinedAt: joinedAt, Name: "Unknown"}
	if c.users == nil {
		return p
	}
	user, err := c.users.GetByID(ctx, userID)
	if err != nil {
		logger.Warn("Profile lookup failed, using bare participant",
			zap.String("user_id", userID.String()), zap.Error(err))
		return p
	}
	p.Name = user.BestName()
	p.Avatar = user.Avatar
	return p
}

// sendTo resolves the user's current connection and delivers env. Returns
// false when the user is offline or their send queue is full.
func (c *Coordinator) sendTo(userID uuid.UUID, env protocol.Envelope) bool {
	sender, online := c.registry.Resolve(userID)
	if !online {
		return false
	}
	return sender.Send(env)
}

func participantInfo(p domain.CallParticipant) protocol.ParticipantInfo {
	return protocol.ParticipantInfo{ID: p.UserID, Name: p.Name, Avatar: p.Avatar}
}

func participantInfos(participants []domain.CallParticipant) []protocol.ParticipantInfo {
	out := make([]protocol.ParticipantInfo, 0, len(participants))
	for _, p := range participants {
		out = append(out, participantInfo(p))
	}
	return out
}
