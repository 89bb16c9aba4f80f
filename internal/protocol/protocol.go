// Package protocol defines the wire format exchanged between call clients
// and the coordinator over the signaling WebSocket. Every event is a tagged
// envelope with a typed payload; unknown or malformed payloads are rejected
// at the gateway instead of being passed through.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a signaling/control event.
type EventType string

// Client → server events.
const (
	EventUserOnline         EventType = "user_online"
	EventJoinRandomQueue    EventType = "join_random_queue"
	EventLeaveRandomQueue   EventType = "leave_random_queue"
	EventInitiateDirectCall EventType = "initiate_direct_call"
	EventAcceptCall         EventType = "accept_call"
	EventRejectCall         EventType = "reject_call"
	EventAudioData          EventType = "audio_data"
	EventEndCall            EventType = "end_call"
)

// Server → client events.
const (
	EventUserRegistered  EventType = "user_registered"
	EventWaitingForMatch EventType = "waiting_for_match"
	EventAlreadyInQueue  EventType = "already_in_queue"
	EventCallMatched     EventType = "call_matched"
	EventIncomingCall    EventType = "incoming_call"
	EventCallInitiated   EventType = "call_initiated"
	EventCallAccepted    EventType = "call_accepted"
	EventCallRejected    EventType = "call_rejected"
	EventFriendOffline   EventType = "friend_offline"
	EventLiveTranscript  EventType = "live_transcript"
	EventCallEnded       EventType = "call_ended"
	EventError           EventType = "error"
)

// WebRTC signaling events, relayed verbatim in both directions.
const (
	EventWebRTCOffer        EventType = "webrtc_offer"
	EventWebRTCAnswer       EventType = "webrtc_answer"
	EventWebRTCICECandidate EventType = "webrtc_ice_candidate"
)

// Envelope is the outer message frame. Payload shape depends on Type.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(t EventType, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: t}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s payload: %w", t, err)
	}
	return Envelope{Type: t, Payload: raw}, nil
}

// MustEnvelope is NewEnvelope for payloads built from local structs, where a
// marshal failure is a programming error.
func MustEnvelope(t EventType, payload any) Envelope {
	env, err := NewEnvelope(t, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("invalid %s payload: %w", e.Type, err)
	}
	return nil
}

// Sender is a live connection handle capable of delivering events to one
// user. Send must not block: implementations report false when the event
// could not be queued (slow or closed connection).
type Sender interface {
	Send(env Envelope) bool
}

// ParticipantInfo is the display view of a call participant shared with
// both sides on match.
type ParticipantInfo struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Avatar string    `json:"avatar,omitempty"`
}

// UserOnline registers presence for the authenticated connection.
type UserOnline struct {
	UserID uuid.UUID `json:"user_id"`
}

// UserRegistered acks presence registration.
type UserRegistered struct {
	Success bool `json:"success"`
}

// CallMatched reports a pairing to both participants. Participants are in
// join order: the user who was waiting first is listed first, and the
// first-listed participant initiates the peer-connection handshake.
type CallMatched struct {
	CallID       uuid.UUID         `json:"call_id"`
	Participants []ParticipantInfo `json:"participants"`
}

// InitiateDirectCall asks the coordinator to invite a specific friend.
type InitiateDirectCall struct {
	FriendID uuid.UUID `json:"friend_id"`
}

// DirectCallInvite carries a direct-call invitation (incoming_call to the
// callee, call_initiated to the caller).
type DirectCallInvite struct {
	CallID uuid.UUID       `json:"call_id"`
	Caller ParticipantInfo `json:"caller"`
	Callee ParticipantInfo `json:"callee"`
}

// CallRef addresses a single call (accept_call, reject_call, end_call,
// call_accepted, call_rejected).
type CallRef struct {
	CallID uuid.UUID `json:"call_id"`
}

// Signal is the relayed WebRTC payload for offer/answer/ice-candidate
// events. The SDP/candidate body is opaque to the coordinator.
//
// Clients set TargetUserID; the relay rewrites the frame with FromUserID
// before forwarding, mirroring the addressing contract of the original
// socket service.
type Signal struct {
	CallID       uuid.UUID       `json:"call_id"`
	TargetUserID uuid.UUID       `json:"target_user_id,omitempty"`
	FromUserID   uuid.UUID       `json:"from_user_id,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

// AudioData submits a captured audio chunk for transcription.
type AudioData struct {
	CallID uuid.UUID `json:"call_id"`
	Chunk  []byte    `json:"chunk"` // base64 over the wire
}

// LiveTranscript fans a transcript entry out to call participants.
type LiveTranscript struct {
	Speaker    uuid.UUID `json:"speaker"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// CallEnded notifies remaining participants that the call is over.
type CallEnded struct {
	CallID          uuid.UUID `json:"call_id"`
	DurationSeconds int       `json:"duration_seconds"`
}

// ErrorEvent reports a non-fatal operation failure to one connection.
type ErrorEvent struct {
	Message string `json:"message"`
}
