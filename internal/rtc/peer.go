// Package rtc drives the client half of a call: one pion peer connection
// taken through the offer/answer/candidate exchange with the coordinator's
// relay as transport.
package rtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"talklink-backend/internal/protocol"
	"talklink-backend/pkg/constants"
	"talklink-backend/pkg/logger"
)

// ErrMediaAccessDenied is returned when local audio capture cannot start:
// the user declined or no capture device exists. It is fatal to starting
// the call and must reach the user.
var ErrMediaAccessDenied = errors.New("media access denied")

// State is the peer handshake state
type State string

const (
	StateNew            State = "new"
	StateHaveLocalMedia State = "have-local-media"
	StateOfferSent      State = "offer-sent"
	StateAwaitingOffer  State = "awaiting-offer"
	StateAnswered       State = "answered"
	StateConnected      State = "connected"
	StateFailed         State = "failed"
	StateClosed         State = "closed"
)

// SignalSender delivers a signaling frame to the other participant through
// the relay
type SignalSender interface {
	SendSignal(eventType protocol.EventType, sig protocol.Signal) error
}

// MediaSource provides the local audio track. AudioTrack returns
// ErrMediaAccessDenied when capture cannot start.
type MediaSource interface {
	AudioTrack() (webrtc.TrackLocal, error)
	Close() error
}

// StateObserver receives every handshake state transition. The error is
// non-nil only for transitions into StateFailed. Callbacks run on the
// goroutine that caused the transition and must not block.
type StateObserver interface {
	OnStateChange(from, to State, err error)
}

// Config carries everything a peer needs before Initialize
type Config struct {
	CallID  uuid.UUID
	SelfID  uuid.UUID
	PeerID  uuid.UUID
	Signals SignalSender
	Media   MediaSource

	// ICEServers overrides the default public STUN server
	ICEServers []webrtc.ICEServer
	// HandshakeTimeout bounds how long the exchange may take before the
	// peer gives up
	HandshakeTimeout time.Duration

	// Observer, when set, is notified of every state transition
	Observer StateObserver
}

// Peer owns one peer connection and its handshake state. Candidates that
// arrive before the remote description are queued and flushed once it is
// set.
type Peer struct {
	mu    sync.Mutex
	pc    *webrtc.PeerConnection
	state State

	callID uuid.UUID
	selfID uuid.UUID
	peerID uuid.UUID

	signals SignalSender
	media   MediaSource

	pendingCandidates []webrtc.ICECandidateInit
	remoteSet         bool

	handshakeTimeout time.Duration
	handshakeTimer   *time.Timer

	observer StateObserver

	cleanupOnce sync.Once
}

// NewPeer creates the underlying peer connection in state new
func NewPeer(cfg Config) (*Peer, error) {
	iceServers := cfg.ICEServers
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		}
	}
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = constants.HandshakeTimeout
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p := &Peer{
		pc:               pc,
		state:            StateNew,
		callID:           cfg.CallID,
		selfID:           cfg.SelfID,
		peerID:           cfg.PeerID,
		signals:          cfg.Signals,
		media:            cfg.Media,
		handshakeTimeout: timeout,
		observer:         cfg.Observer,
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		p.sendSignal(protocol.EventWebRTCICECandidate, cand.ToJSON())
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		logger.Debug("Peer connection state changed",
			zap.String("call_id", p.callID.String()),
			zap.String("state", s.String()))
		switch s {
		case webrtc.PeerConnectionStateConnected:
			p.markConnected()
		case webrtc.PeerConnectionStateFailed:
			p.fail(fmt.Errorf("peer connection failed"))
		}
	})

	return p, nil
}

// State returns the current handshake state
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Initialize acquires local media, attaches it, and (for the initiator)
// sends the offer. The handshake timer starts here; if the exchange does
// not reach connected in time the peer fails.
func (p *Peer) Initialize(isInitiator bool) error {
	p.mu.Lock()
	if p.state != StateNew {
		p.mu.Unlock()
		return fmt.Errorf("initialize called in state %s", p.state)
	}
	p.mu.Unlock()

	track, err := p.media.AudioTrack()
	if err != nil {
		p.fail(err)
		if errors.Is(err, ErrMediaAccessDenied) {
			return ErrMediaAccessDenied
		}
		return fmt.Errorf("failed to acquire local audio: %w", err)
	}
	if _, err := p.pc.AddTrack(track); err != nil {
		p.fail(err)
		return fmt.Errorf("failed to attach local track: %w", err)
	}

	p.mu.Lock()
	from := p.state
	p.state = StateHaveLocalMedia
	p.handshakeTimer = time.AfterFunc(p.handshakeTimeout, func() {
		p.fail(fmt.Errorf("handshake timed out after %s", p.handshakeTimeout))
	})
	p.mu.Unlock()
	p.notify(from, StateHaveLocalMedia, nil)

	if !isInitiator {
		p.setState(StateAwaitingOffer)
		return nil
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		p.fail(err)
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		p.fail(err)
		return fmt.Errorf("failed to set local description: %w", err)
	}

	p.setState(StateOfferSent)
	return p.sendSignal(protocol.EventWebRTCOffer, offer)
}

// HandleOffer applies the remote offer and answers it. Responder only.
func (p *Peer) HandleOffer(offer webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.state != StateAwaitingOffer {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("offer received in state %s", state)
	}
	p.mu.Unlock()

	if err := p.setRemoteDescription(offer); err != nil {
		p.fail(err)
		return fmt.Errorf("failed to apply offer: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		p.fail(err)
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		p.fail(err)
		return fmt.Errorf("failed to set local description: %w", err)
	}

	p.setState(StateAnswered)
	return p.sendSignal(protocol.EventWebRTCAnswer, answer)
}

// HandleAnswer applies the remote answer. An answer arriving when none is
// expected is ignored, not fatal.
func (p *Peer) HandleAnswer(answer webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.state != StateOfferSent {
		state := p.state
		p.mu.Unlock()
		logger.Debug("Unexpected answer ignored",
			zap.String("call_id", p.callID.String()),
			zap.String("state", string(state)))
		return nil
	}
	p.mu.Unlock()

	if err := p.setRemoteDescription(answer); err != nil {
		p.fail(err)
		return fmt.Errorf("failed to apply answer: %w", err)
	}

	p.setState(StateAnswered)
	return nil
}

// HandleCandidate adds a remote network candidate. Candidates arriving
// before the remote description are queued and applied once it is set.
func (p *Peer) HandleCandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if !p.remoteSet {
		p.pendingCandidates = append(p.pendingCandidates, candidate)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	return p.pc.AddICECandidate(candidate)
}

// HandleSignal decodes and dispatches one relayed signaling frame
func (p *Peer) HandleSignal(eventType protocol.EventType, sig protocol.Signal) error {
	switch eventType {
	case protocol.EventWebRTCOffer, protocol.EventWebRTCAnswer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(sig.Payload, &desc); err != nil {
			return fmt.Errorf("malformed session description: %w", err)
		}
		if eventType == protocol.EventWebRTCOffer {
			return p.HandleOffer(desc)
		}
		return p.HandleAnswer(desc)

	case protocol.EventWebRTCICECandidate:
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(sig.Payload, &candidate); err != nil {
			return fmt.Errorf("malformed candidate: %w", err)
		}
		return p.HandleCandidate(candidate)

	default:
		return fmt.Errorf("not a signaling event: %s", eventType)
	}
}

// Cleanup stops media capture and closes the peer connection. Safe to call
// multiple times and from any state.
func (p *Peer) Cleanup() {
	p.cleanupOnce.Do(func() {
		p.mu.Lock()
		if p.handshakeTimer != nil {
			p.handshakeTimer.Stop()
		}
		from := p.state
		if p.state != StateFailed {
			p.state = StateClosed
		}
		to := p.state
		p.mu.Unlock()
		p.notify(from, to, nil)

		if p.media != nil {
			if err := p.media.Close(); err != nil {
				logger.Warn("Failed to stop media capture", zap.Error(err))
			}
		}
		if err := p.pc.Close(); err != nil {
			logger.Warn("Failed to close peer connection",
				zap.String("call_id", p.callID.String()), zap.Error(err))
		}
	})
}

// setRemoteDescription applies the description and flushes any candidates
// that arrived early
func (p *Peer) setRemoteDescription(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return err
	}

	p.mu.Lock()
	p.remoteSet = true
	pending := p.pendingCandidates
	p.pendingCandidates = nil
	p.mu.Unlock()

	for _, candidate := range pending {
		if err := p.pc.AddICECandidate(candidate); err != nil {
			logger.Warn("Failed to apply queued candidate",
				zap.String("call_id", p.callID.String()), zap.Error(err))
		}
	}
	return nil
}

func (p *Peer) sendSignal(eventType protocol.EventType, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal signal payload: %w", err)
	}
	return p.signals.SendSignal(eventType, protocol.Signal{
		CallID:       p.callID,
		TargetUserID: p.peerID,
		Payload:      data,
	})
}

func (p *Peer) setState(s State) {
	p.mu.Lock()
	from := p.state
	p.state = s
	p.mu.Unlock()
	p.notify(from, s, nil)
}

// notify reports a transition to the observer. Called outside the state
// lock so observers may query the peer.
func (p *Peer) notify(from, to State, err error) {
	if p.observer != nil && from != to {
		p.observer.OnStateChange(from, to, err)
	}
}

func (p *Peer) markConnected() {
	p.mu.Lock()
	if p.state == StateFailed || p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	from := p.state
	p.state = StateConnected
	if p.handshakeTimer != nil {
		p.handshakeTimer.Stop()
	}
	p.mu.Unlock()

	p.notify(from, StateConnected, nil)
}

func (p *Peer) fail(err error) {
	p.mu.Lock()
	// A late timer or state callback must not undo a settled peer
	if p.state == StateFailed || p.state == StateClosed || p.state == StateConnected {
		p.mu.Unlock()
		return
	}
	from := p.state
	p.state = StateFailed
	if p.handshakeTimer != nil {
		p.handshakeTimer.Stop()
	}
	p.mu.Unlock()

	logger.Warn("Peer handshake failed",
		zap.String("call_id", p.callID.String()), zap.Error(err))
	p.notify(from, StateFailed, err)
}
