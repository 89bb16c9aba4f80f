package rtc

import (
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"talklink-backend/internal/protocol"
	"talklink-backend/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Log = zap.NewNop()
	logger.Sugar = logger.Log.Sugar()
	os.Exit(m.Run())
}

// captureSender records every signal the peer emits
type captureSender struct {
	mu      sync.Mutex
	signals []capturedSignal
}

type capturedSignal struct {
	eventType protocol.EventType
	sig       protocol.Signal
}

func (c *captureSender) SendSignal(eventType protocol.EventType, sig protocol.Signal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signals = append(c.signals, capturedSignal{eventType, sig})
	return nil
}

func (c *captureSender) ofType(t protocol.EventType) []capturedSignal {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []capturedSignal
	for _, s := range c.signals {
		if s.eventType == t {
			out = append(out, s)
		}
	}
	return out
}

// recordingObserver captures state transitions in order
type recordingObserver struct {
	mu          sync.Mutex
	transitions []stateTransition
	failed      chan error
}

type stateTransition struct {
	from, to State
	err      error
}

func (o *recordingObserver) OnStateChange(from, to State, err error) {
	o.mu.Lock()
	o.transitions = append(o.transitions, stateTransition{from, to, err})
	o.mu.Unlock()
	if to == StateFailed && o.failed != nil {
		o.failed <- err
	}
}

func (o *recordingObserver) states() []State {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]State, len(o.transitions))
	for i, tr := range o.transitions {
		out[i] = tr.to
	}
	return out
}

// deniedSource simulates a declined microphone
type deniedSource struct{}

func (deniedSource) AudioTrack() (webrtc.TrackLocal, error) { return nil, ErrMediaAccessDenied }
func (deniedSource) Close() error                           { return nil }

func newTestPeer(t *testing.T, sender SignalSender) *Peer {
	t.Helper()
	peer, err := NewPeer(Config{
		CallID:  uuid.New(),
		SelfID:  uuid.New(),
		PeerID:  uuid.New(),
		Signals: sender,
		Media:   SilenceSource{},
	})
	require.NoError(t, err)
	t.Cleanup(peer.Cleanup)
	return peer
}

func TestPeer_InitiatorSendsOffer(t *testing.T) {
	sender := &captureSender{}
	peer := newTestPeer(t, sender)

	require.NoError(t, peer.Initialize(true))
	assert.Equal(t, StateOfferSent, peer.State())

	offers := sender.ofType(protocol.EventWebRTCOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, peer.peerID, offers[0].sig.TargetUserID)

	var desc webrtc.SessionDescription
	require.NoError(t, json.Unmarshal(offers[0].sig.Payload, &desc))
	assert.Equal(t, webrtc.SDPTypeOffer, desc.Type)
	assert.NotEmpty(t, desc.SDP)
}

func TestPeer_ResponderAnswersOffer(t *testing.T) {
	initiatorOut := &captureSender{}
	initiator := newTestPeer(t, initiatorOut)
	responderOut := &captureSender{}
	responder := newTestPeer(t, responderOut)

	require.NoError(t, initiator.Initialize(true))
	require.NoError(t, responder.Initialize(false))
	assert.Equal(t, StateAwaitingOffer, responder.State())

	offer := initiatorOut.ofType(protocol.EventWebRTCOffer)[0]
	require.NoError(t, responder.HandleSignal(protocol.EventWebRTCOffer, offer.sig))
	assert.Equal(t, StateAnswered, responder.State())

	answers := responderOut.ofType(protocol.EventWebRTCAnswer)
	require.Len(t, answers, 1)

	require.NoError(t, initiator.HandleSignal(protocol.EventWebRTCAnswer, answers[0].sig))
	assert.Equal(t, StateAnswered, initiator.State())
}

func TestPeer_UnexpectedAnswerIgnored(t *testing.T) {
	sender := &captureSender{}
	peer := newTestPeer(t, sender)
	require.NoError(t, peer.Initialize(false))

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"}
	require.NoError(t, peer.HandleAnswer(answer))
	assert.Equal(t, StateAwaitingOffer, peer.State())
}

func TestPeer_CandidateQueuedUntilRemoteDescription(t *testing.T) {
	initiatorOut := &captureSender{}
	initiator := newTestPeer(t, initiatorOut)
	responder := newTestPeer(t, &captureSender{})

	require.NoError(t, initiator.Initialize(true))
	require.NoError(t, responder.Initialize(false))

	candidate := webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host",
	}
	require.NoError(t, responder.HandleCandidate(candidate))

	responder.mu.Lock()
	queued := len(responder.pendingCandidates)
	responder.mu.Unlock()
	assert.Equal(t, 1, queued, "candidate before remote description should queue")

	offer := initiatorOut.ofType(protocol.EventWebRTCOffer)[0]
	require.NoError(t, responder.HandleSignal(protocol.EventWebRTCOffer, offer.sig))

	responder.mu.Lock()
	queued = len(responder.pendingCandidates)
	responder.mu.Unlock()
	assert.Equal(t, 0, queued, "queued candidates flush once remote description is set")
}

func TestPeer_ObserverSeesOrderedTransitions(t *testing.T) {
	observer := &recordingObserver{}
	peer, err := NewPeer(Config{
		CallID:   uuid.New(),
		SelfID:   uuid.New(),
		PeerID:   uuid.New(),
		Signals:  &captureSender{},
		Media:    SilenceSource{},
		Observer: observer,
	})
	require.NoError(t, err)
	defer peer.Cleanup()

	require.NoError(t, peer.Initialize(true))
	assert.Equal(t, []State{StateHaveLocalMedia, StateOfferSent}, observer.states())
}

func TestPeer_MediaDeniedIsFatal(t *testing.T) {
	observer := &recordingObserver{}
	peer, err := NewPeer(Config{
		CallID:   uuid.New(),
		SelfID:   uuid.New(),
		PeerID:   uuid.New(),
		Signals:  &captureSender{},
		Media:    deniedSource{},
		Observer: observer,
	})
	require.NoError(t, err)
	defer peer.Cleanup()

	err = peer.Initialize(true)
	require.ErrorIs(t, err, ErrMediaAccessDenied)
	assert.Equal(t, StateFailed, peer.State())

	observer.mu.Lock()
	defer observer.mu.Unlock()
	require.Len(t, observer.transitions, 1)
	assert.ErrorIs(t, observer.transitions[0].err, ErrMediaAccessDenied)
}

func TestPeer_HandshakeTimeout(t *testing.T) {
	observer := &recordingObserver{failed: make(chan error, 1)}
	peer, err := NewPeer(Config{
		CallID:           uuid.New(),
		SelfID:           uuid.New(),
		PeerID:           uuid.New(),
		Signals:          &captureSender{},
		Media:            SilenceSource{},
		HandshakeTimeout: 30 * time.Millisecond,
		Observer:         observer,
	})
	require.NoError(t, err)
	defer peer.Cleanup()

	require.NoError(t, peer.Initialize(false))

	select {
	case err := <-observer.failed:
		assert.Contains(t, err.Error(), "timed out")
	case <-time.After(2 * time.Second):
		t.Fatal("handshake timer never fired")
	}
	assert.Equal(t, StateFailed, peer.State())
}

func TestPeer_CleanupIdempotent(t *testing.T) {
	peer := newTestPeer(t, &captureSender{})
	require.NoError(t, peer.Initialize(true))

	peer.Cleanup()
	peer.Cleanup()
	assert.Equal(t, StateClosed, peer.State())
}
