package coordinator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"talklink-backend/internal/protocol"
)

// pairUsers runs two users through the random queue and returns the live
// call id.
func pairUsers(t *testing.T, env *testEnv, ctx context.Context, alice, bob uuid.UUID) uuid.UUID {
	t.Helper()
	env.calls.On("Create", mock.Anything, mock.Anything).Return(nil).Once()
	require.NoError(t, env.coord.JoinQueue(ctx, alice))
	require.NoError(t, env.coord.JoinQueue(ctx, bob))
	session, ok := env.coord.Sessions().FindByUser(alice)
	require.True(t, ok)
	return session.CallID
}

func TestRelaySignal_ForwardsToOtherParticipant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := uuid.New()
	bob := uuid.New()
	env.connect(ctx, alice, "alice")
	bobConn := env.connect(ctx, bob, "bob")
	callID := pairUsers(t, env, ctx, alice, bob)

	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0..."}`)
	env.coord.RelaySignal(alice, protocol.EventWebRTCOffer, protocol.Signal{
		CallID:  callID,
		Payload: sdp,
	})

	offers := bobConn.EventsOfType(protocol.EventWebRTCOffer)
	require.Len(t, offers, 1)

	var relayed protocol.Signal
	require.NoError(t, offers[0].Decode(&relayed))
	assert.Equal(t, callID, relayed.CallID)
	assert.Equal(t, alice, relayed.FromUserID)
	assert.Equal(t, uuid.Nil, relayed.TargetUserID)
	assert.JSONEq(t, string(sdp), string(relayed.Payload))
}

func TestRelaySignal_StampsVerifiedSender(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := uuid.New()
	bob := uuid.New()
	env.connect(ctx, alice, "alice")
	bobConn := env.connect(ctx, bob, "bob")
	callID := pairUsers(t, env, ctx, alice, bob)

	// A forged from_user_id must be overwritten with the real sender
	env.coord.RelaySignal(alice, protocol.EventWebRTCICECandidate, protocol.Signal{
		CallID:     callID,
		FromUserID: uuid.New(),
		Payload:    json.RawMessage(`{"candidate":"..."}`),
	})

	candidates := bobConn.EventsOfType(protocol.EventWebRTCICECandidate)
	require.Len(t, candidates, 1)
	var relayed protocol.Signal
	require.NoError(t, candidates[0].Decode(&relayed))
	assert.Equal(t, alice, relayed.FromUserID)
}

func TestRelaySignal_UnknownCallStillForwarded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := uuid.New()
	bob := uuid.New()
	env.connect(ctx, alice, "alice")
	bobConn := env.connect(ctx, bob, "bob")

	// The call id is opaque to the relay: an explicitly addressed frame
	// flows even when no live session matches it (teardown races, timing)
	env.coord.RelaySignal(alice, protocol.EventWebRTCICECandidate, protocol.Signal{
		CallID:       uuid.New(),
		TargetUserID: bob,
		Payload:      json.RawMessage(`{"candidate":"..."}`),
	})

	candidates := bobConn.EventsOfType(protocol.EventWebRTCICECandidate)
	require.Len(t, candidates, 1)
	var relayed protocol.Signal
	require.NoError(t, candidates[0].Decode(&relayed))
	assert.Equal(t, alice, relayed.FromUserID)
}

func TestRelaySignal_NoResolvableTargetDropped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := uuid.New()
	bob := uuid.New()
	mallory := uuid.New()
	aliceConn := env.connect(ctx, alice, "alice")
	bobConn := env.connect(ctx, bob, "bob")
	malloryConn := env.connect(ctx, mallory, "mallory")
	callID := pairUsers(t, env, ctx, alice, bob)

	// No explicit target, and the implicit "other participant" default
	// only applies to the sender's own call
	env.coord.RelaySignal(mallory, protocol.EventWebRTCOffer, protocol.Signal{
		CallID:  callID,
		Payload: json.RawMessage(`{}`),
	})

	assert.Empty(t, aliceConn.EventsOfType(protocol.EventWebRTCOffer))
	assert.Empty(t, bobConn.EventsOfType(protocol.EventWebRTCOffer))
	// Drop is silent for the sender
	assert.Empty(t, malloryConn.EventsOfType(protocol.EventError))
}

func TestRelaySignal_UnreachableTargetDropped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := uuid.New()
	bob := uuid.New()
	aliceConn := env.connect(ctx, alice, "alice")
	bobConn := env.connect(ctx, bob, "bob")
	callID := pairUsers(t, env, ctx, alice, bob)

	bobConn.Close()

	env.coord.RelaySignal(alice, protocol.EventWebRTCOffer, protocol.Signal{
		CallID:  callID,
		Payload: json.RawMessage(`{}`),
	})

	// Dropped with no error back; renegotiation or call teardown recovers
	assert.Empty(t, bobConn.EventsOfType(protocol.EventWebRTCOffer))
	assert.Empty(t, aliceConn.EventsOfType(protocol.EventError))
}
