package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"talklink-backend/internal/coordinator"
	"talklink-backend/internal/domain"
	"talklink-backend/internal/protocol"
	"talklink-backend/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Log = zap.NewNop()
	logger.Sugar = logger.Log.Sugar()
	os.Exit(m.Run())
}

// nopCallRepo satisfies the coordinator's persistence surface in-memory
type nopCallRepo struct{}

func (nopCallRepo) Create(ctx context.Context, call *domain.CallSession) error { return nil }
func (nopCallRepo) MarkActive(ctx context.Context, callID uuid.UUID, startTime time.Time) error {
	return nil
}
func (nopCallRepo) EndCall(ctx context.Context, callID uuid.UUID, endTime time.Time, durationSeconds int) error {
	return nil
}
func (nopCallRepo) SetGrammarFeedback(ctx context.Context, callID uuid.UUID, feedback *domain.GrammarFeedback) error {
	return nil
}
func (nopCallRepo) MarkParticipantLeft(ctx context.Context, callID, userID uuid.UUID, leftAt time.Time) error {
	return nil
}

func newTestGateway() *Gateway {
	coord := coordinator.New(coordinator.Config{Calls: nopCallRepo{}})
	return NewGateway(coord, nil)
}

// testClient builds a Client that never touches a real connection; sent
// envelopes are read straight off the send buffer.
func testClient(g *Gateway, userID uuid.UUID) *Client {
	return &Client{
		gateway: g,
		send:    make(chan []byte, 64),
		userID:  userID,
		closed:  make(chan struct{}),
	}
}

func drainEvents(t *testing.T, c *Client) []protocol.Envelope {
	t.Helper()
	var out []protocol.Envelope
	for {
		select {
		case data := <-c.send:
			var env protocol.Envelope
			require.NoError(t, json.Unmarshal(data, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func hasEvent(envs []protocol.Envelope, t protocol.EventType) bool {
	for _, env := range envs {
		if env.Type == t {
			return true
		}
	}
	return false
}

func envelope(t *testing.T, eventType protocol.EventType, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(eventType, payload)
	require.NoError(t, err)
	return env
}

func TestHandleEvent_JoinQueueAcks(t *testing.T) {
	g := newTestGateway()
	ctx := context.Background()
	client := testClient(g, uuid.New())
	g.coordinator.RegisterPresence(ctx, client.userID, client)

	g.handleEvent(ctx, client, envelope(t, protocol.EventJoinRandomQueue, nil))

	events := drainEvents(t, client)
	assert.True(t, hasEvent(events, protocol.EventWaitingForMatch))
	assert.False(t, hasEvent(events, protocol.EventError))
}

func TestHandleEvent_DuplicateJoinAcksAlreadyInQueue(t *testing.T) {
	g := newTestGateway()
	ctx := context.Background()
	client := testClient(g, uuid.New())
	g.coordinator.RegisterPresence(ctx, client.userID, client)

	g.handleEvent(ctx, client, envelope(t, protocol.EventJoinRandomQueue, nil))
	drainEvents(t, client)

	g.handleEvent(ctx, client, envelope(t, protocol.EventJoinRandomQueue, nil))

	events := drainEvents(t, client)
	require.True(t, hasEvent(events, protocol.EventAlreadyInQueue))
	assert.False(t, hasEvent(events, protocol.EventError))
}

func TestHandleEvent_MalformedPayloadReported(t *testing.T) {
	g := newTestGateway()
	ctx := context.Background()
	client := testClient(g, uuid.New())

	env := protocol.Envelope{
		Type:    protocol.EventAcceptCall,
		Payload: json.RawMessage(`{"call_id": "not-a-uuid"}`),
	}
	g.handleEvent(ctx, client, env)

	events := drainEvents(t, client)
	assert.True(t, hasEvent(events, protocol.EventError))
}

func TestHandleEvent_UnknownTypeIgnored(t *testing.T) {
	g := newTestGateway()
	ctx := context.Background()
	client := testClient(g, uuid.New())

	g.handleEvent(ctx, client, protocol.Envelope{Type: "made_up_event"})

	assert.Empty(t, drainEvents(t, client))
}

func TestHandleEvent_SignalRelayedBetweenClients(t *testing.T) {
	g := newTestGateway()
	ctx := context.Background()
	alice := testClient(g, uuid.New())
	bob := testClient(g, uuid.New())
	g.coordinator.RegisterPresence(ctx, alice.userID, alice)
	g.coordinator.RegisterPresence(ctx, bob.userID, bob)

	g.handleEvent(ctx, alice, envelope(t, protocol.EventJoinRandomQueue, nil))
	g.handleEvent(ctx, bob, envelope(t, protocol.EventJoinRandomQueue, nil))

	session, ok := g.coordinator.Sessions().FindByUser(alice.userID)
	require.True(t, ok)
	drainEvents(t, alice)
	drainEvents(t, bob)

	g.handleEvent(ctx, alice, envelope(t, protocol.EventWebRTCOffer, protocol.Signal{
		CallID:  session.CallID,
		Payload: json.RawMessage(`{"sdp":"v=0..."}`),
	}))

	bobEvents := drainEvents(t, bob)
	require.True(t, hasEvent(bobEvents, protocol.EventWebRTCOffer))
	var relayed protocol.Signal
	for _, env := range bobEvents {
		if env.Type == protocol.EventWebRTCOffer {
			require.NoError(t, env.Decode(&relayed))
		}
	}
	assert.Equal(t, alice.userID, relayed.FromUserID)
}

func TestHandleEvent_EndCallNotifiesPeer(t *testing.T) {
	g := newTestGateway()
	ctx := context.Background()
	alice := testClient(g, uuid.New())
	bob := testClient(g, uuid.New())
	g.coordinator.RegisterPresence(ctx, alice.userID, alice)
	g.coordinator.RegisterPresence(ctx, bob.userID, bob)

	g.handleEvent(ctx, alice, envelope(t, protocol.EventJoinRandomQueue, nil))
	g.handleEvent(ctx, bob, envelope(t, protocol.EventJoinRandomQueue, nil))
	session, ok := g.coordinator.Sessions().FindByUser(alice.userID)
	require.True(t, ok)
	drainEvents(t, bob)

	g.handleEvent(ctx, alice, envelope(t, protocol.EventEndCall, protocol.CallRef{CallID: session.CallID}))

	assert.True(t, hasEvent(drainEvents(t, bob), protocol.EventCallEnded))
	assert.Equal(t, 0, g.coordinator.Sessions().ActiveCount())
}

func TestServeWS_ShortLivedConnectionLeavesNoGhostEntry(t *testing.T) {
	gin.SetMode(gin.TestMode)
	g := newTestGateway()
	userID := uuid.New()

	router := gin.New()
	router.GET("/ws", func(c *gin.Context) {
		c.Set("user_id", userID)
		g.ServeWS(c)
	})
	server := httptest.NewServer(router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"http://localhost:3000"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}

	// Registration completes before the read/write pumps start, so the
	// connection is addressable as soon as the upgrade settles
	require.Eventually(t, func() bool {
		return g.coordinator.Registry().Count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// An immediate close must unwind the registration, never strand it
	conn.Close()
	require.Eventually(t, func() bool {
		return g.coordinator.Registry().Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientSend_FullBufferDropsFrame(t *testing.T) {
	g := newTestGateway()
	client := &Client{
		gateway: g,
		send:    make(chan []byte, 1),
		userID:  uuid.New(),
		closed:  make(chan struct{}),
	}

	env := protocol.MustEnvelope(protocol.EventError, protocol.ErrorEvent{Message: "x"})
	assert.True(t, client.Send(env))
	assert.False(t, client.Send(env), "second send should drop on full buffer")
}
