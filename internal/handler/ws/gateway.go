// Package ws is the WebSocket gateway: it authenticates the connection,
// decodes envelopes, and hands every event to the coordinator. All call
// state lives in the coordinator; the gateway only owns connections.
package ws

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"talklink-backend/internal/coordinator"
	"talklink-backend/internal/protocol"
	"talklink-backend/pkg/constants"
	"talklink-backend/pkg/errors"
	"talklink-backend/pkg/logger"
	"talklink-backend/pkg/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Reject empty origins - require explicit origin for security
			return false
		}
		return GetAllowedOrigins()[origin]
	},
}

// GetAllowedOrigins returns allowed WebSocket origins from environment or
// defaults
func GetAllowedOrigins() map[string]bool {
	allowedOrigins := map[string]bool{
		"http://localhost:3000": true,
		"http://localhost:8080": true,
		"http://127.0.0.1:3000": true,
		"http://127.0.0.1:8080": true,
	}

	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			allowedOrigins[strings.TrimSpace(origin)] = true
		}
	}

	return allowedOrigins
}

// Gateway upgrades connections and routes decoded events to the
// coordinator
type Gateway struct {
	coordinator *coordinator.Coordinator
	metrics     *metrics.Metrics

	maxConnections int
	semaphore      chan struct{}
}

// NewGateway creates the WebSocket gateway
func NewGateway(coord *coordinator.Coordinator, m *metrics.Metrics) *Gateway {
	maxConns := constants.MaxSignalingConnections
	if val := os.Getenv("WS_MAX_CONNECTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			maxConns = n
		}
	}

	return &Gateway{
		coordinator:    coord,
		metrics:        m,
		maxConnections: maxConns,
		semaphore:      make(chan struct{}, maxConns),
	}
}

// ServeWS handles WebSocket upgrade requests on /ws. The user is already
// authenticated by the JWT middleware.
func (g *Gateway) ServeWS(c *gin.Context) {
	select {
	case g.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", g.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	userIDVal, exists := c.Get("user_id")
	if !exists {
		<-g.semaphore
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		<-g.semaphore
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid user_id"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-g.semaphore
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID.String()), zap.Error(err))
		return
	}

	client := newClient(g, conn, userID)

	// Register before the pumps start: a connection that dies immediately
	// must run its disconnect path against a completed registration, not
	// race past it and leave a ghost entry.
	g.coordinator.RegisterPresence(c.Request.Context(), userID, client)
	if g.metrics != nil {
		g.metrics.SetWebSocketConnections(g.coordinator.Registry().Count())
	}

	go client.writePump()
	go client.readPump()
}

// handleEvent dispatches one decoded envelope. Operation errors go back to
// the sender as error events; they never tear the connection down.
func (g *Gateway) handleEvent(ctx context.Context, client *Client, env protocol.Envelope) {
	if g.metrics != nil {
		g.metrics.RecordWebSocketMessage(string(env.Type), "received")
	}

	switch env.Type {
	case protocol.EventUserOnline:
		// Presence was bound at upgrade from the authenticated identity;
		// re-sending user_online just re-acks.
		g.coordinator.RegisterPresence(ctx, client.userID, client)

	case protocol.EventJoinRandomQueue:
		if err := g.coordinator.JoinQueue(ctx, client.userID); err != nil {
			// A repeat join gets the dedicated ack, not a generic error
			if appErr := errors.GetAppError(err); appErr.Code == errors.ErrCodeQueueConflict {
				client.Send(protocol.Envelope{Type: protocol.EventAlreadyInQueue})
			} else {
				g.reportError(client, err)
			}
		}

	case protocol.EventLeaveRandomQueue:
		g.coordinator.LeaveQueue(ctx, client.userID)

	case protocol.EventInitiateDirectCall:
		var req protocol.InitiateDirectCall
		if !g.decode(client, env, &req) {
			return
		}
		g.reportError(client, g.coordinator.InitiateDirectCall(ctx, client.userID, req.FriendID))

	case protocol.EventAcceptCall:
		var ref protocol.CallRef
		if !g.decode(client, env, &ref) {
			return
		}
		g.reportError(client, g.coordinator.AcceptCall(ctx, client.userID, ref.CallID))

	case protocol.EventRejectCall:
		var ref protocol.CallRef
		if !g.decode(client, env, &ref) {
			return
		}
		g.reportError(client, g.coordinator.RejectCall(ctx, client.userID, ref.CallID))

	case protocol.EventEndCall:
		var ref protocol.CallRef
		if !g.decode(client, env, &ref) {
			return
		}
		g.coordinator.EndCall(ctx, client.userID, ref.CallID)

	case protocol.EventWebRTCOffer, protocol.EventWebRTCAnswer, protocol.EventWebRTCICECandidate:
		var sig protocol.Signal
		if !g.decode(client, env, &sig) {
			return
		}
		g.coordinator.RelaySignal(client.userID, env.Type, sig)

	case protocol.EventAudioData:
		var audio protocol.AudioData
		if !g.decode(client, env, &audio) {
			return
		}
		// The transcription round trip is slow; it must not stall the read
		// loop.
		go func() {
			audioCtx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
			defer cancel()
			if err := g.coordinator.ProcessAudioChunk(audioCtx, audio.CallID, client.userID, audio.Chunk); err != nil {
				g.reportError(client, err)
			}
		}()

	default:
		logger.Debug("Unknown event type ignored",
			zap.String("type", string(env.Type)),
			zap.String("user_id", client.userID.String()))
	}
}

func (g *Gateway) decode(client *Client, env protocol.Envelope, dst any) bool {
	if err := env.Decode(dst); err != nil {
		logger.Warn("Malformed event payload",
			zap.String("type", string(env.Type)),
			zap.String("user_id", client.userID.String()),
			zap.Error(err))
		client.Send(protocol.MustEnvelope(protocol.EventError, protocol.ErrorEvent{
			Message: "Malformed payload for " + string(env.Type),
		}))
		return false
	}
	return true
}

// reportError forwards an operation failure to the client as an error
// event
func (g *Gateway) reportError(client *Client, err error) {
	if err == nil {
		return
	}
	message := "Operation failed"
	if appErr := errors.GetAppError(err); appErr != nil {
		message = appErr.Message
	}
	client.Send(protocol.MustEnvelope(protocol.EventError, protocol.ErrorEvent{Message: message}))
}

// disconnect releases the client's slot and tears down coordinator state
func (g *Gateway) disconnect(client *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g.coordinator.Disconnect(ctx, client.userID, client)
	<-g.semaphore
	if g.metrics != nil {
		g.metrics.SetWebSocketConnections(g.coordinator.Registry().Count())
	}
}
