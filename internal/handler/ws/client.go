package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"talklink-backend/internal/protocol"
	"talklink-backend/pkg/constants"
	"talklink-backend/pkg/logger"
)

// Client is one authenticated WebSocket connection. It implements
// protocol.Sender: Send queues without blocking and reports false when the
// send buffer is full or the connection is closing.
type Client struct {
	gateway *Gateway
	conn    *websocket.Conn
	send    chan []byte
	userID  uuid.UUID

	closeOnce sync.Once
	closed    chan struct{}
}

func newClient(gateway *Gateway, conn *websocket.Conn, userID uuid.UUID) *Client {
	return &Client{
		gateway: gateway,
		conn:    conn,
		send:    make(chan []byte, constants.ClientSendBuffer),
		userID:  userID,
		closed:  make(chan struct{}),
	}
}

// Send queues an envelope for delivery. A full buffer means the client is
// too slow to keep up; the frame is dropped and false returned.
func (c *Client) Send(env protocol.Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		logger.Error("Failed to marshal outbound envelope",
			zap.String("type", string(env.Type)), zap.Error(err))
		return false
	}

	select {
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		logger.Warn("Send buffer full, dropping frame",
			zap.String("user_id", c.userID.String()),
			zap.String("type", string(env.Type)))
		if c.gateway.metrics != nil {
			c.gateway.metrics.RecordWebSocketError("send_buffer_full")
		}
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// readPump reads frames until the connection dies, dispatching each
// decoded envelope to the gateway
func (c *Client) readPump() {
	defer func() {
		c.close()
		c.gateway.disconnect(c)
	}()

	c.conn.SetReadLimit(int64(constants.MaxAudioChunkBytes) * 2)
	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
		return nil
	})

	ctx := context.Background()
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("user_id", c.userID.String()), zap.Error(err))
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			logger.Warn("Invalid frame from WebSocket",
				zap.String("user_id", c.userID.String()), zap.Error(err))
			c.Send(protocol.MustEnvelope(protocol.EventError, protocol.ErrorEvent{
				Message: "Malformed envelope",
			}))
			continue
		}

		c.gateway.handleEvent(ctx, c, env)
	}
}

// writePump drains the send buffer and keeps the connection alive with
// pings
func (c *Client) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval * 9 / 10)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.closed:
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			if c.gateway.metrics != nil {
				c.gateway.metrics.RecordWebSocketMessage("outbound", "sent")
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
