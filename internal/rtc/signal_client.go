package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"talklink-backend/internal/protocol"
	"talklink-backend/pkg/constants"
	"talklink-backend/pkg/logger"
)

// SignalClient is the client side of the coordinator's WebSocket gateway.
// It writes envelopes for outbound commands and pumps inbound envelopes
// onto Events for the caller to dispatch.
type SignalClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	events chan protocol.Envelope

	closeOnce sync.Once
	done      chan struct{}

	errMu   sync.Mutex
	readErr error
}

// DialSignalClient connects to the gateway at baseURL (http:// or ws://
// scheme, path /ws is appended if missing) authenticating with a JWT
// passed as the token query parameter.
func DialSignalClient(ctx context.Context, baseURL, token string) (*SignalClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid gateway URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported gateway scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/ws") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: constants.DefaultTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("gateway rejected connection (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("failed to reach gateway: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &SignalClient{
		conn:   conn,
		events: make(chan protocol.Envelope, constants.ClientSendBuffer),
		done:   make(chan struct{}),
	}
	go c.readPump()
	return c, nil
}

// Events yields inbound envelopes. The channel closes when the connection
// drops; check Err afterwards.
func (c *SignalClient) Events() <-chan protocol.Envelope {
	return c.events
}

// Err reports why the read loop stopped, nil on a clean close
func (c *SignalClient) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

// SendSignal forwards one signaling frame through the relay
func (c *SignalClient) SendSignal(eventType protocol.EventType, sig protocol.Signal) error {
	return c.sendEnvelope(eventType, sig)
}

// JoinQueue asks the coordinator to pair us with a stranger
func (c *SignalClient) JoinQueue() error {
	return c.sendEnvelope(protocol.EventJoinRandomQueue, struct{}{})
}

// LeaveQueue withdraws a pending queue entry
func (c *SignalClient) LeaveQueue() error {
	return c.sendEnvelope(protocol.EventLeaveRandomQueue, struct{}{})
}

// CallFriend rings a specific user directly
func (c *SignalClient) CallFriend(friendID uuid.UUID) error {
	return c.sendEnvelope(protocol.EventInitiateDirectCall, protocol.InitiateDirectCall{FriendID: friendID})
}

// AcceptCall answers an incoming direct call
func (c *SignalClient) AcceptCall(callID uuid.UUID) error {
	return c.sendEnvelope(protocol.EventAcceptCall, protocol.CallRef{CallID: callID})
}

// RejectCall declines an incoming direct call
func (c *SignalClient) RejectCall(callID uuid.UUID) error {
	return c.sendEnvelope(protocol.EventRejectCall, protocol.CallRef{CallID: callID})
}

// EndCall hangs up
func (c *SignalClient) EndCall(callID uuid.UUID) error {
	return c.sendEnvelope(protocol.EventEndCall, protocol.CallRef{CallID: callID})
}

// SendAudio ships one captured audio chunk for archival and transcription
func (c *SignalClient) SendAudio(callID uuid.UUID, chunk []byte) error {
	return c.sendEnvelope(protocol.EventAudioData, protocol.AudioData{CallID: callID, Chunk: chunk})
}

// Close tears down the connection. Safe to call more than once.
func (c *SignalClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
		c.writeMu.Unlock()
		err = c.conn.Close()
		<-c.done
	})
	return err
}

func (c *SignalClient) sendEnvelope(eventType protocol.EventType, payload any) error {
	env, err := protocol.NewEnvelope(eventType, payload)
	if err != nil {
		return fmt.Errorf("failed to build %s envelope: %w", eventType, err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal %s envelope: %w", eventType, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", eventType, err)
	}
	return nil
}

func (c *SignalClient) readPump() {
	defer func() {
		close(c.events)
		close(c.done)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.errMu.Lock()
				c.readErr = err
				c.errMu.Unlock()
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn("Dropping malformed frame from gateway", zap.Error(err))
			continue
		}
		c.events <- env
	}
}
