// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// WebSocketWriteTimeout bounds a single WebSocket write
	WebSocketWriteTimeout = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second

	// RedisHealthCheckInterval is how often the Redis degraded-mode probe runs
	RedisHealthCheckInterval = 10 * time.Second
)

// Matchmaking and call constants
const (
	// ClientSendBuffer is the per-connection outbound event buffer. A full
	// buffer drops the connection rather than blocking a handler.
	ClientSendBuffer = 256

	// MaxSignalingConnections caps concurrent WebSocket connections
	MaxSignalingConnections = 1000

	// HandshakeTimeout bounds the offer/answer exchange on the client side.
	// A responder that never answers would otherwise leave the caller in
	// "connecting" forever.
	HandshakeTimeout = 30 * time.Second

	// PresenceTTL is how long the Redis presence mirror survives without a
	// refresh
	PresenceTTL = 5 * time.Minute

	// FeedbackTimeout bounds post-call grammar feedback generation
	FeedbackTimeout = 2 * time.Minute
)

// Transcription constants
const (
	// MaxAudioChunkBytes caps a single audio_data submission
	MaxAudioChunkBytes = 5 << 20 // 5 MiB

	// MaxTranscriptTextLen caps a single transcript entry after sanitization
	MaxTranscriptTextLen = 4096
)

// Push notification constants
const (
	// PushTokenExpiry is the validity period for push notification tokens
	PushTokenExpiry = 30 * 24 * time.Hour // 30 days
)

// Pagination constants
const (
	// DefaultPageSize is the default number of items per page
	DefaultPageSize = 20

	// MaxPageSize is the maximum number of items per page
	MaxPageSize = 100
)
