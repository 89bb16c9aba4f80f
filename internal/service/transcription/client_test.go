package transcription

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"talklink-backend/pkg/config"
	"talklink-backend/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Log = zap.NewNop()
	logger.Sugar = logger.Log.Sugar()
	os.Exit(m.Run())
}

func newTestClient(baseURL string) *Client {
	return NewClient(config.TranscriptionConfig{
		APIKey:       "test-key",
		BaseURL:      baseURL,
		PollInterval: 5 * time.Millisecond,
		MaxPolls:     10,
	})
}

func TestTranscribe_CompletedJob(t *testing.T) {
	var polls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/upload":
			json.NewEncoder(w).Encode(map[string]string{"upload_url": "https://cdn.example/audio/abc"})
		case r.Method == http.MethodPost && r.URL.Path == "/transcript":
			var req map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "https://cdn.example/audio/abc", req["audio_url"])
			json.NewEncoder(w).Encode(map[string]string{"id": "job-1", "status": "queued"})
		case r.Method == http.MethodGet && r.URL.Path == "/transcript/job-1":
			if polls.Add(1) < 3 {
				json.NewEncoder(w).Encode(map[string]string{"id": "job-1", "status": "processing"})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"id": "job-1", "status": "completed",
				"text": "hello over there", "confidence": 0.94,
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	text, confidence, err := newTestClient(server.URL).Transcribe(context.Background(), []byte{0x01, 0x02})
	require.NoError(t, err)
	assert.Equal(t, "hello over there", text)
	assert.InDelta(t, 0.94, confidence, 1e-9)
	assert.GreaterOrEqual(t, polls.Load(), int32(3))
}

func TestTranscribe_FailedJob(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/upload":
			json.NewEncoder(w).Encode(map[string]string{"upload_url": "https://cdn.example/audio/abc"})
		case r.URL.Path == "/transcript":
			json.NewEncoder(w).Encode(map[string]string{"id": "job-2", "status": "queued"})
		default:
			json.NewEncoder(w).Encode(map[string]string{
				"id": "job-2", "status": "error", "error": "audio too short",
			})
		}
	}))
	defer server.Close()

	_, _, err := newTestClient(server.URL).Transcribe(context.Background(), []byte{0x01})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audio too short")
}

func TestTranscribe_PollBudgetExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/upload":
			json.NewEncoder(w).Encode(map[string]string{"upload_url": "https://cdn.example/audio/abc"})
		case r.URL.Path == "/transcript":
			json.NewEncoder(w).Encode(map[string]string{"id": "job-3", "status": "queued"})
		default:
			json.NewEncoder(w).Encode(map[string]string{"id": "job-3", "status": "processing"})
		}
	}))
	defer server.Close()

	_, _, err := newTestClient(server.URL).Transcribe(context.Background(), []byte{0x01})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not settle")
}

func TestTranscribe_ContextCancelledWhilePolling(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/upload":
			json.NewEncoder(w).Encode(map[string]string{"upload_url": "https://cdn.example/audio/abc"})
		case r.URL.Path == "/transcript":
			json.NewEncoder(w).Encode(map[string]string{"id": "job-4", "status": "queued"})
		default:
			json.NewEncoder(w).Encode(map[string]string{"id": "job-4", "status": "processing"})
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	client := NewClient(config.TranscriptionConfig{
		APIKey:       "test-key",
		BaseURL:      server.URL,
		PollInterval: 5 * time.Millisecond,
		MaxPolls:     1000,
	})
	_, _, err := client.Transcribe(ctx, []byte{0x01})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
