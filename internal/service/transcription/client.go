// Package transcription converts archived call audio to text through the
// AssemblyAI HTTP API: upload the audio, create a transcript job, poll
// until it settles.
package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"talklink-backend/pkg/config"
	"talklink-backend/pkg/logger"
	"talklink-backend/pkg/resilience"
)

// Client is the AssemblyAI-backed transcriber
type Client struct {
	httpClient   *http.Client
	apiKey       string
	baseURL      string
	pollInterval time.Duration
	maxPolls     int
	breaker      *resilience.Breaker
}

// NewClient creates a transcription client from provider settings
func NewClient(cfg config.TranscriptionConfig) *Client {
	return &Client{
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		apiKey:       cfg.APIKey,
		baseURL:      cfg.BaseURL,
		pollInterval: cfg.PollInterval,
		maxPolls:     cfg.MaxPolls,
		breaker:      resilience.NewBreaker("assemblyai", 30*time.Second),
	}
}

type uploadResponse struct {
	UploadURL string `json:"upload_url"`
}

type transcriptRequest struct {
	AudioURL string `json:"audio_url"`
}

type transcriptResponse struct {
	ID         string  `json:"id"`
	Status     string  `json:"status"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error,omitempty"`
}

// Transcribe converts one audio chunk to text. An empty transcript with a
// nil error means the provider heard nothing intelligible.
func (c *Client) Transcribe(ctx context.Context, audio []byte) (string, float64, error) {
	var uploadURL string
	err := c.breaker.Execute(ctx, "upload", func() error {
		var err error
		uploadURL, err = c.upload(ctx, audio)
		return err
	})
	if err != nil {
		return "", 0, fmt.Errorf("audio upload failed: %w", err)
	}

	var jobID string
	err = c.breaker.Execute(ctx, "create_transcript", func() error {
		var err error
		jobID, err = c.createJob(ctx, uploadURL)
		return err
	})
	if err != nil {
		return "", 0, fmt.Errorf("transcript job creation failed: %w", err)
	}

	return c.poll(ctx, jobID)
}

func (c *Client) upload(ctx context.Context, audio []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", bytes.NewReader(audio))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	var out uploadResponse
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	if out.UploadURL == "" {
		return "", fmt.Errorf("upload response missing upload_url")
	}
	return out.UploadURL, nil
}

func (c *Client) createJob(ctx context.Context, audioURL string) (string, error) {
	body, err := json.Marshal(transcriptRequest{AudioURL: audioURL})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcript", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	var out transcriptResponse
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("transcript response missing job id")
	}
	return out.ID, nil
}

// poll waits for the transcript job to settle. Polling is bounded by both
// maxPolls and the caller's context.
func (c *Client) poll(ctx context.Context, jobID string) (string, float64, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for i := 0; i < c.maxPolls; i++ {
		select {
		case <-ctx.Done():
			return "", 0, ctx.Err()
		case <-ticker.C:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/transcript/"+jobID, nil)
		if err != nil {
			return "", 0, err
		}
		req.Header.Set("Authorization", c.apiKey)

		var out transcriptResponse
		if err := c.do(req, &out); err != nil {
			logger.Warn("Transcript poll failed, retrying",
				zap.String("job_id", jobID), zap.Error(err))
			continue
		}

		switch out.Status {
		case "completed":
			return out.Text, out.Confidence, nil
		case "error":
			return "", 0, fmt.Errorf("transcription failed: %s", out.Error)
		}
		// queued or processing; keep waiting
	}

	return "", 0, fmt.Errorf("transcript job %s did not settle after %d polls", jobID, c.maxPolls)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(body))
	}
	return json.Unmarshal(body, out)
}
