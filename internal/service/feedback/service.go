// Package feedback turns a finished call's transcript into grammar
// feedback through the OpenAI chat completions API.
package feedback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"talklink-backend/internal/domain"
	"talklink-backend/pkg/config"
	"talklink-backend/pkg/resilience"
)

const systemPrompt = `You are an English language tutor reviewing a learner's side of a voice conversation. ` +
	`Analyze the transcript for grammar mistakes. Respond with JSON only, matching this shape: ` +
	`{"original_text": string, "corrected_text": string, "overall_score": int (0-100), ` +
	`"mistakes": [{"original": string, "corrected": string, "explanation": string}], ` +
	`"suggestions": [string]}`

// Service is the OpenAI-backed grammar analyzer
type Service struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	model      string
	breaker    *resilience.Breaker
}

// NewService creates a grammar feedback service from provider settings
func NewService(cfg config.GrammarConfig) *Service {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Service{
		httpClient: &http.Client{Timeout: timeout},
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		breaker:    resilience.NewBreaker("openai", timeout),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Analyze reviews the transcript text and returns structured feedback
func (s *Service) Analyze(ctx context.Context, text string) (*domain.GrammarFeedback, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty transcript")
	}

	body, err := json.Marshal(chatRequest{
		Model: s.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: text},
		},
		Temperature:    0.2,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, err
	}

	var out chatResponse
	err = s.breaker.Execute(ctx, "chat_completion", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			s.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(respBody))
		}
		return json.Unmarshal(respBody, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("grammar analysis request failed: %w", err)
	}

	if out.Error != nil {
		return nil, fmt.Errorf("grammar analysis rejected: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("grammar analysis returned no choices")
	}

	feedback, err := parseFeedback(out.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	if feedback.OriginalText == "" {
		feedback.OriginalText = text
	}
	return feedback, nil
}

// parseFeedback tolerates models that wrap the JSON in a code fence
func parseFeedback(content string) (*domain.GrammarFeedback, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var feedback domain.GrammarFeedback
	if err := json.Unmarshal([]byte(content), &feedback); err != nil {
		return nil, fmt.Errorf("unparseable feedback payload: %w", err)
	}
	return &feedback, nil
}
