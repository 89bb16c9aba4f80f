package feedback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

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

func newTestService(baseURL string) *Service {
	return NewService(config.GrammarConfig{
		APIKey:  "test-key",
		BaseURL: baseURL,
		Model:   "gpt-4",
	})
}

func completion(content string) map[string]any {
	return map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
	}
}

func TestAnalyze_ParsesFeedback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "/chat/completions", r.URL.Path)

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4", req["model"])

		json.NewEncoder(w).Encode(completion(`{
			"original_text": "me went store",
			"corrected_text": "I went to the store",
			"overall_score": 62,
			"mistakes": [{"original": "me went", "corrected": "I went", "explanation": "subject pronoun"}],
			"suggestions": ["Review subject pronouns"]
		}`))
	}))
	defer server.Close()

	feedback, err := newTestService(server.URL).Analyze(context.Background(), "me went store")
	require.NoError(t, err)
	assert.Equal(t, "I went to the store", feedback.CorrectedText)
	assert.Equal(t, 62, feedback.OverallScore)
	require.Len(t, feedback.Mistakes, 1)
	assert.Equal(t, "I went", feedback.Mistakes[0].Corrected)
}

func TestAnalyze_ToleratesCodeFence(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(completion("```json\n{\"corrected_text\": \"fine\", \"overall_score\": 95}\n```"))
	}))
	defer server.Close()

	feedback, err := newTestService(server.URL).Analyze(context.Background(), "its fine")
	require.NoError(t, err)
	assert.Equal(t, "fine", feedback.CorrectedText)
	// The provider omitted original_text; the input fills it in
	assert.Equal(t, "its fine", feedback.OriginalText)
}

func TestAnalyze_EmptyTranscriptRejected(t *testing.T) {
	_, err := newTestService("http://unused").Analyze(context.Background(), "   ")
	require.Error(t, err)
}

func TestAnalyze_UnparseablePayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(completion("Sure! Here are my thoughts on the transcript..."))
	}))
	defer server.Close()

	_, err := newTestService(server.URL).Analyze(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unparseable")
}
