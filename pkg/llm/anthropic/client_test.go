package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsulecraft/orchestrator/pkg/corekit"
	"github.com/capsulecraft/orchestrator/pkg/llm"
)

func TestCompleteSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		resp := anthropicResponse{
			Content: []contentItem{{Type: "text", Text: "hello there"}},
			Model:   "claude-test",
			Usage:   usage{InputTokens: 10, OutputTokens: 5},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewClient("test-key", WithBaseURL(server.URL))
	resp, err := client.Complete(context.Background(), llm.Request{Prompt: "hi", Model: "claude-test"})
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Content)
	assert.Equal(t, 10, resp.PromptTokens)
}

func TestCompleteMissingAPIKey(t *testing.T) {
	client := NewClient("")
	_, err := client.Complete(context.Background(), llm.Request{Prompt: "hi"})
	require.Error(t, err)
	assert.True(t, corekit.IsPermanent(err))
}

func TestCompleteClassifiesThrottle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(errorResponse{})
	}))
	defer server.Close()

	client := NewClient("test-key", WithBaseURL(server.URL), WithMaxRetries(0))
	_, err := client.Complete(context.Background(), llm.Request{Prompt: "hi"})
	require.Error(t, err)
	assert.True(t, corekit.IsThrottle(err))
}

func TestCompleteClassifiesPermanentOnBadRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(errorResponse{})
	}))
	defer server.Close()

	client := NewClient("test-key", WithBaseURL(server.URL), WithMaxRetries(0))
	_, err := client.Complete(context.Background(), llm.Request{Prompt: "hi"})
	require.Error(t, err)
	assert.True(t, corekit.IsPermanent(err))
}
