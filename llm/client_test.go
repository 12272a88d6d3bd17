package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatClient_Generate(t *testing.T) {
	var received chatCompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  hello there "}}],"usage":{"prompt_tokens":12,"completion_tokens":3}}`))
	}))
	defer server.Close()

	client, err := NewChatClient(server.URL, "key", "test-model")
	require.NoError(t, err)

	result, err := client.Generate(context.Background(), CompletionRequest{
		SystemPrompt: "be brief",
		UserPrompt:   "say hi",
		MaxTokens:    50,
		Temperature:  Float64(0.2),
	})
	require.NoError(t, err)
	assert.Equal(t, "hello there", result.Content)
	assert.Equal(t, 15, TotalTokens(result.Usage))

	assert.Equal(t, "test-model", received.Model)
	assert.Equal(t, 50, received.MaxTokens)
	require.NotNil(t, received.Temperature)
	assert.InDelta(t, 0.2, *received.Temperature, 1e-9)
	require.Len(t, received.Messages, 2)
	assert.Equal(t, "system", received.Messages[0].Role)
	assert.Equal(t, "say hi", received.Messages[1].Content)
}

func TestChatClient_GenerateErrors(t *testing.T) {
	status := http.StatusServiceUnavailable
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			http.Error(w, "overloaded", status)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":""}}]}`))
	}))
	defer server.Close()

	client, err := NewChatClient(server.URL, "key", "")
	require.NoError(t, err)
	assert.Equal(t, defaultModelID, client.Model())

	_, err = client.Generate(context.Background(), CompletionRequest{UserPrompt: "hi"})
	var genErr *GenerationError
	require.True(t, errors.As(err, &genErr))
	assert.True(t, genErr.Retryable())
	assert.Contains(t, err.Error(), "overloaded")

	status = http.StatusOK
	_, err = client.Generate(context.Background(), CompletionRequest{UserPrompt: "hi"})
	require.True(t, errors.As(err, &genErr))
	assert.False(t, genErr.Retryable())

	_, err = client.Generate(context.Background(), CompletionRequest{UserPrompt: "  "})
	assert.Error(t, err)
}

func TestNewChatClient_InvalidURL(t *testing.T) {
	_, err := NewChatClient("localhost:8080", "key", "")
	assert.Error(t, err)
}

func TestNewGeneratorFromEnv(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "openai")
	t.Setenv("LLM_API_KEY", "key")
	t.Setenv("LLM_BASE_URL", "")
	generator, err := NewGeneratorFromEnv(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &ChatClient{}, generator)

	t.Setenv("LLM_PROVIDER", "carrier-pigeon")
	_, err = NewGeneratorFromEnv(context.Background())
	assert.Error(t, err)

	t.Setenv("LLM_PROVIDER", "gemini")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_CLOUD_PROJECT", "")
	_, err = NewGeneratorFromEnv(context.Background())
	assert.Error(t, err)
}
