package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type geminiEmbedRequest struct {
	Requests []struct {
		Model                string `json:"model"`
		TaskType             string `json:"taskType"`
		OutputDimensionality int    `json:"outputDimensionality"`
	} `json:"requests"`
}

type fakeGemini struct {
	mu        sync.Mutex
	paths     []string
	taskTypes []string
	generate  map[string]any
}

func (f *fakeGemini) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, r.URL.Path)

	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, ":generateContent"):
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.generate = body
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"  grounded answer "}]}}],"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":2,"totalTokenCount":9}}`))
	case strings.HasSuffix(r.URL.Path, ":batchEmbedContents"):
		var body geminiEmbedRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		embeddings := make([]map[string]any, len(body.Requests))
		for i, req := range body.Requests {
			f.taskTypes = append(f.taskTypes, req.TaskType)
			embeddings[i] = map[string]any{"values": []float32{float32(i), 1}}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": embeddings})
	default:
		http.NotFound(w, r)
	}
}

func newTestGeminiClient(t *testing.T, handler http.Handler) *GeminiClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewGeminiClient(context.Background(), &genai.ClientConfig{
		APIKey:      "test-key",
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: server.URL},
	}, WithGenerativeModel("gemini-test"), WithEmbeddingModel("embedding-test"), WithOutputDimensionality(2))
	require.NoError(t, err)
	return client
}

func TestGeminiClient_Generate(t *testing.T) {
	fake := &fakeGemini{}
	client := newTestGeminiClient(t, fake)
	assert.Equal(t, "gemini-test", client.Model())

	result, err := client.Generate(context.Background(), CompletionRequest{
		SystemPrompt: "answer from context",
		UserPrompt:   "when are you open?",
		MaxTokens:    64,
	})
	require.NoError(t, err)
	assert.Equal(t, "grounded answer", result.Content)
	assert.Equal(t, 9, TotalTokens(result.Usage))

	require.Len(t, fake.paths, 1)
	assert.Contains(t, fake.paths[0], "gemini-test:generateContent")
	assert.Contains(t, fake.generate, "systemInstruction")

	_, err = client.Generate(context.Background(), CompletionRequest{UserPrompt: " "})
	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, "gemini", genErr.Provider)
}

func TestGeminiClient_EmbedTaskTypes(t *testing.T) {
	fake := &fakeGemini{}
	client := newTestGeminiClient(t, fake)

	vectors, err := client.Embed(context.Background(), []string{"about page", "services page"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0, 1}, {1, 1}}, vectors)

	query, err := client.EmbedQuery(context.Background(), "do you fix boilers?")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, query)

	assert.Equal(t, []string{"RETRIEVAL_DOCUMENT", "RETRIEVAL_DOCUMENT", "RETRIEVAL_QUERY"}, fake.taskTypes)
	for _, path := range fake.paths {
		assert.Contains(t, path, "embedding-test:batchEmbedContents")
	}

	_, err = client.Embed(context.Background(), []string{"ok", "  "})
	assert.Error(t, err)
}

func TestGeminiClient_ServerError(t *testing.T) {
	client := newTestGeminiClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`, http.StatusTooManyRequests)
	}))

	_, err := client.EmbedQuery(context.Background(), "hours")
	assert.Error(t, err)
	_, err = client.Generate(context.Background(), CompletionRequest{UserPrompt: "hours"})
	assert.Error(t, err)
}
