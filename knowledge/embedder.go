package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultEmbeddingDimensions = 1536
	DefaultEmbeddingModel      = "text-embedding-3-small"
)

// Embedder turns texts into vectors. Output order matches input order.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// QueryEmbedder is implemented by embedders that encode search queries
// differently from stored documents.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type httpEmbedder struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	modelID     string
	dimensions  int
	extraHeader http.Header
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions *int     `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// NewHTTPEmbedderFromEnv builds a client for an OpenAI-compatible /embeddings endpoint.
func NewHTTPEmbedderFromEnv() (Embedder, error) {
	apiKey := strings.TrimSpace(os.Getenv("EMBEDDING_API_KEY"))
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("LLM_API_KEY"))
	}
	if apiKey == "" {
		return nil, errors.New("knowledge: embedding API key is required")
	}

	baseURL := strings.TrimSpace(os.Getenv("EMBEDDING_BASE_URL"))
	if baseURL == "" {
		baseURL = strings.TrimSpace(os.Getenv("LLM_BASE_URL"))
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	modelID := strings.TrimSpace(os.Getenv("EMBEDDING_MODEL_ID"))
	if modelID == "" {
		modelID = DefaultEmbeddingModel
	}

	return NewHTTPEmbedder(baseURL, apiKey, modelID, DimensionsFromEnv())
}

// NewHTTPEmbedder is the explicit form of NewHTTPEmbedderFromEnv.
func NewHTTPEmbedder(baseURL, apiKey, modelID string, dimensions int) (Embedder, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("knowledge: invalid embedding base URL %q", baseURL)
	}
	if strings.TrimSpace(modelID) == "" {
		return nil, errors.New("knowledge: embedding model is required")
	}
	return &httpEmbedder{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		modelID:    modelID,
		dimensions: dimensions,
		extraHeader: http.Header{
			"User-Agent": []string{"sitekb-knowledge/1.0"},
		},
	}, nil
}

// DimensionsFromEnv reads EMBEDDING_DIMENSIONS, defaulting to 1536.
func DimensionsFromEnv() int {
	if raw := strings.TrimSpace(os.Getenv("EMBEDDING_DIMENSIONS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return DefaultEmbeddingDimensions
}

func (e *httpEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if e == nil {
		return nil, errors.New("knowledge: embedder is not configured")
	}
	if len(inputs) == 0 {
		return nil, nil
	}
	for i, item := range inputs {
		if strings.TrimSpace(item) == "" {
			return nil, fmt.Errorf("knowledge: embedding input %d is empty", i)
		}
	}

	payload := embeddingRequest{
		Model: e.modelID,
		Input: inputs,
	}
	if e.dimensions > 0 {
		dim := e.dimensions
		payload.Dimensions = &dim
	}

	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return nil, fmt.Errorf("knowledge: encode embedding payload: %w", err)
	}

	endpoint := e.baseURL + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("knowledge: create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	for key, values := range e.extraHeader {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("knowledge: embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("knowledge: embedding API status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var decoded embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("knowledge: decode embedding response: %w", err)
	}

	if len(decoded.Data) != len(inputs) {
		return nil, fmt.Errorf("knowledge: embedding response count mismatch (expected %d, got %d)", len(inputs), len(decoded.Data))
	}

	vectors := make([][]float32, len(inputs))
	for position, item := range decoded.Data {
		index := item.Index
		if index < 0 || index >= len(inputs) {
			return nil, fmt.Errorf("knowledge: embedding %d has out-of-range index %d", position, index)
		}
		if vectors[index] != nil {
			return nil, fmt.Errorf("knowledge: embedding index %d returned twice", index)
		}
		vector := make([]float32, 0, len(item.Embedding))
		for _, value := range item.Embedding {
			vector = append(vector, float32(value))
		}
		vectors[index] = vector
	}

	return vectors, nil
}
