package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"google.golang.org/genai"
)

const (
	defaultGeminiModel          = "gemini-2.5-flash"
	defaultGeminiEmbeddingModel = "gemini-embedding-001"
)

// GeminiClient serves both generation and embeddings through the genai SDK.
type GeminiClient struct {
	client          *genai.Client
	generativeModel string
	embeddingModel  string
	dimensions      int
}

type GeminiOption func(*GeminiClient)

func WithGenerativeModel(model string) GeminiOption {
	return func(g *GeminiClient) {
		if strings.TrimSpace(model) != "" {
			g.generativeModel = model
		}
	}
}

func WithEmbeddingModel(model string) GeminiOption {
	return func(g *GeminiClient) {
		if strings.TrimSpace(model) != "" {
			g.embeddingModel = model
		}
	}
}

// WithOutputDimensionality truncates embeddings to n components.
func WithOutputDimensionality(n int) GeminiOption {
	return func(g *GeminiClient) {
		g.dimensions = n
	}
}

// NewGeminiClientFromEnv uses GEMINI_API_KEY for the Gemini API, or GOOGLE_CLOUD_PROJECT
// and GOOGLE_CLOUD_LOCATION for Vertex AI. GEMINI_MODEL and GEMINI_EMBEDDING_MODEL
// override the models.
func NewGeminiClientFromEnv(ctx context.Context, opts ...GeminiOption) (*GeminiClient, error) {
	config := &genai.ClientConfig{}
	if apiKey := strings.TrimSpace(os.Getenv("GEMINI_API_KEY")); apiKey != "" {
		config.APIKey = apiKey
		config.Backend = genai.BackendGeminiAPI
	} else if project := strings.TrimSpace(os.Getenv("GOOGLE_CLOUD_PROJECT")); project != "" {
		location := strings.TrimSpace(os.Getenv("GOOGLE_CLOUD_LOCATION"))
		if location == "" {
			location = "us-central1"
		}
		config.Project = project
		config.Location = location
		config.Backend = genai.BackendVertexAI
	} else {
		return nil, errors.New("llm: GEMINI_API_KEY or GOOGLE_CLOUD_PROJECT is required for gemini")
	}

	envOpts := []GeminiOption{
		WithGenerativeModel(os.Getenv("GEMINI_MODEL")),
		WithEmbeddingModel(os.Getenv("GEMINI_EMBEDDING_MODEL")),
	}
	return NewGeminiClient(ctx, config, append(envOpts, opts...)...)
}

func NewGeminiClient(ctx context.Context, config *genai.ClientConfig, opts ...GeminiOption) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("llm: create genai client: %w", err)
	}

	g := &GeminiClient{
		client:          client,
		generativeModel: defaultGeminiModel,
		embeddingModel:  defaultGeminiEmbeddingModel,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *GeminiClient) Model() string {
	if g == nil {
		return ""
	}
	return g.generativeModel
}

func (g *GeminiClient) EmbeddingModel() string {
	if g == nil {
		return ""
	}
	return g.embeddingModel
}

func (g *GeminiClient) Generate(ctx context.Context, req CompletionRequest) (ChatResult, error) {
	if g == nil || g.client == nil {
		return ChatResult{}, &GenerationError{Provider: "gemini", Err: errors.New("client is nil")}
	}
	prompt := strings.TrimSpace(req.UserPrompt)
	if prompt == "" {
		return ChatResult{}, &GenerationError{Provider: "gemini", Err: errors.New("prompt cannot be empty")}
	}

	config := &genai.GenerateContentConfig{}
	if system := strings.TrimSpace(req.SystemPrompt); system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, "")
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*req.Temperature))
	}

	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}
	resp, err := g.client.Models.GenerateContent(ctx, g.generativeModel, contents, config)
	if err != nil {
		return ChatResult{}, &GenerationError{Provider: "gemini", Err: err}
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return ChatResult{}, &GenerationError{Provider: "gemini", Err: errors.New("empty completion")}
	}

	result := ChatResult{Content: text}
	if usage := resp.UsageMetadata; usage != nil {
		result.Usage = &ChatUsage{
			PromptTokens:     int(usage.PromptTokenCount),
			CompletionTokens: int(usage.CandidatesTokenCount),
			TotalTokens:      int(usage.TotalTokenCount),
		}
	}
	return result, nil
}

// Embed implements knowledge.Embedder for document text.
func (g *GeminiClient) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	return g.embed(ctx, inputs, "RETRIEVAL_DOCUMENT")
}

// EmbedQuery embeds search text with the query task type.
func (g *GeminiClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := g.embed(ctx, []string{text}, "RETRIEVAL_QUERY")
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (g *GeminiClient) embed(ctx context.Context, inputs []string, taskType string) ([][]float32, error) {
	if g == nil || g.client == nil {
		return nil, errors.New("llm: gemini client is nil")
	}
	if len(inputs) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, 0, len(inputs))
	for i, input := range inputs {
		if strings.TrimSpace(input) == "" {
			return nil, fmt.Errorf("llm: embedding input %d is empty", i)
		}
		contents = append(contents, genai.NewContentFromText(input, genai.RoleUser))
	}

	config := &genai.EmbedContentConfig{TaskType: taskType}
	if g.dimensions > 0 {
		config.OutputDimensionality = genai.Ptr(int32(g.dimensions))
	}

	resp, err := g.client.Models.EmbedContent(ctx, g.embeddingModel, contents, config)
	if err != nil {
		return nil, fmt.Errorf("llm: embed content: %w", err)
	}
	if len(resp.Embeddings) != len(inputs) {
		return nil, fmt.Errorf("llm: embedding count mismatch (expected %d, got %d)", len(inputs), len(resp.Embeddings))
	}

	vectors := make([][]float32, len(resp.Embeddings))
	for i, embedding := range resp.Embeddings {
		if embedding == nil {
			return nil, fmt.Errorf("llm: embedding %d missing", i)
		}
		vectors[i] = embedding.Values
	}
	return vectors, nil
}
