package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"sitekb/knowledge"
	"sitekb/llm"
	"sitekb/logging"
)

// ErrInvalidQuery marks requests rejected before any provider is called.
var ErrInvalidQuery = errors.New("rag: invalid query")

const (
	DefaultMaxResults          = 5
	DefaultSimilarityThreshold = 0.7
	DefaultMaxTokens           = 1000
	DefaultTemperature         = 0.7
)

// QueryEmbedder embeds query text. *knowledge.EmbeddingGenerator satisfies it.
type QueryEmbedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// ProfileSource loads the stored business profile of a site. A nil profile means none yet.
type ProfileSource interface {
	LoadProfile(ctx context.Context, siteID string) (*knowledge.BusinessProfile, error)
}

type Query struct {
	SiteID              string   `json:"siteId"`
	Query               string   `json:"query"`
	ContextType         string   `json:"contextType,omitempty"`
	MaxResults          int      `json:"maxResults,omitempty"`
	SimilarityThreshold *float64 `json:"similarityThreshold,omitempty"`
	MaxTokens           int      `json:"maxTokens,omitempty"`
	Temperature         *float64 `json:"temperature,omitempty"`
}

func (q Query) threshold() float64 {
	if q.SimilarityThreshold == nil {
		return DefaultSimilarityThreshold
	}
	return *q.SimilarityThreshold
}

func (q Query) maxResults() int {
	if q.MaxResults <= 0 {
		return DefaultMaxResults
	}
	return q.MaxResults
}

// filter maps ContextType onto a document type filter. Unknown types search everything.
func (q Query) filter() *knowledge.QueryFilter {
	if docType, ok := knowledge.ParseDocumentType(q.ContextType); ok {
		return &knowledge.QueryFilter{DocumentType: docType}
	}
	return nil
}

type ContextSource struct {
	ID           string                 `json:"id"`
	Title        string                 `json:"title"`
	URL          string                 `json:"url"`
	DocumentType knowledge.DocumentType `json:"documentType"`
	Score        float64                `json:"score"`
	Content      string                 `json:"content"`
}

type Metrics struct {
	EmbeddingMs      int64     `json:"embeddingMs"`
	RetrievalMs      int64     `json:"retrievalMs"`
	GenerationMs     int64     `json:"generationMs"`
	TotalMs          int64     `json:"totalMs"`
	ResultsRetrieved int       `json:"resultsRetrieved"`
	ResultsUsed      int       `json:"resultsUsed"`
	SimilarityScores []float64 `json:"similarityScores"`
	TokensUsed       int       `json:"tokensUsed,omitempty"`
}

type Response struct {
	Response           string          `json:"response"`
	ContextUsed        []ContextSource `json:"contextUsed"`
	PerformanceMetrics Metrics         `json:"performanceMetrics"`
}

// Service answers questions about a site from its indexed content.
type Service struct {
	embedder  QueryEmbedder
	index     knowledge.VectorIndex
	generator llm.Generator
	profiles  ProfileSource
}

// NewService wires the retrieval pipeline. profiles may be nil.
func NewService(embedder QueryEmbedder, index knowledge.VectorIndex, generator llm.Generator, profiles ProfileSource) (*Service, error) {
	if embedder == nil {
		return nil, errors.New("rag: embedder is required")
	}
	if index == nil {
		return nil, errors.New("rag: vector index is required")
	}
	if generator == nil {
		return nil, errors.New("rag: generator is required")
	}
	return &Service{embedder: embedder, index: index, generator: generator, profiles: profiles}, nil
}

type retrieval struct {
	results     []knowledge.QueryResult
	retrieved   int
	embedding   time.Duration
	searching   time.Duration
	queryVector []float32
}

func (s *Service) retrieve(ctx context.Context, q Query) (*retrieval, error) {
	if strings.TrimSpace(q.SiteID) == "" {
		return nil, fmt.Errorf("%w: site id is required", ErrInvalidQuery)
	}
	if strings.TrimSpace(q.Query) == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidQuery)
	}

	out := &retrieval{}
	started := time.Now()
	vector, err := s.embedder.EmbedText(ctx, q.Query)
	if err != nil {
		return nil, fmt.Errorf("rag: embed query: %w", err)
	}
	out.embedding = time.Since(started)
	out.queryVector = vector

	started = time.Now()
	matches, err := s.index.Query(ctx, q.SiteID, vector, q.maxResults(), q.filter())
	if err != nil {
		return nil, fmt.Errorf("rag: query index: %w", err)
	}
	out.searching = time.Since(started)
	out.retrieved = len(matches)

	threshold := q.threshold()
	out.results = make([]knowledge.QueryResult, 0, len(matches))
	for _, match := range matches {
		if match.Score >= threshold {
			out.results = append(out.results, match)
		}
	}
	return out, nil
}

// Retrieve embeds the query, searches the site and drops matches below the threshold.
func (s *Service) Retrieve(ctx context.Context, q Query) ([]knowledge.QueryResult, error) {
	if s == nil {
		return nil, errors.New("rag: service is not configured")
	}
	found, err := s.retrieve(ctx, q)
	if err != nil {
		return nil, err
	}
	return found.results, nil
}

// ProcessQuery retrieves context for q and generates a grounded answer. With no
// context above the threshold the model is still called.
func (s *Service) ProcessQuery(ctx context.Context, q Query) (*Response, error) {
	if s == nil {
		return nil, errors.New("rag: service is not configured")
	}
	started := time.Now()
	logger := logging.From(ctx).With(slog.String("site_id", q.SiteID))

	found, err := s.retrieve(ctx, q)
	if err != nil {
		return nil, err
	}

	profile := s.loadProfile(ctx, q.SiteID)
	request := llm.CompletionRequest{
		SystemPrompt: buildSystemPrompt(profile),
		UserPrompt:   buildUserPrompt(q.Query, buildContextBlock(found.results)),
		MaxTokens:    q.MaxTokens,
		Temperature:  q.Temperature,
	}
	if request.MaxTokens <= 0 {
		request.MaxTokens = DefaultMaxTokens
	}
	if request.Temperature == nil {
		request.Temperature = llm.Float64(DefaultTemperature)
	}

	generationStarted := time.Now()
	completion, err := s.generator.Generate(ctx, request)
	if err != nil {
		return nil, asGenerationError(err)
	}
	generation := time.Since(generationStarted)

	response := &Response{
		Response:    completion.Content,
		ContextUsed: make([]ContextSource, 0, len(found.results)),
		PerformanceMetrics: Metrics{
			EmbeddingMs:      found.embedding.Milliseconds(),
			RetrievalMs:      found.searching.Milliseconds(),
			GenerationMs:     generation.Milliseconds(),
			TotalMs:          time.Since(started).Milliseconds(),
			ResultsRetrieved: found.retrieved,
			ResultsUsed:      len(found.results),
			SimilarityScores: make([]float64, 0, len(found.results)),
			TokensUsed:       llm.TotalTokens(completion.Usage),
		},
	}
	for _, result := range found.results {
		response.ContextUsed = append(response.ContextUsed, ContextSource{
			ID:           result.ID,
			Title:        result.Metadata.Title,
			URL:          result.Metadata.URL,
			DocumentType: result.Metadata.DocumentType,
			Score:        result.Score,
			Content:      result.Metadata.Content,
		})
		response.PerformanceMetrics.SimilarityScores = append(response.PerformanceMetrics.SimilarityScores, result.Score)
	}

	logger.Info("rag: query answered",
		slog.Int("retrieved", found.retrieved),
		slog.Int("used", len(found.results)),
		slog.Int64("total_ms", response.PerformanceMetrics.TotalMs))
	return response, nil
}

func (s *Service) loadProfile(ctx context.Context, siteID string) *knowledge.BusinessProfile {
	if s.profiles == nil {
		return nil
	}
	profile, err := s.profiles.LoadProfile(ctx, siteID)
	if err != nil {
		logging.From(ctx).Warn("rag: load business profile failed", slog.String("site_id", siteID), slog.Any("error", err))
		return nil
	}
	return profile
}

func asGenerationError(err error) error {
	var genErr *llm.GenerationError
	if errors.As(err, &genErr) {
		return err
	}
	return &llm.GenerationError{Provider: "unknown", Err: err}
}
