package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"sitekb/knowledge"
	"sitekb/llm"
	"sitekb/logging"
)

const (
	contentSimilarityThreshold = 0.6
	contentMaxResults          = 8
	qualityContextResults      = 5
)

type contentTemplate struct {
	query     string
	maxTokens int
}

var contentTemplates = map[string]contentTemplate{
	"title":       {query: "Write five compelling page titles about %s", maxTokens: 150},
	"description": {query: "Write a concise meta description (under 160 characters) about %s", maxTokens: 200},
	"faq":         {query: "Write frequently asked questions with answers about %s", maxTokens: 1200},
	"paragraph":   {query: "Write an informative paragraph about %s", maxTokens: 600},
}

// GenerateContent produces brand-consistent copy of contentType about topic. Unknown
// content types use topic as the query.
func (s *Service) GenerateContent(ctx context.Context, siteID, contentType, topic, extraContext string) (*Response, error) {
	if s == nil {
		return nil, errors.New("rag: service is not configured")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, fmt.Errorf("%w: topic is required", ErrInvalidQuery)
	}

	query := topic
	maxTokens := DefaultMaxTokens
	if tmpl, ok := contentTemplates[strings.ToLower(strings.TrimSpace(contentType))]; ok {
		query = fmt.Sprintf(tmpl.query, topic)
		maxTokens = tmpl.maxTokens
	}
	if extra := strings.TrimSpace(extraContext); extra != "" {
		query += "\n\nAdditional context: " + extra
	}

	threshold := contentSimilarityThreshold
	return s.ProcessQuery(ctx, Query{
		SiteID:              siteID,
		Query:               query,
		MaxResults:          contentMaxResults,
		SimilarityThreshold: &threshold,
		MaxTokens:           maxTokens,
	})
}

// QualityReport scores content against a target query and the site's own material.
type QualityReport struct {
	Score         int             `json:"score"`
	Relevance     float64         `json:"relevance"`
	Strengths     []string        `json:"strengths"`
	Improvements  []string        `json:"improvements"`
	MissingTopics []string        `json:"missingTopics"`
	ContextUsed   []ContextSource `json:"contextUsed"`
	Fallback      bool            `json:"fallback"`
}

type qualityAssessment struct {
	Score         *float64 `json:"score"`
	Strengths     []string `json:"strengths"`
	Improvements  []string `json:"improvements"`
	MissingTopics []string `json:"missingTopics"`
}

// AnalyzeContentQuality rates content for targetQuery. If the model's assessment cannot
// be parsed the score is derived from the cosine relevance of content and query.
func (s *Service) AnalyzeContentQuality(ctx context.Context, siteID, content, targetQuery string) (*QualityReport, error) {
	if s == nil {
		return nil, errors.New("rag: service is not configured")
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: content is required", ErrInvalidQuery)
	}

	threshold := contentSimilarityThreshold
	found, err := s.retrieve(ctx, Query{
		SiteID:              siteID,
		Query:               targetQuery,
		MaxResults:          qualityContextResults,
		SimilarityThreshold: &threshold,
	})
	if err != nil {
		return nil, err
	}

	contentVector, err := s.embedder.EmbedText(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("rag: embed content: %w", err)
	}
	relevance, err := knowledge.CosineSimilarity(contentVector, found.queryVector)
	if err != nil {
		return nil, fmt.Errorf("rag: score relevance: %w", err)
	}

	report := &QualityReport{
		Relevance:   relevance,
		ContextUsed: make([]ContextSource, 0, len(found.results)),
	}
	for _, result := range found.results {
		report.ContextUsed = append(report.ContextUsed, ContextSource{
			ID:           result.ID,
			Title:        result.Metadata.Title,
			URL:          result.Metadata.URL,
			DocumentType: result.Metadata.DocumentType,
			Score:        result.Score,
		})
	}

	prompt := fmt.Sprintf(`Evaluate the content below for the search intent %q.
Use the website context to judge accuracy and coverage.

Website context:
%s

Content:
%s

Respond with a JSON object only:
{"score": <0-100>, "strengths": [string], "improvements": [string], "missingTopics": [string]}`,
		targetQuery, orDefault(buildContextBlock(found.results), "(no relevant context found)"), content)

	completion, err := s.generator.Generate(ctx, llm.CompletionRequest{
		SystemPrompt: buildSystemPrompt(s.loadProfile(ctx, siteID)),
		UserPrompt:   prompt,
		MaxTokens:    800,
		Temperature:  llm.Float64(0.2),
	})
	if err != nil {
		return nil, asGenerationError(err)
	}

	assessment, err := parseAssessment(completion.Content)
	if err != nil {
		logging.From(ctx).Warn("rag: quality assessment unparseable, using relevance score",
			slog.String("site_id", siteID), slog.Any("error", err))
		report.Score = relevanceScore(relevance)
		report.Fallback = true
		return report, nil
	}

	report.Score = clampScore(*assessment.Score)
	report.Strengths = assessment.Strengths
	report.Improvements = assessment.Improvements
	report.MissingTopics = assessment.MissingTopics
	return report, nil
}

func parseAssessment(text string) (*qualityAssessment, error) {
	raw, err := llm.ExtractJSONObject(text)
	if err != nil {
		return nil, err
	}
	var assessment qualityAssessment
	if err := json.Unmarshal([]byte(raw), &assessment); err != nil {
		return nil, fmt.Errorf("rag: decode assessment: %w", err)
	}
	if assessment.Score == nil {
		return nil, errors.New("rag: assessment has no score")
	}
	return &assessment, nil
}

func relevanceScore(relevance float64) int {
	return clampScore(relevance * 100)
}

func clampScore(value float64) int {
	if math.IsNaN(value) {
		return 0
	}
	return int(math.Round(math.Max(0, math.Min(100, value))))
}
