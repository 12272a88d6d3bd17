package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"sitekb/logging"
)

// CompletionRequest is a single-turn generation call.
type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
	Temperature  *float64
}

// Generator produces text for a prompt. Implementations wrap failures in *GenerationError.
type Generator interface {
	Generate(ctx context.Context, req CompletionRequest) (ChatResult, error)
}

// GenerationError reports a failed or empty generation call.
type GenerationError struct {
	Provider string
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("llm: %s generation failed: %v", e.Provider, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Retryable reports whether the provider signalled a transient failure.
func (e *GenerationError) Retryable() bool {
	var status *statusError
	if errors.As(e.Err, &status) {
		return status.StatusCode == http.StatusTooManyRequests || status.StatusCode >= 500
	}
	return false
}

// NewGeneratorFromEnv picks the provider from LLM_PROVIDER (openai or gemini).
func NewGeneratorFromEnv(ctx context.Context) (Generator, error) {
	provider := strings.ToLower(strings.TrimSpace(os.Getenv("LLM_PROVIDER")))
	switch provider {
	case "", "openai":
		client, err := NewChatClientFromEnv()
		if err != nil {
			return nil, err
		}
		logging.From(ctx).Info("llm: generator ready", slog.String("provider", "openai"), slog.String("model", client.Model()))
		return client, nil
	case "gemini":
		client, err := NewGeminiClientFromEnv(ctx)
		if err != nil {
			return nil, err
		}
		logging.From(ctx).Info("llm: generator ready", slog.String("provider", "gemini"), slog.String("model", client.Model()))
		return client, nil
	default:
		return nil, fmt.Errorf("llm: unsupported LLM_PROVIDER %q", provider)
	}
}

// Float64 returns a pointer to v, for CompletionRequest.Temperature.
func Float64(v float64) *float64 {
	return &v
}

// TotalTokens sums prompt and completion tokens of usage.
func TotalTokens(usage *ChatUsage) int {
	if usage == nil {
		return 0
	}
	if usage.TotalTokens > 0 {
		return usage.TotalTokens
	}
	total := usage.PromptTokens + usage.CompletionTokens
	if total < 0 {
		return 0
	}
	return total
}
