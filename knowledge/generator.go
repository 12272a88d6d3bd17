package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"sitekb/logging"
)

const (
	DefaultBatchSize     = 100
	DefaultBatchDelay    = time.Second
	DefaultMaxInputChars = 8000
)

// EmbeddingGenerator batches chunk texts through an Embedder and validates every vector.
type EmbeddingGenerator struct {
	embedder      Embedder
	dimension     int
	batchSize     int
	batchDelay    time.Duration
	maxInputChars int
	cache         *embeddingCache
	sleep         func(time.Duration)
}

// EmbedResult holds the records that embedded cleanly and the chunks that were skipped.
type EmbedResult struct {
	Records []VectorRecord
	Skipped []EmbeddingError
}

type GeneratorOption func(*EmbeddingGenerator)

func WithBatchSize(size int) GeneratorOption {
	return func(g *EmbeddingGenerator) {
		if size > 0 {
			g.batchSize = size
		}
	}
}

func WithBatchDelay(delay time.Duration) GeneratorOption {
	return func(g *EmbeddingGenerator) {
		if delay >= 0 {
			g.batchDelay = delay
		}
	}
}

func WithMaxInputChars(max int) GeneratorOption {
	return func(g *EmbeddingGenerator) {
		if max > 0 {
			g.maxInputChars = max
		}
	}
}

// WithQueryCache caches query embeddings in Redis under the given model name.
func WithQueryCache(client *redis.Client, model string) GeneratorOption {
	return func(g *EmbeddingGenerator) {
		g.cache = newEmbeddingCache(client, model)
	}
}

func NewEmbeddingGenerator(embedder Embedder, dimension int, opts ...GeneratorOption) (*EmbeddingGenerator, error) {
	if embedder == nil {
		return nil, errors.New("knowledge: embedder is required")
	}
	if dimension <= 0 {
		dimension = DefaultEmbeddingDimensions
	}
	g := &EmbeddingGenerator{
		embedder:      embedder,
		dimension:     dimension,
		batchSize:     DefaultBatchSize,
		batchDelay:    DefaultBatchDelay,
		maxInputChars: DefaultMaxInputChars,
		sleep:         time.Sleep,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// NewEmbeddingGeneratorFromEnv reads EMBEDDING_BATCH_SIZE, EMBEDDING_BATCH_DELAY and
// EMBEDDING_MAX_INPUT_CHARS on top of explicit options.
func NewEmbeddingGeneratorFromEnv(embedder Embedder, opts ...GeneratorOption) (*EmbeddingGenerator, error) {
	var envOpts []GeneratorOption
	if raw := strings.TrimSpace(os.Getenv("EMBEDDING_BATCH_SIZE")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("knowledge: invalid EMBEDDING_BATCH_SIZE %q", raw)
		}
		envOpts = append(envOpts, WithBatchSize(parsed))
	}
	if raw := strings.TrimSpace(os.Getenv("EMBEDDING_BATCH_DELAY")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			return nil, fmt.Errorf("knowledge: invalid EMBEDDING_BATCH_DELAY %q", raw)
		}
		envOpts = append(envOpts, WithBatchDelay(parsed))
	}
	if raw := strings.TrimSpace(os.Getenv("EMBEDDING_MAX_INPUT_CHARS")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("knowledge: invalid EMBEDDING_MAX_INPUT_CHARS %q", raw)
		}
		envOpts = append(envOpts, WithMaxInputChars(parsed))
	}
	return NewEmbeddingGenerator(embedder, DimensionsFromEnv(), append(envOpts, opts...)...)
}

func (g *EmbeddingGenerator) Dimension() int {
	if g == nil {
		return 0
	}
	return g.dimension
}

func (g *EmbeddingGenerator) prepare(text string) string {
	return TruncateRunes(CleanText(text), g.maxInputChars)
}

// EmbedText embeds a single query text.
func (g *EmbeddingGenerator) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if g == nil {
		return nil, errors.New("knowledge: embedding generator is not configured")
	}
	prepared := g.prepare(text)
	if prepared == "" {
		return nil, errors.New("knowledge: cannot embed empty text")
	}
	if cached, ok := g.cache.get(ctx, prepared, g.dimension); ok {
		return cached, nil
	}

	var vector []float32
	if queries, ok := g.embedder.(QueryEmbedder); ok {
		embedded, err := queries.EmbedQuery(ctx, prepared)
		if err != nil {
			return nil, fmt.Errorf("knowledge: embed text: %w", err)
		}
		vector = embedded
	} else {
		vectors, err := g.embedder.Embed(ctx, []string{prepared})
		if err != nil {
			return nil, fmt.Errorf("knowledge: embed text: %w", err)
		}
		if len(vectors) != 1 {
			return nil, fmt.Errorf("knowledge: embed text: expected 1 vector, got %d", len(vectors))
		}
		vector = vectors[0]
	}
	if err := ValidateVector(vector, g.dimension); err != nil {
		return nil, fmt.Errorf("knowledge: embed text: %w", err)
	}
	g.cache.store(ctx, prepared, vector)
	return vector, nil
}

// EmbedChunks embeds chunks in batches with a fixed pause between batches. A failed
// batch is retried one chunk at a time so only the offending chunks are skipped.
func (g *EmbeddingGenerator) EmbedChunks(ctx context.Context, chunks []TextChunk) (*EmbedResult, error) {
	if g == nil {
		return nil, errors.New("knowledge: embedding generator is not configured")
	}
	result := &EmbedResult{Records: make([]VectorRecord, 0, len(chunks))}
	logger := logging.From(ctx)

	for start := 0; start < len(chunks); start += g.batchSize {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if start > 0 && g.batchDelay > 0 {
			g.sleep(g.batchDelay)
		}

		end := start + g.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := make([]TextChunk, 0, end-start)
		inputs := make([]string, 0, end-start)
		for _, chunk := range chunks[start:end] {
			prepared := g.prepare(chunk.Text)
			if prepared == "" {
				result.Skipped = append(result.Skipped, EmbeddingError{ChunkID: chunk.ID, Err: errors.New("empty text")})
				continue
			}
			batch = append(batch, chunk)
			inputs = append(inputs, prepared)
		}
		if len(batch) == 0 {
			continue
		}

		vectors, err := g.embedder.Embed(ctx, inputs)
		if err == nil && len(vectors) != len(batch) {
			err = fmt.Errorf("expected %d vectors, got %d", len(batch), len(vectors))
		}
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			logger.Warn("knowledge: embedding batch failed, retrying per chunk",
				slog.Int("batch_start", start), slog.Int("batch_size", len(batch)), slog.Any("error", err))
			g.embedOneByOne(ctx, batch, inputs, result)
			continue
		}

		for i, chunk := range batch {
			g.collect(chunk, inputs[i], vectors[i], result)
		}
		logger.Debug("knowledge: embedded batch", slog.Int("batch_start", start), slog.Int("batch_size", len(batch)))
	}

	if len(result.Skipped) > 0 {
		logger.Warn("knowledge: chunks skipped during embedding", slog.Int("skipped", len(result.Skipped)), slog.Int("embedded", len(result.Records)))
	}
	return result, nil
}

func (g *EmbeddingGenerator) embedOneByOne(ctx context.Context, batch []TextChunk, inputs []string, result *EmbedResult) {
	for i, chunk := range batch {
		vectors, err := g.embedder.Embed(ctx, inputs[i:i+1])
		if err == nil && len(vectors) != 1 {
			err = fmt.Errorf("expected 1 vector, got %d", len(vectors))
		}
		if err != nil {
			result.Skipped = append(result.Skipped, EmbeddingError{ChunkID: chunk.ID, Err: err})
			continue
		}
		g.collect(chunk, inputs[i], vectors[0], result)
	}
}

func (g *EmbeddingGenerator) collect(chunk TextChunk, text string, vector []float32, result *EmbedResult) {
	if err := ValidateVector(vector, g.dimension); err != nil {
		result.Skipped = append(result.Skipped, EmbeddingError{ChunkID: chunk.ID, Err: err})
		return
	}
	result.Records = append(result.Records, VectorRecord{
		ID:        chunk.ID,
		Embedding: vector,
		Metadata: RecordMetadata{
			Content:      text,
			Title:        chunk.Metadata.Title,
			URL:          chunk.Metadata.URL,
			DocumentType: chunk.Metadata.DocumentType,
			SiteID:       chunk.Metadata.SiteID,
			ChunkIndex:   chunk.Metadata.ChunkIndex,
		},
	})
}
