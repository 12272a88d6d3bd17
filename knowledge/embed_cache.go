package knowledge

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"

	"sitekb/logging"
)

const (
	queryEmbeddingCacheTTL     = 24 * time.Hour
	queryEmbeddingCacheTimeout = 300 * time.Millisecond
)

// embeddingCache keeps query embeddings in Redis. A nil cache is a no-op.
type embeddingCache struct {
	client *redis.Client
	model  string
	ttl    time.Duration
}

func newEmbeddingCache(client *redis.Client, model string) *embeddingCache {
	if client == nil {
		return nil
	}
	return &embeddingCache{client: client, model: model, ttl: queryEmbeddingCacheTTL}
}

func (c *embeddingCache) cacheContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), queryEmbeddingCacheTimeout)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= queryEmbeddingCacheTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, queryEmbeddingCacheTimeout)
}

func (c *embeddingCache) key(text string) string {
	sum := blake2b.Sum256([]byte(c.model + "\x00" + text))
	return "kb:embed:" + hex.EncodeToString(sum[:16])
}

func (c *embeddingCache) get(ctx context.Context, text string, dimension int) ([]float32, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	ctx, cancel := c.cacheContext(ctx)
	defer cancel()

	data, err := c.client.Get(ctx, c.key(text)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.From(ctx).Debug("knowledge: read embedding cache failed", slog.Any("error", err))
		}
		return nil, false
	}
	vector, ok := decodeVector(data)
	if !ok || ValidateVector(vector, dimension) != nil {
		return nil, false
	}
	return vector, true
}

func (c *embeddingCache) store(ctx context.Context, text string, vector []float32) {
	if c == nil || c.client == nil {
		return
	}
	ctx, cancel := c.cacheContext(ctx)
	defer cancel()

	if err := c.client.Set(ctx, c.key(text), encodeVector(vector), c.ttl).Err(); err != nil {
		logging.From(ctx).Warn("knowledge: store embedding cache failed", slog.Any("error", err))
	}
}

func encodeVector(vector []float32) []byte {
	buf := make([]byte, 4*len(vector))
	for i, value := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(value))
	}
	return buf
}

func decodeVector(data []byte) ([]float32, bool) {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil, false
	}
	vector := make([]float32, len(data)/4)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vector, true
}
