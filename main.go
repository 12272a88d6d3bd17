package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"sitekb/api"
	"sitekb/cache"
	"sitekb/crawler"
	"sitekb/database"
	"sitekb/kb"
	"sitekb/knowledge"
	"sitekb/llm"
	"sitekb/logging"
	"sitekb/rag"
	"sitekb/storage"
)

func mustLoadEnv() {
	_ = godotenv.Load()
}

func main() {
	mustLoadEnv()
	logger := logging.NewFromEnv()
	logging.SetDefault(logger)
	slog.SetDefault(logger)
	ctx := logging.With(context.Background(), logger)

	db, err := database.OpenFromEnv()
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	store, err := kb.NewStore(db)
	if err != nil {
		log.Fatalf("init store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	redisClient, err := cache.GetRedisClient()
	if err != nil {
		log.Fatalf("connect redis: %v", err)
	}
	defer cache.Close()

	generator, err := llm.NewGeneratorFromEnv(ctx)
	if err != nil {
		log.Fatalf("init generator: %v", err)
	}

	embedder, embeddingModel, err := buildEmbedder(ctx)
	if err != nil {
		log.Fatalf("init embedder: %v", err)
	}
	var embedOpts []knowledge.GeneratorOption
	if redisClient != nil {
		embedOpts = append(embedOpts, knowledge.WithQueryCache(redisClient, embeddingModel))
	}
	embeddings, err := knowledge.NewEmbeddingGeneratorFromEnv(embedder, embedOpts...)
	if err != nil {
		log.Fatalf("init embedding generator: %v", err)
	}

	index, err := knowledge.NewIndexFromEnv(embeddings.Dimension())
	if err != nil {
		log.Fatalf("init vector index: %v", err)
	}

	siteCrawler, err := crawler.NewFromEnv(crawler.NewClassifier(generator))
	if err != nil {
		log.Fatalf("init crawler: %v", err)
	}

	assistant, err := rag.NewService(embeddings, index, generator, store)
	if err != nil {
		log.Fatalf("init rag: %v", err)
	}
	synthesizer, err := kb.NewSynthesizer(assistant, generator)
	if err != nil {
		log.Fatalf("init synthesizer: %v", err)
	}

	deps := kb.Dependencies{
		Store:       store,
		Crawler:     siteCrawler,
		Embedder:    embeddings,
		Index:       index,
		Synthesizer: synthesizer,
		Progress:    kb.NewProgressHub(),
	}
	if redisClient != nil {
		locker, err := kb.NewRedisLocker(redisClient, 0)
		if err != nil {
			log.Fatalf("init lock: %v", err)
		}
		deps.Locker = locker
	}
	snapshots, err := storage.NewSnapshotStoreFromEnv()
	if err != nil {
		log.Fatalf("init snapshot storage: %v", err)
	}
	if snapshots != nil {
		deps.Snapshots = snapshots
	}
	orchestrator, err := kb.NewOrchestrator(deps)
	if err != nil {
		log.Fatalf("init orchestrator: %v", err)
	}

	guard, err := api.NewGuardFromEnv()
	if err != nil {
		log.Fatalf("init auth guard: %v", err)
	}
	if guard == nil {
		logger.Warn("main: JWT_SECRET unset, knowledge base routes are unauthenticated")
	}
	handler, err := api.NewHandler(orchestrator, store, assistant, guard)
	if err != nil {
		log.Fatalf("init handler: %v", err)
	}
	origins := api.AllowedOriginsFromEnv()
	handler.SetAllowedOrigins(origins)

	r := gin.New()
	r.Use(gin.Recovery(), api.RequestLogger(), api.CORS(origins))
	handler.RegisterRoutes(r)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logger.Info("main: listening", slog.String("port", port), slog.Bool("redis", redisClient != nil), slog.Bool("snapshots", snapshots != nil))
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("start server: %v", err)
	}
}

// buildEmbedder selects the embedding provider from EMBEDDING_PROVIDER (openai or gemini).
func buildEmbedder(ctx context.Context) (knowledge.Embedder, string, error) {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("EMBEDDING_PROVIDER"))) {
	case "gemini":
		client, err := llm.NewGeminiClientFromEnv(ctx, llm.WithOutputDimensionality(knowledge.DimensionsFromEnv()))
		if err != nil {
			return nil, "", err
		}
		return client, client.EmbeddingModel(), nil
	default:
		embedder, err := knowledge.NewHTTPEmbedderFromEnv()
		if err != nil {
			return nil, "", err
		}
		model := strings.TrimSpace(os.Getenv("EMBEDDING_MODEL_ID"))
		if model == "" {
			model = knowledge.DefaultEmbeddingModel
		}
		return embedder, model, nil
	}
}
