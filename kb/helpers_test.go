package kb

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sitekb/crawler"
	"sitekb/database"
	"sitekb/knowledge"
	"sitekb/llm"
	"sitekb/rag"
)

const testDimension = 4

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := database.Open("sqlite", dsn)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store, err := NewStore(db)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

// flatEmbedder gives every text the same direction so every chunk matches every query.
type flatEmbedder struct{}

func (flatEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	vectors := make([][]float32, len(inputs))
	for i := range inputs {
		vectors[i] = []float32{1, 1, 0, 0}
	}
	return vectors, nil
}

type fakeCrawler struct {
	mu    sync.Mutex
	pages []knowledge.CrawledDocument
	err   error
	panic bool
	calls int
}

func (f *fakeCrawler) setPages(pages ...knowledge.CrawledDocument) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages = pages
}

func (f *fakeCrawler) Crawl(ctx context.Context, siteID, baseURL string) (*crawler.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.panic {
		panic("parser exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	pages := make([]knowledge.CrawledDocument, len(f.pages))
	for i, page := range f.pages {
		page.SiteID = siteID
		page.WordCount = knowledge.WordCount(page.Content)
		page.ContentHash = knowledge.ContentHash(page.Content)
		page.LastCrawledAt = time.Now().UTC()
		pages[i] = page
	}
	return &crawler.Result{Pages: pages, Errors: []string{baseURL + "/gone: status 404"}, Visited: len(pages) + 1}, nil
}

func page(path string, docType knowledge.DocumentType, content string) knowledge.CrawledDocument {
	return knowledge.CrawledDocument{
		URL:          "https://www.acme.test" + path,
		Title:        strings.TrimPrefix(path, "/"),
		Content:      content,
		DocumentType: docType,
	}
}

// scriptedGenerator answers each profile pass by matching its task line.
type scriptedGenerator struct {
	mu      sync.Mutex
	replies map[string]string
	calls   int
}

func defaultReplies() map[string]string {
	return map[string]string{
		"brand voice":      `{"brandVoice": {"tone": "warm and direct", "personality": ["helpful", "N/A"]}, "contentGuidelines": {"do": ["be specific"]}}`,
		"audience":         `{"targetAudience": {"primaryAudience": "homeowners", "painPoints": ["blocked drains"]}}`,
		"business itself":  `{"businessContext": {"companyName": "Acme Plumbing", "industry": "plumbing", "location": "[city]"}, "contactInfo": {"phone": "+44 20 7946 0000"}}`,
		"services or prod": `{"services": [{"name": "Drain cleaning", "description": "Same day"}, {"name": "[Service Name]"}]}`,
	}
}

func (g *scriptedGenerator) Generate(ctx context.Context, req llm.CompletionRequest) (llm.ChatResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	task := req.UserPrompt
	if i := strings.LastIndex(task, "Task: "); i >= 0 {
		task = task[i:]
	}
	for marker, reply := range g.replies {
		if strings.Contains(task, marker) {
			return llm.ChatResult{Content: reply}, nil
		}
	}
	return llm.ChatResult{Content: "I am not sure."}, nil
}

func (g *scriptedGenerator) set(marker, reply string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.replies[marker] = reply
}

type harness struct {
	store        *Store
	crawler      *fakeCrawler
	index        *knowledge.MemoryIndex
	embeddings   *knowledge.EmbeddingGenerator
	generator    *scriptedGenerator
	synthesizer  *Synthesizer
	progress     *ProgressHub
	orchestrator *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     newTestStore(t),
		crawler:   &fakeCrawler{},
		index:     knowledge.NewMemoryIndex(testDimension),
		generator: &scriptedGenerator{replies: defaultReplies()},
		progress:  NewProgressHub(),
	}
	h.crawler.setPages(
		page("/", knowledge.DocumentPage, "Acme Plumbing keeps homes running with friendly local plumbers."),
		page("/services/drains", knowledge.DocumentService, "We clear blocked drains the same day across the city."),
	)

	embeddings, err := knowledge.NewEmbeddingGenerator(flatEmbedder{}, testDimension, knowledge.WithBatchDelay(0))
	require.NoError(t, err)
	h.embeddings = embeddings
	retrieval, err := rag.NewService(embeddings, h.index, h.generator, h.store)
	require.NoError(t, err)
	h.synthesizer, err = NewSynthesizer(retrieval, h.generator)
	require.NoError(t, err)

	h.orchestrator, err = NewOrchestrator(Dependencies{
		Store:       h.store,
		Crawler:     h.crawler,
		Embedder:    embeddings,
		Index:       h.index,
		Synthesizer: h.synthesizer,
		Progress:    h.progress,
	})
	require.NoError(t, err)
	require.NoError(t, h.store.EnsureSite(context.Background(), "acme", "https://www.acme.test"))
	return h
}
