package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"sitekb/knowledge"
	"sitekb/logging"
)

const (
	DefaultMaxPages     = 50
	DefaultMaxDepth     = 3
	DefaultPageTimeout  = 15 * time.Second
	DefaultMaxBodyBytes = 2 << 20
	defaultUserAgent    = "sitekb-crawler/1.0 (+knowledge base indexer)"
)

// Config bounds a crawl. Zero values fall back to the defaults above.
type Config struct {
	MaxPages          int
	MaxDepth          int
	PageTimeout       time.Duration
	Workers           int
	RequestsPerSecond float64
	UserAgent         string
	MaxBodyBytes      int64
	MinContentLength  int
}

func (c Config) withDefaults() Config {
	if c.MaxPages <= 0 {
		c.MaxPages = DefaultMaxPages
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = DefaultPageTimeout
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.MinContentLength <= 0 {
		c.MinContentLength = DefaultMinContentLength
	}
	return c
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

// ConfigFromEnv reads the CRAWL_* variables on top of DefaultConfig.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	intVars := []struct {
		name   string
		target *int
		min    int
	}{
		{"CRAWL_MAX_PAGES", &cfg.MaxPages, 1},
		{"CRAWL_MAX_DEPTH", &cfg.MaxDepth, 1},
		{"CRAWL_WORKERS", &cfg.Workers, 1},
	}
	for _, v := range intVars {
		raw := strings.TrimSpace(os.Getenv(v.name))
		if raw == "" {
			continue
		}
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < v.min {
			return Config{}, fmt.Errorf("crawler: invalid %s %q", v.name, raw)
		}
		*v.target = parsed
	}
	if raw := strings.TrimSpace(os.Getenv("CRAWL_PAGE_TIMEOUT")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			return Config{}, fmt.Errorf("crawler: invalid CRAWL_PAGE_TIMEOUT %q", raw)
		}
		cfg.PageTimeout = parsed
	}
	if raw := strings.TrimSpace(os.Getenv("CRAWL_REQUESTS_PER_SECOND")); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed < 0 {
			return Config{}, fmt.Errorf("crawler: invalid CRAWL_REQUESTS_PER_SECOND %q", raw)
		}
		cfg.RequestsPerSecond = parsed
	}
	if agent := strings.TrimSpace(os.Getenv("CRAWL_USER_AGENT")); agent != "" {
		cfg.UserAgent = agent
	}
	return cfg, nil
}

// FetchError describes a page that could not be fetched or parsed.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("crawler: fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("crawler: fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Result is the outcome of one crawl pass.
type Result struct {
	Pages   []knowledge.CrawledDocument
	Errors  []string
	Visited int
}

type Crawler struct {
	cfg        Config
	httpClient *http.Client
	classifier *Classifier
	now        func() time.Time
}

// New builds a crawler. A nil classifier labels pages with ClassifyByRules.
func New(cfg Config, classifier *Classifier) *Crawler {
	return &Crawler{
		cfg:        cfg.withDefaults(),
		httpClient: &http.Client{},
		classifier: classifier,
		now:        time.Now,
	}
}

func NewFromEnv(classifier *Classifier) (*Crawler, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return New(cfg, classifier), nil
}

type queueItem struct {
	url   string
	depth int
}

type fetched struct {
	item  queueItem
	doc   *knowledge.CrawledDocument
	links []string
	err   error
	// rehomed is set when the base URL redirected to another host; final is where it landed.
	rehomed bool
	final   *url.URL
}

// Crawl walks baseURL breadth first. Fetches within a wave run on up to Workers
// goroutines; results are committed in queue order so limits apply exactly as in a
// sequential walk. If baseURL redirects to another host (apex to www and the like), the
// crawl continues on that host; later off-host redirects are recorded as errors.
func (c *Crawler) Crawl(ctx context.Context, siteID, baseURL string) (*Result, error) {
	if c == nil {
		return nil, errors.New("crawler: crawler is not configured")
	}
	start, err := NormalizeURL(baseURL)
	if err != nil || (start.Scheme != "http" && start.Scheme != "https") || start.Host == "" {
		return nil, fmt.Errorf("crawler: invalid base URL %q", baseURL)
	}

	logger := logging.From(ctx).With(slog.String("site_id", siteID))
	limiter := rate.NewLimiter(rate.Inf, 1)
	if c.cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(c.cfg.RequestsPerSecond), 1)
	}

	scope := start
	result := &Result{}
	queue := []queueItem{{url: start.String(), depth: 0}}
	seen := map[string]struct{}{start.String(): {}}

	for len(queue) > 0 && len(result.Pages) < c.cfg.MaxPages {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		waveSize := c.cfg.Workers
		if remaining := c.cfg.MaxPages - len(result.Pages); waveSize > remaining {
			waveSize = remaining
		}
		if waveSize > len(queue) {
			waveSize = len(queue)
		}
		wave := queue[:waveSize]
		queue = queue[waveSize:]

		outcomes := make([]fetched, len(wave))
		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(c.cfg.Workers)
		for i, item := range wave {
			group.Go(func() error {
				outcomes[i] = c.fetchPage(groupCtx, limiter, siteID, scope, item)
				return nil
			})
		}
		_ = group.Wait()

		for _, outcome := range outcomes {
			result.Visited++
			if outcome.err != nil {
				if ctx.Err() != nil {
					return result, ctx.Err()
				}
				logger.Warn("crawler: page failed", slog.String("url", outcome.item.url), slog.Any("error", outcome.err))
				result.Errors = append(result.Errors, outcome.err.Error())
				continue
			}
			if outcome.rehomed {
				logger.Info("crawler: base URL moved host", slog.String("from", scope.Host), slog.String("to", outcome.final.Host))
				scope = outcome.final
				seen[outcome.final.String()] = struct{}{}
			}
			if outcome.doc != nil && len(result.Pages) < c.cfg.MaxPages {
				result.Pages = append(result.Pages, *outcome.doc)
			}
			if outcome.item.depth >= c.cfg.MaxDepth {
				continue
			}
			for _, link := range outcome.links {
				if _, ok := seen[link]; ok {
					continue
				}
				seen[link] = struct{}{}
				queue = append(queue, queueItem{url: link, depth: outcome.item.depth + 1})
			}
		}
	}

	logger.Info("crawler: crawl finished",
		slog.Int("pages", len(result.Pages)),
		slog.Int("visited", result.Visited),
		slog.Int("errors", len(result.Errors)))
	return result, nil
}

func (c *Crawler) fetchPage(ctx context.Context, limiter *rate.Limiter, siteID string, scope *url.URL, item queueItem) fetched {
	out := fetched{item: item}

	pageCtx, cancel := context.WithTimeout(ctx, c.cfg.PageTimeout)
	defer cancel()

	if err := limiter.Wait(pageCtx); err != nil {
		out.err = &FetchError{URL: item.url, Err: err}
		return out
	}

	req, err := http.NewRequestWithContext(pageCtx, http.MethodGet, item.url, nil)
	if err != nil {
		out.err = &FetchError{URL: item.url, Err: err}
		return out
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		out.err = &FetchError{URL: item.url, Err: err}
		return out
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		out.err = &FetchError{URL: item.url, StatusCode: resp.StatusCode}
		return out
	}
	if !isHTML(resp.Header.Get("Content-Type")) {
		return out
	}

	finalURL := resp.Request.URL
	pageURL := item.url
	if !sameHost(scope, finalURL) {
		if item.depth > 0 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			out.err = &FetchError{URL: item.url, Err: fmt.Errorf("redirected off-host to %s", finalURL.String())}
			return out
		}
		landed := *finalURL
		normalizeInPlace(&landed)
		out.rehomed = true
		out.final = &landed
		pageURL = landed.String()
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes))
	if err != nil {
		out.err = &FetchError{URL: item.url, Err: fmt.Errorf("read body: %w", err)}
		return out
	}

	page, err := Extract(bytes.NewReader(body), finalURL, c.cfg.MinContentLength)
	if err != nil {
		out.err = &FetchError{URL: item.url, Err: err}
		return out
	}
	out.links = page.Links
	if page.Content == "" {
		return out
	}

	docType := c.classifier.Classify(pageCtx, pageURL, page.Title, page.Content)
	out.doc = &knowledge.CrawledDocument{
		SiteID:        siteID,
		URL:           pageURL,
		Title:         page.Title,
		Description:   page.Description,
		Content:       page.Content,
		DocumentType:  docType,
		WordCount:     knowledge.WordCount(page.Content),
		ContentHash:   knowledge.ContentHash(page.Content),
		LastCrawledAt: c.now().UTC(),
	}
	return out
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "html")
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
