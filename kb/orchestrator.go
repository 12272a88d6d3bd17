package kb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"sitekb/crawler"
	"sitekb/knowledge"
	"sitekb/logging"
)

var (
	ErrNotInitialized  = errors.New("kb: knowledge base is not initialized")
	ErrNoContent       = errors.New("kb: crawl produced no content")
	ErrNothingEmbedded = errors.New("kb: no chunk could be embedded")
	ErrNoSnapshot      = errors.New("kb: no crawl snapshot stored")
)

const (
	upsertBatchSize   = 100
	snapshotURLExpiry = 15 * time.Minute
)

type SiteCrawler interface {
	Crawl(ctx context.Context, siteID, baseURL string) (*crawler.Result, error)
}

type ChunkEmbedder interface {
	EmbedChunks(ctx context.Context, chunks []knowledge.TextChunk) (*knowledge.EmbedResult, error)
}

type ProfileSynthesizer interface {
	Synthesize(ctx context.Context, siteID, baseURL string) (*knowledge.BusinessProfile, []error)
}

// Snapshotter exports crawl reports and profiles. *storage.SnapshotStore satisfies it.
type Snapshotter interface {
	SaveCrawlReport(ctx context.Context, siteID string, report any) (string, error)
	SaveProfile(ctx context.Context, siteID string, profile any) (string, error)
	DeleteSite(ctx context.Context, siteID string) error
	PresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error)
}

// Dependencies wires an Orchestrator. Locker, Progress and Snapshots are optional.
type Dependencies struct {
	Store       *Store
	Crawler     SiteCrawler
	Embedder    ChunkEmbedder
	Index       knowledge.VectorIndex
	Synthesizer ProfileSynthesizer
	Locker      Locker
	Progress    *ProgressHub
	Snapshots   Snapshotter

	ChunkSize    int
	ChunkOverlap int
}

// Orchestrator drives the knowledge base lifecycle of each site.
type Orchestrator struct {
	store        *Store
	crawler      SiteCrawler
	embedder     ChunkEmbedder
	index        knowledge.VectorIndex
	synthesizer  ProfileSynthesizer
	locker       Locker
	progress     *ProgressHub
	snapshots    Snapshotter
	chunkSize    int
	chunkOverlap int
	now          func() time.Time
}

func NewOrchestrator(deps Dependencies) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("kb: store is required")
	case deps.Crawler == nil:
		return nil, errors.New("kb: crawler is required")
	case deps.Embedder == nil:
		return nil, errors.New("kb: embedder is required")
	case deps.Index == nil:
		return nil, errors.New("kb: vector index is required")
	case deps.Synthesizer == nil:
		return nil, errors.New("kb: synthesizer is required")
	}
	o := &Orchestrator{
		store:        deps.Store,
		crawler:      deps.Crawler,
		embedder:     deps.Embedder,
		index:        deps.Index,
		synthesizer:  deps.Synthesizer,
		locker:       deps.Locker,
		progress:     deps.Progress,
		snapshots:    deps.Snapshots,
		chunkSize:    deps.ChunkSize,
		chunkOverlap: deps.ChunkOverlap,
		now:          time.Now,
	}
	if o.locker == nil {
		o.locker = NewLocalLocker()
	}
	if o.chunkSize <= 0 {
		o.chunkSize = knowledge.DefaultChunkSize
	}
	if o.chunkOverlap < 0 || o.chunkOverlap >= o.chunkSize {
		o.chunkOverlap = knowledge.DefaultChunkOverlap
	}
	return o, nil
}

// Progress exposes the event hub, nil when progress reporting is off.
func (o *Orchestrator) Progress() *ProgressHub {
	return o.progress
}

// KnowledgeBaseStatus is the externally visible state of a site's knowledge base.
type KnowledgeBaseStatus struct {
	SiteID         string     `json:"siteId"`
	Status         Status     `json:"status"`
	RAGEnabled     bool       `json:"ragEnabled"`
	TotalDocuments int        `json:"totalDocuments"`
	TotalChunks    int        `json:"totalChunks"`
	SkippedChunks  int        `json:"skippedChunks"`
	CrawlErrors    []string   `json:"crawlErrors,omitempty"`
	LastRefresh    *time.Time `json:"lastRefresh,omitempty"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`
	HasProfile     bool       `json:"hasProfile"`
	HasSnapshot    bool       `json:"hasSnapshot"`
}

// GetStatus never fails; store problems are reported as an error status.
func (o *Orchestrator) GetStatus(ctx context.Context, siteID string) KnowledgeBaseStatus {
	status := KnowledgeBaseStatus{SiteID: siteID, Status: StatusUninitialized}

	row, err := o.store.LoadStatus(ctx, siteID)
	if err != nil {
		logging.From(ctx).Error("kb: load status failed", slog.String("site_id", siteID), slog.Any("error", err))
		status.Status = StatusError
		status.ErrorMessage = err.Error()
		return status
	}
	status.Status = row.Status
	status.TotalDocuments = row.DocumentCount
	status.TotalChunks = row.ChunkCount
	status.SkippedChunks = row.SkippedChunks
	status.LastRefresh = row.LastIndexedAt
	if row.LastError != nil {
		status.ErrorMessage = *row.LastError
	}
	status.HasSnapshot = o.snapshots != nil && row.SnapshotKey != nil && *row.SnapshotKey != ""
	if len(row.CrawlErrors) > 0 {
		_ = json.Unmarshal(row.CrawlErrors, &status.CrawlErrors)
	}

	if site, err := o.store.LoadSite(ctx, siteID); err == nil {
		status.RAGEnabled = site.RAGEnabled
		status.HasProfile = len(site.BusinessProfile) > 0 && string(site.BusinessProfile) != "null"
	}
	return status
}

// SnapshotURL returns a temporary download link for the latest crawl report of a site.
func (o *Orchestrator) SnapshotURL(ctx context.Context, siteID string) (string, error) {
	if o.snapshots == nil {
		return "", ErrNoSnapshot
	}
	row, err := o.store.LoadStatus(ctx, siteID)
	if err != nil {
		return "", err
	}
	if row.SnapshotKey == nil || *row.SnapshotKey == "" {
		return "", ErrNoSnapshot
	}
	return o.snapshots.PresignedURL(ctx, *row.SnapshotKey, snapshotURLExpiry)
}

// Initialize enables the knowledge base of a site and builds it synchronously. Any
// failure after the site is found is recorded as an error status.
func (o *Orchestrator) Initialize(ctx context.Context, siteID string) error {
	ctx, release, err := o.locker.Lock(ctx, siteID)
	if err != nil {
		return err
	}
	defer release()

	site, err := o.store.LoadSite(ctx, siteID)
	if err != nil {
		if !errors.Is(err, ErrSiteNotFound) {
			o.recordFailure(ctx, siteID, err)
		}
		return err
	}
	if err := o.store.SetRAGEnabled(ctx, siteID, true); err != nil {
		o.recordFailure(ctx, siteID, err)
		return err
	}
	if err := o.setStatus(ctx, siteID, StatusInitializing, nil); err != nil {
		o.recordFailure(ctx, siteID, err)
		return err
	}
	return o.run(ctx, site)
}

// Refresh rebuilds a knowledge base that is ready or failed.
func (o *Orchestrator) Refresh(ctx context.Context, siteID string) error {
	ctx, release, err := o.locker.Lock(ctx, siteID)
	if err != nil {
		return err
	}
	defer release()

	row, err := o.store.LoadStatus(ctx, siteID)
	if err != nil {
		return err
	}
	if row.Status != StatusReady && row.Status != StatusError {
		return fmt.Errorf("%w (status %s)", ErrNotInitialized, row.Status)
	}
	site, err := o.store.LoadSite(ctx, siteID)
	if err != nil {
		return err
	}
	return o.run(ctx, site)
}

// Delete wipes the vectors, documents, snapshots and profile of a site. The status
// ends disabled even when part of the wipe fails; those failures are returned.
func (o *Orchestrator) Delete(ctx context.Context, siteID string) error {
	ctx, release, err := o.locker.Lock(ctx, siteID)
	if err != nil {
		return err
	}
	defer release()

	logger := logging.From(ctx).With(slog.String("site_id", siteID))
	var errs []error
	if err := o.index.DeleteSite(ctx, siteID); err != nil {
		errs = append(errs, err)
	}
	if o.snapshots != nil {
		if err := o.snapshots.DeleteSite(ctx, siteID); err != nil {
			errs = append(errs, err)
		}
	}
	if err := o.store.ClearSite(ctx, siteID); err != nil {
		errs = append(errs, err)
	}

	wipeErr := errors.Join(errs...)
	if wipeErr != nil {
		logger.Warn("kb: delete incomplete", slog.Any("error", wipeErr))
	}
	if err := o.setStatus(ctx, siteID, StatusDisabled, wipeErr); err != nil {
		errs = append(errs, err)
	}
	o.publish(siteID, StageDone, StatusDisabled, "knowledge base deleted", 0)
	return errors.Join(errs...)
}

func (o *Orchestrator) run(ctx context.Context, site *Site) error {
	logger := logging.From(ctx).With(slog.String("site_id", site.ID))
	ctx = logging.With(ctx, logger)

	if err := o.setStatus(ctx, site.ID, StatusProcessing, nil); err != nil {
		o.recordFailure(ctx, site.ID, err)
		return err
	}

	started := o.now()
	err := o.pipeline(ctx, site)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, ErrLeaseLost) && !errors.Is(err, ErrLeaseLost) {
			err = fmt.Errorf("%w: %w", cause, err)
		}
		logger.Error("kb: pipeline failed", slog.Any("error", err))
		o.recordFailure(ctx, site.ID, err)
		return err
	}

	if err := o.setStatus(ctx, site.ID, StatusReady, nil); err != nil {
		return err
	}
	logger.Info("kb: knowledge base ready", slog.Duration("elapsed", o.now().Sub(started)))
	o.publish(site.ID, StageDone, StatusReady, "", 0)
	return nil
}

// recordFailure stores an error status even when ctx is already cancelled.
func (o *Orchestrator) recordFailure(ctx context.Context, siteID string, cause error) {
	if err := o.setStatus(context.WithoutCancel(ctx), siteID, StatusError, cause); err != nil {
		logging.From(ctx).Error("kb: record failure status failed", slog.String("site_id", siteID), slog.Any("error", err))
	}
	o.publish(siteID, StageFailed, StatusError, cause.Error(), 0)
}

func (o *Orchestrator) pipeline(ctx context.Context, site *Site) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.From(ctx).Error("kb: pipeline panic", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("kb: pipeline panic: %v", r)
		}
	}()
	logger := logging.From(ctx)

	o.publish(site.ID, StageCrawl, StatusProcessing, site.BaseURL, 0)
	crawled, err := o.crawler.Crawl(ctx, site.ID, site.BaseURL)
	if err != nil {
		return fmt.Errorf("kb: crawl: %w", err)
	}
	if len(crawled.Pages) == 0 {
		return ErrNoContent
	}
	if err := o.store.ReplaceDocuments(ctx, site.ID, crawled.Pages); err != nil {
		return err
	}
	snapshotKey := o.snapshotCrawl(ctx, site.ID, crawled)

	var chunks []knowledge.TextChunk
	for _, page := range crawled.Pages {
		chunks = append(chunks, knowledge.ChunkDocument(page, o.chunkSize, o.chunkOverlap)...)
	}
	o.publish(site.ID, StageChunk, StatusProcessing, "", len(chunks))

	o.publish(site.ID, StageEmbed, StatusProcessing, "", len(chunks))
	embedded, err := o.embedder.EmbedChunks(ctx, chunks)
	if err != nil {
		return fmt.Errorf("kb: embed: %w", err)
	}
	for _, skipped := range embedded.Skipped {
		logger.Warn("kb: chunk skipped", slog.String("chunk_id", skipped.ChunkID), slog.Any("error", skipped.Err))
	}
	if len(embedded.Records) == 0 {
		return ErrNothingEmbedded
	}

	o.publish(site.ID, StageStore, StatusProcessing, "", len(embedded.Records))
	if err := o.storeVectors(ctx, site.ID, embedded.Records); err != nil {
		return err
	}
	if err := o.store.RecordIndexRun(ctx, site.ID, IndexRun{
		Documents:   len(crawled.Pages),
		Chunks:      len(embedded.Records),
		Skipped:     len(embedded.Skipped),
		CrawlErrors: crawled.Errors,
		SnapshotKey: snapshotKey,
		IndexedAt:   o.now().UTC(),
	}); err != nil {
		return err
	}

	o.publish(site.ID, StageSynthesize, StatusProcessing, "", 0)
	profile, passErrs := o.synthesizer.Synthesize(ctx, site.ID, site.BaseURL)
	for _, passErr := range passErrs {
		logger.Warn("kb: profile pass fell back to default", slog.Any("error", passErr))
	}
	if err := o.store.SaveProfile(ctx, site.ID, profile); err != nil {
		return err
	}
	if o.snapshots != nil {
		if _, err := o.snapshots.SaveProfile(ctx, site.ID, profile); err != nil {
			logger.Warn("kb: profile snapshot failed", slog.Any("error", err))
		}
	}
	return nil
}

// storeVectors upserts records and removes vectors of chunks the previous pass wrote
// but this one did not.
func (o *Orchestrator) storeVectors(ctx context.Context, siteID string, records []knowledge.VectorRecord) error {
	previous, err := o.store.ChunkIDs(ctx, siteID)
	if err != nil {
		return err
	}

	for start := 0; start < len(records); start += upsertBatchSize {
		end := min(start+upsertBatchSize, len(records))
		if err := o.index.Upsert(ctx, siteID, records[start:end]); err != nil {
			return fmt.Errorf("kb: upsert vectors: %w", err)
		}
	}

	current := make(map[string]struct{}, len(records))
	for _, record := range records {
		current[record.ID] = struct{}{}
	}
	var stale []string
	for _, id := range previous {
		if _, ok := current[id]; !ok {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		sort.Strings(stale)
		if err := o.index.Delete(ctx, siteID, stale); err != nil {
			return fmt.Errorf("kb: delete stale vectors: %w", err)
		}
		logging.From(ctx).Info("kb: removed stale vectors", slog.Int("count", len(stale)))
	}
	return o.store.ReplaceChunks(ctx, siteID, records)
}

type crawlReport struct {
	SiteID    string                      `json:"siteId"`
	CrawledAt time.Time                   `json:"crawledAt"`
	Visited   int                         `json:"visited"`
	Errors    []string                    `json:"errors"`
	Pages     []knowledge.CrawledDocument `json:"pages"`
}

func (o *Orchestrator) snapshotCrawl(ctx context.Context, siteID string, result *crawler.Result) string {
	if o.snapshots == nil {
		return ""
	}
	key, err := o.snapshots.SaveCrawlReport(ctx, siteID, crawlReport{
		SiteID:    siteID,
		CrawledAt: o.now().UTC(),
		Visited:   result.Visited,
		Errors:    result.Errors,
		Pages:     result.Pages,
	})
	if err != nil {
		logging.From(ctx).Warn("kb: crawl snapshot failed", slog.Any("error", err))
		return ""
	}
	return key
}

func (o *Orchestrator) setStatus(ctx context.Context, siteID string, status Status, cause error) error {
	return o.store.SetStatus(ctx, siteID, status, cause)
}

func (o *Orchestrator) publish(siteID string, stage Stage, status Status, message string, count int) {
	o.progress.Publish(ProgressEvent{
		SiteID:  siteID,
		Stage:   stage,
		Status:  status,
		Message: message,
		Count:   count,
		At:      o.now().UTC(),
	})
}
