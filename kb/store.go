package kb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"sitekb/knowledge"
)

var ErrSiteNotFound = errors.New("kb: site not found")

const insertBatchSize = 100

// Store persists sites, status rows, crawled documents and chunk ids.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("kb: database is required")
	}
	return &Store{db: db}, nil
}

// Migrate creates or updates the tables used by the knowledge base.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("kb: migrate: %w", err)
	}
	return nil
}

// EnsureSite registers a site or updates its base URL.
func (s *Store) EnsureSite(ctx context.Context, siteID, baseURL string) error {
	siteID = strings.TrimSpace(siteID)
	baseURL = strings.TrimSpace(baseURL)
	if siteID == "" || baseURL == "" {
		return errors.New("kb: site id and base url are required")
	}
	site := Site{ID: siteID, BaseURL: baseURL}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"base_url", "updated_at"}),
	}).Create(&site).Error
	if err != nil {
		return fmt.Errorf("kb: save site: %w", err)
	}
	return nil
}

func (s *Store) LoadSite(ctx context.Context, siteID string) (*Site, error) {
	var site Site
	if err := s.db.WithContext(ctx).First(&site, "id = ?", siteID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSiteNotFound
		}
		return nil, fmt.Errorf("kb: load site: %w", err)
	}
	return &site, nil
}

func (s *Store) SetRAGEnabled(ctx context.Context, siteID string, enabled bool) error {
	result := s.db.WithContext(ctx).Model(&Site{}).Where("id = ?", siteID).Update("rag_enabled", enabled)
	if result.Error != nil {
		return fmt.Errorf("kb: update rag flag: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSiteNotFound
	}
	return nil
}

// LoadProfile returns the stored business profile, or nil when none has been synthesized.
func (s *Store) LoadProfile(ctx context.Context, siteID string) (*knowledge.BusinessProfile, error) {
	var site Site
	err := s.db.WithContext(ctx).Select("id", "business_profile").First(&site, "id = ?", siteID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("kb: load profile: %w", err)
	}
	if len(site.BusinessProfile) == 0 || string(site.BusinessProfile) == "null" {
		return nil, nil
	}
	var profile knowledge.BusinessProfile
	if err := json.Unmarshal(site.BusinessProfile, &profile); err != nil {
		return nil, fmt.Errorf("kb: decode profile: %w", err)
	}
	return &profile, nil
}

func (s *Store) SaveProfile(ctx context.Context, siteID string, profile *knowledge.BusinessProfile) error {
	var value any
	if profile != nil {
		raw, err := json.Marshal(profile)
		if err != nil {
			return fmt.Errorf("kb: encode profile: %w", err)
		}
		value = datatypes.JSON(raw)
	}
	if err := s.db.WithContext(ctx).Model(&Site{}).Where("id = ?", siteID).Update("business_profile", value).Error; err != nil {
		return fmt.Errorf("kb: save profile: %w", err)
	}
	return nil
}

// LoadStatus returns the status row. A missing row reads as uninitialized.
func (s *Store) LoadStatus(ctx context.Context, siteID string) (*KnowledgeBase, error) {
	var row KnowledgeBase
	if err := s.db.WithContext(ctx).First(&row, "site_id = ?", siteID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &KnowledgeBase{SiteID: siteID, Status: StatusUninitialized}, nil
		}
		return nil, fmt.Errorf("kb: load status: %w", err)
	}
	return &row, nil
}

// SetStatus upserts the status of a site. A nil cause clears the last error.
func (s *Store) SetStatus(ctx context.Context, siteID string, status Status, cause error) error {
	row := KnowledgeBase{SiteID: siteID, Status: status}
	if cause != nil {
		msg := cause.Error()
		row.LastError = &msg
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "site_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "last_error", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("kb: save status: %w", err)
	}
	return nil
}

// IndexRun summarises a completed pipeline pass.
type IndexRun struct {
	Documents   int
	Chunks      int
	Skipped     int
	CrawlErrors []string
	SnapshotKey string
	IndexedAt   time.Time
}

func (s *Store) RecordIndexRun(ctx context.Context, siteID string, run IndexRun) error {
	crawlErrors, err := json.Marshal(run.CrawlErrors)
	if err != nil {
		return fmt.Errorf("kb: encode crawl errors: %w", err)
	}
	updates := map[string]any{
		"document_count":  run.Documents,
		"chunk_count":     run.Chunks,
		"skipped_chunks":  run.Skipped,
		"crawl_errors":    datatypes.JSON(crawlErrors),
		"last_indexed_at": run.IndexedAt,
	}
	if run.SnapshotKey != "" {
		updates["snapshot_key"] = run.SnapshotKey
	}
	if err := s.db.WithContext(ctx).Model(&KnowledgeBase{}).Where("site_id = ?", siteID).Updates(updates).Error; err != nil {
		return fmt.Errorf("kb: record index run: %w", err)
	}
	return nil
}

// ReplaceDocuments supersedes every stored document of a site with docs.
func (s *Store) ReplaceDocuments(ctx context.Context, siteID string, docs []knowledge.CrawledDocument) error {
	rows := make([]Document, 0, len(docs))
	for _, doc := range docs {
		rows = append(rows, Document{
			SiteID:        siteID,
			URL:           doc.URL,
			Title:         doc.Title,
			Description:   doc.Description,
			DocumentType:  string(doc.DocumentType),
			Content:       doc.Content,
			ContentHash:   doc.ContentHash,
			WordCount:     doc.WordCount,
			LastCrawledAt: doc.LastCrawledAt,
		})
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("site_id = ?", siteID).Delete(&Document{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, insertBatchSize).Error
	})
	if err != nil {
		return fmt.Errorf("kb: replace documents: %w", err)
	}
	return nil
}

func (s *Store) Documents(ctx context.Context, siteID string) ([]Document, error) {
	var docs []Document
	if err := s.db.WithContext(ctx).Where("site_id = ?", siteID).Order("id").Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("kb: list documents: %w", err)
	}
	return docs, nil
}

// ChunkIDs returns the vector ids written by the previous pass.
func (s *Store) ChunkIDs(ctx context.Context, siteID string) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&Chunk{}).Where("site_id = ?", siteID).Order("chunk_id").Pluck("chunk_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("kb: list chunk ids: %w", err)
	}
	return ids, nil
}

func (s *Store) ReplaceChunks(ctx context.Context, siteID string, records []knowledge.VectorRecord) error {
	rows := make([]Chunk, 0, len(records))
	for _, record := range records {
		rows = append(rows, Chunk{
			SiteID:      siteID,
			ChunkID:     record.ID,
			DocumentURL: record.Metadata.URL,
			ChunkIndex:  record.Metadata.ChunkIndex,
		})
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("site_id = ?", siteID).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, insertBatchSize).Error
	})
	if err != nil {
		return fmt.Errorf("kb: replace chunks: %w", err)
	}
	return nil
}

// ClearSite drops documents, chunk ids and the profile, and turns the RAG flag off.
func (s *Store) ClearSite(ctx context.Context, siteID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("site_id = ?", siteID).Delete(&Document{}).Error; err != nil {
			return err
		}
		if err := tx.Where("site_id = ?", siteID).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		if err := tx.Model(&KnowledgeBase{}).Where("site_id = ?", siteID).Update("snapshot_key", nil).Error; err != nil {
			return err
		}
		return tx.Model(&Site{}).Where("id = ?", siteID).Updates(map[string]any{
			"rag_enabled":      false,
			"business_profile": nil,
		}).Error
	})
	if err != nil {
		return fmt.Errorf("kb: clear site: %w", err)
	}
	return nil
}
