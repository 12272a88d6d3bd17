package kb

import (
	"time"

	"gorm.io/datatypes"
)

// Status is the lifecycle state of a site's knowledge base.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusInitializing  Status = "initializing"
	StatusProcessing    Status = "processing"
	StatusReady         Status = "ready"
	StatusError         Status = "error"
	StatusDisabled      Status = "disabled"
)

// Site is the host record owning a knowledge base. Only the columns used here are mapped.
type Site struct {
	ID              string         `gorm:"primaryKey;size:64" json:"id"`
	BaseURL         string         `gorm:"size:2048;not null" json:"base_url"`
	RAGEnabled      bool           `gorm:"column:rag_enabled;not null;default:false" json:"rag_enabled"`
	BusinessProfile datatypes.JSON `gorm:"type:json" json:"business_profile,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// TableName keeps the host application table name.
func (Site) TableName() string {
	return "sites"
}

// KnowledgeBase stores the status row of one site.
type KnowledgeBase struct {
	SiteID        string         `gorm:"primaryKey;size:64" json:"site_id"`
	Status        Status         `gorm:"size:16;not null;default:'uninitialized'" json:"status"`
	DocumentCount int            `gorm:"not null;default:0" json:"document_count"`
	ChunkCount    int            `gorm:"not null;default:0" json:"chunk_count"`
	SkippedChunks int            `gorm:"not null;default:0" json:"skipped_chunks"`
	CrawlErrors   datatypes.JSON `gorm:"type:json" json:"crawl_errors,omitempty"`
	LastError     *string        `gorm:"type:text" json:"last_error,omitempty"`
	SnapshotKey   *string        `gorm:"size:512" json:"snapshot_key,omitempty"`
	LastIndexedAt *time.Time     `json:"last_indexed_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (KnowledgeBase) TableName() string {
	return "knowledge_bases"
}

// Document is a crawled page as of the latest pass.
type Document struct {
	ID            uint64    `gorm:"primaryKey" json:"id"`
	SiteID        string    `gorm:"size:64;not null;index" json:"site_id"`
	URL           string    `gorm:"size:2048;not null" json:"url"`
	Title         string    `gorm:"size:512" json:"title"`
	Description   string    `gorm:"type:text" json:"description,omitempty"`
	DocumentType  string    `gorm:"size:16;not null" json:"document_type"`
	Content       string    `gorm:"type:text" json:"content"`
	ContentHash   string    `gorm:"size:64" json:"content_hash"`
	WordCount     int       `gorm:"not null;default:0" json:"word_count"`
	LastCrawledAt time.Time `json:"last_crawled_at"`
	CreatedAt     time.Time `json:"created_at"`
}

func (Document) TableName() string {
	return "kb_documents"
}

// Chunk tracks the vector ids written for a site so stale ones can be removed.
type Chunk struct {
	SiteID      string    `gorm:"primaryKey;size:64" json:"site_id"`
	ChunkID     string    `gorm:"primaryKey;size:191" json:"chunk_id"`
	DocumentURL string    `gorm:"size:2048" json:"document_url"`
	ChunkIndex  int       `gorm:"not null;default:0" json:"chunk_index"`
	CreatedAt   time.Time `json:"created_at"`
}

func (Chunk) TableName() string {
	return "kb_chunks"
}

// Models lists the tables owned by this package for AutoMigrate.
func Models() []any {
	return []any{&Site{}, &KnowledgeBase{}, &Document{}, &Chunk{}}
}
