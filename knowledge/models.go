package knowledge

import (
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

type DocumentType string

const (
	DocumentPage        DocumentType = "page"
	DocumentBlog        DocumentType = "blog"
	DocumentService     DocumentType = "service"
	DocumentAbout       DocumentType = "about"
	DocumentContact     DocumentType = "contact"
	DocumentTestimonial DocumentType = "testimonial"
	DocumentFAQ         DocumentType = "faq"
)

// DocumentTypes lists every label a document may carry, in prompt order.
var DocumentTypes = []DocumentType{
	DocumentPage,
	DocumentBlog,
	DocumentService,
	DocumentAbout,
	DocumentContact,
	DocumentTestimonial,
	DocumentFAQ,
}

// ParseDocumentType normalises a label. ok is false for anything outside DocumentTypes.
func ParseDocumentType(raw string) (DocumentType, bool) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.Trim(normalized, "\"'`.,:;!")
	for _, candidate := range DocumentTypes {
		if string(candidate) == normalized {
			return candidate, true
		}
	}
	return "", false
}

// CrawledDocument is one page produced by a crawl pass. A refresh supersedes it.
type CrawledDocument struct {
	SiteID        string       `json:"site_id"`
	URL           string       `json:"url"`
	Title         string       `json:"title"`
	Description   string       `json:"description,omitempty"`
	Content       string       `json:"content"`
	DocumentType  DocumentType `json:"document_type"`
	WordCount     int          `json:"word_count"`
	ContentHash   string       `json:"content_hash"`
	LastCrawledAt time.Time    `json:"last_crawled_at"`
}

type ChunkMetadata struct {
	SiteID       string       `json:"site_id"`
	DocumentType DocumentType `json:"document_type"`
	URL          string       `json:"url"`
	Title        string       `json:"title"`
	ChunkIndex   int          `json:"chunk_index"`
	TotalChunks  int          `json:"total_chunks"`
}

type TextChunk struct {
	ID       string        `json:"id"`
	Text     string        `json:"text"`
	Metadata ChunkMetadata `json:"metadata"`
}

type RecordMetadata struct {
	Content      string       `json:"content"`
	Title        string       `json:"title"`
	URL          string       `json:"url"`
	DocumentType DocumentType `json:"document_type"`
	SiteID       string       `json:"site_id"`
	ChunkIndex   int          `json:"chunk_index"`
}

// VectorRecord is owned by the VectorIndex once upserted.
type VectorRecord struct {
	ID        string         `json:"id"`
	Embedding []float32      `json:"embedding"`
	Metadata  RecordMetadata `json:"metadata"`
}

type QueryResult struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Metadata RecordMetadata `json:"metadata"`
}

// QueryFilter restricts a query by metadata. A zero value matches everything.
type QueryFilter struct {
	DocumentType DocumentType
}

func (f *QueryFilter) empty() bool {
	return f == nil || f.DocumentType == ""
}

// ContentHash returns the hex BLAKE2b-256 digest of content.
func ContentHash(content string) string {
	sum := blake2b.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// urlKey is a short stable digest used inside chunk ids.
func urlKey(rawURL string) string {
	sum := blake2b.Sum256([]byte(strings.TrimSpace(rawURL)))
	return hex.EncodeToString(sum[:6])
}

// WordCount counts whitespace separated tokens.
func WordCount(text string) int {
	return len(strings.Fields(text))
}
