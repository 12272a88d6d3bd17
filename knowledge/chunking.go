package knowledge

import (
	"fmt"
	"strings"
	"unicode"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// CleanText collapses whitespace and drops characters that carry no text: control codes,
// the replacement rune, zero-width and other format characters.
func CleanText(text string) string {
	if text == "" {
		return ""
	}
	var builder strings.Builder
	builder.Grow(len(text))
	pendingSpace := false
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			pendingSpace = true
			continue
		case r == unicode.ReplacementChar, unicode.IsControl(r), unicode.In(r, unicode.Cf, unicode.Co, unicode.Cs):
			continue
		case !unicode.IsPrint(r):
			continue
		}
		if pendingSpace && builder.Len() > 0 {
			builder.WriteByte(' ')
		}
		pendingSpace = false
		builder.WriteRune(r)
	}
	return builder.String()
}

// TruncateRunes cuts text to at most max runes, preferring the last word boundary.
func TruncateRunes(text string, max int) string {
	if max <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	cut := runes[:max]
	for i := len(cut) - 1; i > max/2; i-- {
		if unicode.IsSpace(cut[i]) {
			cut = cut[:i]
			break
		}
	}
	return strings.TrimSpace(string(cut))
}

// Chunk splits text into windows of size words advancing by size-overlap words.
// An overlap outside [0, size) disables overlap.
func Chunk(text string, size int, overlap int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	step := size - overlap

	chunks := make([]string, 0, len(words)/step+1)
	for start := 0; start < len(words); start += step {
		end := start + size
		if end > len(words) {
			end = len(words)
		}
		window := strings.TrimSpace(strings.Join(words[start:end], " "))
		if window != "" {
			chunks = append(chunks, window)
		}
		if end == len(words) {
			break
		}
	}
	return chunks
}

// ChunkDocument cleans and chunks a crawled document into TextChunks with stable ids.
func ChunkDocument(doc CrawledDocument, size int, overlap int) []TextChunk {
	texts := Chunk(CleanText(doc.Content), size, overlap)
	if len(texts) == 0 {
		return nil
	}

	docType := doc.DocumentType
	if docType == "" {
		docType = DocumentPage
	}
	key := urlKey(doc.URL)

	chunks := make([]TextChunk, len(texts))
	for i, text := range texts {
		chunks[i] = TextChunk{
			ID:   fmt.Sprintf("%s_%s_%d", docType, key, i),
			Text: text,
			Metadata: ChunkMetadata{
				SiteID:       doc.SiteID,
				DocumentType: docType,
				URL:          doc.URL,
				Title:        doc.Title,
				ChunkIndex:   i,
				TotalChunks:  len(texts),
			},
		}
	}
	return chunks
}
