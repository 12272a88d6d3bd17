package knowledge

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func numberedWords(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(words, " ")
}

func TestChunk_SlidingWindow(t *testing.T) {
	chunks := Chunk(numberedWords(1500), 1000, 200)
	require.Len(t, chunks, 2)

	first := strings.Fields(chunks[0])
	second := strings.Fields(chunks[1])
	assert.Len(t, first, 1000)
	assert.Equal(t, "w0", first[0])
	assert.Len(t, second, 700)
	assert.Equal(t, "w800", second[0])
	assert.Equal(t, "w1499", second[len(second)-1])
}

func TestChunk_ShortAndEmpty(t *testing.T) {
	assert.Nil(t, Chunk("", 1000, 200))
	assert.Nil(t, Chunk("   \n\t ", 1000, 200))
	assert.Equal(t, []string{"one two three"}, Chunk("one  two\nthree", 1000, 200))
}

func TestChunk_InvalidOverlapFallsBackToNoOverlap(t *testing.T) {
	chunks := Chunk(numberedWords(10), 4, 4)
	require.Len(t, chunks, 3)
	assert.Equal(t, "w4 w5 w6 w7", chunks[1])

	chunks = Chunk(numberedWords(10), 4, -1)
	require.Len(t, chunks, 3)
	assert.Equal(t, "w8 w9", chunks[2])
}

func TestChunk_ExactMultipleDoesNotEmitTail(t *testing.T) {
	chunks := Chunk(numberedWords(1000), 1000, 200)
	assert.Len(t, chunks, 1)
}

func TestCleanText(t *testing.T) {
	raw := "Hello\u200b  world\x00\n\n\tagain \ufffd!"
	assert.Equal(t, "Hello world again !", CleanText(raw))
	assert.Equal(t, "", CleanText(""))
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "short", TruncateRunes("short", 10))
	assert.Equal(t, "alpha beta", TruncateRunes("alpha beta gamma", 13))
	assert.Equal(t, "héllo", TruncateRunes("héllo wörld", 5))
	assert.Equal(t, "anything", TruncateRunes("anything", 0))
}

func TestChunkDocument_StableIDs(t *testing.T) {
	doc := CrawledDocument{
		SiteID:       "site-1",
		URL:          "https://example.com/services",
		Title:        "Services",
		Content:      numberedWords(1500),
		DocumentType: DocumentService,
	}

	chunks := ChunkDocument(doc, 1000, 200)
	require.Len(t, chunks, 2)
	again := ChunkDocument(doc, 1000, 200)
	for i := range chunks {
		assert.Equal(t, chunks[i].ID, again[i].ID)
		assert.True(t, strings.HasPrefix(chunks[i].ID, "service_"))
		assert.True(t, strings.HasSuffix(chunks[i].ID, fmt.Sprintf("_%d", i)))
		assert.Equal(t, i, chunks[i].Metadata.ChunkIndex)
		assert.Equal(t, 2, chunks[i].Metadata.TotalChunks)
		assert.Equal(t, "site-1", chunks[i].Metadata.SiteID)
	}

	other := doc
	other.URL = "https://example.com/about"
	assert.NotEqual(t, chunks[0].ID, ChunkDocument(other, 1000, 200)[0].ID)
}

func TestChunkDocument_DefaultsType(t *testing.T) {
	chunks := ChunkDocument(CrawledDocument{URL: "https://example.com", Content: "some text"}, 1000, 200)
	require.Len(t, chunks, 1)
	assert.Equal(t, DocumentPage, chunks[0].Metadata.DocumentType)
	assert.Nil(t, ChunkDocument(CrawledDocument{URL: "https://example.com"}, 1000, 200))
}

func TestParseDocumentType(t *testing.T) {
	got, ok := ParseDocumentType("  \"Service\". ")
	assert.True(t, ok)
	assert.Equal(t, DocumentService, got)

	_, ok = ParseDocumentType("landing")
	assert.False(t, ok)
}
