package knowledge

import (
	"context"
	"sort"
	"sync"
)

// MemoryIndex is an in-process VectorIndex doing brute-force cosine search.
type MemoryIndex struct {
	mu        sync.RWMutex
	dimension int
	sites     map[string]map[string]VectorRecord
}

func NewMemoryIndex(dimension int) *MemoryIndex {
	return &MemoryIndex{
		dimension: dimension,
		sites:     make(map[string]map[string]VectorRecord),
	}
}

func (m *MemoryIndex) Upsert(ctx context.Context, siteID string, records []VectorRecord) error {
	if err := validateSiteID(siteID); err != nil {
		return storeError("upsert", err)
	}
	for _, record := range records {
		if err := ValidateVector(record.Embedding, m.dimension); err != nil {
			return storeError("upsert", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	site, ok := m.sites[siteID]
	if !ok {
		site = make(map[string]VectorRecord)
		m.sites[siteID] = site
	}
	for _, record := range records {
		stored := record
		stored.ID = NamespacedID(siteID, record.ID)
		stored.Embedding = append([]float32(nil), record.Embedding...)
		site[stored.ID] = stored
	}
	return nil
}

func (m *MemoryIndex) Query(ctx context.Context, siteID string, vector []float32, topK int, filter *QueryFilter) ([]QueryResult, error) {
	if err := validateSiteID(siteID); err != nil {
		return nil, storeError("query", err)
	}
	if err := ValidateVector(vector, m.dimension); err != nil {
		return nil, storeError("query", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	site := m.sites[siteID]
	results := make([]QueryResult, 0, len(site))
	for id, record := range site {
		if !filter.empty() && record.Metadata.DocumentType != filter.DocumentType {
			continue
		}
		score, err := CosineSimilarity(vector, record.Embedding)
		if err != nil {
			return nil, storeError("query", err)
		}
		results = append(results, QueryResult{ID: id, Score: score, Metadata: record.Metadata})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].ID < results[j].ID
		}
		return results[i].Score > results[j].Score
	})
	if limit := clampTopK(topK); len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (m *MemoryIndex) Delete(ctx context.Context, siteID string, ids []string) error {
	if err := validateSiteID(siteID); err != nil {
		return storeError("delete", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	site := m.sites[siteID]
	for _, id := range ids {
		delete(site, NamespacedID(siteID, id))
	}
	return nil
}

func (m *MemoryIndex) DeleteSite(ctx context.Context, siteID string) error {
	if err := validateSiteID(siteID); err != nil {
		return storeError("delete site", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sites, siteID)
	return nil
}

// Count reports how many records a site holds.
func (m *MemoryIndex) Count(siteID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sites[siteID])
}
