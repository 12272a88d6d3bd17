package knowledge

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// VectorIndex stores embeddings partitioned by site. Queries never cross sites.
type VectorIndex interface {
	Upsert(ctx context.Context, siteID string, records []VectorRecord) error
	Query(ctx context.Context, siteID string, vector []float32, topK int, filter *QueryFilter) ([]QueryResult, error)
	Delete(ctx context.Context, siteID string, ids []string) error
	DeleteSite(ctx context.Context, siteID string) error
}

// NamespacedID prefixes id with the site id. Already prefixed ids are returned as is.
func NamespacedID(siteID, id string) string {
	prefix := siteID + "-"
	if strings.HasPrefix(id, prefix) {
		return id
	}
	return prefix + id
}

// NewIndexFromEnv selects the backend from VECTOR_BACKEND (qdrant or memory).
func NewIndexFromEnv(dimension int) (VectorIndex, error) {
	backend := strings.ToLower(strings.TrimSpace(os.Getenv("VECTOR_BACKEND")))
	switch backend {
	case "", "qdrant":
		index, err := NewQdrantIndexFromEnv(dimension)
		if err != nil {
			return nil, err
		}
		return index, nil
	case "memory":
		return NewMemoryIndex(dimension), nil
	default:
		return nil, fmt.Errorf("knowledge: unsupported VECTOR_BACKEND %q", backend)
	}
}

func validateSiteID(siteID string) error {
	if strings.TrimSpace(siteID) == "" {
		return fmt.Errorf("knowledge: site id is required")
	}
	return nil
}

func clampTopK(topK int) int {
	if topK <= 0 {
		return 5
	}
	if topK > 100 {
		return 100
	}
	return topK
}
