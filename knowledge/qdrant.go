package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sitekb/logging"
)

const (
	defaultQdrantCollection = "site_knowledge"
	qdrantNamespaceKey      = "namespace"
	qdrantRecordIDKey       = "record_id"
	qdrantScrollPageSize    = 256
)

type qdrantPoint struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

type qdrantStatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *qdrantStatusError) Error() string {
	return fmt.Sprintf("qdrant status %s: %s", e.Status, e.Body)
}

func isQdrantStatus(err error, code int) bool {
	var statusErr *qdrantStatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == code
}

// QdrantIndex keeps every site in one collection, separated by the namespace payload key.
type QdrantIndex struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	collection string
	dimension  int
	poll       PollConfig

	readyMu sync.Mutex
	ready   bool
}

func NewQdrantIndexFromEnv(dimension int) (*QdrantIndex, error) {
	baseURL := strings.TrimSpace(os.Getenv("QDRANT_URL"))
	if baseURL == "" {
		baseURL = "http://localhost:6333"
	}

	poll := PollConfig{Interval: 2 * time.Second, Timeout: 60 * time.Second, MaxAttempts: 30}
	if raw := strings.TrimSpace(os.Getenv("QDRANT_POLL_INTERVAL")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("knowledge: invalid QDRANT_POLL_INTERVAL %q", raw)
		}
		poll.Interval = parsed
	}
	if raw := strings.TrimSpace(os.Getenv("QDRANT_READY_TIMEOUT")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("knowledge: invalid QDRANT_READY_TIMEOUT %q", raw)
		}
		poll.Timeout = parsed
	}
	if raw := strings.TrimSpace(os.Getenv("QDRANT_READY_ATTEMPTS")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("knowledge: invalid QDRANT_READY_ATTEMPTS %q", raw)
		}
		poll.MaxAttempts = parsed
	}

	index, err := NewQdrantIndex(baseURL, strings.TrimSpace(os.Getenv("QDRANT_API_KEY")), os.Getenv("QDRANT_COLLECTION"), dimension)
	if err != nil {
		return nil, err
	}
	index.poll = poll
	return index, nil
}

func NewQdrantIndex(baseURL, apiKey, collection string, dimension int) (*QdrantIndex, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("knowledge: invalid Qdrant URL %q", baseURL)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("knowledge: parse Qdrant URL: %w", err)
	}
	if dimension <= 0 {
		return nil, errors.New("knowledge: vector size must be positive")
	}
	collection = strings.TrimSpace(collection)
	if collection == "" {
		collection = defaultQdrantCollection
	}
	return &QdrantIndex{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		collection: collection,
		dimension:  dimension,
		poll:       PollConfig{Interval: 2 * time.Second, Timeout: 60 * time.Second, MaxAttempts: 30},
	}, nil
}

// SetPollConfig overrides the readiness wait.
func (q *QdrantIndex) SetPollConfig(cfg PollConfig) {
	q.poll = cfg
}

// pointID maps a namespaced record id onto the UUID Qdrant requires.
func pointID(namespacedID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(namespacedID)).String()
}

func (q *QdrantIndex) Upsert(ctx context.Context, siteID string, records []VectorRecord) error {
	if err := validateSiteID(siteID); err != nil {
		return storeError("upsert", err)
	}
	if len(records) == 0 {
		return nil
	}
	if err := q.ensureReady(ctx); err != nil {
		return err
	}

	points := make([]qdrantPoint, 0, len(records))
	for _, record := range records {
		if err := ValidateVector(record.Embedding, q.dimension); err != nil {
			return storeError("upsert", fmt.Errorf("record %s: %w", record.ID, err))
		}
		namespaced := NamespacedID(siteID, record.ID)
		points = append(points, qdrantPoint{
			ID:     pointID(namespaced),
			Vector: record.Embedding,
			Payload: map[string]any{
				qdrantNamespaceKey: siteID,
				qdrantRecordIDKey:  namespaced,
				"content":          record.Metadata.Content,
				"title":            record.Metadata.Title,
				"url":              record.Metadata.URL,
				"document_type":    string(record.Metadata.DocumentType),
				"site_id":          record.Metadata.SiteID,
				"chunk_index":      record.Metadata.ChunkIndex,
			},
		})
	}

	path := fmt.Sprintf("/collections/%s/points?wait=true", url.PathEscape(q.collection))
	if _, err := q.do(ctx, http.MethodPut, path, map[string]any{"points": points}); err != nil {
		return storeError("upsert", err)
	}
	return nil
}

func (q *QdrantIndex) Query(ctx context.Context, siteID string, vector []float32, topK int, filter *QueryFilter) ([]QueryResult, error) {
	if err := validateSiteID(siteID); err != nil {
		return nil, storeError("query", err)
	}
	if err := ValidateVector(vector, q.dimension); err != nil {
		return nil, storeError("query", err)
	}
	if err := q.ensureReady(ctx); err != nil {
		return nil, err
	}

	conditions := []map[string]any{matchCondition(qdrantNamespaceKey, siteID)}
	if !filter.empty() {
		conditions = append(conditions, matchCondition("document_type", string(filter.DocumentType)))
	}
	payload := map[string]any{
		"vector":       vector,
		"limit":        clampTopK(topK),
		"with_payload": true,
		"filter":       map[string]any{"must": conditions},
	}

	path := fmt.Sprintf("/collections/%s/points/search", url.PathEscape(q.collection))
	data, err := q.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return nil, storeError("query", err)
	}

	var decoded struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, storeError("query", fmt.Errorf("decode search response: %w", err))
	}

	results := make([]QueryResult, 0, len(decoded.Result))
	for _, item := range decoded.Result {
		id := payloadString(item.Payload, qdrantRecordIDKey)
		if id == "" {
			id = stringifyQdrantID(item.ID)
		}
		results = append(results, QueryResult{
			ID:       id,
			Score:    item.Score,
			Metadata: metadataFromPayload(item.Payload),
		})
	}
	return results, nil
}

func (q *QdrantIndex) Delete(ctx context.Context, siteID string, ids []string) error {
	if err := validateSiteID(siteID); err != nil {
		return storeError("delete", err)
	}
	if len(ids) == 0 {
		return nil
	}
	if err := q.ensureReady(ctx); err != nil {
		return err
	}
	pointIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, pointID(NamespacedID(siteID, id)))
	}
	if err := q.deletePoints(ctx, pointIDs); err != nil {
		return storeError("delete", err)
	}
	return nil
}

// DeleteSite drops every point in the site's namespace. If the filter delete is
// rejected, points are enumerated by scroll and deleted by id.
func (q *QdrantIndex) DeleteSite(ctx context.Context, siteID string) error {
	if err := validateSiteID(siteID); err != nil {
		return storeError("delete site", err)
	}
	if err := q.ensureReady(ctx); err != nil {
		return err
	}

	filter := map[string]any{"must": []map[string]any{matchCondition(qdrantNamespaceKey, siteID)}}
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", url.PathEscape(q.collection))
	_, err := q.do(ctx, http.MethodPost, path, map[string]any{"filter": filter})
	if err == nil {
		return nil
	}
	logging.From(ctx).Warn("knowledge: qdrant filter delete rejected, falling back to scroll",
		slog.String("site_id", siteID), slog.Any("error", err))

	ids, scrollErr := q.scrollIDs(ctx, filter)
	if scrollErr != nil {
		return storeError("delete site", errors.Join(err, scrollErr))
	}
	for start := 0; start < len(ids); start += qdrantScrollPageSize {
		end := start + qdrantScrollPageSize
		if end > len(ids) {
			end = len(ids)
		}
		if err := q.deletePoints(ctx, ids[start:end]); err != nil {
			return storeError("delete site", err)
		}
	}
	return nil
}

func (q *QdrantIndex) deletePoints(ctx context.Context, pointIDs []string) error {
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", url.PathEscape(q.collection))
	_, err := q.do(ctx, http.MethodPost, path, map[string]any{"points": pointIDs})
	return err
}

func (q *QdrantIndex) scrollIDs(ctx context.Context, filter map[string]any) ([]string, error) {
	path := fmt.Sprintf("/collections/%s/points/scroll", url.PathEscape(q.collection))
	var ids []string
	var offset any
	for {
		payload := map[string]any{
			"filter":       filter,
			"limit":        qdrantScrollPageSize,
			"with_payload": false,
			"with_vector":  false,
		}
		if offset != nil {
			payload["offset"] = offset
		}
		data, err := q.do(ctx, http.MethodPost, path, payload)
		if err != nil {
			return nil, err
		}
		var decoded struct {
			Result struct {
				Points []struct {
					ID any `json:"id"`
				} `json:"points"`
				NextPageOffset any `json:"next_page_offset"`
			} `json:"result"`
		}
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil, fmt.Errorf("decode scroll response: %w", err)
		}
		for _, point := range decoded.Result.Points {
			ids = append(ids, stringifyQdrantID(point.ID))
		}
		if decoded.Result.NextPageOffset == nil || len(decoded.Result.Points) == 0 {
			return ids, nil
		}
		offset = decoded.Result.NextPageOffset
	}
}

// ensureReady creates the collection on first use and waits for it to report green.
// A failed attempt is retried on the next call.
func (q *QdrantIndex) ensureReady(ctx context.Context) error {
	if q == nil {
		return errors.New("knowledge: qdrant index is not configured")
	}
	q.readyMu.Lock()
	defer q.readyMu.Unlock()
	if q.ready {
		return nil
	}

	_, err := q.collectionStatus(ctx)
	if isQdrantStatus(err, http.StatusNotFound) {
		if err := q.createCollection(ctx); err != nil {
			return storeError("create collection", err)
		}
		logging.From(ctx).Info("knowledge: created qdrant collection",
			slog.String("collection", q.collection), slog.Int("dimension", q.dimension))
	} else if err != nil {
		return storeError("describe collection", err)
	}

	err = Poll(ctx, "qdrant collection "+q.collection, q.poll, func(ctx context.Context) (bool, error) {
		status, err := q.collectionStatus(ctx)
		if err != nil {
			if isQdrantStatus(err, http.StatusNotFound) {
				return false, nil
			}
			return false, storeError("describe collection", err)
		}
		return status == "green", nil
	})
	if err != nil {
		return err
	}
	q.ready = true
	return nil
}

func (q *QdrantIndex) collectionStatus(ctx context.Context) (string, error) {
	data, err := q.do(ctx, http.MethodGet, "/collections/"+url.PathEscape(q.collection), nil)
	if err != nil {
		return "", err
	}
	var decoded struct {
		Result struct {
			Status string `json:"status"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return "", fmt.Errorf("decode collection info: %w", err)
	}
	return decoded.Result.Status, nil
}

func (q *QdrantIndex) createCollection(ctx context.Context) error {
	path := "/collections/" + url.PathEscape(q.collection)
	payload := map[string]any{
		"vectors": map[string]any{
			"size":     q.dimension,
			"distance": "Cosine",
		},
	}
	if _, err := q.do(ctx, http.MethodPut, path, payload); err != nil && !isQdrantStatus(err, http.StatusConflict) {
		return err
	}

	for _, field := range []string{qdrantNamespaceKey, "document_type"} {
		index := map[string]any{"field_name": field, "field_schema": "keyword"}
		if _, err := q.do(ctx, http.MethodPut, path+"/index?wait=true", index); err != nil {
			return fmt.Errorf("create payload index %s: %w", field, err)
		}
	}
	return nil
}

func (q *QdrantIndex) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return nil, fmt.Errorf("encode qdrant payload: %w", err)
		}
		body = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create qdrant request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("qdrant request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &qdrantStatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(snippet))}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read qdrant response: %w", err)
	}
	return data, nil
}

func matchCondition(key string, value any) map[string]any {
	return map[string]any{
		"key":   key,
		"match": map[string]any{"value": value},
	}
}

func metadataFromPayload(payload map[string]any) RecordMetadata {
	return RecordMetadata{
		Content:      payloadString(payload, "content"),
		Title:        payloadString(payload, "title"),
		URL:          payloadString(payload, "url"),
		DocumentType: DocumentType(payloadString(payload, "document_type")),
		SiteID:       payloadString(payload, "site_id"),
		ChunkIndex:   payloadInt(payload, "chunk_index"),
	}
}

func payloadString(payload map[string]any, key string) string {
	if value, ok := payload[key].(string); ok {
		return value
	}
	return ""
}

func payloadInt(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}

func stringifyQdrantID(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return strconv.FormatInt(n, 10)
		}
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
