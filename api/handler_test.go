package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	jwtv4 "github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitekb/kb"
	"sitekb/llm"
	"sitekb/logging"
	"sitekb/rag"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeKnowledge struct {
	mu          sync.Mutex
	status      kb.Status
	initErr     error
	refreshErr  error
	deleteErr   error
	initialized []string
	snapshotURL string
	hub         *kb.ProgressHub
}

func (f *fakeKnowledge) Initialize(ctx context.Context, siteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return f.initErr
	}
	f.initialized = append(f.initialized, siteID)
	f.status = kb.StatusReady
	return nil
}

func (f *fakeKnowledge) GetStatus(ctx context.Context, siteID string) kb.KnowledgeBaseStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := f.status
	if status == "" {
		status = kb.StatusUninitialized
	}
	return kb.KnowledgeBaseStatus{SiteID: siteID, Status: status}
}

func (f *fakeKnowledge) Refresh(ctx context.Context, siteID string) error { return f.refreshErr }

func (f *fakeKnowledge) Delete(ctx context.Context, siteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = kb.StatusDisabled
	return f.deleteErr
}

func (f *fakeKnowledge) SnapshotURL(ctx context.Context, siteID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshotURL == "" {
		return "", kb.ErrNoSnapshot
	}
	return f.snapshotURL, nil
}

func (f *fakeKnowledge) Progress() *kb.ProgressHub { return f.hub }

type fakeSites struct {
	sites map[string]string
}

func (f *fakeSites) EnsureSite(ctx context.Context, siteID, baseURL string) error {
	f.sites[siteID] = baseURL
	return nil
}

type fakeAssistant struct {
	lastQuery rag.Query
	err       error
}

func (f *fakeAssistant) ProcessQuery(ctx context.Context, q rag.Query) (*rag.Response, error) {
	f.lastQuery = q
	if f.err != nil {
		return nil, f.err
	}
	return &rag.Response{Response: "answer for " + q.SiteID, ContextUsed: []rag.ContextSource{}}, nil
}

func (f *fakeAssistant) GenerateContent(ctx context.Context, siteID, contentType, topic, extraContext string) (*rag.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &rag.Response{Response: contentType + ":" + topic}, nil
}

func (f *fakeAssistant) AnalyzeContentQuality(ctx context.Context, siteID, content, targetQuery string) (*rag.QualityReport, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &rag.QualityReport{Score: 64, Relevance: 0.64, Fallback: true}, nil
}

type testAPI struct {
	router    *gin.Engine
	knowledge *fakeKnowledge
	sites     *fakeSites
	assistant *fakeAssistant
}

func newTestAPI(t *testing.T, guard *Guard) *testAPI {
	t.Helper()
	api := &testAPI{
		knowledge: &fakeKnowledge{hub: kb.NewProgressHub()},
		sites:     &fakeSites{sites: map[string]string{}},
		assistant: &fakeAssistant{},
	}
	handler, err := NewHandler(api.knowledge, api.sites, api.assistant, guard)
	require.NoError(t, err)

	api.router = gin.New()
	api.router.Use(RequestLogger(), CORS(nil))
	handler.RegisterRoutes(api.router)
	return api
}

func (a *testAPI) do(method, path, body, token string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestInitializeAndStatus(t *testing.T) {
	api := newTestAPI(t, nil)

	rec := api.do(http.MethodPost, "/sites/acme/knowledge-base", `{"baseUrl": "https://acme.test"}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "ready", decode(t, rec)["status"])
	assert.Equal(t, "https://acme.test", api.sites.sites["acme"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = api.do(http.MethodGet, "/sites/acme/knowledge-base", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acme", decode(t, rec)["siteId"])
}

func TestInitialize_ErrorMapping(t *testing.T) {
	api := newTestAPI(t, nil)

	api.knowledge.initErr = kb.ErrSiteNotFound
	rec := api.do(http.MethodPost, "/sites/acme/knowledge-base", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	api.knowledge.initErr = errors.New("kb: crawl: connection refused")
	rec = api.do(http.MethodPost, "/sites/acme/knowledge-base", "", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "connection refused")

	rec = api.do(http.MethodPost, "/sites/acme/knowledge-base", `{"baseUrl": `, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefresh_NotInitialized(t *testing.T) {
	api := newTestAPI(t, nil)
	api.knowledge.refreshErr = kb.ErrNotInitialized

	rec := api.do(http.MethodPost, "/sites/acme/knowledge-base/refresh", "", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDelete_ReportsWarning(t *testing.T) {
	api := newTestAPI(t, nil)
	api.knowledge.deleteErr = errors.New("qdrant unavailable")

	rec := api.do(http.MethodDelete, "/sites/acme/knowledge-base", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "qdrant unavailable", body["warning"])
	assert.Equal(t, "disabled", body["status"].(map[string]any)["status"])
}

func TestQuery(t *testing.T) {
	api := newTestAPI(t, nil)

	rec := api.do(http.MethodPost, "/sites/acme/knowledge-base/query", `{"query": "opening hours?", "contextType": "contact", "similarityThreshold": 0.5}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "answer for acme", decode(t, rec)["response"])
	assert.Equal(t, "contact", api.assistant.lastQuery.ContextType)
	require.NotNil(t, api.assistant.lastQuery.SimilarityThreshold)
	assert.InDelta(t, 0.5, *api.assistant.lastQuery.SimilarityThreshold, 1e-9)

	rec = api.do(http.MethodPost, "/sites/acme/knowledge-base/query", `{}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodPost, "/sites/acme/knowledge-base/query", `{"query": "x", "similarityThreshold": 3}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQuery_GenerationErrors(t *testing.T) {
	api := newTestAPI(t, nil)

	api.assistant.err = &llm.GenerationError{Provider: "openai", Err: errors.New("boom")}
	rec := api.do(http.MethodPost, "/sites/acme/knowledge-base/query", `{"query": "x"}`, "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	api.assistant.err = invalidQueryError()
	rec = api.do(http.MethodPost, "/sites/acme/knowledge-base/query", `{"query": "x"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func invalidQueryError() error {
	return errors.Join(rag.ErrInvalidQuery, errors.New("query is required"))
}

func TestGenerateAndAnalyze(t *testing.T) {
	api := newTestAPI(t, nil)

	rec := api.do(http.MethodPost, "/sites/acme/knowledge-base/generate", `{"contentType": "faq", "topic": "drains"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "faq:drains", decode(t, rec)["response"])

	rec = api.do(http.MethodPost, "/sites/acme/knowledge-base/generate", `{"topic": "drains"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodPost, "/sites/acme/knowledge-base/analyze", `{"content": "We fix drains.", "targetQuery": "drain repair"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 64, body["score"])
	assert.Equal(t, true, body["fallback"])
}

func signToken(t *testing.T, secret string, claims jwtv4.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	token, err := jwtv4.NewWithClaims(jwtv4.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestGuard(t *testing.T) {
	guard, err := NewGuard([]byte("test-secret"))
	require.NoError(t, err)
	api := newTestAPI(t, guard)
	path := "/sites/acme/knowledge-base"

	assert.Equal(t, http.StatusUnauthorized, api.do(http.MethodGet, path, "", "").Code)

	owner := signToken(t, "test-secret", jwtv4.MapClaims{"sub": "user-1", "sites": []string{"acme"}})
	assert.Equal(t, http.StatusOK, api.do(http.MethodGet, path, "", owner).Code)

	stranger := signToken(t, "test-secret", jwtv4.MapClaims{"sub": "user-2", "sites": []string{"globex"}})
	assert.Equal(t, http.StatusForbidden, api.do(http.MethodGet, path, "", stranger).Code)

	admin := signToken(t, "test-secret", jwtv4.MapClaims{"sub": 7, "roles": []string{"Admin"}})
	assert.Equal(t, http.StatusOK, api.do(http.MethodGet, path, "", admin).Code)

	forged := signToken(t, "other-secret", jwtv4.MapClaims{"sub": "user-1", "sites": []string{"acme"}})
	assert.Equal(t, http.StatusUnauthorized, api.do(http.MethodGet, path, "", forged).Code)

	expired := signToken(t, "test-secret", jwtv4.MapClaims{"sub": "user-1", "sites": []string{"acme"}, "exp": time.Now().Add(-time.Hour).Unix()})
	assert.Equal(t, http.StatusUnauthorized, api.do(http.MethodGet, path, "", expired).Code)
}

func TestGuard_TagsRequestLogWithSubject(t *testing.T) {
	var buf bytes.Buffer
	previous := logging.Default()
	logging.SetDefault(logging.New("info", &buf))
	t.Cleanup(func() { logging.SetDefault(previous) })

	guard, err := NewGuard([]byte("test-secret"))
	require.NoError(t, err)
	api := newTestAPI(t, guard)

	owner := signToken(t, "test-secret", jwtv4.MapClaims{"sub": "user-42", "sites": []string{"acme"}})
	require.Equal(t, http.StatusOK, api.do(http.MethodGet, "/sites/acme/knowledge-base", "", owner).Code)

	out := buf.String()
	assert.Contains(t, out, "api: request")
	assert.Contains(t, out, "user-42")
}

func TestSnapshot(t *testing.T) {
	api := newTestAPI(t, nil)

	rec := api.do(http.MethodGet, "/sites/acme/knowledge-base/snapshot", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	api.knowledge.snapshotURL = "https://snapshots.test/knowledge/acme/crawls/latest.json?sig=1"
	rec = api.do(http.MethodGet, "/sites/acme/knowledge-base/snapshot", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, api.knowledge.snapshotURL, decode(t, rec)["url"])
}

func TestPrincipalCanAccess(t *testing.T) {
	assert.True(t, (&Principal{Sites: []string{"*"}}).CanAccess("any"))
	assert.False(t, (&Principal{Sites: []string{"a"}}).CanAccess("b"))
	var nobody *Principal
	assert.False(t, nobody.CanAccess("a"))
	assert.Equal(t, []string{"a", "b"}, claimStrings("a,b"))
	assert.Equal(t, "7", claimString(float64(7)))
}

func TestEvents_StreamsProgress(t *testing.T) {
	api := newTestAPI(t, nil)
	server := httptest.NewServer(api.router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/sites/acme/knowledge-base/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var first map[string]any
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "status", first["type"])

	api.knowledge.hub.Publish(kb.ProgressEvent{SiteID: "globex", Stage: kb.StageCrawl})
	api.knowledge.hub.Publish(kb.ProgressEvent{SiteID: "acme", Stage: kb.StageEmbed, Count: 12})

	var next map[string]any
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, "progress", next["type"])
	event := next["event"].(map[string]any)
	assert.Equal(t, "embed", event["stage"])
	assert.EqualValues(t, 12, event["count"])
}

func TestCheckOrigin(t *testing.T) {
	h := &Handler{}
	h.SetAllowedOrigins([]string{"https://app.acme.test"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://app.acme.test")
	assert.True(t, h.checkOrigin(req))
	req.Header.Set("Origin", "https://evil.test")
	assert.False(t, h.checkOrigin(req))
}
