package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"sitekb/kb"
	"sitekb/llm"
	"sitekb/logging"
	"sitekb/rag"
)

// KnowledgeBase is the lifecycle surface of *kb.Orchestrator.
type KnowledgeBase interface {
	Initialize(ctx context.Context, siteID string) error
	GetStatus(ctx context.Context, siteID string) kb.KnowledgeBaseStatus
	Refresh(ctx context.Context, siteID string) error
	Delete(ctx context.Context, siteID string) error
	SnapshotURL(ctx context.Context, siteID string) (string, error)
	Progress() *kb.ProgressHub
}

// Sites registers sites. *kb.Store satisfies it.
type Sites interface {
	EnsureSite(ctx context.Context, siteID, baseURL string) error
}

// Assistant answers and writes content from a site's knowledge. *rag.Service satisfies it.
type Assistant interface {
	ProcessQuery(ctx context.Context, q rag.Query) (*rag.Response, error)
	GenerateContent(ctx context.Context, siteID, contentType, topic, extraContext string) (*rag.Response, error)
	AnalyzeContentQuality(ctx context.Context, siteID, content, targetQuery string) (*rag.QualityReport, error)
}

type Handler struct {
	knowledge KnowledgeBase
	sites     Sites
	assistant Assistant
	guard     *Guard
	origins   []string
}

func NewHandler(knowledge KnowledgeBase, sites Sites, assistant Assistant, guard *Guard) (*Handler, error) {
	if knowledge == nil || sites == nil || assistant == nil {
		return nil, errors.New("api: knowledge base, sites and assistant are required")
	}
	return &Handler{knowledge: knowledge, sites: sites, assistant: assistant, guard: guard}, nil
}

// RegisterRoutes mounts the knowledge base API on r.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	group := r.Group("/sites/:siteID/knowledge-base", h.guard.RequireSiteAccess(), tagPrincipal)
	group.POST("", h.initialize)
	group.GET("", h.status)
	group.POST("/refresh", h.refresh)
	group.DELETE("", h.delete)
	group.GET("/snapshot", h.snapshot)
	group.POST("/query", h.query)
	group.POST("/generate", h.generate)
	group.POST("/analyze", h.analyze)
	group.GET("/events", h.events)
}

// RequestLogger attaches a request scoped logger to the request context.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		logger := logging.Default().With(slog.String("request_id", requestID))
		c.Request = c.Request.WithContext(logging.With(c.Request.Context(), logger))
		c.Header("X-Request-ID", requestID)

		started := time.Now()
		c.Next()
		logging.From(c.Request.Context()).Info("api: request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(started)))
	}
}

// tagPrincipal adds the authenticated subject to the request logger.
func tagPrincipal(c *gin.Context) {
	if principal := CurrentPrincipal(c); principal != nil {
		ctx := c.Request.Context()
		logger := logging.From(ctx).With(slog.String("subject", principal.Subject))
		c.Request = c.Request.WithContext(logging.With(ctx, logger))
	}
	c.Next()
}

type initializeRequest struct {
	BaseURL string `json:"baseUrl"`
}

func (h *Handler) initialize(c *gin.Context) {
	ctx := c.Request.Context()
	siteID := c.Param("siteID")

	var req initializeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	if baseURL := strings.TrimSpace(req.BaseURL); baseURL != "" {
		if err := h.sites.EnsureSite(ctx, siteID, baseURL); err != nil {
			h.fail(c, err)
			return
		}
	}

	if err := h.knowledge.Initialize(ctx, siteID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.knowledge.GetStatus(ctx, siteID))
}

func (h *Handler) status(c *gin.Context) {
	c.JSON(http.StatusOK, h.knowledge.GetStatus(c.Request.Context(), c.Param("siteID")))
}

func (h *Handler) refresh(c *gin.Context) {
	ctx := c.Request.Context()
	siteID := c.Param("siteID")
	if err := h.knowledge.Refresh(ctx, siteID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.knowledge.GetStatus(ctx, siteID))
}

func (h *Handler) delete(c *gin.Context) {
	ctx := c.Request.Context()
	siteID := c.Param("siteID")
	if err := h.knowledge.Delete(ctx, siteID); err != nil {
		logging.From(ctx).Warn("api: delete incomplete", slog.String("site_id", siteID), slog.Any("error", err))
		c.JSON(http.StatusOK, gin.H{"status": h.knowledge.GetStatus(ctx, siteID), "warning": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": h.knowledge.GetStatus(ctx, siteID)})
}

func (h *Handler) snapshot(c *gin.Context) {
	link, err := h.knowledge.SnapshotURL(c.Request.Context(), c.Param("siteID"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": link})
}

type queryRequest struct {
	Query               string   `json:"query" binding:"required"`
	ContextType         string   `json:"contextType"`
	MaxResults          int      `json:"maxResults"`
	SimilarityThreshold *float64 `json:"similarityThreshold"`
	MaxTokens           int      `json:"maxTokens"`
	Temperature         *float64 `json:"temperature"`
}

func (h *Handler) query(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}
	if req.SimilarityThreshold != nil && (*req.SimilarityThreshold < -1 || *req.SimilarityThreshold > 1) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "similarityThreshold must be between -1 and 1"})
		return
	}

	resp, err := h.assistant.ProcessQuery(c.Request.Context(), rag.Query{
		SiteID:              c.Param("siteID"),
		Query:               req.Query,
		ContextType:         req.ContextType,
		MaxResults:          req.MaxResults,
		SimilarityThreshold: req.SimilarityThreshold,
		MaxTokens:           req.MaxTokens,
		Temperature:         req.Temperature,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type generateRequest struct {
	ContentType string `json:"contentType" binding:"required"`
	Topic       string `json:"topic" binding:"required"`
	Context     string `json:"context"`
}

func (h *Handler) generate(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "contentType and topic are required"})
		return
	}
	resp, err := h.assistant.GenerateContent(c.Request.Context(), c.Param("siteID"), req.ContentType, req.Topic, req.Context)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type analyzeRequest struct {
	Content     string `json:"content" binding:"required"`
	TargetQuery string `json:"targetQuery" binding:"required"`
}

func (h *Handler) analyze(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content and targetQuery are required"})
		return
	}
	report, err := h.assistant.AnalyzeContentQuality(c.Request.Context(), c.Param("siteID"), req.Content, req.TargetQuery)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// fail maps domain errors onto HTTP responses.
func (h *Handler) fail(c *gin.Context, err error) {
	ctx := c.Request.Context()
	siteID := c.Param("siteID")

	var genErr *llm.GenerationError
	switch {
	case errors.Is(err, rag.ErrInvalidQuery):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, kb.ErrSiteNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "site not found"})
	case errors.Is(err, kb.ErrNoSnapshot):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, kb.ErrNotInitialized):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "status": h.knowledge.GetStatus(ctx, siteID)})
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, kb.ErrLockTimeout):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.As(err, &genErr):
		code := http.StatusBadGateway
		if genErr.Retryable() {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"error": "generation failed", "detail": genErr.Error()})
	default:
		logging.From(ctx).Error("api: request failed", slog.String("site_id", siteID), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "status": h.knowledge.GetStatus(ctx, siteID)})
	}
}
