package api

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"sitekb/logging"
)

const (
	eventWriteWait  = 10 * time.Second
	eventPongWait   = 60 * time.Second
	eventPingPeriod = 50 * time.Second
)

// SetAllowedOrigins restricts which browser origins may open the event stream.
// An empty list accepts any origin.
func (h *Handler) SetAllowedOrigins(origins []string) {
	h.origins = origins
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || len(h.origins) == 0 {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.origins {
		if allowed == "*" || strings.EqualFold(strings.TrimSuffix(allowed, "/"), parsed.Scheme+"://"+parsed.Host) {
			return true
		}
	}
	return false
}

// events streams pipeline progress of a site over a websocket. The first message is the
// current status.
func (h *Handler) events(c *gin.Context) {
	siteID := c.Param("siteID")
	logger := logging.From(c.Request.Context()).With(slog.String("site_id", siteID))

	hub := h.knowledge.Progress()
	if hub == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "progress events are disabled"})
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("api: websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	events, unsubscribe := hub.Subscribe(siteID, 32)
	defer unsubscribe()

	_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
	if err := conn.WriteJSON(gin.H{"type": "status", "status": h.knowledge.GetStatus(c.Request.Context(), siteID)}); err != nil {
		return
	}

	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(eventPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(gin.H{"type": "progress", "event": event}); err != nil {
				logger.Debug("api: websocket write failed", slog.Any("error", err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteWait)); err != nil {
				return
			}
		}
	}
}
