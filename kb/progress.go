package kb

import (
	"sync"
	"time"
)

type Stage string

const (
	StageCrawl      Stage = "crawl"
	StageChunk      Stage = "chunk"
	StageEmbed      Stage = "embed"
	StageStore      Stage = "store"
	StageSynthesize Stage = "synthesize"
	StageDone       Stage = "done"
	StageFailed     Stage = "failed"
)

type ProgressEvent struct {
	SiteID  string    `json:"siteId"`
	Stage   Stage     `json:"stage"`
	Status  Status    `json:"status"`
	Message string    `json:"message,omitempty"`
	Count   int       `json:"count,omitempty"`
	At      time.Time `json:"at"`
}

// ProgressHub fans pipeline events out to per-site subscribers. Slow subscribers lose events.
type ProgressHub struct {
	mu   sync.RWMutex
	subs map[string]map[chan ProgressEvent]struct{}
}

func NewProgressHub() *ProgressHub {
	return &ProgressHub{subs: make(map[string]map[chan ProgressEvent]struct{})}
}

// Subscribe registers a listener for siteID. Call the returned func to unsubscribe.
func (h *ProgressHub) Subscribe(siteID string, buffer int) (<-chan ProgressEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan ProgressEvent, buffer)

	h.mu.Lock()
	site, ok := h.subs[siteID]
	if !ok {
		site = make(map[chan ProgressEvent]struct{})
		h.subs[siteID] = site
	}
	site[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if site, ok := h.subs[siteID]; ok {
				delete(site, ch)
				if len(site) == 0 {
					delete(h.subs, siteID)
				}
			}
			close(ch)
		})
	}
}

func (h *ProgressHub) Publish(event ProgressEvent) {
	if h == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[event.SiteID] {
		select {
		case ch <- event:
		default:
		}
	}
}
