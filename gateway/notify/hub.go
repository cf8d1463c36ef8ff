// Package notify streams settled actions to websocket subscribers.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"chainid/core/tracker"
	"chainid/observability"
)

const sinkName = "websocket"

// Hub fans tracker notifications out to subscribers and keeps a short
// backlog so a reconnecting client can resume from its last ticket.
type Hub struct {
	mu           sync.Mutex
	subs         map[*subscriber]struct{}
	backlog      []tracker.Notification
	size         int
	writeTimeout time.Duration
	origins      []string
	logger       *slog.Logger
}

// HubOption adjusts a Hub at construction.
type HubOption func(*Hub)

// WithAllowedOrigins admits cross-origin upgrades from the listed origins,
// given as full origins ("https://app.example") or bare host patterns.
// Without it only same-origin upgrades are accepted.
func WithAllowedOrigins(origins []string) HubOption {
	return func(h *Hub) {
		h.origins = originHosts(origins)
	}
}

type subscriber struct {
	ch     chan tracker.Notification
	filter string
}

// NewHub sizes both the backlog and every subscriber buffer to size.
func NewHub(size int, writeTimeout time.Duration, logger *slog.Logger, opts ...HubOption) *Hub {
	if size <= 0 {
		size = 32
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		subs:         make(map[*subscriber]struct{}),
		size:         size,
		writeTimeout: writeTimeout,
		logger:       logger.With("component", "gateway.notify"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// originHosts reduces origins to the host patterns the websocket handshake
// matches the Origin header against.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if strings.Contains(origin, "://") {
			u, err := url.Parse(origin)
			if err != nil || u.Host == "" {
				continue
			}
			origin = u.Host
		}
		hosts = append(hosts, strings.ToLower(origin))
	}
	return hosts
}

// Notify implements tracker.Notifier. It never blocks on a slow subscriber.
func (h *Hub) Notify(_ context.Context, n tracker.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.backlog = append(h.backlog, n)
	if over := len(h.backlog) - h.size; over > 0 {
		h.backlog = append(h.backlog[:0:0], h.backlog[over:]...)
	}
	metrics := observability.Notifications()
	for sub := range h.subs {
		if !sub.matches(n) {
			continue
		}
		select {
		case sub.ch <- n:
			metrics.RecordDelivered(sinkName, string(n.Severity))
		default:
			metrics.RecordDropped(sinkName)
		}
	}
}

// Subscribe registers a subscriber for keys matching filter (an exact key or
// a prefix ending in ':'; empty matches all). The returned backlog holds the
// retained notifications after the ticket named by cursor, or none when the
// cursor is empty or unknown.
func (h *Hub) Subscribe(filter, cursor string) (<-chan tracker.Notification, func(), []tracker.Notification) {
	sub := &subscriber{ch: make(chan tracker.Notification, h.size), filter: strings.TrimSpace(filter)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	var backlog []tracker.Notification
	if cursor = strings.TrimSpace(cursor); cursor != "" {
		for i, n := range h.backlog {
			if n.TicketID == cursor {
				for _, later := range h.backlog[i+1:] {
					if sub.matches(later) {
						backlog = append(backlog, later)
					}
				}
				break
			}
		}
	}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			h.mu.Unlock()
		})
	}
	return sub.ch, cancel, backlog
}

// Subscribers reports the live subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *subscriber) matches(n tracker.Notification) bool {
	switch {
	case s.filter == "":
		return true
	case strings.HasSuffix(s.filter, ":"):
		return strings.HasPrefix(n.Key, s.filter)
	default:
		return n.Key == s.filter
	}
}

// ServeHTTP upgrades the request and streams notifications until either side
// closes. Query parameters: key filters, cursor resumes after a ticket id.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Debug("websocket upgrade rejected", "origin", r.Header.Get("Origin"), "error", err.Error())
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// Subscribers only listen; CloseRead discards client frames and cancels
	// ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	query := r.URL.Query()
	if err := h.stream(ctx, conn, query.Get("key"), query.Get("cursor")); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			h.logger.Warn("notification stream failed", "error", err.Error())
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (h *Hub) stream(ctx context.Context, conn *websocket.Conn, filter, cursor string) error {
	updates, cancel, backlog := h.Subscribe(filter, cursor)
	defer cancel()

	for _, n := range backlog {
		if err := h.write(ctx, conn, n); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-updates:
			if err := h.write(ctx, conn, n); err != nil {
				return err
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, n tracker.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
