// Package ops serves the operational HTTP endpoints of a replicon server:
// Prometheus metrics, a health check and read-only session listings.
package ops

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cyberinferno/go-replicon/logger"
	"github.com/cyberinferno/go-replicon/presence"
	"github.com/cyberinferno/go-replicon/server"
)

// Sessions is the part of *server.Server the endpoints read.
type Sessions interface {
	Sessions() []server.SessionInfo
	Running() bool
}

// Session is the JSON form of a server.SessionInfo.
type Session struct {
	ID           uint64  `json:"id"`
	ClientID     uint64  `json:"client_id"`
	Addr         string  `json:"addr"`
	ConnectedFor float64 `json:"connected_seconds"`
	IdleFor      float64 `json:"idle_seconds"`
}

type handler struct {
	sessions Sessions
	now      func() time.Duration
	dir      presence.Directory
	logger   logger.Logger
}

// NewRouter builds the router.
//
// Parameters:
//   - sessions: The server
//   - now: The server's monotonic clock (server.Now)
//   - dir: The presence directory; nil disables /presence
//   - gatherer: The registry the metrics were registered with
//   - l: Logger for handler errors
//
// Returns:
//   - The HTTP handler
func NewRouter(sessions Sessions, now func() time.Duration, dir presence.Directory, gatherer prometheus.Gatherer, l logger.Logger) http.Handler {
	if l == nil {
		l = logger.Nop()
	}
	h := &handler{sessions: sessions, now: now, dir: dir, logger: l}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/sessions", h.listSessions)
	if dir != nil {
		r.Get("/presence", h.listPresence)
	}

	return r
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	if !h.sessions.Running() {
		http.Error(w, "stopped", http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ok"))
}

func (h *handler) listSessions(w http.ResponseWriter, _ *http.Request) {
	now := h.now()
	infos := h.sessions.Sessions()

	out := make([]Session, 0, len(infos))
	for _, s := range infos {
		out = append(out, Session{
			ID:           uint64(s.ID),
			ClientID:     s.ClientID,
			Addr:         s.Addr.String(),
			ConnectedFor: (now - s.ConnectedAt).Seconds(),
			IdleFor:      (now - s.LastActivity).Seconds(),
		})
	}
	h.writeJSON(w, out)
}

func (h *handler) listPresence(w http.ResponseWriter, r *http.Request) {
	entries, err := h.dir.List(r.Context())
	if err != nil {
		h.logger.Warn("presence list failed", logger.Field{Key: "error", Value: err})
		http.Error(w, "presence unavailable", http.StatusBadGateway)
		return
	}
	h.writeJSON(w, entries)
}

func (h *handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("response write failed", logger.Field{Key: "error", Value: err})
	}
}
