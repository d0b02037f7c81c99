// Package httpserver is the thin admin surface shared by cmd/hydrator
// and cmd/pulsewatch: a health check, a JSON stats snapshot, and a
// websocket relay of whatever an internal/broadcast.Hub publishes (the
// C9 aggregator's throughput snapshots, spec.md §4.6-sibling: "fanned
// out via a broadcast channel to a web UI"). The HTTP surface itself
// is ambient/out of scope per spec.md's Non-goals, but it is built the
// way the teacher builds its admin surfaces.
//
// Grounded almost directly on
// eval-engine/internal/ingestion/httpserver/server.go's chi
// router/middleware stack and JSON responder helpers.
package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/brightloom/skywatch/internal/broadcast"
)

// StatsFunc returns a point-in-time snapshot for the /stats endpoint.
// Left as a closure rather than an interface since callers (the
// orchestrator, the aggregator) have differently-shaped internal
// state; each cmd/ wires its own closure over its own collaborators.
type StatsFunc func() map[string]interface{}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the admin HTTP surface.
type Server struct {
	stats StatsFunc
	hub   *broadcast.Hub
}

// New constructs a Server. hub may be nil, in which case /stream is
// not registered and responds 404 (both cmd/hydrator and
// cmd/pulsewatch pass their hub).
func New(stats StatsFunc, hub *broadcast.Hub) *Server {
	return &Server{stats: stats, hub: hub}
}

// Router builds the chi mux.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	if s.hub != nil {
		r.Get("/stream", s.handleStream)
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	respondJSON(w, http.StatusOK, s.stats())
}

// handleStream upgrades to a websocket and relays every Hub.Publish
// payload as a JSON frame until the client disconnects (spec.md
// §4.6-sibling, O3: lagging subscribers still receive the next
// message, tagged with the lag signal).
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	id, ch := s.hub.Subscribe()
	defer s.hub.Unsubscribe(id)

	for msg := range ch {
		frame := map[string]interface{}{
			"payload": msg.Payload,
			"lagged":  msg.Lagged,
		}
		if err := conn.WriteJSON(frame); err != nil {
			return
		}
	}
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
