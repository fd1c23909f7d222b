package escrowd

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"escrowcore/escrow/watcher"
	"escrowcore/storage"
)

// Server exposes health, metrics, and watcher progress.
type Server struct {
	runtime *Runtime
	logger  *slog.Logger
	router  http.Handler
}

// NewServer builds the ops HTTP surface over rt.
func NewServer(rt *Runtime, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{runtime: rt, logger: logger}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/chains", s.chains)
	r.Get("/watchers", s.watchers)
	r.Get("/events", s.events)
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.runtime.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.runtime.Store.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type chainView struct {
	Chain  string `json:"chain"`
	Family string `json:"family"`
	Signer string `json:"signer"`
}

func (s *Server) chains(w http.ResponseWriter, _ *http.Request) {
	orch := s.runtime.Orchestrator
	out := []chainView{}
	if orch != nil {
		for _, kind := range orch.Chains() {
			adapter, err := orch.Adapter(kind)
			if err != nil {
				continue
			}
			out = append(out, chainView{Chain: string(kind), Family: string(adapter.Family()), Signer: adapter.Signer()})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) watchers(w http.ResponseWriter, _ *http.Request) {
	out := make([]watcher.Status, 0, len(s.runtime.Watchers))
	for _, wt := range s.runtime.Watchers {
		out = append(out, wt.Status())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	if s.runtime.Store == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "event storage not configured"})
		return
	}
	q := r.URL.Query()
	filter := storage.EventFilter{Chain: q.Get("chain"), Name: q.Get("name")}
	if raw := q.Get("record_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "record_id must be an unsigned integer"})
			return
		}
		filter.RecordID = &id
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be an integer"})
			return
		}
		filter.Limit = limit
	}
	rows, err := s.runtime.Store.ListEvents(r.Context(), filter)
	if err != nil {
		s.logger.Error("list events failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list events failed"})
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
