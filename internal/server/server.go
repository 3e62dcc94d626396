// Package server exposes the browse and maintenance HTTP surface over the
// assembled application.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/untoldecay/engram/internal/app"
	"github.com/untoldecay/engram/internal/enerr"
)

// Server wraps the router and its dependencies.
type Server struct {
	app    *app.App
	logger *zap.Logger
	router chi.Router
}

// New builds the routed server.
func New(application *app.App, logger *zap.Logger) *Server {
	s := &Server{app: application, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-MCP-API-Key"},
	}))
	r.Use(apiKeyMiddleware)

	r.Route("/browse", func(r chi.Router) {
		r.Get("/node", s.handleGetNode)
		r.Post("/node", s.handleCreateNode)
		r.Put("/node", s.handleUpdateNode)
		r.Delete("/node", s.handleDeleteNode)
	})

	r.Route("/maintenance", func(r chi.Router) {
		r.Get("/index/status", s.handleIndexStatus)
		r.Get("/index/jobs", s.handleListJobs)
		r.Get("/index/jobs/{jobID}", s.handleGetJob)
		r.Post("/index/jobs/{jobID}/cancel", s.handleCancelJob)
		r.Post("/index/jobs/{jobID}/retry", s.handleRetryJob)
		r.Post("/index/rebuild", s.handleRebuild)
		r.Post("/index/reindex", s.handleReindex)
		r.Post("/index/sleep-consolidation", s.handleSleepConsolidation)

		r.Post("/vitality/decay", s.handleDecay)
		r.Get("/vitality/candidates", s.handleCandidates)
		r.Post("/cleanup/prepare", s.handlePrepare)
		r.Post("/cleanup/confirm", s.handleConfirm)

		r.Get("/orphans", s.handleListOrphans)
		r.Get("/orphans/{memoryID}", s.handleOrphanDetail)
		r.Delete("/orphans/{memoryID}", s.handleDeleteOrphan)

		r.Get("/observability/summary", s.handleObservabilitySummary)
		r.Post("/observability/search", s.handleObservabilitySearch)

		r.Get("/runtime/status", s.handleRuntimeStatus)
	})

	s.router = r
	return s
}

// Handler exposes the router for serving and tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks serving the configured address.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http server listening", zap.String("addr", addr))
	return srv.ListenAndServe()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": message})
}

// writeStoreError maps the error taxonomy onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, enerr.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, enerr.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, enerr.ErrStaleState), errors.Is(err, enerr.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, enerr.ErrQueueFull):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "index_job_enqueue_failed"})
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(r *http.Request, into any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(into)
}
