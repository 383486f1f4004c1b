// Package api provides the HTTP monitoring server for cellforge.
// It serves the latest run status, the best record, improvement history
// and Prometheus metrics; the training loop writes, this server only
// reads.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cellforge-eda/cellforge/internal/infra/monitor"
	"github.com/cellforge-eda/cellforge/internal/infra/sqlite"
)

// Server is the cellforge HTTP monitoring server.
type Server struct {
	monitorDir string
	db         *sqlite.DB
	version    string
}

// NewServer creates a server reading from the given monitoring
// directory. db may be nil, disabling the history endpoints.
func NewServer(monitorDir string, db *sqlite.DB, version string) *Server {
	return &Server{monitorDir: monitorDir, db: db, version: version}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
	})

	r.Get("/api/status", s.handleStatus)
	r.Get("/api/best", s.handleBest)
	if s.db != nil {
		r.Get("/api/runs", s.handleRuns)
		r.Get("/api/runs/{id}", s.handleRun)
		r.Get("/api/runs/{id}/history", s.handleHistory)
	}

	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := monitor.ReadStatus(s.monitorDir)
	if err != nil {
		writeError(w, http.StatusNotFound, "no status yet")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleBest(w http.ResponseWriter, r *http.Request) {
	best, err := monitor.ReadBest(s.monitorDir)
	if err != nil {
		writeError(w, http.StatusNotFound, "no best record yet")
		return
	}
	writeJSON(w, http.StatusOK, best)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	runs, err := s.db.ListRuns(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.db.GetRun(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	imps, err := s.db.ListImprovements(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, imps)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    "error",
		},
	})
}
