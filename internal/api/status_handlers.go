package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zmtools/zmagent/internal/supervise"
)

// GET /api/v1/status
func (s *Server) StatusGet(w http.ResponseWriter, r *http.Request) {
	cfg := s.settings.Snapshot()
	workers := s.sup.StatusAll()
	if workers == nil {
		workers = []supervise.Status{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"workers":        workers,
		"config": map[string]any{
			"zm_host":             cfg.ZMHost,
			"monitors":            cfg.Monitors,
			"threshold":           cfg.Threshold,
			"time_window_seconds": int(cfg.TimeWindow.Seconds()),
			"alarm_queue_dir":     cfg.AlarmQueueDir,
			"detections_dir":      cfg.DetectionsDir,
		},
	})
}

// POST /api/v1/workers/{name}/start
func (s *Server) WorkerStart(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	// started against the server's base context so the worker outlives
	// this request
	if err := s.sup.Start(s.baseCtx, name); err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "worker": name})
}

// POST /api/v1/workers/{name}/stop
func (s *Server) WorkerStop(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.sup.Stop(name); err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "worker": name})
}
