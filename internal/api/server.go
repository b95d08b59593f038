// Package api exposes the dashboard HTTP surface: event summaries, the
// export pipeline, polled progress counters, log viewing, detection images,
// settings editing, and worker control.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/zmtools/zmagent/internal/config"
	"github.com/zmtools/zmagent/internal/export"
	"github.com/zmtools/zmagent/internal/logs"
	"github.com/zmtools/zmagent/internal/metrics"
	"github.com/zmtools/zmagent/internal/monitors"
	"github.com/zmtools/zmagent/internal/supervise"
	"github.com/zmtools/zmagent/internal/zm"
)

// EventLister is the slice of the NVR client the listing endpoints use.
type EventLister interface {
	ListEvents(ctx context.Context, q zm.EventQuery) ([]zm.Event, zm.Pagination, error)
	EventVideoURL(eventID string) string
	EventJSONURL(eventID string) string
}

type Server struct {
	settings *config.Loader
	store    *config.Store
	nvr      EventLister
	mons     *monitors.Cache
	exporter *export.Exporter
	logs     *logs.Manager
	sup      *supervise.Supervisor
	logger   *log.Logger

	serveMetrics bool
	startedAt    time.Time
	baseCtx      context.Context
}

type Deps struct {
	Settings *config.Loader
	Store    *config.Store
	NVR      EventLister
	Monitors *monitors.Cache
	Exporter *export.Exporter
	Logs     *logs.Manager
	Sup      *supervise.Supervisor
	Logger   *log.Logger
	Metrics  bool

	// BaseCtx is the process lifetime context; workers started over the
	// API are bound to it, not to the triggering request.
	BaseCtx context.Context
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = log.Default()
	}
	if d.BaseCtx == nil {
		d.BaseCtx = context.Background()
	}
	return &Server{
		settings:     d.Settings,
		store:        d.Store,
		nvr:          d.NVR,
		mons:         d.Monitors,
		exporter:     d.Exporter,
		logs:         d.Logs,
		sup:          d.Sup,
		logger:       d.Logger,
		serveMetrics: d.Metrics,
		startedAt:    time.Now(),
		baseCtx:      d.BaseCtx,
	}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	if s.serveMetrics {
		r.Handle("/metrics", metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/events/summary", s.EventsSummary)
		r.Get("/events/videos", s.EventsVideos)
		r.Get("/events/videos/export", s.EventsExport)
		r.Get("/events/download_counter", s.DownloadCounter)
		r.Get("/events/concat_index", s.ConcatIndex)
		r.Post("/events/files/delete", s.FilesDelete)

		r.Get("/exports/{name}", s.ServeExportFile)

		r.Get("/logs", s.LogsList)
		r.Get("/logs/{worker}", s.LogRead)

		r.Get("/images", s.ImagesList)
		r.Get("/images/{name}", s.ImageServe)
		r.Delete("/images/{name}", s.ImageDelete)

		r.Get("/settings", s.SettingsGet)
		r.Post("/settings", s.SettingsUpdate)

		r.Get("/status", s.StatusGet)
		r.Post("/workers/{name}/start", s.WorkerStart)
		r.Post("/workers/{name}/stop", s.WorkerStop)
	})

	r.Get("/ws/logs/{worker}", s.LogsWS)
	return r
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
