package api

import (
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/zmtools/zmagent/internal/export"
)

// parseSize accepts "1920:1080" or "1920x1080".
func parseSize(s string) (w, h int) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "x", ":")
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0
	}
	w, err1 := strconv.Atoi(parts[0])
	h, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0
	}
	return w, h
}

func queryBool(q string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(q)) {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// GET /api/v1/events/videos/export
// Collects overlapping events, then optionally downloads, trims, and
// concatenates. Runs synchronously; progress is polled via the counter
// endpoint using job_id.
func (s *Server) EventsExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	monitorID := q.Get("monitor_id")
	if monitorID == "" {
		respondError(w, http.StatusBadRequest, "monitor_id is required")
		return
	}
	start, err := parseWindowTime(q.Get("start"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid start: "+err.Error())
		return
	}
	end, err := parseWindowTime(q.Get("end"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid end: "+err.Error())
		return
	}

	chunk, _ := strconv.Atoi(q.Get("chunk"))
	buffer, err := strconv.Atoi(q.Get("buffer"))
	if err != nil || buffer < 0 {
		buffer = 2
	}
	speed := 1.0
	if v := q.Get("speed"); v != "" {
		if p, err := strconv.ParseFloat(v, 64); err == nil && p > 0 {
			speed = p
		}
	}
	fps, _ := strconv.Atoi(q.Get("fps"))
	width, height := parseSize(q.Get("size"))

	jobID := q.Get("job_id")
	if jobID == "" {
		jobID = uuid.NewString()
	}

	req := export.Request{
		Window: export.Window{
			MonitorID: monitorID,
			Start:     start,
			End:       end,
			Buffer:    time.Duration(buffer) * time.Second,
			Chunk:     chunk,
		},
		Download: queryBool(q.Get("download"), false),
		Trim:     queryBool(q.Get("trim"), true),
		Concat:   queryBool(q.Get("concat"), false),
		Speed:    speed,
		FPS:      fps,
		Width:    width,
		Height:   height,
		UseGPU:   queryBool(q.Get("use_gpu"), true),
		JobID:    jobID,
		Debug:    queryBool(q.Get("debug"), false),
	}

	// The run is bound to the server lifetime, not the request: a client
	// that stops polling must not abort the remaining downloads.
	res, err := s.exporter.Run(s.baseCtx, req)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// GET /api/v1/events/download_counter?job_id=
func (s *Server) DownloadCounter(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		respondError(w, http.StatusBadRequest, "job_id is required")
		return
	}
	snap, ok := s.exporter.Progress().Read(jobID)
	if !ok {
		respondJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "available": false})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"job_id": jobID, "available": true,
		"phase": snap.Phase, "status": snap.Status,
		"total": snap.Total, "done": snap.Done, "bytes": snap.Bytes,
		"current_file": snap.CurrentFile, "mode": snap.Mode,
		"want_concat":     snap.WantConcat,
		"overall_percent": snap.OverallPercent,
		"overall_status":  snap.OverallStatus,
		"overall_text":    snap.OverallText,
	})
}

// GET /api/v1/events/concat_index
func (s *Server) ConcatIndex(w http.ResponseWriter, r *http.Request) {
	items, err := s.exporter.ListConcats()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []export.ConcatArtifact{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": items})
}

// POST /api/v1/events/files/delete?base=
func (s *Server) FilesDelete(w http.ResponseWriter, r *http.Request) {
	base := r.URL.Query().Get("base")
	if base == "" {
		respondError(w, http.StatusBadRequest, "base is required")
		return
	}
	deleted, err := s.exporter.DeleteConcatSet(base)
	if err != nil {
		if errors.Is(err, export.ErrNothingDeleted) {
			respondError(w, http.StatusNotFound, "nothing deleted")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "deleted": deleted})
}

// GET /api/v1/exports/{name}
// Serves an artifact (concat output, list file, saved summary) by file name.
func (s *Server) ServeExportFile(w http.ResponseWriter, r *http.Request) {
	name := filepath.Base(chi.URLParam(r, "name"))
	if name == "." || name == "/" || strings.HasPrefix(name, ".") {
		respondError(w, http.StatusBadRequest, "invalid name")
		return
	}
	http.ServeFile(w, r, filepath.Join(s.exporter.Dir(), name))
}
