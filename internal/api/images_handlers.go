package api

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

type imageInfo struct {
	Name      string    `json:"name"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

func isImageName(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	}
	return false
}

// cleanImageName rejects anything that could escape the detections dir.
func cleanImageName(raw string) (string, bool) {
	name := filepath.Base(raw)
	if name == "." || name == "/" || strings.HasPrefix(name, ".") || !isImageName(name) {
		return "", false
	}
	return name, true
}

// GET /api/v1/images
// Annotated detection frames, newest first.
func (s *Server) ImagesList(w http.ResponseWriter, r *http.Request) {
	dir := s.settings.Snapshot().DetectionsDir
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			respondJSON(w, http.StatusOK, map[string]any{"images": []imageInfo{}})
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	images := make([]imageInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isImageName(e.Name()) {
			continue
		}
		st, err := e.Info()
		if err != nil {
			continue
		}
		images = append(images, imageInfo{Name: e.Name(), SizeBytes: st.Size(), ModTime: st.ModTime()})
	}
	sort.Slice(images, func(i, j int) bool { return images[i].ModTime.After(images[j].ModTime) })
	respondJSON(w, http.StatusOK, map[string]any{"images": images})
}

// GET /api/v1/images/{name}
func (s *Server) ImageServe(w http.ResponseWriter, r *http.Request) {
	name, ok := cleanImageName(chi.URLParam(r, "name"))
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid image name")
		return
	}
	http.ServeFile(w, r, filepath.Join(s.settings.Snapshot().DetectionsDir, name))
}

// DELETE /api/v1/images/{name}
func (s *Server) ImageDelete(w http.ResponseWriter, r *http.Request) {
	name, ok := cleanImageName(chi.URLParam(r, "name"))
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid image name")
		return
	}
	path := filepath.Join(s.settings.Snapshot().DetectionsDir, name)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			respondError(w, http.StatusNotFound, "no such image")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "deleted": name})
}
