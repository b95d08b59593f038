package api

import (
	"net/http"
	"strings"
)

// secretKeys are masked in settings reads.
var secretKeys = map[string]bool{
	"ZM_PASS":   true,
	"BAUTH_PWD": true,
}

// GET /api/v1/settings
// The sectioned settings file as JSON, secrets masked.
func (s *Server) SettingsGet(w http.ResponseWriter, r *http.Request) {
	sections, err := s.store.Sections()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, kv := range sections {
		for k := range kv {
			if secretKeys[strings.ToUpper(k)] && kv[k] != "" {
				kv[k] = "••••"
			}
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"sections": sections, "path": s.settings.Path()})
}

// POST /api/v1/settings
// Form-encoded updates with section__key field names. Masked placeholder
// values are ignored so a read-modify-write cycle cannot wipe a secret.
func (s *Server) SettingsUpdate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid form: "+err.Error())
		return
	}

	form := make(map[string]string, len(r.PostForm))
	for key := range r.PostForm {
		val := r.PostForm.Get(key)
		if val == "••••" {
			continue
		}
		form[key] = val
	}
	if len(form) == 0 {
		respondError(w, http.StatusBadRequest, "no settings submitted")
		return
	}

	if err := s.store.Update(form); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Printf("api: settings updated (%d keys)", len(form))
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "updated": len(form)})
}
