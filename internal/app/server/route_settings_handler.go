package server

import (
	"net/http"

	"github.com/charmbracelet/log"

	"relaypool/internal/domain"
)

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.deps.Pool.Settings(r.Context())
	if err != nil {
		log.Error("Failed to load settings", "error", err)
		writeError(w, "Failed to load settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) saveSettings(w http.ResponseWriter, r *http.Request) {
	var patch domain.SettingsPatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	settings, err := s.deps.Pool.UpdateSettings(r.Context(), patch)
	if err != nil {
		log.Error("Failed to save settings", "error", err)
		writeError(w, "Failed to save settings", http.StatusInternalServerError)
		return
	}

	if s.deps.Settings != nil {
		if err := s.deps.Settings.Reschedule(settings); err != nil {
			log.Warn("Failed to apply new maintenance schedule", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "settings": settings})
}
