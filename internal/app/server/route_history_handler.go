package server

import (
	"net/http"

	"github.com/charmbracelet/log"
)

const defaultHistoryLimit = 50

func (s *Server) historyList(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.History.List(r.Context(), queryInt(r, "limit", defaultHistoryLimit))
	if err != nil {
		writeError(w, "Failed to read history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "total": len(records)})
}

func (s *Server) historyStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.History.Stats(r.Context())
	if err != nil {
		writeError(w, "Failed to read history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) historyClear(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.History.Clear(r.Context()); err != nil {
		log.Error("Failed to clear history", "error", err)
		writeError(w, "Failed to clear history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
