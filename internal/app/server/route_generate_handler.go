package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/charmbracelet/log"

	"relaypool/internal/generation"
)

func (s *Server) generate(w http.ResponseWriter, r *http.Request) {
	var req generation.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	// A client disconnect must not abort an attempt or count against its proxy.
	outcome, err := s.deps.Generator.Generate(context.WithoutCancel(r.Context()), req)
	if errors.Is(err, generation.ErrInvalidRequest) {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		log.Error("Generation request failed", "error", err)
		writeError(w, "Generation failed", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if !outcome.Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, outcome)
}
