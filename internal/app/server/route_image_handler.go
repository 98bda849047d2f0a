package server

import (
	"bytes"
	"errors"
	"net/http"

	"github.com/charmbracelet/log"

	"relaypool/internal/artifact"
)

func (s *Server) serveImage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Objects == nil {
		http.NotFound(w, r)
		return
	}

	name := r.PathValue("name")
	object, err := s.deps.Objects.Get(r.Context(), name)
	if errors.Is(err, artifact.ErrObjectNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		log.Error("Failed to read stored image", "name", name, "error", err)
		writeError(w, "Failed to read image", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", object.ContentType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeContent(w, r, object.Name, object.ModTime, bytes.NewReader(object.Data))
}
