package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"

	"relaypool/internal/domain"
	"relaypool/internal/proxypool"
)

const defaultListLimit = 100

func (s *Server) proxyStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Pool.Stats(r.Context())
	if err != nil {
		log.Error("Failed to compute proxy stats", "error", err)
		writeError(w, "Failed to read proxy pool", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func (s *Server) proxyList(w http.ResponseWriter, r *http.Request) {
	filter := proxypool.ListFilter{
		ValidOnly: r.URL.Query().Get("valid_only") == "true",
		Offset:    queryInt(r, "offset", 0),
		Limit:     queryInt(r, "limit", defaultListLimit),
	}
	if tier := domain.Tier(r.URL.Query().Get("pool")); tier.Valid() {
		filter.Tier = tier
	}

	page, err := s.deps.Pool.List(r.Context(), filter)
	if err != nil {
		log.Error("Failed to list proxies", "error", err)
		writeError(w, "Failed to read proxy pool", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type addProxyRequest struct {
	Proxy    string `json:"proxy"`
	Priority bool   `json:"priority"`
}

func (s *Server) proxyAdd(w http.ResponseWriter, r *http.Request) {
	var req addProxyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	added, err := s.deps.Pool.Add(r.Context(), req.Proxy, req.Priority)
	switch {
	case errors.Is(err, proxypool.ErrInvalidAddress):
		writeError(w, "Invalid proxy address", http.StatusBadRequest)
	case err != nil:
		log.Error("Failed to add proxy", "proxy", req.Proxy, "error", err)
		writeError(w, "Failed to add proxy", http.StatusInternalServerError)
	case !added:
		writeError(w, "Proxy already exists", http.StatusConflict)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

type removeProxyRequest struct {
	Proxy string `json:"proxy"`
}

func (s *Server) proxyRemove(w http.ResponseWriter, r *http.Request) {
	var req removeProxyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	removed, err := s.deps.Pool.Remove(r.Context(), req.Proxy)
	if errors.Is(err, proxypool.ErrInvalidAddress) {
		writeError(w, "Invalid proxy address", http.StatusBadRequest)
		return
	}
	if err != nil {
		log.Error("Failed to remove proxy", "proxy", req.Proxy, "error", err)
		writeError(w, "Failed to remove proxy", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": removed})
}

type clearProxyRequest struct {
	Pool string `json:"pool"`
}

func (s *Server) proxyClear(w http.ResponseWriter, r *http.Request) {
	var req clearProxyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	scope, err := proxypool.ParseScope(req.Pool)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.deps.Pool.Clear(r.Context(), scope); err != nil {
		log.Error("Failed to clear proxies", "scope", scope, "error", err)
		writeError(w, "Failed to clear proxy pool", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "cleared": scope})
}

func (s *Server) proxyCheck(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Pool.VerifyAll(r.Context())
	if err != nil {
		log.Error("Proxy health check failed", "error", err)
		writeError(w, "Health check failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"checked":        report.Checked,
		"valid":          report.Valid,
		"valid_priority": report.ValidPriority,
		"valid_public":   report.ValidPublic,
	})
}

func (s *Server) proxyUpdate(w http.ResponseWriter, r *http.Request) {
	added, err := s.deps.Pool.Refresh(r.Context())
	if err != nil {
		log.Error("Proxy pool update failed", "error", err)
		writeError(w, "Failed to update proxy pool", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "new_count": added})
}
