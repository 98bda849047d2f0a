package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"relaypool/internal/artifact"
	"relaypool/internal/domain"
	"relaypool/internal/generation"
	"relaypool/internal/proxypool"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 10 * time.Second
)

type Generator interface {
	Generate(ctx context.Context, req generation.Request) (generation.Outcome, error)
}

type ProxyPool interface {
	Stats(ctx context.Context) (domain.PoolStats, error)
	List(ctx context.Context, filter proxypool.ListFilter) (proxypool.ListPage, error)
	Add(ctx context.Context, raw string, toPriority bool) (bool, error)
	Remove(ctx context.Context, raw string) (bool, error)
	Clear(ctx context.Context, scope proxypool.Scope) error
	VerifyAll(ctx context.Context) (proxypool.VerifyReport, error)
	Refresh(ctx context.Context) (int, error)
	Settings(ctx context.Context) (domain.Settings, error)
	UpdateSettings(ctx context.Context, patch domain.SettingsPatch) (domain.Settings, error)
}

type History interface {
	List(ctx context.Context, limit int) ([]domain.HistoryRecord, error)
	Stats(ctx context.Context) (domain.HistoryStats, error)
	Clear(ctx context.Context) error
}

// SettingsListener is told about every accepted settings change.
type SettingsListener interface {
	Reschedule(settings domain.Settings) error
}

type InstanceCounter interface {
	ActiveInstances(ctx context.Context) (int, error)
}

type Dependencies struct {
	Generator Generator
	Pool      ProxyPool
	History   History
	Objects   artifact.ObjectStorage
	// ImagePrefix is the path the stored artifacts are served under.
	ImagePrefix string
	Settings    SettingsListener
	Instances   InstanceCounter
	Metrics     http.Handler
}

type Server struct {
	deps Dependencies
}

func New(deps Dependencies) *Server {
	if deps.ImagePrefix == "" {
		deps.ImagePrefix = "/images"
	}
	deps.ImagePrefix = "/" + strings.Trim(deps.ImagePrefix, "/")
	return &Server{deps: deps}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// decodeBody decodes a JSON request body into dst. An empty body leaves dst
// untouched.
func decodeBody(r *http.Request, dst any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler returns the API router wrapped in the CORS middleware.
func (s *Server) Handler() http.Handler {
	router := http.NewServeMux()

	router.HandleFunc("POST /generate", s.generate)

	router.HandleFunc("GET /proxy/stats", s.proxyStats)
	router.HandleFunc("GET /proxy/list", s.proxyList)
	router.HandleFunc("POST /proxy/add", s.proxyAdd)
	router.HandleFunc("POST /proxy/remove", s.proxyRemove)
	router.HandleFunc("POST /proxy/clear", s.proxyClear)
	router.HandleFunc("POST /proxy/check", s.proxyCheck)
	router.HandleFunc("POST /proxy/update", s.proxyUpdate)

	router.HandleFunc("GET /history", s.historyList)
	router.HandleFunc("GET /history/stats", s.historyStats)
	router.HandleFunc("POST /history/clear", s.historyClear)

	router.HandleFunc("GET /settings", s.getSettings)
	router.HandleFunc("POST /settings", s.saveSettings)

	router.HandleFunc("GET "+s.deps.ImagePrefix+"/{name}", s.serveImage)

	router.HandleFunc("GET /health", s.health)
	router.HandleFunc("GET /version", getVersion)
	if s.deps.Metrics != nil {
		router.Handle("GET /metrics", s.deps.Metrics)
	}

	log.Debug("Routes opened")
	return enableCORS(router)
}

// Serve listens on port until ctx is cancelled, then drains in-flight requests.
func Serve(ctx context.Context, port int, handler http.Handler) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting relaypool backend on port :%d", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{"status": "ok"}
	if s.deps.Instances != nil {
		count, err := s.deps.Instances.ActiveInstances(r.Context())
		if err != nil {
			log.Warn("Failed to count active instances", "error", err)
		} else {
			payload["instances"] = count
		}
	}
	writeJSON(w, http.StatusOK, payload)
}
