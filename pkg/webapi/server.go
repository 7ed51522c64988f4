// Package webapi exposes the response pipeline over HTTP: message CRUD,
// queue and fetch control, analytics, diagnostics, a live SSE event stream,
// and Prometheus metrics.
package webapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"responder/pkg/dispatch"
	"responder/pkg/events"
	"responder/pkg/fetch"
	"responder/pkg/generate"
	"responder/pkg/limiter"
	"responder/pkg/logx"
	"responder/pkg/persistence"
	"responder/pkg/version"
)

// Server is the HTTP surface over the pipeline components.
type Server struct {
	store       *persistence.Store
	dispatcher  *dispatch.Dispatcher
	poller      *fetch.Poller
	generator   *generate.Generator
	gates       *limiter.Registry
	broadcaster *events.Broadcaster
	logger      *logx.Logger
	startedAt   time.Time

	// baseCtx outlives individual requests; background work started from a
	// handler (poller start) must not die with the request context.
	baseCtx context.Context
}

// NewServer wires the HTTP surface to the pipeline components.
func NewServer(store *persistence.Store, dispatcher *dispatch.Dispatcher, poller *fetch.Poller, generator *generate.Generator, gates *limiter.Registry, broadcaster *events.Broadcaster) *Server {
	return &Server{
		store:       store,
		dispatcher:  dispatcher,
		poller:      poller,
		generator:   generator,
		gates:       gates,
		broadcaster: broadcaster,
		logger:      logx.NewLogger("webapi"),
		startedAt:   time.Now().UTC(),
		baseCtx:     context.Background(),
	}
}

// RegisterRoutes sets up HTTP routes. Mutating routes require the API key
// when one is configured.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/emails", s.handleEmails)
	mux.HandleFunc("/api/emails/", s.handleEmailByID)
	mux.HandleFunc("/api/emails/ingest", s.requireAuth(s.handleIngest))
	mux.HandleFunc("/api/dataset/load", s.requireAuth(s.handleDatasetLoad))
	mux.HandleFunc("/api/analytics/summary", s.handleAnalyticsSummary)
	mux.HandleFunc("/api/queue", s.handleQueueStatus)
	mux.HandleFunc("/api/fetch/start", s.requireAuth(s.handleFetchStart))
	mux.HandleFunc("/api/fetch/stop", s.requireAuth(s.handleFetchStop))
	mux.HandleFunc("/api/fetch/status", s.handleFetchStatus)
	mux.HandleFunc("/api/fetch/run-once", s.requireAuth(s.handleFetchRunOnce))
	mux.HandleFunc("/api/fetch/mode", s.handleFetchMode)
	mux.HandleFunc("/api/ai/diag", s.handleAIDiag)
	mux.HandleFunc("/api/ai/test", s.handleAITest)
	mux.HandleFunc("/api/logs", s.handleLogs)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.withLogging(mux)
}

// StartServer starts the HTTP server in the background and shuts it down
// gracefully when ctx is cancelled.
func (s *Server) StartServer(ctx context.Context, addr string) error {
	s.baseCtx = ctx
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Starting API server on %s (version %s)", addr, version.Version)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down API server")
		// Parent context is already cancelled; shutdown needs a fresh one.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown failed: %v", err)
		}
	}()

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        version.Version,
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"queue_running":  s.dispatcher.Running(),
		"poller_running": s.poller.Running(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := writeBody(w, payload); err != nil {
		s.logger.Error("Failed to encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := writeBody(w, map[string]string{"error": msg}); err != nil {
		s.logger.Error("Failed to encode error response: %v", err)
	}
}
