package webapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"responder/pkg/config"
)

// requireAuth gates a handler behind the configured API key. An empty hash
// in the config disables auth entirely, which is the local-dev default.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(w, r) {
			return
		}
		next(w, r)
	}
}

// authorize validates the request's API key, writing the error response
// itself when the check fails.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	cfg, err := config.GetConfig()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "configuration not loaded")
		return false
	}
	if cfg.Server.APIKeyHash == "" {
		return true
	}

	key := apiKeyFrom(r)
	if key == "" {
		s.writeError(w, http.StatusUnauthorized, "API key required")
		return false
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cfg.Server.APIKeyHash), []byte(key)); err != nil {
		s.logger.Warn("Failed authentication attempt from %s", r.RemoteAddr)
		s.writeError(w, http.StatusUnauthorized, "invalid API key")
		return false
	}
	return true
}

func apiKeyFrom(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// statusRecorder captures the response code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush passes through so the SSE stream still works behind the wrapper.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// withLogging tags each request with a trace id and logs method, path,
// status, and duration.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := uuid.NewString()[:8]
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		w.Header().Set("X-Trace-Id", traceID)

		start := time.Now()
		next.ServeHTTP(recorder, r)

		s.logger.Debug("%s %s %s -> %d (%s)",
			traceID, r.Method, r.URL.Path, recorder.status, time.Since(start).Round(time.Millisecond))
	})
}

func writeBody(w io.Writer, payload any) error {
	return json.NewEncoder(w).Encode(payload)
}
