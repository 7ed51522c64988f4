package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"responder/pkg/classify"
	"responder/pkg/config"
	"responder/pkg/dataset"
	"responder/pkg/events"
	"responder/pkg/logx"
	"responder/pkg/persistence"
)

const defaultListLimit = 50

// handleEmails implements GET /api/emails with filters and pagination.
func (s *Server) handleEmails(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	filter := persistence.EmailFilter{
		Status:    query.Get("status"),
		Priority:  query.Get("priority"),
		Sentiment: query.Get("sentiment"),
		Source:    query.Get("source"),
		Search:    query.Get("q"),
		Limit:     defaultListLimit,
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			s.writeError(w, http.StatusBadRequest, "invalid limit %q", raw)
			return
		}
		filter.Limit = limit
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid offset %q", raw)
			return
		}
		filter.Offset = offset
	}

	emails, err := s.store.ListEmails(filter)
	if err != nil {
		s.logger.Error("Listing emails failed: %v", err)
		s.writeError(w, http.StatusInternalServerError, "listing emails failed")
		return
	}
	if emails == nil {
		emails = []*persistence.Email{}
	}
	s.writeJSON(w, http.StatusOK, emails)
}

// handleEmailByID routes /api/emails/{id} and its action subpaths.
func (s *Server) handleEmailByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/emails/")
	parts := strings.SplitN(rest, "/", 2)
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid email id %q", parts[0])
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		s.handleEmailGet(w, r, id)
	case "response":
		s.handleEmailResponse(w, r, id)
	case "approve":
		s.handleEmailApprove(w, r, id)
	case "send":
		s.handleEmailSend(w, r, id)
	case "resolve":
		s.handleEmailResolve(w, r, id)
	case "status":
		s.handleEmailStatus(w, r, id)
	case "regenerate":
		s.handleEmailRegenerate(w, r, id)
	default:
		s.writeError(w, http.StatusNotFound, "unknown action %q", action)
	}
}

func (s *Server) handleEmailGet(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	email, err := s.store.GetEmail(id)
	if err != nil {
		s.emailError(w, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, email)
}

// handleEmailResponse implements PUT /api/emails/{id}/response, replacing
// the draft reply text.
func (s *Server) handleEmailResponse(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(w, r) {
		return
	}

	var payload struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if strings.TrimSpace(payload.Response) == "" {
		s.writeError(w, http.StatusBadRequest, "response text required")
		return
	}

	if err := s.store.UpdateAutoResponse(id, payload.Response); err != nil {
		s.emailError(w, id, err)
		return
	}
	s.publishUpdate(id, "response_edited")
	s.respondWithEmail(w, id)
}

func (s *Server) handleEmailApprove(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(w, r) {
		return
	}
	if err := s.store.Approve(id, time.Now().UTC()); err != nil {
		s.emailError(w, id, err)
		return
	}
	s.publishUpdate(id, "approved")
	s.respondWithEmail(w, id)
}

// handleEmailSend marks the reply as sent and the thread resolved. Actual
// outbound delivery is out of scope here; an SMTP relay would hook in at
// this point.
func (s *Server) handleEmailSend(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(w, r) {
		return
	}
	if err := s.store.MarkSent(id, time.Now().UTC()); err != nil {
		s.emailError(w, id, err)
		return
	}
	s.publishUpdate(id, persistence.StatusResolved)
	s.respondWithEmail(w, id)
}

func (s *Server) handleEmailResolve(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(w, r) {
		return
	}
	if err := s.store.UpdateStatus(id, persistence.StatusResolved); err != nil {
		s.emailError(w, id, err)
		return
	}
	s.publishUpdate(id, persistence.StatusResolved)
	s.respondWithEmail(w, id)
}

func (s *Server) handleEmailStatus(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(w, r) {
		return
	}

	var payload struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	if err := s.store.UpdateStatus(id, payload.Status); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "email %d not found", id)
			return
		}
		s.writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	s.publishUpdate(id, payload.Status)
	s.respondWithEmail(w, id)
}

// handleEmailRegenerate queues a fresh generation job for the message.
func (s *Server) handleEmailRegenerate(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(w, r) {
		return
	}

	email, err := s.store.GetEmail(id)
	if err != nil {
		s.emailError(w, id, err)
		return
	}

	// Clear the existing reply so the worker does not skip the job.
	if email.AutoResponse != nil {
		if err := s.store.UpdateAutoResponse(id, ""); err != nil {
			s.emailError(w, id, err)
			return
		}
	}
	s.dispatcher.Enqueue(id, email.Priority)
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"id":     id,
		"queued": true,
	})
}

// handleIngest implements POST /api/emails/ingest: accept one message
// directly, classify it, and queue a response job.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload struct {
		Sender     string `json:"sender"`
		Subject    string `json:"subject"`
		Body       string `json:"body"`
		ReceivedAt string `json:"received_at,omitempty"`
		ExternalID string `json:"external_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if payload.Sender == "" || payload.Subject == "" || payload.Body == "" {
		s.writeError(w, http.StatusBadRequest, "sender, subject, and body are required")
		return
	}

	received := time.Now().UTC()
	if payload.ReceivedAt != "" {
		parsed, err := time.Parse(time.RFC3339, payload.ReceivedAt)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid received_at (use RFC3339)")
			return
		}
		received = parsed.UTC()
	}

	if payload.ExternalID != "" {
		known, err := s.store.ExistsExternal("api", payload.ExternalID)
		if err != nil {
			s.logger.Error("Ingest dedupe check failed: %v", err)
			s.writeError(w, http.StatusInternalServerError, "storing message failed")
			return
		}
		if known {
			s.writeError(w, http.StatusConflict, "message already exists")
			return
		}
	}

	email := &persistence.Email{
		Sender:     payload.Sender,
		Subject:    payload.Subject,
		Body:       payload.Body,
		ReceivedAt: received,
		Sentiment:  classify.Sentiment(payload.Body),
		Priority:   classify.Priority(payload.Body),
		Status:     persistence.StatusPending,
		Source:     "api",
	}
	if payload.ExternalID != "" {
		email.ExternalID = &payload.ExternalID
	}

	id, err := s.store.InsertEmail(email)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			s.writeError(w, http.StatusConflict, "message already exists")
			return
		}
		s.logger.Error("Ingest insert failed: %v", err)
		s.writeError(w, http.StatusInternalServerError, "storing message failed")
		return
	}
	email.ID = id

	s.dispatcher.Enqueue(id, email.Priority)
	s.broadcaster.Publish(events.EventEmailCreated, map[string]any{
		"id":        id,
		"subject":   email.Subject,
		"sender":    email.Sender,
		"priority":  email.Priority,
		"sentiment": email.Sentiment,
		"source":    email.Source,
	})
	s.writeJSON(w, http.StatusCreated, email)
}

// handleDatasetLoad implements POST /api/dataset/load.
func (s *Server) handleDatasetLoad(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload struct {
		Path              string `json:"path"`
		Wipe              bool   `json:"wipe"`
		GenerateResponses bool   `json:"generate_responses"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if payload.Path == "" {
		s.writeError(w, http.StatusBadRequest, "path required")
		return
	}

	summary, err := dataset.Load(s.store, s.dispatcher, payload.Path, dataset.Options{
		Wipe:              payload.Wipe,
		GenerateResponses: payload.GenerateResponses,
	})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

// handleAnalyticsSummary implements GET /api/analytics/summary.
func (s *Server) handleAnalyticsSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	statuses, err := s.store.CountByStatus()
	if err != nil {
		s.logger.Error("Analytics status counts failed: %v", err)
		s.writeError(w, http.StatusInternalServerError, "analytics query failed")
		return
	}

	last24h, err := s.store.CountReceivedSince(time.Now().UTC().Add(-24 * time.Hour))
	if err != nil {
		s.logger.Error("Analytics recent count failed: %v", err)
		s.writeError(w, http.StatusInternalServerError, "analytics query failed")
		return
	}

	summary := map[string]any{"status": statuses, "total": statuses.Total, "last_24h": last24h}
	for _, field := range []string{"sentiment", "priority", "source"} {
		counts, err := s.store.CountByField(field)
		if err != nil {
			s.logger.Error("Analytics %s counts failed: %v", field, err)
			s.writeError(w, http.StatusInternalServerError, "analytics query failed")
			return
		}
		summary[field] = counts
	}
	s.writeJSON(w, http.StatusOK, summary)
}

// handleQueueStatus implements GET /api/queue.
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	urgent, normal := s.dispatcher.Depths()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"running": s.dispatcher.Running(),
		"urgent":  urgent,
		"normal":  normal,
		"total":   urgent + normal,
		"items":   s.dispatcher.Snapshot(),
	})
}

func (s *Server) handleFetchStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.poller.Start(s.baseCtx); err != nil {
		s.writeError(w, http.StatusConflict, "%v", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"running": true})
}

func (s *Server) handleFetchStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.poller.Stop(ctx); err != nil {
		s.writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"running": false})
}

func (s *Server) handleFetchStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cfg, err := config.GetConfig()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "configuration not loaded")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"running":          s.poller.Running(),
		"source":           cfg.Poller.Source,
		"interval_seconds": cfg.Poller.Interval.Seconds(),
		"last_cycle":       s.poller.LastCycle(),
	})
}

// handleFetchRunOnce triggers a fetch cycle outside the schedule.
func (s *Server) handleFetchRunOnce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()
	summary := s.poller.RunOnce(ctx)
	s.writeJSON(w, http.StatusOK, summary)
}

// handleFetchMode implements GET and POST /api/fetch/mode for switching the
// poller source at runtime.
func (s *Server) handleFetchMode(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg, err := config.GetConfig()
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "configuration not loaded")
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"source": cfg.Poller.Source})
	case http.MethodPost:
		if !s.authorize(w, r) {
			return
		}
		var payload struct {
			Source string `json:"source"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if err := config.UpdateSource(payload.Source); err != nil {
			s.writeError(w, http.StatusBadRequest, "%v", err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"source": payload.Source})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleAIDiag implements GET /api/ai/diag.
func (s *Server) handleAIDiag(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"generator": s.generator.Diagnostics(),
		"limits":    s.gates.Status(),
	})
}

// handleAITest implements GET /api/ai/test: one live round-trip to the
// primary provider.
func (s *Server) handleAITest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	reply, err := s.generator.Ping(ctx)
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "reply": reply})
}

// handleLogs implements GET /api/logs from the in-memory ring buffer.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	component := query.Get("component")

	var since time.Time
	if raw := query.Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid since parameter (use RFC3339)")
			return
		}
		since = parsed
	}

	entries := logx.RecentEntries(component, since)
	if entries == nil {
		entries = []logx.LogEntry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) respondWithEmail(w http.ResponseWriter, id int64) {
	email, err := s.store.GetEmail(id)
	if err != nil {
		s.emailError(w, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, email)
}

func (s *Server) emailError(w http.ResponseWriter, id int64, err error) {
	if errors.Is(err, persistence.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "email %d not found", id)
		return
	}
	s.logger.Error("Email %d operation failed: %v", id, err)
	s.writeError(w, http.StatusInternalServerError, "operation failed")
}

func (s *Server) publishUpdate(id int64, status string) {
	s.broadcaster.Publish(events.EventEmailUpdated, map[string]any{
		"id":     id,
		"status": status,
	})
}
