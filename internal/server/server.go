// Package server exposes the HTTP surface: the scheduler-facing cron
// trigger, producer enqueue, job inspection, and Stripe webhook intake.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/you/provisiond/internal/correlation"
	"github.com/you/provisiond/internal/dispatch"
	"github.com/you/provisiond/internal/domain"
	"github.com/you/provisiond/internal/queue"
	"github.com/you/provisiond/internal/storage"
)

type Server struct {
	queue      *queue.Client
	dispatcher *dispatch.Dispatcher
	store      storage.Store
	log        *zap.Logger
	cronSecret string
	staleAfter time.Duration
}

func New(q *queue.Client, d *dispatch.Dispatcher, store storage.Store, log *zap.Logger, cronSecret string, staleAfter time.Duration) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{queue: q, dispatcher: d, store: store, log: log, cronSecret: cronSecret, staleAfter: staleAfter}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.requireCronSecret)
			r.Post("/cron/process", s.handleProcess)
			r.Post("/cron/reap", s.handleReap)
			r.Get("/jobs", s.handleListJobs)
		})
		r.Post("/jobs", s.handleEnqueue)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/webhooks/stripe", s.handleStripeWebhook)
	})
	return r
}

// requireCronSecret guards operator endpoints with the shared bearer
// secret the external scheduler sends.
func (s *Server) requireCronSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cronSecret)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	summary, err := s.dispatcher.Run(r.Context())
	resp := map[string]any{
		"success":    err == nil,
		"processed":  summary.Processed,
		"succeeded":  summary.Succeeded,
		"failed":     summary.Failed,
		"durationMs": summary.Duration.Milliseconds(),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		resp["error"] = err.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReap(w http.ResponseWriter, r *http.Request) {
	reaped, err := s.store.ReapStale(r.Context(), s.staleAfter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"reclaimed": reaped,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type enqueueRequest struct {
	JobType       string         `json:"job_type"`
	Payload       domain.Payload `json:"payload"`
	CorrelationID string         `json:"correlation_id"`
	TenantID      string         `json:"tenant_id"`
	RunAt         *time.Time     `json:"run_at"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = correlation.NewID()
	}
	params := queue.EnqueueParams{
		Type:        domain.JobType(req.JobType),
		Payload:     req.Payload,
		Correlation: correlation.NewContext(req.CorrelationID, req.TenantID),
	}
	if req.RunAt != nil {
		params.RunAt = *req.RunAt
	}
	id, err := s.queue.Enqueue(r.Context(), params)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, queue.ErrUnknownJobType) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": id, "correlation_id": req.CorrelationID})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "job not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, jobView(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := domain.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.Dead
	}
	jobs, err := s.store.ListJobsByStatus(r.Context(), status, 100)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	out := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobView(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// handleStripeWebhook records the event and defers all real work to the
// queue. Once the event is recorded the route answers 200 no matter what,
// so the provider does not retry an event we already own.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unreadable body"})
		return
	}
	ev, err := correlation.ParseStripeEvent(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	corr := correlation.FromStripeEvent(ev)

	var envelope struct {
		Data struct {
			Object domain.Payload `json:"object"`
		} `json:"data"`
	}
	_ = json.Unmarshal(body, &envelope)
	object := envelope.Data.Object

	inserted, err := s.store.RecordWebhookEvent(r.Context(), &domain.WebhookEvent{
		StripeEventID: ev.ID,
		EventType:     ev.Type,
		Payload:       object,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if !inserted {
		s.log.Info("webhook already recorded", zap.String("stripe_event_id", ev.ID))
		writeJSON(w, http.StatusOK, map[string]any{"received": true, "duplicate": true})
		return
	}

	if _, err := s.queue.Enqueue(r.Context(), queue.EnqueueParams{
		Type:        domain.WebhookProcess,
		Payload:     domain.Payload{"stripe_event_id": ev.ID},
		Correlation: corr,
	}); err != nil {
		// Event is recorded; a later pass or replay can pick it up.
		s.log.Error("enqueue webhook_process failed",
			zap.String("stripe_event_id", ev.ID),
			zap.String("correlation_id", corr.CorrelationID),
			zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true, "correlation_id": corr.CorrelationID})
}

func jobView(j *domain.Job) map[string]any {
	v := map[string]any{
		"id":             j.ID,
		"job_type":       j.Type,
		"status":         j.Status,
		"attempts":       j.Attempts,
		"max_attempts":   j.MaxAttempts,
		"run_at":         j.RunAt,
		"correlation_id": j.CorrelationID,
		"created_at":     j.CreatedAt,
		"updated_at":     j.UpdatedAt,
	}
	if j.LastError != nil {
		v["last_error"] = *j.LastError
	}
	if j.TenantID != nil {
		v["tenant_id"] = *j.TenantID
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
