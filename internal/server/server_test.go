package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/provisiond/internal/backoff"
	"github.com/you/provisiond/internal/dispatch"
	"github.com/you/provisiond/internal/domain"
	"github.com/you/provisiond/internal/email"
	"github.com/you/provisiond/internal/handlers"
	"github.com/you/provisiond/internal/queue"
	"github.com/you/provisiond/internal/storage"
)

const testSecret = "cron-secret"

type okSender struct{}

func (okSender) Send(context.Context, email.Message) error { return nil }

func newTestServer() (http.Handler, *storage.Memory) {
	store := storage.NewMemory(backoff.Default(), 10)
	q := queue.NewClient(store, nil, nil)
	reg := handlers.NewRegistry(store, okSender{}, q, nil)
	d := dispatch.New(q, reg, nil, 25, 2)
	s := New(q, d, store, nil, testSecret, 10*time.Minute)
	return s.Router(), store
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestCronProcessRequiresSecret(t *testing.T) {
	h, _ := newTestServer()

	rec, _ := doJSON(t, h, http.MethodPost, "/v1/cron/process", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = doJSON(t, h, http.MethodPost, "/v1/cron/process", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCronProcessSummary(t *testing.T) {
	h, store := newTestServer()
	ctx := context.Background()

	require.NoError(t, store.EnqueueJob(ctx, &domain.Job{
		Type:          domain.EmailSend,
		Payload:       domain.Payload{"to": "a@b.com", "subject": "Hi"},
		CorrelationID: "pi_123",
	}))

	rec, body := doJSON(t, h, http.MethodPost, "/v1/cron/process", testSecret, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(1), body["processed"])
	assert.Equal(t, float64(1), body["succeeded"])
	assert.Equal(t, float64(0), body["failed"])
	assert.Contains(t, body, "durationMs")
	assert.Contains(t, body, "timestamp")
}

func TestEnqueueEndpoint(t *testing.T) {
	h, store := newTestServer()

	rec, body := doJSON(t, h, http.MethodPost, "/v1/jobs", "", map[string]any{
		"job_type":       "email_send",
		"payload":        map[string]any{"to": "a@b.com", "subject": "Hi"},
		"correlation_id": "pi_123",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID, _ := body["job_id"].(string)
	require.NotEmpty(t, jobID)

	j, err := store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, "pi_123", j.CorrelationID)
}

func TestEnqueueEndpointGeneratesCorrelation(t *testing.T) {
	h, _ := newTestServer()

	rec, body := doJSON(t, h, http.MethodPost, "/v1/jobs", "", map[string]any{
		"job_type": "tenant_setup",
		"payload":  map[string]any{"tenant_id": "t1"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	corr, _ := body["correlation_id"].(string)
	assert.Contains(t, corr, "corr_")
}

func TestEnqueueEndpointRejectsUnknownType(t *testing.T) {
	h, _ := newTestServer()

	rec, _ := doJSON(t, h, http.MethodPost, "/v1/jobs", "", map[string]any{
		"job_type": "mystery",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJob(t *testing.T) {
	h, store := newTestServer()
	ctx := context.Background()

	j := &domain.Job{Type: domain.EmailSend, CorrelationID: "c"}
	require.NoError(t, store.EnqueueJob(ctx, j))

	rec, body := doJSON(t, h, http.MethodGet, "/v1/jobs/"+j.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, j.ID, body["id"])
	assert.Equal(t, "queued", body["status"])

	rec, _ = doJSON(t, h, http.MethodGet, "/v1/jobs/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStripeWebhookRecordsAndEnqueues(t *testing.T) {
	h, store := newTestServer()

	event := map[string]any{
		"id":   "evt_1",
		"type": "checkout.session.completed",
		"data": map[string]any{"object": map[string]any{
			"payment_intent": "pi_abc",
			"customer_email": "buyer@example.com",
			"metadata":       map[string]any{"tenant_id": "t1"},
		}},
	}
	rec, body := doJSON(t, h, http.MethodPost, "/v1/webhooks/stripe", "", event)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["received"])
	assert.Equal(t, "pi_abc", body["correlation_id"])

	ev, err := store.GetWebhookEvent(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, "checkout.session.completed", ev.EventType)

	queued, err := store.ListJobsByStatus(context.Background(), domain.Queued, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, domain.WebhookProcess, queued[0].Type)
	assert.Equal(t, "pi_abc", queued[0].CorrelationID)

	// Redelivery of the same event is acknowledged without a second job.
	rec, body = doJSON(t, h, http.MethodPost, "/v1/webhooks/stripe", "", event)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["duplicate"])
	queued, err = store.ListJobsByStatus(context.Background(), domain.Queued, 10)
	require.NoError(t, err)
	assert.Len(t, queued, 1)
}

func TestCronReap(t *testing.T) {
	h, store := newTestServer()
	ctx := context.Background()

	base := time.Now().UTC()
	now := base
	store.SetClock(func() time.Time { return now })

	j := &domain.Job{Type: domain.EmailSend, CorrelationID: "c"}
	require.NoError(t, store.EnqueueJob(ctx, j))
	_, err := store.ClaimBatch(ctx, 1)
	require.NoError(t, err)

	now = base.Add(time.Hour)
	rec, body := doJSON(t, h, http.MethodPost, "/v1/cron/reap", testSecret, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["reclaimed"])
}

func TestListDeadJobs(t *testing.T) {
	h, store := newTestServer()
	ctx := context.Background()

	j := &domain.Job{Type: domain.EmailSend, CorrelationID: "c", MaxAttempts: 1}
	require.NoError(t, store.EnqueueJob(ctx, j))
	_, err := store.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, store.FailJob(ctx, j.ID, "permanent"))

	rec, body := doJSON(t, h, http.MethodGet, "/v1/jobs?status=dead", testSecret, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	jobs, _ := body["jobs"].([]any)
	require.Len(t, jobs, 1)
	dead := jobs[0].(map[string]any)
	assert.Equal(t, "permanent", dead["last_error"])
}
