// Package queue is the producer/dispatcher facade over the job store:
// parameter validation and correlation stamping on the way in, claim and
// outcome recording on the way out.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/provisiond/internal/correlation"
	"github.com/you/provisiond/internal/domain"
	"github.com/you/provisiond/internal/storage"
)

// ErrUnknownJobType is returned for job types outside the closed enum.
var ErrUnknownJobType = errors.New("unknown job type")

type Client struct {
	store  storage.Store
	notify *Notifier
	log    *zap.Logger
}

func NewClient(store storage.Store, notify *Notifier, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{store: store, notify: notify, log: log}
}

// EnqueueParams describes a job to create. Correlation is required; use
// correlation.NewID when no natural external id exists.
type EnqueueParams struct {
	Type        domain.JobType
	Payload     domain.Payload
	Correlation correlation.Context
	RunAt       time.Time
	MaxAttempts int
}

// Enqueue validates and persists a new queued job, then wakes the worker.
func (c *Client) Enqueue(ctx context.Context, p EnqueueParams) (string, error) {
	if !domain.ValidJobType(p.Type) {
		return "", errors.Wrapf(ErrUnknownJobType, "%q", p.Type)
	}
	if p.Correlation.CorrelationID == "" {
		return "", errors.New("enqueue: correlation id required")
	}
	if _, err := json.Marshal(p.Payload); err != nil {
		return "", errors.Wrap(err, "enqueue: payload not serializable")
	}

	j := &domain.Job{
		Type:          p.Type,
		Payload:       p.Payload,
		RunAt:         p.RunAt,
		MaxAttempts:   p.MaxAttempts,
		CorrelationID: p.Correlation.CorrelationID,
	}
	if p.Correlation.StripeEventID != "" {
		j.StripeEventID = &p.Correlation.StripeEventID
	}
	if p.Correlation.PaymentIntentID != "" {
		j.PaymentIntentID = &p.Correlation.PaymentIntentID
	}
	if p.Correlation.TenantID != "" {
		j.TenantID = &p.Correlation.TenantID
	}

	if err := c.store.EnqueueJob(ctx, j); err != nil {
		return "", err
	}
	c.log.Info("job enqueued",
		zap.String("job_id", j.ID),
		zap.String("job_type", string(j.Type)),
		zap.String("correlation_id", j.CorrelationID))

	if err := c.notify.Wake(ctx); err != nil {
		c.log.Warn("wake publish failed", zap.Error(err))
	}
	return j.ID, nil
}

// ClaimJobs claims up to limit due jobs for processing.
func (c *Client) ClaimJobs(ctx context.Context, limit int) ([]*domain.Job, error) {
	return c.store.ClaimBatch(ctx, limit)
}

// CompleteJob marks a claimed job done.
func (c *Client) CompleteJob(ctx context.Context, id string) error {
	return c.store.CompleteJob(ctx, id)
}

// FailJob records a failed attempt; the store decides retry vs dead-letter.
func (c *Client) FailJob(ctx context.Context, id, msg string) error {
	return c.store.FailJob(ctx, id, msg)
}

// Job returns a job by id.
func (c *Client) Job(ctx context.Context, id string) (*domain.Job, error) {
	return c.store.GetJob(ctx, id)
}
