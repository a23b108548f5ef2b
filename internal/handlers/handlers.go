// Package handlers holds the per-job-type business logic. Handlers return
// an error on any unrecoverable condition; the dispatcher converts that
// into a fail/retry, so swallowing errors here would disable retries.
package handlers

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/provisiond/internal/domain"
	"github.com/you/provisiond/internal/email"
	"github.com/you/provisiond/internal/queue"
	"github.com/you/provisiond/internal/storage"
)

// Handler executes the side effect for one claimed job.
type Handler func(ctx context.Context, job *domain.Job) error

// Registry routes claimed jobs to their handlers.
type Registry struct {
	store storage.Store
	email email.Sender
	queue *queue.Client
	log   *zap.Logger

	byType map[domain.JobType]Handler
}

func NewRegistry(store storage.Store, sender email.Sender, q *queue.Client, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{store: store, email: sender, queue: q, log: log}
	r.byType = map[domain.JobType]Handler{
		domain.LicenseProvision:  r.provisionLicense,
		domain.LicenseSuspend:    r.toggleLicense,
		domain.LicenseReactivate: r.toggleLicense,
		domain.EmailSend:         r.sendEmail,
		domain.TenantSetup:       r.setupTenant,
		domain.WebhookProcess:    r.processWebhook,
	}
	return r
}

// Route dispatches job to its handler. An unknown job type is a handler
// failure like any other, so it flows through the retry/dead-letter path
// instead of being dropped.
func (r *Registry) Route(ctx context.Context, job *domain.Job) error {
	h, ok := r.byType[job.Type]
	if !ok {
		return errors.Errorf("unknown job type: %s", job.Type)
	}
	return h(ctx, job)
}

func stringField(p domain.Payload, key string) (string, error) {
	v, ok := p[key]
	if !ok {
		return "", errors.Errorf("payload missing %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", errors.Errorf("payload field %q must be a non-empty string", key)
	}
	return s, nil
}

func optionalString(p domain.Payload, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func intField(p domain.Payload, key string, def int) int {
	switch v := p[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}
