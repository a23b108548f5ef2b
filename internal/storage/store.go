package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/you/provisiond/internal/domain"
)

var (
	// ErrNotFound is returned for operations against unknown ids.
	ErrNotFound = errors.New("not found")
)

// Store is the durable home of jobs and the rows handlers write while
// processing them. ClaimBatch is the concurrency-critical operation: two
// concurrent calls must never return overlapping job sets.
type Store interface {
	// EnqueueJob persists j in queued status. j.ID is assigned if empty.
	EnqueueJob(ctx context.Context, j *domain.Job) error
	// ClaimBatch atomically claims up to limit due jobs (status queued or
	// failed, run_at <= now, run_at ascending) and marks them processing.
	ClaimBatch(ctx context.Context, limit int) ([]*domain.Job, error)
	// CompleteJob marks a processing job completed.
	CompleteJob(ctx context.Context, id string) error
	// FailJob records a failed attempt: requeues with backoff, or
	// dead-letters once attempts reach max_attempts.
	FailJob(ctx context.Context, id, errMsg string) error
	// ReapStale routes jobs stuck in processing longer than olderThan
	// through the failure path. Returns how many were reclaimed.
	ReapStale(ctx context.Context, olderThan time.Duration) (int, error)
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	ListJobsByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Job, error)

	// Handler-side writes. All rows carry the job's correlation id.
	UpsertLicense(ctx context.Context, l *domain.License) error
	GetLicenseByTenant(ctx context.Context, tenantID string) (*domain.License, error)
	SetLicenseActive(ctx context.Context, licenseID string, active bool) error
	InsertLicenseEvent(ctx context.Context, ev *domain.LicenseEvent) error
	UpsertOrgSettings(ctx context.Context, tenantID string, settings domain.Payload) error
	UpsertOrgRole(ctx context.Context, tenantID, role string, permissions []string) error
	InsertAuditEvent(ctx context.Context, ev *domain.AuditEvent) error

	// RecordWebhookEvent inserts an inbound billing event, returning false
	// when the provider event id was already recorded.
	RecordWebhookEvent(ctx context.Context, ev *domain.WebhookEvent) (bool, error)
	GetWebhookEvent(ctx context.Context, stripeEventID string) (*domain.WebhookEvent, error)
	MarkWebhookEvent(ctx context.Context, stripeEventID, status string) error
}
