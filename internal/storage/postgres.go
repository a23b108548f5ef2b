package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/you/provisiond/internal/backoff"
	"github.com/you/provisiond/internal/domain"
)

var _ Store = (*Postgres)(nil)

// Postgres implements Store on a pgx pool. The claim uses
// FOR UPDATE SKIP LOCKED so concurrent dispatcher invocations partition
// due jobs instead of double-claiming them; the row lock is released when
// the claiming statement commits, before any handler runs.
type Postgres struct {
	db      *pgxpool.Pool
	retry   backoff.Strategy
	maxAtts int
}

func NewPostgres(db *pgxpool.Pool, retry backoff.Strategy, maxAttempts int) *Postgres {
	if retry == nil {
		retry = backoff.Default()
	}
	return &Postgres{db: db, retry: retry, maxAtts: maxAttempts}
}

const jobCols = `id, job_type, payload, status, attempts, max_attempts, run_at,
	last_error, correlation_id, stripe_event_id, payment_intent_id, tenant_id,
	claimed_at, created_at, updated_at`

func (s *Postgres) EnqueueJob(ctx context.Context, j *domain.Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = s.maxAtts
	}
	if j.RunAt.IsZero() {
		j.RunAt = time.Now().UTC()
	}
	j.Status = domain.Queued
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}
	_, err = s.db.Exec(ctx, `insert into provisioning_jobs(
	id, job_type, payload, status, attempts, max_attempts, run_at,
	correlation_id, stripe_event_id, payment_intent_id, tenant_id
) values ($1,$2,$3,'queued',0,$4,$5,$6,$7,$8,$9)`,
		j.ID, j.Type, payload, j.MaxAttempts, j.RunAt,
		j.CorrelationID, j.StripeEventID, j.PaymentIntentID, j.TenantID,
	)
	return errors.Wrap(err, "enqueue job")
}

func (s *Postgres) ClaimBatch(ctx context.Context, limit int) ([]*domain.Job, error) {
	rows, err := s.db.Query(ctx, `
with claimed as (
	update provisioning_jobs
	   set status = 'processing', claimed_at = now(), updated_at = now()
	 where id in (
		select id from provisioning_jobs
		 where status in ('queued','failed') and run_at <= now()
		 order by run_at asc
		 for update skip locked
		 limit $1
	 )
	returning `+jobCols+`
)
select * from claimed order by run_at asc`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "claim batch")
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *Postgres) CompleteJob(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `
update provisioning_jobs
   set status = 'completed', updated_at = now()
 where id = $1 and status = 'processing'`, id)
	if err != nil {
		return errors.Wrap(err, "complete job")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) FailJob(ctx context.Context, id, errMsg string) error {
	// Only the claim holder calls this for a processing job, so the
	// read-then-update below is not racing another writer.
	var attempts, maxAttempts int
	err := s.db.QueryRow(ctx,
		`select attempts, max_attempts from provisioning_jobs where id = $1 and status = 'processing'`,
		id).Scan(&attempts, &maxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return errors.Wrap(err, "fail job: load")
	}

	attempts++
	if attempts >= maxAttempts {
		_, err = s.db.Exec(ctx, `
update provisioning_jobs
   set status = 'dead', attempts = $2, last_error = $3, updated_at = now()
 where id = $1 and status = 'processing'`, id, attempts, errMsg)
		return errors.Wrap(err, "fail job: dead-letter")
	}

	runAt := time.Now().UTC().Add(s.retry.Delay(attempts))
	_, err = s.db.Exec(ctx, `
update provisioning_jobs
   set status = 'queued', attempts = $2, run_at = $3, last_error = $4,
       claimed_at = null, updated_at = now()
 where id = $1 and status = 'processing'`, id, attempts, runAt, errMsg)
	return errors.Wrap(err, "fail job: requeue")
}

func (s *Postgres) ReapStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.db.Query(ctx, `
select id from provisioning_jobs
 where status = 'processing' and claimed_at is not null and claimed_at < $1`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "reap stale: list")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "reap stale: scan")
		}
		ids = append(ids, id)
	}
	rows.Close()

	reaped := 0
	for _, id := range ids {
		if err := s.FailJob(ctx, id, "reclaimed stale processing job"); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}

func (s *Postgres) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `select `+jobCols+` from provisioning_jobs where id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, errors.Wrap(err, "get job")
}

func (s *Postgres) ListJobsByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Job, error) {
	rows, err := s.db.Query(ctx,
		`select `+jobCols+` from provisioning_jobs where status = $1 order by updated_at desc limit $2`,
		status, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()
	return collectJobs(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var j domain.Job
	var payload []byte
	if err := row.Scan(
		&j.ID, &j.Type, &payload, &j.Status, &j.Attempts, &j.MaxAttempts, &j.RunAt,
		&j.LastError, &j.CorrelationID, &j.StripeEventID, &j.PaymentIntentID, &j.TenantID,
		&j.ClaimedAt, &j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &j.Payload); err != nil {
			return nil, errors.Wrap(err, "unmarshal payload")
		}
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*domain.Job, error) {
	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		out = append(out, j)
	}
	return out, errors.Wrap(rows.Err(), "iterate jobs")
}

func (s *Postgres) UpsertLicense(ctx context.Context, l *domain.License) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	_, err := s.db.Exec(ctx, `
insert into licenses(id, tenant_id, plan, seats, active, payment_id)
values ($1,$2,$3,$4,$5,$6)
on conflict (tenant_id) do update
   set plan = excluded.plan, seats = excluded.seats, active = excluded.active,
       payment_id = excluded.payment_id, updated_at = now()`,
		l.ID, l.TenantID, l.Plan, l.Seats, l.Active, l.PaymentID)
	return errors.Wrap(err, "upsert license")
}

func (s *Postgres) GetLicenseByTenant(ctx context.Context, tenantID string) (*domain.License, error) {
	var l domain.License
	err := s.db.QueryRow(ctx, `
select id, tenant_id, plan, seats, active, payment_id, created_at, updated_at
  from licenses where tenant_id = $1`, tenantID).Scan(
		&l.ID, &l.TenantID, &l.Plan, &l.Seats, &l.Active, &l.PaymentID, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &l, errors.Wrap(err, "get license")
}

func (s *Postgres) SetLicenseActive(ctx context.Context, licenseID string, active bool) error {
	tag, err := s.db.Exec(ctx,
		`update licenses set active = $2, updated_at = now() where id = $1`, licenseID, active)
	if err != nil {
		return errors.Wrap(err, "set license active")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) InsertLicenseEvent(ctx context.Context, ev *domain.LicenseEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	_, err := s.db.Exec(ctx, `
insert into license_events(id, license_id, tenant_id, action, reason, correlation_id)
values ($1,$2,$3,$4,$5,$6)`,
		ev.ID, ev.LicenseID, ev.TenantID, ev.Action, ev.Reason, ev.CorrelationID)
	return errors.Wrap(err, "insert license event")
}

func (s *Postgres) UpsertOrgSettings(ctx context.Context, tenantID string, settings domain.Payload) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return errors.Wrap(err, "marshal settings")
	}
	_, err = s.db.Exec(ctx, `
insert into organization_settings(tenant_id, settings)
values ($1,$2)
on conflict (tenant_id) do update set settings = excluded.settings, updated_at = now()`,
		tenantID, raw)
	return errors.Wrap(err, "upsert org settings")
}

func (s *Postgres) UpsertOrgRole(ctx context.Context, tenantID, role string, permissions []string) error {
	raw, err := json.Marshal(permissions)
	if err != nil {
		return errors.Wrap(err, "marshal permissions")
	}
	_, err = s.db.Exec(ctx, `
insert into organization_roles(tenant_id, role, permissions)
values ($1,$2,$3)
on conflict (tenant_id, role) do update set permissions = excluded.permissions, updated_at = now()`,
		tenantID, role, raw)
	return errors.Wrap(err, "upsert org role")
}

func (s *Postgres) InsertAuditEvent(ctx context.Context, ev *domain.AuditEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	detail, err := json.Marshal(ev.Detail)
	if err != nil {
		return errors.Wrap(err, "marshal audit detail")
	}
	_, err = s.db.Exec(ctx, `
insert into audit_events(id, tenant_id, event_type, detail, correlation_id)
values ($1,$2,$3,$4,$5)`,
		ev.ID, ev.TenantID, ev.EventType, detail, ev.CorrelationID)
	return errors.Wrap(err, "insert audit event")
}

func (s *Postgres) RecordWebhookEvent(ctx context.Context, ev *domain.WebhookEvent) (bool, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Status == "" {
		ev.Status = "received"
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return false, errors.Wrap(err, "marshal webhook payload")
	}
	tag, err := s.db.Exec(ctx, `
insert into stripe_webhook_events(id, stripe_event_id, event_type, payload, status)
values ($1,$2,$3,$4,$5)
on conflict (stripe_event_id) do nothing`,
		ev.ID, ev.StripeEventID, ev.EventType, payload, ev.Status)
	if err != nil {
		return false, errors.Wrap(err, "record webhook event")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) GetWebhookEvent(ctx context.Context, stripeEventID string) (*domain.WebhookEvent, error) {
	var ev domain.WebhookEvent
	var payload []byte
	err := s.db.QueryRow(ctx, `
select id, stripe_event_id, event_type, payload, status, created_at
  from stripe_webhook_events where stripe_event_id = $1`, stripeEventID).Scan(
		&ev.ID, &ev.StripeEventID, &ev.EventType, &payload, &ev.Status, &ev.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get webhook event")
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, errors.Wrap(err, "unmarshal webhook payload")
		}
	}
	return &ev, nil
}

func (s *Postgres) MarkWebhookEvent(ctx context.Context, stripeEventID, status string) error {
	tag, err := s.db.Exec(ctx,
		`update stripe_webhook_events set status = $2 where stripe_event_id = $1`,
		stripeEventID, status)
	if err != nil {
		return errors.Wrap(err, "mark webhook event")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
