package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/you/provisiond/internal/backoff"
	"github.com/you/provisiond/internal/domain"
)

var _ Store = (*Memory)(nil)

// Memory is an in-memory Store for unit tests and development. The mutex
// makes ClaimBatch atomic, giving it the same no-double-claim guarantee
// the Postgres skip-locked statement provides.
type Memory struct {
	mu sync.Mutex

	jobs          map[string]*domain.Job
	licenses      map[string]*domain.License // keyed by tenant id
	licenseEvents []*domain.LicenseEvent
	orgSettings   map[string]domain.Payload
	orgRoles      map[string]map[string][]string
	auditEvents   []*domain.AuditEvent
	webhookEvents map[string]*domain.WebhookEvent // keyed by stripe event id

	retry   backoff.Strategy
	maxAtts int
	now     func() time.Time
}

func NewMemory(retry backoff.Strategy, maxAttempts int) *Memory {
	if retry == nil {
		retry = backoff.Default()
	}
	return &Memory{
		jobs:          make(map[string]*domain.Job),
		licenses:      make(map[string]*domain.License),
		orgSettings:   make(map[string]domain.Payload),
		orgRoles:      make(map[string]map[string][]string),
		webhookEvents: make(map[string]*domain.WebhookEvent),
		retry:         retry,
		maxAtts:       maxAttempts,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store's clock. Test hook.
func (m *Memory) SetClock(now func() time.Time) { m.now = now }

func (m *Memory) EnqueueJob(_ context.Context, j *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = m.maxAtts
	}
	now := m.now()
	if j.RunAt.IsZero() {
		j.RunAt = now
	}
	j.Status = domain.Queued
	j.CreatedAt = now
	j.UpdatedAt = now
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *Memory) ClaimBatch(_ context.Context, limit int) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	candidates := make([]*domain.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.Status != domain.Queued && j.Status != domain.Failed {
			continue
		}
		if j.RunAt.After(now) {
			continue
		}
		candidates = append(candidates, j)
	}
	sort.Slice(candidates, func(i, k int) bool {
		return candidates[i].RunAt.Before(candidates[k].RunAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]*domain.Job, 0, len(candidates))
	for _, j := range candidates {
		j.Status = domain.Processing
		claimed := now
		j.ClaimedAt = &claimed
		j.UpdatedAt = now
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) CompleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.Status != domain.Processing {
		return ErrNotFound
	}
	j.Status = domain.Completed
	j.UpdatedAt = m.now()
	return nil
}

func (m *Memory) FailJob(_ context.Context, id, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failLocked(id, errMsg)
}

func (m *Memory) failLocked(id, errMsg string) error {
	j, ok := m.jobs[id]
	if !ok || j.Status != domain.Processing {
		return ErrNotFound
	}
	now := m.now()
	j.Attempts++
	j.LastError = &errMsg
	j.UpdatedAt = now
	if j.Attempts >= j.MaxAttempts {
		j.Status = domain.Dead
		return nil
	}
	j.Status = domain.Queued
	j.RunAt = now.Add(m.retry.Delay(j.Attempts))
	j.ClaimedAt = nil
	return nil
}

func (m *Memory) ReapStale(_ context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-olderThan)
	reaped := 0
	for id, j := range m.jobs {
		if j.Status != domain.Processing || j.ClaimedAt == nil || !j.ClaimedAt.Before(cutoff) {
			continue
		}
		if err := m.failLocked(id, "reclaimed stale processing job"); err == nil {
			reaped++
		}
	}
	return reaped, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *Memory) ListJobsByStatus(_ context.Context, status domain.Status, limit int) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Job
	for _, j := range m.jobs {
		if j.Status != status {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].UpdatedAt.After(out[k].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpsertLicense(_ context.Context, l *domain.License) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if existing, ok := m.licenses[l.TenantID]; ok {
		l.ID = existing.ID
		l.CreatedAt = existing.CreatedAt
	} else {
		if l.ID == "" {
			l.ID = uuid.NewString()
		}
		l.CreatedAt = now
	}
	l.UpdatedAt = now
	cp := *l
	m.licenses[l.TenantID] = &cp
	return nil
}

func (m *Memory) GetLicenseByTenant(_ context.Context, tenantID string) (*domain.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.licenses[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *Memory) SetLicenseActive(_ context.Context, licenseID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, l := range m.licenses {
		if l.ID == licenseID {
			l.Active = active
			l.UpdatedAt = m.now()
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) InsertLicenseEvent(_ context.Context, ev *domain.LicenseEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.CreatedAt = m.now()
	cp := *ev
	m.licenseEvents = append(m.licenseEvents, &cp)
	return nil
}

// LicenseEvents returns a copy of all recorded license events. Test hook.
func (m *Memory) LicenseEvents() []*domain.LicenseEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.LicenseEvent(nil), m.licenseEvents...)
}

func (m *Memory) UpsertOrgSettings(_ context.Context, tenantID string, settings domain.Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orgSettings[tenantID] = settings
	return nil
}

// OrgSettings returns the stored settings for a tenant. Test hook.
func (m *Memory) OrgSettings(tenantID string) (domain.Payload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.orgSettings[tenantID]
	return s, ok
}

func (m *Memory) UpsertOrgRole(_ context.Context, tenantID, role string, permissions []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.orgRoles[tenantID] == nil {
		m.orgRoles[tenantID] = make(map[string][]string)
	}
	m.orgRoles[tenantID][role] = permissions
	return nil
}

// OrgRoles returns the stored roles for a tenant. Test hook.
func (m *Memory) OrgRoles(tenantID string) map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orgRoles[tenantID]
}

func (m *Memory) InsertAuditEvent(_ context.Context, ev *domain.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.CreatedAt = m.now()
	cp := *ev
	m.auditEvents = append(m.auditEvents, &cp)
	return nil
}

// AuditEvents returns a copy of all recorded audit events. Test hook.
func (m *Memory) AuditEvents() []*domain.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.AuditEvent(nil), m.auditEvents...)
}

func (m *Memory) RecordWebhookEvent(_ context.Context, ev *domain.WebhookEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.webhookEvents[ev.StripeEventID]; ok {
		return false, nil
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Status == "" {
		ev.Status = "received"
	}
	ev.CreatedAt = m.now()
	cp := *ev
	m.webhookEvents[ev.StripeEventID] = &cp
	return true, nil
}

func (m *Memory) GetWebhookEvent(_ context.Context, stripeEventID string) (*domain.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.webhookEvents[stripeEventID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

func (m *Memory) MarkWebhookEvent(_ context.Context, stripeEventID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.webhookEvents[stripeEventID]
	if !ok {
		return ErrNotFound
	}
	ev.Status = status
	return nil
}
