package handlers

import (
	"context"

	"go.uber.org/zap"

	"github.com/you/provisiond/internal/domain"
)

var defaultRoles = map[string][]string{
	"admin":      {"manage_members", "manage_billing", "manage_courses", "view_reports"},
	"instructor": {"manage_courses", "grade_submissions", "view_reports"},
	"learner":    {"view_courses", "submit_work"},
}

// setupTenant seeds default settings and role permission sets for a newly
// provisioned organization. Both writes are upserts keyed on tenant id, so
// a redelivery converges to the same state.
func (r *Registry) setupTenant(ctx context.Context, job *domain.Job) error {
	tenantID, err := stringField(job.Payload, "tenant_id")
	if err != nil {
		return err
	}

	settings := domain.Payload{
		"self_enrollment":      false,
		"certificate_issuance": true,
		"default_locale":       "en-US",
		"plan":                 optionalString(job.Payload, "plan"),
	}
	if err := r.store.UpsertOrgSettings(ctx, tenantID, settings); err != nil {
		return err
	}
	for role, perms := range defaultRoles {
		if err := r.store.UpsertOrgRole(ctx, tenantID, role, perms); err != nil {
			return err
		}
	}
	if err := r.store.InsertAuditEvent(ctx, &domain.AuditEvent{
		TenantID:      tenantID,
		EventType:     "tenant_setup_complete",
		Detail:        domain.Payload{"roles": len(defaultRoles)},
		CorrelationID: job.CorrelationID,
	}); err != nil {
		return err
	}

	r.log.Info("tenant setup complete",
		zap.String("tenant_id", tenantID),
		zap.String("correlation_id", job.CorrelationID))
	return nil
}
