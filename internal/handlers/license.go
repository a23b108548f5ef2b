package handlers

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/provisiond/internal/domain"
)

// provisionLicense activates a license for a tenant. Keyed on tenant id,
// so a redelivered job updates the same row instead of creating a second
// license.
func (r *Registry) provisionLicense(ctx context.Context, job *domain.Job) error {
	tenantID, err := stringField(job.Payload, "tenant_id")
	if err != nil {
		return err
	}
	plan := optionalString(job.Payload, "plan")
	if plan == "" {
		plan = "standard"
	}
	seats := intField(job.Payload, "seats", 1)

	lic := &domain.License{
		TenantID: tenantID,
		Plan:     plan,
		Seats:    seats,
		Active:   true,
	}
	if job.PaymentIntentID != nil {
		lic.PaymentID = job.PaymentIntentID
	}
	if err := r.store.UpsertLicense(ctx, lic); err != nil {
		return err
	}
	if err := r.store.InsertLicenseEvent(ctx, &domain.LicenseEvent{
		LicenseID:     lic.ID,
		TenantID:      tenantID,
		Action:        "provisioned",
		Reason:        optionalString(job.Payload, "reason"),
		CorrelationID: job.CorrelationID,
	}); err != nil {
		return err
	}
	if err := r.store.InsertAuditEvent(ctx, &domain.AuditEvent{
		TenantID:      tenantID,
		EventType:     "license_provisioned",
		Detail:        domain.Payload{"plan": plan, "seats": seats, "license_id": lic.ID},
		CorrelationID: job.CorrelationID,
	}); err != nil {
		return err
	}

	r.log.Info("license provisioned",
		zap.String("tenant_id", tenantID),
		zap.String("license_id", lic.ID),
		zap.String("correlation_id", job.CorrelationID))
	return nil
}

// toggleLicense serves both license_suspend and license_reactivate; the
// payload's action field decides the direction.
func (r *Registry) toggleLicense(ctx context.Context, job *domain.Job) error {
	tenantID, err := stringField(job.Payload, "tenant_id")
	if err != nil {
		return err
	}
	action, err := stringField(job.Payload, "action")
	if err != nil {
		return err
	}

	var active bool
	var recorded string
	switch action {
	case "suspend":
		active, recorded = false, "suspended"
	case "reactivate":
		active, recorded = true, "reactivated"
	default:
		return errors.Errorf("unknown license action: %s", action)
	}

	lic, err := r.store.GetLicenseByTenant(ctx, tenantID)
	if err != nil {
		return errors.Wrapf(err, "license for tenant %s", tenantID)
	}
	if err := r.store.SetLicenseActive(ctx, lic.ID, active); err != nil {
		return err
	}
	if err := r.store.InsertLicenseEvent(ctx, &domain.LicenseEvent{
		LicenseID:     lic.ID,
		TenantID:      tenantID,
		Action:        recorded,
		Reason:        optionalString(job.Payload, "reason"),
		CorrelationID: job.CorrelationID,
	}); err != nil {
		return err
	}

	r.log.Info("license "+recorded,
		zap.String("tenant_id", tenantID),
		zap.String("license_id", lic.ID),
		zap.String("correlation_id", job.CorrelationID))
	return nil
}
