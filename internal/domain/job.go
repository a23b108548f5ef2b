package domain

import "time"

type Status string

const (
	Queued     Status = "queued"
	Processing Status = "processing"
	Completed  Status = "completed"
	Failed     Status = "failed"
	Dead       Status = "dead"
)

// Terminal reports whether a job in this status may never run again.
func (s Status) Terminal() bool { return s == Completed || s == Dead }

type JobType string

const (
	LicenseProvision  JobType = "license_provision"
	LicenseSuspend    JobType = "license_suspend"
	LicenseReactivate JobType = "license_reactivate"
	EmailSend         JobType = "email_send"
	TenantSetup       JobType = "tenant_setup"
	WebhookProcess    JobType = "webhook_process"
)

var jobTypes = map[JobType]struct{}{
	LicenseProvision:  {},
	LicenseSuspend:    {},
	LicenseReactivate: {},
	EmailSend:         {},
	TenantSetup:       {},
	WebhookProcess:    {},
}

// ValidJobType reports whether t is one of the known job types.
func ValidJobType(t JobType) bool {
	_, ok := jobTypes[t]
	return ok
}

type Payload map[string]any

// Job is the unit of deferred work. The jobs table is the sole owner of
// status/attempts/run_at; handlers never mutate those directly.
type Job struct {
	ID              string
	Type            JobType
	Payload         Payload
	Status          Status
	Attempts        int
	MaxAttempts     int
	RunAt           time.Time
	LastError       *string
	CorrelationID   string
	StripeEventID   *string
	PaymentIntentID *string
	TenantID        *string
	ClaimedAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// License is the provisioned entitlement a tenant purchases.
type License struct {
	ID        string
	TenantID  string
	Plan      string
	Seats     int
	Active    bool
	PaymentID *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LicenseEvent records a lifecycle transition on a license.
type LicenseEvent struct {
	ID            string
	LicenseID     string
	TenantID      string
	Action        string
	Reason        string
	CorrelationID string
	CreatedAt     time.Time
}

// AuditEvent is the generic trace record written by handlers. Every row
// carries the correlation id of the job that produced it.
type AuditEvent struct {
	ID            string
	TenantID      string
	EventType     string
	Detail        Payload
	CorrelationID string
	CreatedAt     time.Time
}

// WebhookEvent is a recorded inbound billing event, deduplicated on the
// provider's event id.
type WebhookEvent struct {
	ID            string
	StripeEventID string
	EventType     string
	Payload       Payload
	Status        string
	CreatedAt     time.Time
}
