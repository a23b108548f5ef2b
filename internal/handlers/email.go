package handlers

import (
	"context"

	"go.uber.org/zap"

	"github.com/you/provisiond/internal/domain"
	"github.com/you/provisiond/internal/email"
)

// sendEmail dispatches a transactional message. Provider failures come
// back as errors so the job retries with backoff.
func (r *Registry) sendEmail(ctx context.Context, job *domain.Job) error {
	to, err := stringField(job.Payload, "to")
	if err != nil {
		return err
	}
	subject, err := stringField(job.Payload, "subject")
	if err != nil {
		return err
	}
	html := optionalString(job.Payload, "html")

	if err := r.email.Send(ctx, email.Message{To: to, Subject: subject, HTML: html}); err != nil {
		return err
	}

	r.log.Info("email sent",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.String("correlation_id", job.CorrelationID))
	return nil
}
