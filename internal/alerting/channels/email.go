// Package channels provides notification channel implementations for the
// alert dispatcher. Email and SMS render operator-facing text and hand it to
// the delivery log; the stream channel publishes structured alerts to Kafka
// for downstream billing and CRM consumers.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"scanmeter/internal/quota/models"
	"scanmeter/pkg/email"
)

// EmailChannel renders alert emails for the configured operator recipients.
// Delivery goes through the structured log; an SMTP relay tails it in
// deployment.
type EmailChannel struct {
	recipients []string
	logger     *slog.Logger
}

func NewEmail(recipients []string, logger *slog.Logger) *EmailChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailChannel{recipients: recipients, logger: logger}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Send(ctx context.Context, alert *models.Alert) error {
	if len(c.recipients) == 0 {
		return fmt.Errorf("email channel has no recipients")
	}

	var body strings.Builder
	fmt.Fprintf(&body, "Severity: %s\n", alert.Severity)
	fmt.Fprintf(&body, "%s\n\n", alert.Message)
	if alert.Details.RecommendedAction != "" {
		fmt.Fprintf(&body, "Recommended action: %s\n", alert.Details.RecommendedAction)
	}
	if alert.Details.EstimatedCost != nil {
		fmt.Fprintf(&body, "Estimated top-up cost: %s\n", alert.Details.EstimatedCost.StringFixed(2))
	}

	for _, recipient := range c.recipients {
		first, _ := email.DeriveNameFromEmail(recipient)
		c.logger.InfoContext(ctx, "alert email queued",
			"to", recipient,
			"salutation", first,
			"subject", subjectFor(alert),
			"body", body.String(),
			"alert_id", alert.ID.String(),
		)
	}
	return nil
}

func subjectFor(alert *models.Alert) string {
	return fmt.Sprintf("[%s] %s quota alert for %s",
		strings.ToUpper(string(alert.Severity)), alert.Type, tenantLabel(alert))
}

func tenantLabel(alert *models.Alert) string {
	if alert.TenantName != "" {
		return alert.TenantName
	}
	return alert.TenantID
}
