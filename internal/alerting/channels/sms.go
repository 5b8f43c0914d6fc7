package channels

import (
	"context"
	"fmt"
	"log/slog"

	"scanmeter/internal/quota/models"
)

// smsMaxRunes keeps messages inside a single SMS segment.
const smsMaxRunes = 160

// SMSChannel renders short-form alert texts. Only urgent alerts are worth a
// text message; everything else is silently skipped.
type SMSChannel struct {
	numbers []string
	logger  *slog.Logger
}

func NewSMS(numbers []string, logger *slog.Logger) *SMSChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &SMSChannel{numbers: numbers, logger: logger}
}

func (c *SMSChannel) Name() string { return "sms" }

func (c *SMSChannel) Send(ctx context.Context, alert *models.Alert) error {
	if alert.Severity != models.AlertUrgent {
		return nil
	}
	if len(c.numbers) == 0 {
		return fmt.Errorf("sms channel has no numbers")
	}

	text := fmt.Sprintf("URGENT: %s", alert.Message)
	if runes := []rune(text); len(runes) > smsMaxRunes {
		text = string(runes[:smsMaxRunes-3]) + "..."
	}

	for _, number := range c.numbers {
		c.logger.InfoContext(ctx, "alert sms queued",
			"to", number,
			"text", text,
			"alert_id", alert.ID.String(),
		)
	}
	return nil
}
