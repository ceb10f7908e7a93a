package notify

import (
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

// SlackSender posts registry alerts to a single incoming webhook, for
// teams that want channel-level visibility alongside per-device push.
type SlackSender struct {
	webhookURL string
	logger     *slog.Logger
}

// NewSlackSender builds a sender bound to one webhook URL.
func NewSlackSender(webhookURL string, logger *slog.Logger) *SlackSender {
	return &SlackSender{webhookURL: webhookURL, logger: logger}
}

// Send posts title/body as a single webhook message. Failures are logged,
// never returned, so a flaky webhook can't stall event dispatch.
func (s *SlackSender) Send(title, body string) {
	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf("*%s*\n%s", title, body),
	}
	if err := slack.PostWebhook(s.webhookURL, msg); err != nil {
		s.logger.Debug("slack webhook send failed", "err", err)
	}
}
