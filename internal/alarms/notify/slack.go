package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/slack-go/slack"

	alarms "iot-alerting/internal/alarms/domain"
)

// SlackSender posts to Slack incoming webhooks.
type SlackSender struct {
	client *http.Client
}

// NewSlackSender constructs a Slack sender. A nil client uses a 10s timeout client.
func NewSlackSender(client *http.Client) *SlackSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SlackSender{client: client}
}

// Send implements Sender.
func (s *SlackSender) Send(ctx context.Context, msg Message) Outcome {
	cfg, ok := msg.Channel.Config.(alarms.SlackConfig)
	if !ok || cfg.WebhookURL == "" {
		return invalidAddress(errors.New("slack: missing webhook url"))
	}
	err := slack.PostWebhookCustomHTTPContext(ctx, cfg.WebhookURL, s.client, &slack.WebhookMessage{Text: msg.Body})
	return classifySlack(err)
}

func classifySlack(err error) Outcome {
	if err == nil {
		return success()
	}
	var limited *slack.RateLimitedError
	if errors.As(err, &limited) {
		return rateLimited(fmt.Errorf("slack: %w", err), limited.RetryAfter)
	}
	var status slack.StatusCodeError
	if errors.As(err, &status) {
		return httpOutcome(status.Code, fmt.Errorf("slack: %w", err), 0)
	}
	return temporary(fmt.Errorf("slack: %w", err))
}
