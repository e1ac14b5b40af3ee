package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	alarms "iot-alerting/internal/alarms/domain"
)

const (
	HeaderAlertTimestamp = "X-Alert-Timestamp"
	HeaderAlertSignature = "X-Alert-Signature"
)

// WebhookSender posts the rendered JSON body to the channel URL, signed with the channel secret.
type WebhookSender struct {
	client *http.Client
	now    func() time.Time
}

// WebhookOption configures the webhook sender.
type WebhookOption func(*WebhookSender)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(s *WebhookSender) {
		if client != nil {
			s.client = client
		}
	}
}

// NewWebhookSender constructs a webhook sender.
func NewWebhookSender(opts ...WebhookOption) *WebhookSender {
	sender := &WebhookSender{
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(sender)
	}
	return sender
}

// SignWebhook returns "sha256=" + hex HMAC-SHA256(secret, timestamp + "." + body).
func SignWebhook(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Send implements Sender.
func (w *WebhookSender) Send(ctx context.Context, msg Message) Outcome {
	cfg, ok := msg.Channel.Config.(alarms.WebhookConfig)
	if !ok || cfg.URL == "" {
		return invalidAddress(errors.New("webhook: missing url"))
	}
	body := []byte(msg.Body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return invalidAddress(fmt.Errorf("webhook: %w", err))
	}
	timestamp := strconv.FormatInt(w.now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderAlertTimestamp, timestamp)
	if cfg.Secret != "" {
		req.Header.Set(HeaderAlertSignature, SignWebhook(cfg.Secret, timestamp, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return temporary(fmt.Errorf("webhook: %w", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return success()
	}
	return httpOutcome(resp.StatusCode,
		fmt.Errorf("webhook: non-2xx response %d", resp.StatusCode),
		parseRetryAfter(resp.Header.Get("Retry-After"), w.now()))
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
