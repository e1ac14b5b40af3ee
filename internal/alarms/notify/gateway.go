package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	alarms "iot-alerting/internal/alarms/domain"
)

// gatewayRequest is the body accepted by the SMS and push gateways.
type gatewayRequest struct {
	Platform  string `json:"platform,omitempty"`
	To        string `json:"to"`
	Title     string `json:"title,omitempty"`
	Body      string `json:"body"`
	Reference string `json:"reference"`
}

type gatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// GatewaySender delivers SMS and mobile push through an HTTP gateway.
// A 422 from the gateway means the number or device token was rejected.
type GatewaySender struct {
	client *resty.Client
	path   string
	now    func() time.Time
}

// NewSMSSender posts to smsURL.
func NewSMSSender(smsURL, apiKey string, timeout time.Duration) *GatewaySender {
	return newGatewaySender(smsURL, apiKey, timeout)
}

// NewPushSender posts APNs and FCM notifications to pushURL.
func NewPushSender(pushURL, apiKey string, timeout time.Duration) *GatewaySender {
	return newGatewaySender(pushURL, apiKey, timeout)
}

func newGatewaySender(url, apiKey string, timeout time.Duration) *GatewaySender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return &GatewaySender{client: client, path: url, now: time.Now}
}

// Send implements Sender.
func (g *GatewaySender) Send(ctx context.Context, msg Message) Outcome {
	if g == nil || g.path == "" {
		return permanent(errors.New("gateway: not configured"))
	}
	req := gatewayRequest{
		To:        msg.Channel.Recipient(),
		Title:     msg.Subject,
		Body:      msg.Body,
		Reference: msg.NotificationID,
	}
	switch msg.Channel.Type {
	case alarms.ChannelSMS:
		if _, ok := msg.Channel.Config.(alarms.SMSConfig); !ok {
			return invalidAddress(errors.New("gateway: missing phone number"))
		}
	case alarms.ChannelAPNs, alarms.ChannelFCM:
		if _, ok := msg.Channel.Config.(alarms.PushConfig); !ok {
			return invalidAddress(errors.New("gateway: missing device token"))
		}
		req.Platform = string(msg.Channel.Type)
	default:
		return permanent(fmt.Errorf("gateway: unsupported channel type %q", msg.Channel.Type))
	}
	if req.To == "" {
		return invalidAddress(errors.New("gateway: empty recipient"))
	}

	var failure gatewayError
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(req).
		SetError(&failure).
		Post(g.path)
	if err != nil {
		return temporary(fmt.Errorf("gateway: %w", err))
	}

	code := resp.StatusCode()
	if code >= 200 && code < 300 {
		return success()
	}
	cause := fmt.Errorf("gateway: status %d", code)
	if failure.Message != "" {
		cause = fmt.Errorf("gateway: status %d: %s", code, failure.Message)
	}
	if code == http.StatusUnprocessableEntity {
		return invalidAddress(cause)
	}
	return httpOutcome(code, cause, parseRetryAfter(resp.Header().Get("Retry-After"), g.now()))
}
