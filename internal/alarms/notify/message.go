package notify

import (
	"context"
	"time"

	alarms "iot-alerting/internal/alarms/domain"
)

// Message is one rendered notification ready to hand to a sender.
type Message struct {
	NotificationID string
	AlarmID        string
	TenantID       string
	Channel        alarms.Channel
	Subject        string
	Body           string
}

// Outcome is the classified result of one send.
type Outcome struct {
	Status     alarms.DeliveryStatus
	Err        error
	RetryAfter time.Duration
}

// Sender delivers a message over one channel type. Send never panics on receiver errors;
// every failure is reported through the Outcome.
type Sender interface {
	Send(ctx context.Context, msg Message) Outcome
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) Outcome

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, msg Message) Outcome { return f(ctx, msg) }

func success() Outcome {
	return Outcome{Status: alarms.DeliverySuccess}
}

func temporary(err error) Outcome {
	return Outcome{Status: alarms.DeliveryTemporaryFailure, Err: err}
}

func permanent(err error) Outcome {
	return Outcome{Status: alarms.DeliveryPermanentFailure, Err: err}
}

func invalidAddress(err error) Outcome {
	return Outcome{Status: alarms.DeliveryInvalidAddress, Err: err}
}

func rateLimited(err error, retryAfter time.Duration) Outcome {
	return Outcome{Status: alarms.DeliveryRateLimited, Err: err, RetryAfter: retryAfter}
}

// httpOutcome classifies an HTTP status from a receiver that has no special codes.
func httpOutcome(code int, err error, retryAfter time.Duration) Outcome {
	switch {
	case code >= 200 && code < 300:
		return success()
	case code == 429:
		return rateLimited(err, retryAfter)
	case code >= 400 && code < 500:
		return permanent(err)
	default:
		return temporary(err)
	}
}

func (o Outcome) errorText() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
