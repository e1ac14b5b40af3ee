package notify

import (
	"time"

	alarms "iot-alerting/internal/alarms/domain"
)

// RetryPolicy computes the delay before the next attempt after a retryable failure.
type RetryPolicy struct {
	Base                time.Duration
	Cap                 time.Duration
	RateLimitMultiplier int
}

// DefaultRetryPolicy is 1s doubling per retry, capped at 5m, with a x4 factor for rate limits.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: time.Second, Cap: 5 * time.Minute, RateLimitMultiplier: 4}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.Base <= 0 {
		p.Base = def.Base
	}
	if p.Cap <= 0 {
		p.Cap = def.Cap
	}
	if p.Cap < p.Base {
		p.Cap = p.Base
	}
	if p.RateLimitMultiplier <= 0 {
		p.RateLimitMultiplier = def.RateLimitMultiplier
	}
	return p
}

// Delay returns the wait before retry number retryCount+1.
// Temporary failures wait min(base*2^retryCount, cap). Rate limits wait the temporary delay
// times the multiplier, capped at twice the cap, and never less than the receiver's Retry-After.
func (p RetryPolicy) Delay(status alarms.DeliveryStatus, retryCount int, retryAfter time.Duration) time.Duration {
	p = p.normalized()
	delay := p.backoff(retryCount)
	if status != alarms.DeliveryRateLimited {
		return delay
	}
	limited := delay * time.Duration(p.RateLimitMultiplier)
	if limited > 2*p.Cap || limited < delay {
		limited = 2 * p.Cap
	}
	if retryAfter > limited {
		return retryAfter
	}
	return limited
}

func (p RetryPolicy) backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := p.Base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= p.Cap || delay <= 0 {
			return p.Cap
		}
	}
	if delay > p.Cap {
		return p.Cap
	}
	return delay
}
