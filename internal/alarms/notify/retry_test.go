package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	alarms "iot-alerting/internal/alarms/domain"
)

func TestRetryPolicyDelay(t *testing.T) {
	policy := DefaultRetryPolicy()
	cases := []struct {
		name       string
		status     alarms.DeliveryStatus
		retryCount int
		retryAfter time.Duration
		want       time.Duration
	}{
		{"first temporary", alarms.DeliveryTemporaryFailure, 0, 0, time.Second},
		{"third temporary", alarms.DeliveryTemporaryFailure, 2, 0, 4 * time.Second},
		{"temporary capped", alarms.DeliveryTemporaryFailure, 12, 0, 5 * time.Minute},
		{"huge retry count", alarms.DeliveryTemporaryFailure, 400, 0, 5 * time.Minute},
		{"first rate limit", alarms.DeliveryRateLimited, 0, 0, 4 * time.Second},
		{"rate limit capped at twice the cap", alarms.DeliveryRateLimited, 10, 0, 10 * time.Minute},
		{"retry-after wins when larger", alarms.DeliveryRateLimited, 0, time.Minute, time.Minute},
		{"retry-after ignored when smaller", alarms.DeliveryRateLimited, 3, time.Second, 32 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, policy.Delay(tc.status, tc.retryCount, tc.retryAfter))
		})
	}
}

func TestRateLimitBacksOffLongerThanTemporary(t *testing.T) {
	policy := RetryPolicy{Base: 2 * time.Second, Cap: time.Minute, RateLimitMultiplier: 3}
	for retry := 0; retry < 8; retry++ {
		temp := policy.Delay(alarms.DeliveryTemporaryFailure, retry, 0)
		limited := policy.Delay(alarms.DeliveryRateLimited, retry, 0)
		assert.Greater(t, limited, temp, "retry %d", retry)
	}
}

func TestRetryPolicyNormalizesZeroValue(t *testing.T) {
	assert.Equal(t, time.Second, RetryPolicy{}.Delay(alarms.DeliveryTemporaryFailure, 0, 0))
}
