package breaker

import (
	"time"
)

// retryableCodes classifies provider error codes that are worth retrying.
// Card declines are terminal: retrying a declined card just declines again.
var retryableCodes = map[string]bool{
	"timeout":              true,
	"network_error":        true,
	"processing_error":     true,
	"provider_unavailable": true,
	"rate_limited":         true,
	"internal_error":       true,
}

// RetryPolicy decides whether and when a failed attempt operation retries.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryPolicy returns the standard backoff schedule.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     2 * time.Minute,
		Multiplier:   2.0,
	}
}

// ShouldRetry reports whether another attempt is allowed for the given
// error code after attemptNumber attempts have already been made.
func (p RetryPolicy) ShouldRetry(attemptNumber int, errorCode string) bool {
	if attemptNumber >= p.MaxAttempts {
		return false
	}
	return retryableCodes[errorCode]
}

// NextRetryTime computes when the next retry becomes eligible:
// exponential backoff with a ceiling.
func (p RetryPolicy) NextRetryTime(attemptNumber int) time.Time {
	delay := p.InitialDelay
	for i := 0; i < attemptNumber; i++ {
		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	return time.Now().UTC().Add(delay)
}
