package deadletter

import (
	"time"
)

// Default retry schedule: 5m, 10m, 20m, 40m, then exhausted.
const (
	DefaultBaseDelay  = 5 * time.Minute
	DefaultMaxRetries = 5
)

// Policy fixes the exponential backoff schedule for failed items.
type Policy struct {
	BaseDelay  time.Duration
	MaxRetries int
}

// DefaultPolicy returns the default backoff policy
func DefaultPolicy() Policy {
	return Policy{BaseDelay: DefaultBaseDelay, MaxRetries: DefaultMaxRetries}
}

// Delay returns the wait before the retry following the given attempt:
// base * 2^(attempt-1).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// NextRetry returns when the item may be attempted again, or nil once the
// attempt count has reached MaxRetries (exhausted).
func (p Policy) NextRetry(now time.Time, attempt int) *time.Time {
	if attempt >= p.MaxRetries {
		return nil
	}
	t := now.Add(p.Delay(attempt))
	return &t
}
