package outbox

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffPolicy retries failed entries with exponential delays.
// It satisfies store.RetryPolicy.
type BackoffPolicy struct {
	Initial time.Duration
	Max     time.Duration
	// MaxAttempts stops retrying once an entry has been attempted this many times. Zero retries forever.
	MaxAttempts int
}

// DefaultBackoffPolicy starts at one second and caps at five minutes.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{Initial: time.Second, Max: 5 * time.Minute}
}

// RetryAfter returns the delay to wait after the given attempt count.
func (p BackoffPolicy) RetryAfter(attempt int) (time.Duration, bool) {
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return 0, false
	}
	if attempt < 1 {
		attempt = 1
	}

	b := p.exponential()
	delay := b.NextBackOff()
	for i := 1; i < attempt && delay < p.Max; i++ {
		delay = b.NextBackOff()
	}
	return delay, true
}

func (p BackoffPolicy) exponential() *backoff.ExponentialBackOff {
	initial, ceiling := p.Initial, p.Max
	if initial <= 0 {
		initial = time.Second
	}
	if ceiling < initial {
		ceiling = initial
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = ceiling
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
