package syncq

import (
	"math/rand"
	"time"
)

// Default retry configuration.
const (
	DefaultBaseDelay   = 2 * time.Second
	DefaultMaxDelay    = 30 * time.Minute
	DefaultMaxAttempts = 5
)

// Backoff computes retry delays: base * 2^retryCount * jitter with jitter
// drawn from [0.5, 1.5), capped at Max. The jitter source is injectable so
// tests can pin it.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	jitter func() float64
}

// NewBackoff creates a Backoff with the standard jitter source.
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	return &Backoff{Base: base, Max: max, jitter: rand.Float64}
}

// Next returns the delay to wait before the attempt after retryCount
// failures.
func (b *Backoff) Next(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	// Shift capped so the multiplier cannot overflow before the Max clamp.
	if retryCount > 20 {
		retryCount = 20
	}
	delay := b.Base * time.Duration(1<<uint(retryCount))
	delay = time.Duration(float64(delay) * (0.5 + b.jitter()))
	if delay > b.Max {
		delay = b.Max
	}
	return delay
}
