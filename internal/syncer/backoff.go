package syncer

import "time"

// Default reconnect delays.
const (
	DefaultBackoffInitial = 100 * time.Millisecond
	DefaultBackoffMax     = 30 * time.Second
)

// Backoff yields capped exponential reconnect delays: Initial, 2*Initial,
// 4*Initial, ... never more than Max. Not safe for concurrent use.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	attempt int
}

// Next returns the delay for the next attempt and advances.
func (b *Backoff) Next() time.Duration {
	b.attempt++
	return b.delay(b.attempt)
}

// Reset starts the sequence over from Initial.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempts returns how many delays have been handed out since the last
// Reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}

func (b *Backoff) delay(attempt int) time.Duration {
	maxDelay := b.Max
	if maxDelay <= 0 {
		maxDelay = DefaultBackoffMax
	}
	delay := b.Initial
	if delay <= 0 {
		delay = DefaultBackoffInitial
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
