package participant

import (
	"math"
	"time"
)

// Backoff is the reconnect schedule: attempt n waits Base * Multiplier^n,
// capped at Max, and at most MaxAttempts retries are scheduled.
type Backoff struct {
	Base        time.Duration
	Multiplier  float64
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff waits 1s, 1.5s, 2.25s ... up to 10s, for 20 retries.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        time.Second,
		Multiplier:  1.5,
		Max:         10 * time.Second,
		MaxAttempts: 20,
	}
}

// Delay returns the wait before retry n, counting from zero.
func (b Backoff) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := float64(b.Base) * math.Pow(b.Multiplier, float64(n))
	if d >= float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// Next reports the delay for retry n, or false once n retries have
// already been scheduled and the budget is spent.
func (b Backoff) Next(n int) (time.Duration, bool) {
	if n >= b.MaxAttempts {
		return 0, false
	}
	return b.Delay(n), true
}
