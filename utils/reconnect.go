package utils

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

type ReconnectStrategy interface {
	NextDelay() time.Duration
	Reset()
}

// ExponentialBackoff grows the delay by Multiplier per attempt up to the
// maximum, randomised by Jitter (0.5 means +/-50%).
type ExponentialBackoff struct {
	b *backoff.ExponentialBackOff
}

func NewExponentialBackoff(initial, max time.Duration, multiplier, jitter float64) *ExponentialBackoff {
	if initial <= 0 {
		initial = 1 * time.Second
	}
	if max < initial {
		max = initial
	}
	if multiplier < 1 {
		multiplier = 2
	}
	if jitter < 0 || jitter > 1 {
		jitter = backoff.DefaultRandomizationFactor
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = multiplier
	b.RandomizationFactor = jitter
	// Retry forever; callers bound attempts or cancel the context.
	b.MaxElapsedTime = 0
	b.Reset()
	return &ExponentialBackoff{b: b}
}

func (e *ExponentialBackoff) NextDelay() time.Duration {
	d := e.b.NextBackOff()
	if d == backoff.Stop {
		return e.b.MaxInterval
	}
	return d
}

func (e *ExponentialBackoff) Reset() {
	e.b.Reset()
}

// FixedDelay waits the same duration before every attempt.
type FixedDelay struct {
	Delay time.Duration
}

func NewFixedDelay(delay time.Duration) *FixedDelay {
	if delay < 0 {
		delay = 0
	}
	return &FixedDelay{Delay: delay}
}

func (f *FixedDelay) NextDelay() time.Duration { return f.Delay }

func (f *FixedDelay) Reset() {}

// BackOff adapts a ReconnectStrategy for use with backoff.Retry.
func BackOff(s ReconnectStrategy) backoff.BackOff {
	return strategyBackOff{s}
}

type strategyBackOff struct {
	s ReconnectStrategy
}

func (b strategyBackOff) NextBackOff() time.Duration { return b.s.NextDelay() }

func (b strategyBackOff) Reset() { b.s.Reset() }
