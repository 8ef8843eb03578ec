package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is a bounded exponential retry schedule.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Max caps any single delay; zero means uncapped.
	Max time.Duration
	// Multiplier defaults to 2.
	Multiplier float64
	// Jitter is the randomization factor in [0,1).
	Jitter float64
	// MaxAttempts bounds the total number of attempts; zero means unbounded.
	MaxAttempts int
}

func (p Policy) backoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = p.Multiplier
	if b.Multiplier <= 1 {
		b.Multiplier = 2
	}
	b.RandomizationFactor = p.Jitter
	b.MaxInterval = p.Max
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(1<<63 - 1)
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Delay returns the wait before attempt number attempt+1, given that
// attempt attempts have already failed (attempt >= 1).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := p.backoff()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Exhausted reports whether attempts failures use up the policy.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
