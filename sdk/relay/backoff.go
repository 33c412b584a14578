package relay

import (
	"math/rand"
	"time"
)

// backoff computes reconnect delays: exponential growth capped at max, with
// symmetric jitter of ±jitter/2 around each delay. The undithered delay
// sequence is monotone non-decreasing up to max.
type backoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     float64

	attempts int
	current  time.Duration
}

func newBackoff(opts ReconnectOptions) *backoff {
	return &backoff{
		initial:    opts.InitialDelay,
		max:        opts.MaxDelay,
		multiplier: opts.Multiplier,
		jitter:     opts.Jitter,
	}
}

// next records one failed attempt, advances the current delay and returns the
// jittered wait.
func (b *backoff) next() time.Duration {
	if b.attempts == 0 {
		b.current = b.initial
	} else {
		grown := time.Duration(float64(b.current) * b.multiplier)
		if grown > b.max {
			grown = b.max
		}
		b.current = grown
	}
	b.attempts++

	jittered := time.Duration(float64(b.current) * (1 + b.jitter*(rand.Float64()-0.5)))
	if jittered < 0 {
		jittered = 0
	}
	return jittered
}

// reset returns the sequence to its initial state after a successful
// connection.
func (b *backoff) reset() {
	b.attempts = 0
	b.current = 0
}

// attemptCount returns how many failed attempts were recorded since the last
// reset.
func (b *backoff) attemptCount() int {
	return b.attempts
}
