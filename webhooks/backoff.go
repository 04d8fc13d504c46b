package webhooks

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"coreflow-backend/config"
)

// Backoff computes retry delays: base*2^(n-1) spread by ±jitter, never above max.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// BackoffFromConfig reads the retry delays from the webhook configuration.
func BackoffFromConfig(cfg config.Webhooks) Backoff {
	return Backoff{Base: cfg.BaseDelay, Max: cfg.MaxDelay, Jitter: cfg.Jitter}
}

// Delay returns the wait before the retry that follows attempt n (n starts at 1).
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	base, maxDelay := b.Base, b.Max
	if base <= 0 {
		base = 30 * time.Second
	}
	if maxDelay < base {
		maxDelay = base
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.Multiplier = 2
	exp.MaxInterval = maxDelay
	exp.RandomizationFactor = b.Jitter
	exp.Reset()

	var d time.Duration
	for i := 0; i < n; i++ {
		d = exp.NextBackOff()
		if d == backoff.Stop {
			return maxDelay
		}
	}
	return min(d, maxDelay)
}
