// Package backoff computes retry delays for runs and queued emails.
package backoff

import (
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
)

// Strategy computes the delay before retry attempt n (1-indexed).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Exponential returns Base * 2^(attempt-1), capped at Max.
// Safe for concurrent use.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

// NewExponential validates and builds an exponential strategy.
func NewExponential(base, maxDelay time.Duration) (*Exponential, error) {
	if base <= 0 {
		return nil, fmt.Errorf("backoff base must be positive, got %s", base)
	}
	if maxDelay < base {
		return nil, fmt.Errorf("backoff max %s is below base %s", maxDelay, base)
	}
	return &Exponential{Base: base, Max: maxDelay}, nil
}

// Delay returns the wait before attempt n. Attempts below 1 are treated as 1.
func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// go-retry backoffs are stateful, so a fresh one is built per call.
	b := retry.WithCappedDuration(e.Max, retry.NewExponential(e.Base))
	var d time.Duration
	for i := 0; i < attempt; i++ {
		next, stop := b.Next()
		if stop {
			return e.Max
		}
		d = next
		if d >= e.Max {
			return e.Max
		}
	}
	return d
}
