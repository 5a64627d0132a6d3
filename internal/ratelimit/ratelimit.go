// Package ratelimit counts actions per key over a sliding time window.
package ratelimit

import (
	"context"
	"time"
)

const (
	DefaultLimit  = 10
	DefaultWindow = time.Hour
	DefaultPrefix = "txttokindle"
)

// Result is the outcome of one Allow call.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	// Reset is when the current window ends.
	Reset time.Time
}

// RetryAfter returns how long a rejected caller should wait, rounded up to
// whole seconds.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if r.Reset.IsZero() || !r.Reset.After(now) {
		return 0
	}
	d := r.Reset.Sub(now)
	if rem := d % time.Second; rem != 0 {
		d += time.Second - rem
	}
	return d
}

type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}
