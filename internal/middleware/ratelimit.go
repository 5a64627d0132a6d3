package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rate     rate.Limit
	burst    int
}

func newIPLimiter(r rate.Limit, burst int) *ipLimiter {
	return &ipLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     r,
		burst:    burst,
	}
}

func (ipl *ipLimiter) get(ip string) *rate.Limiter {
	ipl.mu.Lock()
	defer ipl.mu.Unlock()

	e, ok := ipl.limiters[ip]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(ipl.rate, ipl.burst)}
		ipl.limiters[ip] = e
	}
	e.lastSeen = time.Now()
	return e.lim
}

func (ipl *ipLimiter) cleanup(idle time.Duration) {
	cutoff := time.Now().Add(-idle)

	ipl.mu.Lock()
	defer ipl.mu.Unlock()

	for ip, e := range ipl.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(ipl.limiters, ip)
		}
	}
}

// RateLimit is a per-client token bucket guarding against request floods.
// Clients idle for longer than idle are forgotten until ctx is done.
// A non-positive rate disables it.
func RateLimit(ctx context.Context, r rate.Limit, burst int, idle time.Duration, keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	if r <= 0 {
		return func(h http.Handler) http.Handler { return h }
	}

	il := newIPLimiter(r, burst)
	if idle > 0 {
		go func() {
			t := time.NewTicker(idle)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					il.cleanup(idle)
				}
			}
		}()
	}

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !il.get(keyFn(r)).Allow() {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"ok":false,"error":"Too many requests. Please try again later."}`))
				return
			}
			h.ServeHTTP(w, r)
		})
	}
}
