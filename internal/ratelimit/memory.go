package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process sliding log limiter. State is lost on restart and
// is not shared between instances.
type Memory struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	limit   int
	window  time.Duration
	now     func() time.Time
}

func NewMemory(limit int, window time.Duration) *Memory {
	return &Memory{
		entries: make(map[string][]time.Time),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// Allow implements Limiter.
func (m *Memory) Allow(_ context.Context, key string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	valid := m.prune(key, now)

	if len(valid) >= m.limit {
		return Result{
			Allowed: false,
			Limit:   m.limit,
			Reset:   valid[0].Add(m.window),
		}, nil
	}

	valid = append(valid, now)
	m.entries[key] = valid
	return Result{
		Allowed:   true,
		Limit:     m.limit,
		Remaining: m.limit - len(valid),
		Reset:     valid[0].Add(m.window),
	}, nil
}

// prune drops timestamps that fell out of the window. Callers hold mu.
func (m *Memory) prune(key string, now time.Time) []time.Time {
	cutoff := now.Add(-m.window)
	timestamps := m.entries[key]

	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	if len(valid) == 0 {
		delete(m.entries, key)
		return nil
	}
	m.entries[key] = valid
	return valid
}

// Cleanup removes keys with no activity inside the window.
func (m *Memory) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key := range m.entries {
		m.prune(key, now)
	}
}

// StartJanitor runs Cleanup every interval until ctx is done.
func (m *Memory) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.Cleanup()
			}
		}
	}()
}
