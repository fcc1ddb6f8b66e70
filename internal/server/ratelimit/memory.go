package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type window struct {
	count   int
	expires time.Time
}

// MemoryLimiter keeps windows in a process-local map. It is only correct
// for a single server process; with several processes each one counts
// separately.
type MemoryLimiter struct {
	mu      sync.Mutex
	policy  Policy
	windows map[string]*window
	now     func() time.Time
}

// NewMemoryLimiter creates an in-process limiter for policy.
func NewMemoryLimiter(policy Policy) *MemoryLimiter {
	return &MemoryLimiter{
		policy:  policy,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

func (l *MemoryLimiter) Policy() Policy { return l.policy }

func (l *MemoryLimiter) Check(ctx context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.expires) {
		w = &window{expires: now.Add(l.policy.Window)}
		l.windows[key] = w
	}
	w.count++

	return decide(l.policy, w.count, w.expires.Sub(now)), nil
}

// GC drops expired windows and returns how many were removed.
func (l *MemoryLimiter) GC() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, w := range l.windows {
		if !now.Before(w.expires) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// StartGC runs GC every interval until ctx is cancelled.
func (l *MemoryLimiter) StartGC(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if n := l.GC(); n > 0 {
					slog.Debug("rate limit windows collected", "policy", l.policy.Name, "removed", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (l *MemoryLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
