// Package ratelimit implements fixed-window request counters keyed by
// client address, one window per endpoint class.
package ratelimit

import (
	"context"
	"math"
	"time"
)

// Policy is the limit and window of one endpoint class.
type Policy struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Decision is the outcome of one Check.
type Decision struct {
	Allowed    bool
	Count      int
	Limit      int
	RetryAfter time.Duration
}

// RetryAfterSeconds is RetryAfter rounded up to whole seconds, never below 1.
func (d Decision) RetryAfterSeconds() int {
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Remaining is the number of requests left in the current window.
func (d Decision) Remaining() int {
	if d.Count >= d.Limit {
		return 0
	}
	return d.Limit - d.Count
}

// Limiter counts a request for key and decides whether it may proceed.
type Limiter interface {
	Check(ctx context.Context, key string) (Decision, error)
	Policy() Policy
}

func decide(p Policy, count int, ttl time.Duration) Decision {
	if ttl <= 0 {
		ttl = p.Window
	}
	return Decision{
		Allowed:    count <= p.Limit,
		Count:      count,
		Limit:      p.Limit,
		RetryAfter: ttl,
	}
}
