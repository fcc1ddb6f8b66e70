package ratelimit

import (
	"context"
	"log/slog"
)

// FallbackLimiter asks primary first and answers from fallback while
// primary is failing. Decisions made by the fallback are not shared
// between processes.
type FallbackLimiter struct {
	primary  Limiter
	fallback Limiter
}

// NewFallbackLimiter composes primary with an in-process fallback.
func NewFallbackLimiter(primary, fallback Limiter) *FallbackLimiter {
	return &FallbackLimiter{primary: primary, fallback: fallback}
}

func (l *FallbackLimiter) Policy() Policy { return l.primary.Policy() }

func (l *FallbackLimiter) Check(ctx context.Context, key string) (Decision, error) {
	d, err := l.primary.Check(ctx, key)
	if err == nil {
		return d, nil
	}
	if ctx.Err() != nil {
		return Decision{}, ctx.Err()
	}

	slog.Warn("rate limit backend unavailable, using in-process fallback",
		"policy", l.primary.Policy().Name,
		"error", err,
	)
	return l.fallback.Check(ctx, key)
}
