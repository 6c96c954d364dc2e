package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// Store increments a per-key counter inside a fixed window that starts at the
// first increment. It returns the count after incrementing and the time left
// until the window resets. Implementations must be atomic per key.
type Store interface {
	Increment(ctx context.Context, key string, window time.Duration) (count int64, resetIn time.Duration, err error)
}

// Result describes one limiter decision.
type Result struct {
	Limited   bool
	Count     int64
	Limit     int
	ResetIn   time.Duration
	StoreFail bool
}

// RetryAfterSeconds rounds the reset hint up to whole seconds (minimum 1).
func (r Result) RetryAfterSeconds() int {
	secs := int((r.ResetIn + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// RetryAfterMinutes rounds the reset hint up to whole minutes (minimum 1).
func (r Result) RetryAfterMinutes() int {
	mins := int((r.ResetIn + time.Minute - 1) / time.Minute)
	if mins < 1 {
		mins = 1
	}
	return mins
}

// FixedWindowLimiter limits requests per identifier in a fixed time window.
// Each limiter owns a keyspace prefix so unrelated use cases never share counters.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration
	prefix string
	store  Store
}

// NewFixedWindowLimiter builds a limiter on top of a counter store.
func NewFixedWindowLimiter(store Store, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	if store == nil {
		return nil, errors.New("rate limiter store is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "charterbook:ratelimit"
	}
	return &FixedWindowLimiter{
		limit:  limit,
		window: window,
		prefix: prefix,
		store:  store,
	}, nil
}

// Check increments the identifier's counter and reports whether it is over quota.
// On store failures, it fails closed and reports the request as limited.
func (l *FixedWindowLimiter) Check(ctx context.Context, identifier string) Result {
	if l == nil {
		return Result{Limited: true}
	}
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		identifier = "unknown"
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, resetIn, err := l.store.Increment(ctx, l.prefix+":"+identifier, l.window)
	if err != nil {
		slog.Warn("rate limiter store failure", "prefix", l.prefix, "err", err)
		return Result{Limited: true, Limit: l.limit, ResetIn: l.window, StoreFail: true}
	}
	return Result{
		Limited: count > int64(l.limit),
		Count:   count,
		Limit:   l.limit,
		ResetIn: resetIn,
	}
}

// IsRateLimited reports whether the identifier has exceeded its quota.
func (l *FixedWindowLimiter) IsRateLimited(ctx context.Context, identifier string) bool {
	return l.Check(ctx, identifier).Limited
}

// Allow returns true when the identifier is within quota.
func (l *FixedWindowLimiter) Allow(ctx context.Context, identifier string) bool {
	return !l.IsRateLimited(ctx, identifier)
}

// Window returns the configured window length.
func (l *FixedWindowLimiter) Window() time.Duration {
	return l.window
}
