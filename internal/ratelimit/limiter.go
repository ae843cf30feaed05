// Package ratelimit blocks repeated failed admin logins.
//
// Counters live behind CounterStore so the state can sit in Redis and
// survive restarts, or in memory for a single process.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrBlocked means the key has too many recent failures
var ErrBlocked = errors.New("too many failed attempts")

// CounterStore holds expiring failure counters
type CounterStore interface {
	// Incr adds one to key and returns the new value. The window starts
	// with the first increment.
	Incr(ctx context.Context, key string, window time.Duration) (int, error)
	Get(ctx context.Context, key string) (int, error)
	Reset(ctx context.Context, key string) error
}

// LoginLimiter allows at most maxFailures failures per key per window
type LoginLimiter struct {
	store       CounterStore
	maxFailures int
	window      time.Duration
}

// NewLoginLimiter creates a LoginLimiter
func NewLoginLimiter(store CounterStore, maxFailures int, window time.Duration) *LoginLimiter {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &LoginLimiter{store: store, maxFailures: maxFailures, window: window}
}

func counterKey(key string) string {
	return "kbpulse:login:" + key
}

// Allow returns ErrBlocked when key already reached the failure limit
func (l *LoginLimiter) Allow(ctx context.Context, key string) error {
	n, err := l.store.Get(ctx, counterKey(key))
	if err != nil {
		return fmt.Errorf("read counter: %w", err)
	}
	if n >= l.maxFailures {
		return ErrBlocked
	}
	return nil
}

// Fail records a failed attempt
func (l *LoginLimiter) Fail(ctx context.Context, key string) error {
	if _, err := l.store.Incr(ctx, counterKey(key), l.window); err != nil {
		return fmt.Errorf("increment counter: %w", err)
	}
	return nil
}

// Succeed clears the key's failures
func (l *LoginLimiter) Succeed(ctx context.Context, key string) error {
	if err := l.store.Reset(ctx, counterKey(key)); err != nil {
		return fmt.Errorf("reset counter: %w", err)
	}
	return nil
}
