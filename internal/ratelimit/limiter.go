// Package ratelimit counts hits per key in fixed windows. The first hit on a
// key opens its window; the counter resets once the window has elapsed.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/partyline/relaybank/internal/apperr"
)

// Options bounds one key: at most MaxHits hits per Window.
type Options struct {
	MaxHits int
	Window  time.Duration
}

type Decision struct {
	Allowed bool `json:"allowed"`
	Hits    int  `json:"hits"`
	// RetryAfterSeconds is set when the hit was denied.
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
}

// Store records one hit on key and returns the hit count of the current
// window together with the time the window resets.
type Store interface {
	Hit(ctx context.Context, key string, window time.Duration, now time.Time) (hits int, resetAt time.Time, err error)
}

type Limiter struct {
	store Store
	now   func() time.Time
}

type Option func(*Limiter)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(st Store, opts ...Option) *Limiter {
	l := &Limiter{store: st, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check records a hit on key and reports whether it is within budget.
func (l *Limiter) Check(ctx context.Context, key string, opts Options) (Decision, error) {
	if key == "" {
		return Decision{}, apperr.New(apperr.InvalidRequest, "rate limit key is required")
	}
	if opts.MaxHits <= 0 || opts.Window <= 0 {
		return Decision{}, apperr.Newf(apperr.InvalidRequest, "invalid rate limit %d per %s", opts.MaxHits, opts.Window)
	}

	now := l.now()
	hits, resetAt, err := l.store.Hit(ctx, key, opts.Window, now)
	if err != nil {
		return Decision{}, fmt.Errorf("counting hit for %s: %w", key, err)
	}

	d := Decision{Allowed: hits <= opts.MaxHits, Hits: hits}
	if !d.Allowed {
		d.RetryAfterSeconds = int(math.Ceil(resetAt.Sub(now).Seconds()))
		if d.RetryAfterSeconds < 1 {
			d.RetryAfterSeconds = 1
		}
	}
	return d, nil
}
