package runner

import (
	"context"
	"time"
)

type Option func(*Handler)

func WithTimeout(t time.Duration) Option {
	return func(r *Handler) {
		r.timeout = t
	}
}

func WithDeadline(d time.Time) Option {
	return func(r *Handler) {
		r.deadline = d
	}
}

func WithRunOnce(once bool) Option {
	return func(r *Handler) {
		r.runOnce = once
	}
}

func WithMaxRetries(max int) Option {
	return func(r *Handler) {
		if max < 0 {
			max = 0
		}
		r.maxRetries = max
	}
}

func WithMaxRuns(max int) Option {
	return func(r *Handler) {
		r.maxRuns = max
	}
}

func WithErrorHandler(h func(error)) Option {
	return func(r *Handler) {
		if h == nil {
			h = func(error) {}
		}
		r.errorHandler = h
	}
}

func WithLogger(l Logger) Option {
	return func(r *Handler) {
		r.logger = l
	}
}

func WithDoneHandler(d func(*Handler)) Option {
	return func(r *Handler) {
		if d == nil {
			d = func(*Handler) {}
		}
		r.doneHandler = d
	}
}

// WithRetryStrategy lets you define a custom retry/backoff approach
func WithRetryStrategy(s RetryStrategy) Option {
	return func(r *Handler) {
		r.retryStrategy = s
	}
}

// WithRetryPolicy applies both the retry budget and the strategy of p.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(r *Handler) {
		WithMaxRetries(p.MaxRetries)(r)
		if p.Strategy != nil {
			r.retryStrategy = p.Strategy
		}
	}
}

// WithRetryIf gates retries: an error for which fn returns false ends the
// run immediately.
func WithRetryIf(fn func(error) bool) Option {
	return func(r *Handler) {
		r.retryIf = fn
	}
}

// WithWaitFunc replaces the sleep between attempts, typically to drive
// backoff from a fake clock in tests.
func WithWaitFunc(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Handler) {
		if fn != nil {
			r.wait = fn
		}
	}
}

// WithAttemptHook is called after every failed attempt with the 1-based
// attempt number.
func WithAttemptHook(fn func(attempt int, err error)) Option {
	return func(r *Handler) {
		r.attemptHook = fn
	}
}
