package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-errors"
)

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Outcome describes a single Run.
type Outcome struct {
	Attempts int
	Err      error
	// Skipped is set when the handler refused to run because of its run limits.
	Skipped bool
}

type Handler struct {
	mu sync.Mutex

	logger        Logger
	errorHandler  func(error)
	doneHandler   func(r *Handler)
	retryStrategy RetryStrategy
	retryIf       func(error) bool
	wait          func(ctx context.Context, d time.Duration) error
	attemptHook   func(attempt int, err error)

	EntryID        int
	runs           int
	successfulRuns int

	maxRuns    int
	maxRetries int
	timeout    time.Duration
	deadline   time.Time
	runOnce    bool
}

// NewHandler constructs a Handler from options, applying defaults if unset.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		doneHandler:   func(*Handler) {},
		retryStrategy: NoDelayStrategy{},
		wait:          Sleep,
	}
	h.errorHandler = func(err error) {
		if h.logger != nil {
			h.logger.Error("runner error: %v", err)
		}
	}
	for _, o := range opts {
		if o != nil {
			o(h)
		}
	}
	return h
}

// Run calls fn until it succeeds, the retry budget is spent, the retry gate
// rejects the error or ctx is done. maxRetries=N means at most N+1 calls.
func (h *Handler) Run(ctx context.Context, fn func(context.Context) error) Outcome {
	h.mu.Lock()
	if h.runOnce && h.successfulRuns >= 1 {
		h.mu.Unlock()
		return Outcome{Skipped: true}
	}
	if h.maxRuns > 0 && h.successfulRuns >= h.maxRuns {
		h.mu.Unlock()
		return Outcome{Skipped: true}
	}
	maxRetries := h.maxRetries
	strategy := h.retryStrategy
	h.mu.Unlock()

	ctx, cancel := h.contextWithSettings(ctx)
	defer cancel()

	var (
		err      error
		attempts int
	)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		attempts++
		err = fn(ctx)
		if err == nil {
			break
		}
		if h.attemptHook != nil {
			h.attemptHook(attempts, err)
		}
		if attempt == maxRetries || !h.shouldRetry(ctx, err) {
			break
		}

		decision := DecideRetry(strategy, attempt, err)
		if !decision.ShouldRetry {
			break
		}

		h.handleError(errors.Wrap(err, errors.CategoryHandler,
			fmt.Sprintf("run failed, attempt %d of %d", attempt+1, maxRetries+1),
		).WithTextCode("RUNNER_ATTEMPT_FAILED"))

		if decision.Delay > 0 {
			if werr := h.wait(ctx, decision.Delay); werr != nil {
				break
			}
		}
	}

	h.mu.Lock()
	h.runs++
	if err == nil {
		h.successfulRuns++
	}
	done := h.maxRuns > 0 && h.successfulRuns >= h.maxRuns
	h.mu.Unlock()

	if err != nil {
		h.logError("run failed after %d attempts: %v", attempts, err)
	}
	if done {
		h.doneHandler(h)
	}

	return Outcome{Attempts: attempts, Err: err}
}

// Runs returns the number of completed runs and how many of them succeeded.
func (h *Handler) Runs() (runs, successful int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs, h.successfulRuns
}

func (h *Handler) shouldRetry(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if h.retryIf != nil {
		return h.retryIf(err)
	}
	return true
}

func (h *Handler) handleError(err error) {
	if h.errorHandler != nil {
		h.errorHandler(err)
	}
}

func (h *Handler) logError(format string, args ...any) {
	if h.logger != nil {
		h.logger.Error(format, args...)
	}
}

func (h *Handler) contextWithSettings(parent context.Context) (context.Context, context.CancelFunc) {
	switch {
	case h.timeout != 0 && !h.deadline.IsZero():
		ctx, cancelTimeout := context.WithTimeout(parent, h.timeout)
		ctxDeadline, cancelDeadline := context.WithDeadline(ctx, h.deadline)
		return ctxDeadline, func() {
			cancelDeadline()
			cancelTimeout()
		}
	case h.timeout != 0:
		return context.WithTimeout(parent, h.timeout)
	case !h.deadline.IsZero():
		return context.WithDeadline(parent, h.deadline)
	default:
		return parent, func() {}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RunValue runs fn through h and returns the value of the successful attempt.
func RunValue[T any](ctx context.Context, h *Handler, fn func(context.Context) (T, error)) (T, Outcome) {
	var result T
	out := h.Run(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, out
}
