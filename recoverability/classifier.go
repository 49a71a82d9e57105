// Package recoverability decides whether a failure is worth retrying.
//
// Signals are consulted from highest to lowest confidence: the error kind,
// then an embedded status code, then the error message. The first signal
// that yields a verdict wins, so a message pattern never overrides a kind or
// a status code.
package recoverability

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"strings"
	"syscall"

	apperrors "github.com/goliatone/go-errors"
)

// Verdict is the outcome of classifying an error.
type Verdict int

const (
	// Unknown means no signal matched. It is not retried.
	Unknown Verdict = iota
	Transient
	Permanent
)

func (v Verdict) String() string {
	switch v {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Retryable reports whether the verdict allows another attempt.
func (v Verdict) Retryable() bool { return v == Transient }

// Classifier maps an error to a Verdict. Implementations must be pure.
type Classifier interface {
	Classify(err error) Verdict
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(err error) Verdict

func (f ClassifierFunc) Classify(err error) Verdict { return f(err) }

// Rule inspects an error and returns a verdict, or ok=false to defer to the
// next rule.
type Rule func(err error) (verdict Verdict, ok bool)

// Chain evaluates rules in order.
type Chain struct {
	rules []Rule
}

// WithRules returns a classifier that consults rules before the default
// signals.
func WithRules(rules ...Rule) *Chain {
	all := make([]Rule, 0, len(rules)+len(defaultRules))
	all = append(all, rules...)
	all = append(all, defaultRules...)
	return &Chain{rules: all}
}

// NewChain returns a classifier that consults only the given rules.
func NewChain(rules ...Rule) *Chain {
	return &Chain{rules: append([]Rule(nil), rules...)}
}

func (c *Chain) Classify(err error) Verdict {
	if err == nil {
		return Unknown
	}
	for _, rule := range c.rules {
		if rule == nil {
			continue
		}
		if v, ok := rule(err); ok {
			return v
		}
	}
	return Unknown
}

var defaultRules = []Rule{KindRule, StatusCodeRule, MessageRule}

// Default is the classifier used by the orchestrator when none is set.
var Default Classifier = NewChain(defaultRules...)

// Classify runs the default classifier.
func Classify(err error) Verdict { return Default.Classify(err) }

type markedError struct {
	err     error
	verdict Verdict
}

func (m *markedError) Error() string { return m.err.Error() }
func (m *markedError) Unwrap() error { return m.err }

// MarkTransient tags err so that it is always retried.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, verdict: Transient}
}

// MarkPermanent tags err so that it is never retried.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, verdict: Permanent}
}

// StatusCoder is implemented by errors carrying a protocol status code.
type StatusCoder interface {
	StatusCode() int
}

// KindRule classifies by error type and sentinel identity.
func KindRule(err error) (Verdict, bool) {
	var marked *markedError
	if stderrors.As(err, &marked) {
		return marked.verdict, true
	}

	if stderrors.Is(err, context.Canceled) {
		return Permanent, true
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return Transient, true
	}

	var retryable *apperrors.RetryableError
	if stderrors.As(err, &retryable) {
		if retryable.IsRetryable() {
			return Transient, true
		}
		return Permanent, true
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return Transient, true
	}
	if stderrors.Is(err, syscall.ECONNRESET) ||
		stderrors.Is(err, syscall.ECONNREFUSED) ||
		stderrors.Is(err, syscall.EPIPE) ||
		stderrors.Is(err, io.ErrUnexpectedEOF) {
		return Transient, true
	}
	var opErr *net.OpError
	if stderrors.As(err, &opErr) {
		return Transient, true
	}

	var appErr *apperrors.Error
	if stderrors.As(err, &appErr) {
		switch appErr.Category {
		case apperrors.CategoryValidation,
			apperrors.CategoryBadInput,
			apperrors.CategoryNotFound,
			apperrors.CategoryAuth,
			apperrors.CategoryAuthz,
			apperrors.CategoryConflict:
			return Permanent, true
		case apperrors.CategoryExternal,
			apperrors.CategoryRateLimit:
			return Transient, true
		}
	}
	return Unknown, false
}

// StatusCodeRule classifies by an embedded status code: 408, 429 and 5xx
// are transient, other 4xx permanent.
func StatusCodeRule(err error) (Verdict, bool) {
	code := statusCode(err)
	switch {
	case code == 408 || code == 429:
		return Transient, true
	case code >= 500 && code <= 599:
		return Transient, true
	case code >= 400 && code <= 499:
		return Permanent, true
	}
	return Unknown, false
}

func statusCode(err error) int {
	var coder StatusCoder
	if stderrors.As(err, &coder) {
		return coder.StatusCode()
	}
	var appErr *apperrors.Error
	if stderrors.As(err, &appErr) && appErr.Code != 0 {
		return appErr.Code
	}
	var retryable *apperrors.RetryableError
	if stderrors.As(err, &retryable) && retryable.BaseError != nil {
		return retryable.BaseError.Code
	}
	return 0
}

var transientPatterns = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"connection",
	"temporarily unavailable",
	"try again",
	"too many requests",
	"service unavailable",
}

// MessageRule is the lowest confidence signal.
func MessageRule(err error) (Verdict, bool) {
	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return Transient, true
		}
	}
	return Unknown, false
}
