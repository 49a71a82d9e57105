package runner

import (
	"math"
	"time"

	retry "github.com/sethvargo/go-retry"
)

// RetryStrategy encapsulates the delay between retries.
type RetryStrategy interface {
	// SleepDuration returns how long to wait before the next retry attempt.
	// The attempt index starts at 0, incrementing after each failure.
	SleepDuration(attempt int, err error) time.Duration
}

// RetryDecision is the full answer to "should attempt N be retried".
type RetryDecision struct {
	ShouldRetry bool
	Delay       time.Duration
	Metadata    map[string]any
}

// RetryDecider is implemented by strategies that can veto a retry.
type RetryDecider interface {
	DecideRetry(attempt int, err error) RetryDecision
}

// DecideRetry asks strategy for a decision, falling back to SleepDuration
// when it does not implement RetryDecider.
func DecideRetry(strategy RetryStrategy, attempt int, err error) RetryDecision {
	if strategy == nil {
		return RetryDecision{ShouldRetry: true}
	}
	if decider, ok := strategy.(RetryDecider); ok {
		return decider.DecideRetry(attempt, err)
	}
	return RetryDecision{
		ShouldRetry: true,
		Delay:       strategy.SleepDuration(attempt, err),
	}
}

// RetryPolicy is the retry budget and backoff of a unit of work.
type RetryPolicy struct {
	MaxRetries int
	Strategy   RetryStrategy
}

// NoRetry runs the work exactly once.
func NoRetry() RetryPolicy {
	return RetryPolicy{Strategy: NoDelayStrategy{}}
}

// NoDelayStrategy is a simple retry strategy that performs all retries
// immediately without waiting.
type NoDelayStrategy struct{}

// SleepDuration always returns zero, causing immediate retries.
func (n NoDelayStrategy) SleepDuration(_ int, _ error) time.Duration {
	return 0
}

// ExponentialBackoffStrategy implements a backoff strategy.
// Usage example:
//
//	WithRetryStrategy(ExponentialBackoffStrategy{
//	    Base:   100 * time.Millisecond,
//	    Factor: 2,
//	    Max:    5 * time.Second,
//	})
type ExponentialBackoffStrategy struct {
	// Base is the starting delay (e.g., 100ms)
	Base time.Duration
	// Factor is multiplied each iteration (e.g., 2 => 100ms, 200ms, 400ms, ...)
	Factor float64
	// Max is the maximum delay allowed (caps the exponential growth)
	Max time.Duration
}

// SleepDuration implements an exponential backoff with a cap at Max.
func (e ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(e.Base) * math.Pow(e.Factor, float64(attempt))
	if time.Duration(delay) > e.Max && e.Max > 0 {
		return e.Max
	}
	return time.Duration(delay)
}

// JitterBackoffStrategy doubles Base on every attempt, caps it at Max and
// spreads it by JitterPercent using go-retry backoffs.
type JitterBackoffStrategy struct {
	Base          time.Duration
	Max           time.Duration
	JitterPercent uint64
	// Fibonacci grows the delay along the fibonacci sequence instead of doubling.
	Fibonacci bool
}

func (j JitterBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if j.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	b := j.backoff()
	var delay time.Duration
	for i := 0; i <= attempt; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		delay = next
	}
	return delay
}

func (j JitterBackoffStrategy) backoff() retry.Backoff {
	var b retry.Backoff
	if j.Fibonacci {
		b = retry.NewFibonacci(j.Base)
	} else {
		b = retry.NewExponential(j.Base)
	}
	if j.Max > 0 {
		b = retry.WithCappedDuration(j.Max, b)
	}
	if j.JitterPercent > 0 {
		b = retry.WithJitterPercent(j.JitterPercent, b)
	}
	return b
}
