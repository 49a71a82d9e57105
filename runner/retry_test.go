package runner

import (
	"fmt"
	"testing"
	"time"
)

func TestDecideRetryUsesDeciderWhenAvailable(t *testing.T) {
	strategy := fixedDecisionStrategy{
		decision: RetryDecision{
			ShouldRetry: false,
			Delay:       25 * time.Millisecond,
			Metadata: map[string]any{
				"source": "test",
			},
		},
	}

	decision := DecideRetry(strategy, 1, fmt.Errorf("boom"))
	if decision.ShouldRetry {
		t.Fatal("expected strategy decision to disable retry")
	}
	if decision.Delay != 25*time.Millisecond {
		t.Fatalf("unexpected delay: %s", decision.Delay)
	}
	if decision.Metadata["source"] != "test" {
		t.Fatal("expected metadata propagation")
	}
}

func TestDecideRetryFallsBackToSleepDuration(t *testing.T) {
	strategy := ExponentialBackoffStrategy{
		Base:   10 * time.Millisecond,
		Factor: 2,
		Max:    100 * time.Millisecond,
	}
	decision := DecideRetry(strategy, 2, nil)
	if !decision.ShouldRetry {
		t.Fatal("expected fallback strategy to retry")
	}
	if decision.Delay != 40*time.Millisecond {
		t.Fatalf("unexpected fallback delay: %s", decision.Delay)
	}
}

func TestExponentialBackoffStrategyCapsAtMax(t *testing.T) {
	strategy := ExponentialBackoffStrategy{Base: 10 * time.Millisecond, Factor: 2, Max: 50 * time.Millisecond}
	if got := strategy.SleepDuration(10, nil); got != 50*time.Millisecond {
		t.Fatalf("expected capped delay, got %s", got)
	}
}

func TestJitterBackoffStrategyWithoutJitterDoubles(t *testing.T) {
	strategy := JitterBackoffStrategy{Base: 10 * time.Millisecond, Max: time.Second}

	cases := map[int]time.Duration{
		0: 10 * time.Millisecond,
		1: 20 * time.Millisecond,
		2: 40 * time.Millisecond,
		9: time.Second,
	}
	for attempt, want := range cases {
		if got := strategy.SleepDuration(attempt, nil); got != want {
			t.Errorf("attempt %d: expected %s, got %s", attempt, want, got)
		}
	}
}

func TestJitterBackoffStrategyStaysWithinPercent(t *testing.T) {
	strategy := JitterBackoffStrategy{Base: 100 * time.Millisecond, JitterPercent: 10}

	for i := 0; i < 50; i++ {
		got := strategy.SleepDuration(0, nil)
		if got < 90*time.Millisecond || got > 110*time.Millisecond {
			t.Fatalf("delay %s outside jitter bounds", got)
		}
	}
}

func TestJitterBackoffStrategyFibonacci(t *testing.T) {
	strategy := JitterBackoffStrategy{Base: 10 * time.Millisecond, Fibonacci: true}
	if got := strategy.SleepDuration(3, nil); got != 50*time.Millisecond {
		t.Fatalf("expected fibonacci delay 50ms, got %s", got)
	}
}

func TestJitterBackoffStrategyZeroBase(t *testing.T) {
	if got := (JitterBackoffStrategy{}).SleepDuration(3, nil); got != 0 {
		t.Fatalf("expected zero delay, got %s", got)
	}
}

type fixedDecisionStrategy struct {
	decision RetryDecision
}

func (f fixedDecisionStrategy) SleepDuration(int, error) time.Duration {
	return f.decision.Delay
}

func (f fixedDecisionStrategy) DecideRetry(int, error) RetryDecision {
	return f.decision
}
