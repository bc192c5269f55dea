package runner

import (
	"errors"
	"testing"
	"time"

	hub "github.com/goliatone/go-hub"
)

type fixedDecisionStrategy struct {
	decision RetryDecision
}

func (f fixedDecisionStrategy) SleepDuration(int, error) time.Duration { return f.decision.Delay }

func (f fixedDecisionStrategy) Decide(int, error) RetryDecision { return f.decision }

func TestDecideRetryUsesDeciderWhenAvailable(t *testing.T) {
	strategy := fixedDecisionStrategy{
		decision: RetryDecision{
			ShouldRetry: false,
			Delay:       25 * time.Millisecond,
			Metadata:    map[string]any{"source": "test"},
		},
	}

	decision := DecideRetry(strategy, 1, errors.New("boom"))
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
	if got := strategy.SleepDuration(10, nil); got != 100*time.Millisecond {
		t.Fatalf("expected delay capped at max, got %s", got)
	}
}

func TestStopOnShutdownRefusesStoppingErrors(t *testing.T) {
	strategy := StopOnShutdown{Next: ExponentialBackoffStrategy{Base: time.Millisecond, Factor: 2}}

	stopping := hub.NewError(hub.ErrStopping, "draining", nil, nil)
	decision := DecideRetry(strategy, 0, stopping)
	if decision.ShouldRetry {
		t.Fatal("expected no retry while stopping")
	}
	if decision.Metadata["reason"] != hub.CodeStopping {
		t.Fatalf("unexpected reason: %v", decision.Metadata["reason"])
	}

	decision = DecideRetry(strategy, 1, errors.New("db timeout"))
	if !decision.ShouldRetry || decision.Delay != 2*time.Millisecond {
		t.Fatalf("expected backoff retry, got %+v", decision)
	}
}
