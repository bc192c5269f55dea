package runner

import (
	"math"
	"time"

	hub "github.com/goliatone/go-hub"
)

// RetryStrategy returns the delay before the next attempt. The attempt index
// starts at 0 and grows after each failure.
type RetryStrategy interface {
	SleepDuration(attempt int, err error) time.Duration
}

// RetryDecision is the outcome of a retry evaluation.
type RetryDecision struct {
	ShouldRetry bool
	Delay       time.Duration
	Metadata    map[string]any
}

// RetryDecider is implemented by strategies that can refuse a retry.
type RetryDecider interface {
	Decide(attempt int, err error) RetryDecision
}

// DecideRetry asks strategy for a decision, falling back to SleepDuration.
func DecideRetry(strategy RetryStrategy, attempt int, err error) RetryDecision {
	if strategy == nil {
		return RetryDecision{ShouldRetry: true}
	}
	if decider, ok := strategy.(RetryDecider); ok {
		return decider.Decide(attempt, err)
	}
	return RetryDecision{ShouldRetry: true, Delay: strategy.SleepDuration(attempt, err)}
}

// NoDelayStrategy retries immediately.
type NoDelayStrategy struct{}

func (NoDelayStrategy) SleepDuration(int, error) time.Duration { return 0 }

// ExponentialBackoffStrategy waits Base * Factor^attempt, capped at Max.
type ExponentialBackoffStrategy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

func (e ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := e.Factor
	if factor < 1 {
		factor = 1
	}
	delay := float64(e.Base) * math.Pow(factor, float64(attempt))
	if e.Max > 0 && delay > float64(e.Max) {
		return e.Max
	}
	return time.Duration(delay)
}

// StopOnShutdown wraps a strategy and refuses retries once the error chain
// signals the hub is stopping or the input was invalid.
type StopOnShutdown struct {
	Next RetryStrategy
}

func (s StopOnShutdown) SleepDuration(attempt int, err error) time.Duration {
	if s.Next == nil {
		return 0
	}
	return s.Next.SleepDuration(attempt, err)
}

func (s StopOnShutdown) Decide(attempt int, err error) RetryDecision {
	if hub.IsStopping(err) || hub.IsValidation(err) {
		return RetryDecision{
			ShouldRetry: false,
			Metadata:    map[string]any{"reason": hub.TextCode(err)},
		}
	}
	return DecideRetry(s.Next, attempt, err)
}
