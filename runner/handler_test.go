package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	hub "github.com/goliatone/go-hub"
)

func quiet() Option {
	return WithLogger(hub.NewFmtLogger(io.Discard))
}

func TestHandler_NoError_NoRetries(t *testing.T) {
	h := NewHandler(quiet())

	cf := countingFunc{}
	if err := h.Run(context.Background(), cf.fn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cf.calls != 1 {
		t.Errorf("expected calls=1, got %d", cf.calls)
	}
	if runs, ok := h.Runs(); runs != 1 || ok != 1 {
		t.Errorf("expected 1 run and 1 success, got %d and %d", runs, ok)
	}
}

func TestHandler_SuccessOnSecondAttempt(t *testing.T) {
	h := NewHandler(quiet(), WithMaxRetries(3))

	cf := countingFunc{failUntil: 1}
	if err := h.Run(context.Background(), cf.fn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cf.calls != 2 {
		t.Errorf("expected calls=2, got %d", cf.calls)
	}
	if runs, ok := h.Runs(); runs != 1 || ok != 1 {
		t.Errorf("expected 1 run and 1 success, got %d and %d", runs, ok)
	}
}

func TestHandler_AllAttemptsFail(t *testing.T) {
	var reported error
	h := NewHandler(quiet(), WithMaxRetries(2), WithErrorHandler(func(err error) { reported = err }))

	cf := countingFunc{failUntil: 5}
	err := h.Run(context.Background(), cf.fn)
	if err == nil {
		t.Fatal("expected error")
	}

	if cf.calls != 3 {
		t.Errorf("expected calls=3 (1 initial + 2 retries), got %d", cf.calls)
	}
	if _, ok := h.Runs(); ok != 0 {
		t.Errorf("expected no successful runs, got %d", ok)
	}
	if reported == nil || reported.Error() != err.Error() {
		t.Errorf("expected error handler to receive %v, got %v", err, reported)
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("unexpected error text: %v", err)
	}
}

func TestHandler_StopsRetryingWhenStrategyRefuses(t *testing.T) {
	h := NewHandler(quiet(), WithMaxRetries(5), WithRetryStrategy(StopOnShutdown{}))

	calls := 0
	err := h.Run(context.Background(), func(context.Context) error {
		calls++
		return hub.NewError(hub.ErrStopping, "draining", nil, nil)
	})
	if err == nil || !hub.IsStopping(err) {
		t.Fatalf("expected stopping error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a single attempt, got %d", calls)
	}
}

func TestHandler_RecoversPanics(t *testing.T) {
	h := NewHandler(quiet())
	err := h.Run(context.Background(), func(context.Context) error {
		panic("scanner bug")
	})
	var pe *hub.PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("expected panic error, got %v", err)
	}
}

func TestHandler_RunOnce(t *testing.T) {
	h := NewHandler(quiet(), WithRunOnce(true))

	cf := countingFunc{}
	_ = h.Run(context.Background(), cf.fn)
	_ = h.Run(context.Background(), cf.fn)

	if cf.calls != 1 {
		t.Errorf("expected calls=1 after second run (skipped), got %d", cf.calls)
	}
}

func TestHandler_MaxRuns(t *testing.T) {
	done := 0
	h := NewHandler(quiet(), WithMaxRuns(2), WithDoneHandler(func(*Handler) { done++ }))

	cf := countingFunc{}
	for i := 0; i < 3; i++ {
		_ = h.Run(context.Background(), cf.fn)
	}

	if cf.calls != 2 {
		t.Errorf("expected calls=2, got %d", cf.calls)
	}
	if done != 1 {
		t.Errorf("expected done handler once, got %d", done)
	}
}

func TestHandler_Timeout(t *testing.T) {
	h := NewHandler(quiet(), WithTimeout(50*time.Millisecond))

	start := time.Now()
	err := h.Run(context.Background(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
			return nil
		}
	})
	if time.Since(start) >= 500*time.Millisecond {
		t.Error("expected function to time out quickly, but took too long")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestHandler_Deadline(t *testing.T) {
	h := NewHandler(quiet(), WithDeadline(time.Now().Add(50*time.Millisecond)))

	start := time.Now()
	_ = h.Run(context.Background(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
			return nil
		}
	})
	if time.Since(start) >= 500*time.Millisecond {
		t.Error("expected function to stop at deadline, but took too long")
	}
	if _, ok := h.Runs(); ok != 0 {
		t.Errorf("expected 0 successful runs, got %d", ok)
	}
}

func TestHandler_Concurrency(t *testing.T) {
	h := NewHandler(quiet(), WithMaxRetries(1))
	var wg sync.WaitGroup
	const goroutines = 10

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cf := &countingFunc{failUntil: 1}
			_ = h.Run(context.Background(), cf.fn)
		}()
	}
	wg.Wait()

	runs, ok := h.Runs()
	if runs != goroutines || ok != goroutines {
		t.Errorf("expected %d runs and successes, got %d and %d", goroutines, runs, ok)
	}
}

func TestFromConfig(t *testing.T) {
	h := NewHandler(append(FromConfig(hub.HandlerConfig{MaxRetries: 2, Timeout: time.Second}), quiet())...)
	if h.maxRetries != 2 || h.timeout != time.Second {
		t.Fatalf("unexpected handler settings: retries=%d timeout=%s", h.maxRetries, h.timeout)
	}

	h = NewHandler(FromConfig(hub.HandlerConfig{Timeout: time.Second, NoTimeout: true})...)
	if h.timeout != 0 {
		t.Fatalf("expected no timeout, got %s", h.timeout)
	}
}

type countingFunc struct {
	calls     int
	failUntil int
}

func (cf *countingFunc) fn(_ context.Context) error {
	cf.calls++
	if cf.calls <= cf.failUntil {
		return fmt.Errorf("forced error attempt %d", cf.calls)
	}
	return nil
}
