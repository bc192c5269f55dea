// Package runner executes a job with timeout, deadline and retry controls.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	hub "github.com/goliatone/go-hub"
)

// Handler runs jobs and keeps run statistics. It is safe for concurrent use.
type Handler struct {
	mu sync.Mutex

	logger        hub.Logger
	errorHandler  func(error)
	doneHandler   func(*Handler)
	retryStrategy RetryStrategy

	Name           string
	runs           int
	successfulRuns int

	maxRuns    int
	maxRetries int
	timeout    time.Duration
	deadline   time.Time
	once       bool
}

// NewHandler builds a handler. Without options a job runs once per Run with
// no retries and no timeout.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		logger:        hub.NewFmtLogger(nil),
		retryStrategy: NoDelayStrategy{},
		doneHandler:   func(*Handler) {},
	}
	h.errorHandler = func(err error) {
		h.logger.Error("runner error: %v", err)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Run executes fn, retrying failed attempts. It returns the last error.
// Runs are skipped once the run limits are reached.
func (h *Handler) Run(ctx context.Context, fn func(context.Context) error) error {
	h.mu.Lock()
	if h.once && h.successfulRuns >= 1 {
		h.mu.Unlock()
		return nil
	}
	if h.maxRuns > 0 && h.successfulRuns >= h.maxRuns {
		h.mu.Unlock()
		return nil
	}
	maxRetries := h.maxRetries
	strategy := h.retryStrategy
	h.mu.Unlock()

	ctx, cancel := h.contextWithSettings(ctx)
	defer cancel()

	var err error
	attempts := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		attempts++
		err = hub.SafeCall(func() error { return fn(ctx) })
		if err == nil || attempt == maxRetries {
			break
		}
		decision := DecideRetry(strategy, attempt, err)
		h.logger.Error("%s attempt %d of %d failed: %v", h.label(), attempt+1, maxRetries+1, err)
		if !decision.ShouldRetry {
			break
		}
		if decision.Delay > 0 {
			if werr := sleep(ctx, decision.Delay); werr != nil {
				err = werr
				break
			}
		}
	}

	h.mu.Lock()
	h.runs++
	if err != nil {
		h.mu.Unlock()
		err = fmt.Errorf("%s failed after %d attempts: %w", h.label(), attempts, err)
		h.errorHandler(err)
		return err
	}
	h.successfulRuns++
	done := h.maxRuns > 0 && h.successfulRuns == h.maxRuns
	h.mu.Unlock()
	if done {
		h.doneHandler(h)
	}
	return nil
}

// Runs reports total and successful runs.
func (h *Handler) Runs() (total, successful int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs, h.successfulRuns
}

func (h *Handler) label() string {
	if h.Name == "" {
		return "job"
	}
	return h.Name
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

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
