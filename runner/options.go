package runner

import (
	"time"

	hub "github.com/goliatone/go-hub"
)

// Option configures a Handler.
type Option func(*Handler)

func WithTimeout(t time.Duration) Option {
	return func(h *Handler) {
		h.timeout = t
	}
}

// WithNoTimeout clears any timeout set earlier.
func WithNoTimeout() Option {
	return func(h *Handler) {
		h.timeout = 0
	}
}

func WithDeadline(d time.Time) Option {
	return func(h *Handler) {
		h.deadline = d
	}
}

func WithRunOnce(once bool) Option {
	return func(h *Handler) {
		h.once = once
	}
}

func WithMaxRetries(max int) Option {
	return func(h *Handler) {
		if max < 0 {
			max = 0
		}
		h.maxRetries = max
	}
}

func WithMaxRuns(max int) Option {
	return func(h *Handler) {
		h.maxRuns = max
	}
}

func WithErrorHandler(fn func(error)) Option {
	return func(h *Handler) {
		if fn == nil {
			fn = func(error) {}
		}
		h.errorHandler = fn
	}
}

func WithLogger(l hub.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func WithDoneHandler(fn func(*Handler)) Option {
	return func(h *Handler) {
		if fn == nil {
			fn = func(*Handler) {}
		}
		h.doneHandler = fn
	}
}

// WithRetryStrategy sets the delay and retry policy between attempts.
func WithRetryStrategy(s RetryStrategy) Option {
	return func(h *Handler) {
		if s != nil {
			h.retryStrategy = s
		}
	}
}

// FromConfig maps a hub.HandlerConfig onto runner options.
func FromConfig(cfg hub.HandlerConfig) []Option {
	opts := []Option{
		WithMaxRetries(cfg.MaxRetries),
		WithDeadline(cfg.Deadline),
		WithRunOnce(cfg.RunOnce),
	}
	if cfg.NoTimeout {
		opts = append(opts, WithNoTimeout())
	} else if cfg.Timeout > 0 {
		opts = append(opts, WithTimeout(cfg.Timeout))
	}
	if cfg.MaxRuns > 0 {
		opts = append(opts, WithMaxRuns(cfg.MaxRuns))
	}
	return opts
}
