package cron

import (
	"time"

	hub "github.com/goliatone/go-hub"
	"github.com/goliatone/go-hub/runner"
)

// LogLevel filters scheduler log output.
type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelInfo
	LogLevelDebug
)

// Parser selects the cron expression dialect.
type Parser int

const (
	// DefaultParser accepts five fields and descriptors such as @every.
	DefaultParser Parser = iota
	StandardParser
	// SecondsParser requires a leading seconds field.
	SecondsParser
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLocation sets the timezone for cron expressions.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(logger hub.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLogLevel sets the logging level.
func WithLogLevel(level LogLevel) Option {
	return func(s *Scheduler) {
		s.logLevel = level
	}
}

// WithErrorHandler receives errors of failed job runs.
func WithErrorHandler(handler func(error)) Option {
	return func(s *Scheduler) {
		s.errorHandler = handler
	}
}

// WithParser sets the cron expression parser.
func WithParser(p Parser) Option {
	return func(s *Scheduler) {
		s.parser = p
	}
}

// WithClock sets the clock used to stamp job runs.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRetryStrategy sets the delay between retries of a failed run.
// Stopping and validation errors are never retried.
func WithRetryStrategy(strategy runner.RetryStrategy) Option {
	return func(s *Scheduler) {
		if strategy != nil {
			s.retry = runner.StopOnShutdown{Next: strategy}
		}
	}
}
