package throttle

import (
	"context"
	"sync/atomic"

	hub "github.com/goliatone/go-hub"
	"github.com/goliatone/go-hub/metrics"
)

// Processor decides admission for inbound requests.
type Processor struct {
	config   *Config
	counter  Counter
	disabled atomic.Bool
	logger   hub.Logger
	metrics  metrics.Recorder
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the processor logger.
func WithLogger(logger hub.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(p *Processor) {
		p.metrics = metrics.OrNoop(m)
	}
}

// WithDisabled starts the processor with throttling switched off.
func WithDisabled(disabled bool) Option {
	return func(p *Processor) {
		p.disabled.Store(disabled)
	}
}

// NewProcessor builds a processor. A nil counter uses a MemoryCounter.
func NewProcessor(cfg *Config, counter Counter, opts ...Option) *Processor {
	if cfg == nil {
		cfg = &Config{}
	}
	if counter == nil {
		counter = NewMemoryCounter()
	}
	p := &Processor{
		config:  cfg,
		counter: counter,
		logger:  hub.NewFmtLogger(nil),
		metrics: metrics.Noop{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// SetDisabled switches throttling off or on at runtime.
func (p *Processor) SetDisabled(disabled bool) {
	p.disabled.Store(disabled)
}

// Disabled reports whether throttling is off.
func (p *Processor) Disabled() bool {
	return p.disabled.Load()
}

// Throttle counts the request and fails with hub.ErrThrottlingExceeded when
// the resolved limit is exceeded. Scopes with no matching rule are allowed.
func (p *Processor) Throttle(ctx context.Context, scope Scope) error {
	if p.disabled.Load() {
		return nil
	}
	props, ok := p.config.Resolve(scope)
	if !ok {
		p.logger.Debug("no throttling configuration for %s, request allowed", scope)
		return nil
	}
	count, err := p.counter.Count(ctx, scope, props.Interval)
	if err != nil {
		return err
	}
	if count > props.Limit {
		p.metrics.Throttled(string(scope.Source), string(scope.Service))
		hub.WithLoggerFields(p.logger, map[string]any{
			"source_system": string(scope.Source),
			"service":       string(scope.Service),
		}).Warn("throttling limit exceeded: %d requests within %s (limit %d)", count, props.Interval, props.Limit)
		return hub.NewError(hub.ErrThrottlingExceeded, "", nil, map[string]any{
			"source_system": string(scope.Source),
			"service":       string(scope.Service),
			"limit":         props.Limit,
			"interval":      props.Interval.String(),
			"count":         count,
		})
	}
	return nil
}
