// Package dispatcher fans lifecycle events out to subscribers selected by
// topic pattern. A Bus is registered on the engine as a lifecycle.Listener.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	hub "github.com/goliatone/go-hub"
	"github.com/goliatone/go-hub/lifecycle"
	"github.com/goliatone/go-hub/runner"
)

// Handler consumes one event.
type Handler func(ctx context.Context, evt lifecycle.Event) error

// Subscription can be withdrawn from the bus.
type Subscription interface {
	Unsubscribe()
}

// Bus routes lifecycle events to pattern subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	seq    int64
	logger hub.Logger

	ExitOnErr bool
}

var _ lifecycle.Listener = (*Bus)(nil)

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(logger hub.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithExitOnError stops a publish at the first failing subscriber.
func WithExitOnError() Option {
	return func(b *Bus) {
		b.ExitOnErr = true
	}
}

// NewBus builds an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{logger: hub.NewFmtLogger(nil)}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Subscribe registers h for topics matching pattern. runnerOpts control
// timeout and retries of each delivery.
func (b *Bus) Subscribe(pattern string, h Handler, runnerOpts ...runner.Option) (Subscription, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || h == nil {
		return nil, hub.NewError(hub.ErrValidation, "subscription requires a pattern and a handler", nil, map[string]any{
			"pattern": pattern,
		})
	}
	opts := append([]runner.Option{runner.WithLogger(b.logger), runner.WithErrorHandler(func(error) {})}, runnerOpts...)
	r := runner.NewHandler(opts...)
	r.Name = "subscriber " + pattern

	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	s := &subscription{bus: b, id: b.seq, pattern: pattern, handler: h, runner: r}
	b.subs = append(b.subs, s)
	return s, nil
}

// Len returns the number of subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers evt to every matching subscriber in subscription order
// and joins their errors.
func (b *Bus) Publish(ctx context.Context, evt lifecycle.Event) error {
	topic := Topic(evt)
	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if Match(s.pattern, topic) {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	var errs error
	for _, s := range matched {
		if err := ctx.Err(); err != nil {
			return errors.Join(errs, err)
		}
		err := s.runner.Run(ctx, func(ctx context.Context) error {
			return s.handler(ctx, evt)
		})
		if err == nil {
			continue
		}
		err = fmt.Errorf("subscriber %q on %s: %w", s.pattern, topic, err)
		if b.ExitOnErr {
			return err
		}
		errs = errors.Join(errs, err)
	}
	return errs
}

// OnEvent publishes evt and logs delivery failures.
func (b *Bus) OnEvent(ctx context.Context, evt lifecycle.Event) {
	if err := b.Publish(ctx, evt); err != nil {
		hub.WithLoggerFields(b.logger.WithContext(ctx), hub.MessageFields(evt.Message)).
			Warn("event %s delivery failed: %v", evt.Kind, err)
	}
}

type subscription struct {
	bus     *Bus
	id      int64
	pattern string
	handler Handler
	runner  *runner.Handler
}

func (s *subscription) Unsubscribe() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := make([]*subscription, 0, len(b.subs))
	for _, other := range b.subs {
		if other.id != s.id {
			kept = append(kept, other)
		}
	}
	b.subs = kept
}
