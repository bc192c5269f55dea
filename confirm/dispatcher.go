// Package confirm delivers the final state of top-level messages back to
// their source systems. Deliveries are tracked as external calls so failed
// confirmations are retried with the same dedup rules as business calls.
package confirm

import (
	"context"
	"fmt"
	"time"

	hub "github.com/goliatone/go-hub"
	"github.com/goliatone/go-hub/extcall"
	"github.com/goliatone/go-hub/metrics"
	"github.com/goliatone/go-hub/store"
)

const (
	DefaultMaxAttempts   = 5
	DefaultRetryInterval = 5 * time.Minute
	DefaultBatchSize     = 50

	auditTarget = "confirmation"
)

// Callback sends a confirmation to the source system of msg.
type Callback interface {
	Confirm(ctx context.Context, msg *hub.Message) error
}

// CallbackFunc adapts a function to Callback.
type CallbackFunc func(ctx context.Context, msg *hub.Message) error

func (f CallbackFunc) Confirm(ctx context.Context, msg *hub.Message) error { return f(ctx, msg) }

// LogCallback only logs confirmations. It is the default when no source
// system callback is configured.
type LogCallback struct {
	Logger hub.Logger
}

func (c LogCallback) Confirm(ctx context.Context, msg *hub.Message) error {
	hub.NormalizeLogger(c.Logger).WithContext(ctx).Info("confirming message %d (%s/%s) as %s",
		msg.ID, msg.SourceSystem, msg.CorrelationID, msg.State)
	return nil
}

// Config tunes confirmation retries.
type Config struct {
	// MaxAttempts is the failure count at which a confirmation is abandoned.
	MaxAttempts   int
	RetryInterval time.Duration
	BatchSize     int
}

// Dispatcher sends confirmations and retries failed ones.
type Dispatcher struct {
	store    store.Store
	calls    *extcall.Manager
	callback Callback
	cfg      Config
	now      func() time.Time
	logger   hub.Logger
	metrics  metrics.Recorder
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the clock used for retry cutoffs.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger hub.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(d *Dispatcher) {
		d.metrics = metrics.OrNoop(r)
	}
}

// NewDispatcher builds a dispatcher. A nil callback logs confirmations.
func NewDispatcher(st store.Store, calls *extcall.Manager, callback Callback, cfg Config, opts ...Option) (*Dispatcher, error) {
	if st == nil || calls == nil {
		return nil, hub.NewError(hub.ErrValidation, "confirmation dispatcher requires a store and a call manager", nil, nil)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	d := &Dispatcher{
		store:   st,
		calls:   calls,
		cfg:     cfg,
		now:     time.Now,
		logger:  hub.NewFmtLogger(nil),
		metrics: metrics.Noop{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if callback == nil {
		callback = LogCallback{Logger: d.logger}
	}
	d.callback = callback
	return d, nil
}

// Confirm sends the final state of msg. Child messages are never confirmed.
// A failed delivery leaves a FAILED confirmation call for RetryFailed.
func (d *Dispatcher) Confirm(ctx context.Context, msg *hub.Message) error {
	if msg == nil {
		return hub.NewError(hub.ErrValidation, "message is required", nil, nil)
	}
	if msg.IsChild() {
		return nil
	}
	if !msg.State.IsFinal() || msg.State == hub.StateCancel {
		return hub.NewError(hub.ErrIllegalState, "only OK or FAILED messages are confirmed", nil, map[string]any{
			"msg_id": msg.ID,
			"state":  string(msg.State),
		})
	}
	call, err := d.calls.Prepare(ctx, hub.ConfirmationOperation, msg.CorrelationID, msg)
	if err != nil {
		return err
	}
	if call == nil {
		d.metrics.Confirmation("skipped")
		return nil
	}
	return d.deliver(ctx, msg, call, false)
}

// Retry re-locks a failed confirmation call and delivers it again.
func (d *Dispatcher) Retry(ctx context.Context, call *hub.ExternalCall) error {
	if !call.IsConfirmation() {
		return hub.NewError(hub.ErrValidation, "not a confirmation call", nil, map[string]any{
			"call_id":   call.ID,
			"operation": call.OperationName,
		})
	}
	msg, err := d.store.GetMessage(ctx, call.MessageID)
	if err != nil {
		return err
	}
	locked, err := d.calls.Prepare(ctx, hub.ConfirmationOperation, call.EntityID, msg)
	if err != nil {
		return err
	}
	if locked == nil {
		d.metrics.Confirmation("skipped")
		return nil
	}
	return d.deliver(ctx, msg, locked, true)
}

// RetryFailed retries one batch of FAILED confirmations last attempted
// before the retry interval. It returns how many were delivered.
func (d *Dispatcher) RetryFailed(ctx context.Context) (int, error) {
	calls, err := d.store.FindCalls(ctx, store.CallFilter{
		States:        []hub.ExternalCallState{hub.CallFailed},
		OperationName: hub.ConfirmationOperation,
		UpdatedBefore: d.now().Add(-d.cfg.RetryInterval),
		Limit:         d.cfg.BatchSize,
	})
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		if err := d.Retry(ctx, call); err != nil {
			d.logger.WithContext(ctx).Warn("confirmation retry for call %d failed: %v", call.ID, err)
			continue
		}
		delivered++
	}
	if len(calls) > 0 {
		d.logger.WithContext(ctx).Info("confirmation sweep: %d of %d delivered", delivered, len(calls))
	}
	return delivered, nil
}

func (d *Dispatcher) deliver(ctx context.Context, msg *hub.Message, call *hub.ExternalCall, retried bool) error {
	log := hub.WithLoggerFields(d.logger.WithContext(ctx), hub.MessageFields(msg))

	sendErr := hub.SafeCall(func() error { return d.callback.Confirm(ctx, msg) })
	if sendErr == nil {
		if err := d.calls.Complete(ctx, call); err != nil {
			return err
		}
		d.metrics.Confirmation("ok")
		if retried {
			if err := d.store.SaveAudit(ctx, &hub.AuditRecord{
				MessageID: msg.ID,
				Kind:      hub.AuditResponse,
				Target:    auditTarget,
				Timestamp: d.now(),
			}); err != nil {
				log.Warn("confirmation audit for message %d not saved: %v", msg.ID, err)
			}
			log.Info("confirmation of message %d delivered after %d failures", msg.ID, call.FailedCount)
		}
		return nil
	}

	finish, outcome := d.calls.Failed, "failed"
	if call.FailedCount+1 >= d.cfg.MaxAttempts {
		finish, outcome = d.calls.FailedEnd, "failed_end"
	}
	if err := finish(ctx, call); err != nil {
		return err
	}
	d.metrics.Confirmation(outcome)
	if outcome == "failed_end" {
		log.Error("confirmation of message %d abandoned after %d attempts: %v", msg.ID, call.FailedCount, sendErr)
	}
	return fmt.Errorf("confirm message %d: %w", msg.ID, sendErr)
}
