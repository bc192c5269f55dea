// Package repair resets stuck messages and re-admits retryable ones. A
// Scanner does one bounded pass per call and is driven by the cron scheduler.
package repair

import (
	"context"
	"errors"
	"fmt"
	"time"

	hub "github.com/goliatone/go-hub"
	"github.com/goliatone/go-hub/cron"
	"github.com/goliatone/go-hub/metrics"
	"github.com/goliatone/go-hub/queue"
	"github.com/goliatone/go-hub/store"
)

const (
	DefaultDeadLetterTimeout    = 30 * time.Minute
	DefaultPostponedInterval    = 2 * time.Minute
	DefaultPartlyFailedInterval = 5 * time.Minute
	DefaultBatchSize            = 50
	DefaultExpression           = "@every 1m"

	jobName = "repair-scanner"
)

// Enqueuer re-admits a message into the processing queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg *hub.Message, priority queue.Priority) error
}

// Store is the persistence the scanner reads and repairs.
type Store interface {
	store.MessageStore
	store.CallStore
}

// Confirmations retries failed confirmation deliveries.
type Confirmations interface {
	RetryFailed(ctx context.Context) (int, error)
}

// Config holds the scan thresholds.
type Config struct {
	// DeadLetterTimeout is how long a message may stay NEW, IN_QUEUE or
	// PROCESSING, or an external call PROCESSING, before it is reset.
	DeadLetterTimeout    time.Duration
	PostponedInterval    time.Duration
	PartlyFailedInterval time.Duration
	BatchSize            int
}

// Report summarizes one scanner pass.
type Report struct {
	Reset      int
	Calls      int
	Requeued   int
	Confirmed  int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Scanner finds messages the normal pipeline lost track of.
type Scanner struct {
	store         Store
	enqueuer      Enqueuer
	confirmations Confirmations
	cfg           Config
	now           func() time.Time
	logger        hub.Logger
	metrics       metrics.Recorder
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithConfirmations enables the confirmation retry sweep.
func WithConfirmations(c Confirmations) Option {
	return func(s *Scanner) {
		s.confirmations = c
	}
}

// WithClock overrides the clock used for cutoffs.
func WithClock(now func() time.Time) Option {
	return func(s *Scanner) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the scanner logger.
func WithLogger(logger hub.Logger) Option {
	return func(s *Scanner) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(s *Scanner) {
		s.metrics = metrics.OrNoop(r)
	}
}

// NewScanner builds a scanner. Zero config values use the defaults.
func NewScanner(st Store, enqueuer Enqueuer, cfg Config, opts ...Option) (*Scanner, error) {
	if st == nil || enqueuer == nil {
		return nil, hub.NewError(hub.ErrValidation, "repair scanner requires a store and an enqueuer", nil, nil)
	}
	if cfg.DeadLetterTimeout <= 0 {
		cfg.DeadLetterTimeout = DefaultDeadLetterTimeout
	}
	if cfg.PostponedInterval <= 0 {
		cfg.PostponedInterval = DefaultPostponedInterval
	}
	if cfg.PartlyFailedInterval <= 0 {
		cfg.PartlyFailedInterval = DefaultPartlyFailedInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	s := &Scanner{
		store:    st,
		enqueuer: enqueuer,
		cfg:      cfg,
		now:      time.Now,
		logger:   hub.NewFmtLogger(nil),
		metrics:  metrics.Noop{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// RepairProcessing resets messages stuck in NEW, IN_QUEUE or PROCESSING past
// the dead-letter timeout to PARTLY_FAILED and counts the failure.
func (s *Scanner) RepairProcessing(ctx context.Context) (int, error) {
	now := s.now()
	cutoff := now.Add(-s.cfg.DeadLetterTimeout)
	msgs, err := s.store.FindMessages(ctx, store.MessageFilter{
		States:       hub.RepairableStates,
		ActiveBefore: cutoff,
		Limit:        s.cfg.BatchSize,
	})
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return repaired, err
		}
		// A re-queued message keeps the start of its previous attempt.
		if !msg.LastUpdateTimestamp.Before(cutoff) {
			continue
		}
		next := msg.Clone()
		next.SetState(hub.StatePartlyFailed, now)
		next.FailedCount++
		next.FailedErrorCode = hub.ErrCodeRepairTimeout
		next.FailedDesc = fmt.Sprintf("message stuck in %s since %s, reset by repair scanner",
			msg.State, msg.LastUpdateTimestamp.Format(time.RFC3339))
		if err := s.store.UpdateMessage(ctx, next); err != nil {
			if hub.IsLockFailure(err) {
				continue
			}
			return repaired, err
		}
		repaired++
		s.metrics.StateTransition(string(msg.State), string(hub.StatePartlyFailed))
		hub.WithLoggerFields(s.logger.WithContext(ctx), hub.MessageFields(next)).
			Warn("message %d reset from %s to PARTLY_FAILED", msg.ID, msg.State)
	}
	s.metrics.Repaired("processing", repaired)
	return repaired, nil
}

// RepairExternalCalls releases external calls left PROCESSING past the
// dead-letter timeout by marking them FAILED, so the next attempt of the
// message, or the confirmation sweep, can take them over.
func (s *Scanner) RepairExternalCalls(ctx context.Context) (int, error) {
	now := s.now()
	calls, err := s.store.FindCalls(ctx, store.CallFilter{
		States:        []hub.ExternalCallState{hub.CallProcessing},
		UpdatedBefore: now.Add(-s.cfg.DeadLetterTimeout),
		Limit:         s.cfg.BatchSize,
	})
	if err != nil {
		return 0, err
	}

	released := 0
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return released, err
		}
		next := call.Clone()
		next.State = hub.CallFailed
		next.FailedCount++
		next.LastUpdateTimestamp = now
		if err := s.store.UpdateCall(ctx, next); err != nil {
			if hub.IsLockFailure(err) {
				continue
			}
			return released, err
		}
		released++
		s.logger.WithContext(ctx).Warn("external call %d (%s/%s) of message %d released from PROCESSING",
			call.ID, call.OperationName, call.EntityID, call.MessageID)
	}
	s.metrics.Repaired("external_call", released)
	return released, nil
}

// RepairForRetry re-admits POSTPONED and PARTLY_FAILED messages whose retry
// interval has elapsed. NEW messages the queue refused at admission are
// re-admitted after the postponed interval without counting a failure.
func (s *Scanner) RepairForRetry(ctx context.Context) (int, error) {
	now := s.now()
	total := 0
	passes := []struct {
		state    hub.MsgState
		interval time.Duration
		priority queue.Priority
		kind     string
	}{
		{hub.StateNew, s.cfg.PostponedInterval, queue.PriorityNew, "new"},
		{hub.StatePostponed, s.cfg.PostponedInterval, queue.PriorityPostponed, "postponed"},
		{hub.StatePartlyFailed, s.cfg.PartlyFailedInterval, queue.PriorityRetry, "partly_failed"},
	}
	for _, pass := range passes {
		msgs, err := s.store.FindMessages(ctx, store.MessageFilter{
			States:        []hub.MsgState{pass.state},
			UpdatedBefore: now.Add(-pass.interval),
			Limit:         s.cfg.BatchSize,
		})
		if err != nil {
			return total, err
		}
		requeued := 0
		for _, msg := range msgs {
			if err := ctx.Err(); err != nil {
				return total + requeued, err
			}
			if err := s.enqueuer.Enqueue(ctx, msg, pass.priority); err != nil {
				if hub.IsLockFailure(err) {
					continue
				}
				s.logger.WithContext(ctx).Warn("message %d not re-queued: %v", msg.ID, err)
				continue
			}
			requeued++
		}
		s.metrics.Repaired(pass.kind, requeued)
		total += requeued
	}
	return total, nil
}

// RepairConfirmations runs the confirmation retry sweep when one is set.
func (s *Scanner) RepairConfirmations(ctx context.Context) (int, error) {
	if s.confirmations == nil {
		return 0, nil
	}
	n, err := s.confirmations.RetryFailed(ctx)
	s.metrics.Repaired("confirmation", n)
	return n, err
}

// RunOnce runs every scan once. Scan errors are joined so one failing scan
// does not hide the others.
func (s *Scanner) RunOnce(ctx context.Context) (Report, error) {
	report := Report{StartedAt: s.now()}
	var errs []error

	n, err := s.RepairProcessing(ctx)
	report.Reset = n
	errs = append(errs, wrap("repair processing", err))

	n, err = s.RepairExternalCalls(ctx)
	report.Calls = n
	errs = append(errs, wrap("repair external calls", err))

	n, err = s.RepairForRetry(ctx)
	report.Requeued = n
	errs = append(errs, wrap("repair for retry", err))

	n, err = s.RepairConfirmations(ctx)
	report.Confirmed = n
	errs = append(errs, wrap("repair confirmations", err))

	report.FinishedAt = s.now()
	if report.Reset+report.Calls+report.Requeued+report.Confirmed > 0 {
		s.logger.WithContext(ctx).Info("repair pass: reset=%d calls=%d requeued=%d confirmed=%d",
			report.Reset, report.Calls, report.Requeued, report.Confirmed)
	}
	return report, errors.Join(errs...)
}

// Schedule registers RunOnce on the scheduler. An empty expression uses
// DefaultExpression.
func (s *Scanner) Schedule(scheduler *cron.Scheduler, cfg hub.HandlerConfig) (cron.Handle, error) {
	if scheduler == nil {
		return nil, hub.NewError(hub.ErrValidation, "scheduler is required", nil, nil)
	}
	if cfg.Expression == "" {
		cfg.Expression = DefaultExpression
	}
	return scheduler.ScheduleCron(cfg, jobName, func(ctx context.Context) error {
		_, err := s.RunOnce(ctx)
		return err
	})
}

func wrap(scan string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", scan, err)
}
