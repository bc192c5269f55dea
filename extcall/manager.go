// Package extcall deduplicates side-effecting calls to external systems.
package extcall

import (
	"context"
	"regexp"
	"strings"
	"time"

	hub "github.com/goliatone/go-hub"
	"github.com/goliatone/go-hub/metrics"
	"github.com/goliatone/go-hub/store"
)

const (
	outcomeAcquired = "acquired"
	outcomeTakeover = "taken_over"
	outcomeRefused  = "refused"
	outcomeSkipped  = "skipped"
	outcomeLocked   = "locked"
)

// Manager grants exclusive execution rights per (operation, entity) key.
type Manager struct {
	calls   store.CallStore
	skip    *regexp.Regexp
	locks   *hub.KeyLocker
	now     func() time.Time
	logger  hub.Logger
	metrics metrics.Recorder
}

// Option configures a Manager.
type Option func(*Manager) error

// WithSkipPattern excludes operations matching pattern from tracking.
func WithSkipPattern(pattern string) Option {
	return func(m *Manager) error {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			m.skip = nil
			return nil
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return hub.NewError(hub.ErrValidation, "invalid external call skip pattern", err, map[string]any{"pattern": pattern})
		}
		m.skip = re
		return nil
	}
}

// WithClock overrides the clock used for call timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) error {
		if now != nil {
			m.now = now
		}
		return nil
	}
}

// WithLogger sets the manager logger.
func WithLogger(logger hub.Logger) Option {
	return func(m *Manager) error {
		if logger != nil {
			m.logger = logger
		}
		return nil
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(m *Manager) error {
		m.metrics = metrics.OrNoop(r)
		return nil
	}
}

// NewManager builds a manager over calls.
func NewManager(calls store.CallStore, opts ...Option) (*Manager, error) {
	if calls == nil {
		return nil, hub.NewError(hub.ErrValidation, "call store is required", nil, nil)
	}
	m := &Manager{
		calls:   calls,
		locks:   hub.NewKeyLocker(),
		now:     time.Now,
		logger:  hub.NewFmtLogger(nil),
		metrics: metrics.Noop{},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Prepare claims the key for msg. It returns the PROCESSING call the caller
// now owns, nil when the call must not be executed, or a lock failure when
// another attempt holds the key.
func (m *Manager) Prepare(ctx context.Context, operation, entityID string, msg *hub.Message) (*hub.ExternalCall, error) {
	if msg == nil {
		return nil, hub.NewError(hub.ErrValidation, "message is required", nil, nil)
	}
	if strings.TrimSpace(operation) == "" || strings.TrimSpace(entityID) == "" {
		return nil, hub.NewError(hub.ErrValidation, "operation and entity id are required", nil, nil)
	}
	log := hub.WithLoggerFields(m.logger.WithContext(ctx), map[string]any{
		"operation": operation,
		"entity_id": entityID,
		"msg_id":    msg.ID,
	})

	if m.skip != nil && m.skip.MatchString(operation) {
		m.metrics.ExternalCall(outcomeSkipped)
		log.Debug("operation excluded from external call tracking")
		return nil, nil
	}

	unlock := m.locks.Lock(operation + "\x00" + entityID)
	defer unlock()

	existing, err := m.calls.FindCall(ctx, operation, entityID)
	if err != nil {
		return nil, err
	}
	now := m.now()

	if existing == nil {
		call := &hub.ExternalCall{
			OperationName:       operation,
			EntityID:            entityID,
			State:               hub.CallProcessing,
			MessageID:           msg.ID,
			MsgTimestamp:        msg.MsgTimestamp,
			CreationTimestamp:   now,
			LastUpdateTimestamp: now,
		}
		if err := m.calls.InsertCall(ctx, call); err != nil {
			if hub.IsLockFailure(err) {
				m.metrics.ExternalCall(outcomeLocked)
			}
			return nil, err
		}
		m.metrics.ExternalCall(outcomeAcquired)
		log.Debug("external call created")
		return call, nil
	}

	age := msg.MsgTimestamp.Sub(existing.MsgTimestamp)
	switch existing.State {
	case hub.CallProcessing:
		m.metrics.ExternalCall(outcomeLocked)
		return nil, hub.NewError(hub.ErrLockFailure, "external call is already in progress", nil, map[string]any{
			"operation":   operation,
			"entity_id":   entityID,
			"call_id":     existing.ID,
			"holder_msg":  existing.MessageID,
			"request_msg": msg.ID,
		})
	case hub.CallOK:
		if age <= 0 {
			m.metrics.ExternalCall(outcomeRefused)
			log.Debug("external call already succeeded for a newer or identical message, age %s", age)
			return nil, nil
		}
	default:
		if age < 0 {
			m.metrics.ExternalCall(outcomeRefused)
			log.Debug("external call belongs to a newer message, age %s", age)
			return nil, nil
		}
	}

	prev := existing.State
	existing.State = hub.CallProcessing
	existing.MessageID = msg.ID
	existing.MsgTimestamp = msg.MsgTimestamp
	existing.LastUpdateTimestamp = now
	if err := m.calls.UpdateCall(ctx, existing); err != nil {
		if hub.HasCode(err, hub.CodeVersionConflict) {
			m.metrics.ExternalCall(outcomeLocked)
			return nil, hub.NewError(hub.ErrLockFailure, "external call changed concurrently", err, map[string]any{
				"operation": operation,
				"entity_id": entityID,
			})
		}
		return nil, err
	}
	m.metrics.ExternalCall(outcomeTakeover)
	log.Debug("external call taken over from state %s", prev)
	return existing, nil
}

// Complete marks a PROCESSING call OK.
func (m *Manager) Complete(ctx context.Context, call *hub.ExternalCall) error {
	return m.finish(ctx, call, hub.CallOK)
}

// Failed marks a PROCESSING call FAILED so a later attempt can take it over.
func (m *Manager) Failed(ctx context.Context, call *hub.ExternalCall) error {
	return m.finish(ctx, call, hub.CallFailed)
}

// FailedEnd marks a PROCESSING call as exhausted.
func (m *Manager) FailedEnd(ctx context.Context, call *hub.ExternalCall) error {
	return m.finish(ctx, call, hub.CallFailedEnd)
}

func (m *Manager) finish(ctx context.Context, call *hub.ExternalCall, to hub.ExternalCallState) error {
	if call == nil {
		return hub.NewError(hub.ErrValidation, "external call is required", nil, nil)
	}
	if call.State != hub.CallProcessing {
		return hub.NewError(hub.ErrIllegalState, "external call is not in PROCESSING state", nil, map[string]any{
			"call_id": call.ID,
			"state":   string(call.State),
			"target":  string(to),
		})
	}
	call.State = to
	if to != hub.CallOK {
		call.FailedCount++
	}
	call.LastUpdateTimestamp = m.now()
	if err := m.calls.UpdateCall(ctx, call); err != nil {
		call.State = hub.CallProcessing
		if to != hub.CallOK {
			call.FailedCount--
		}
		return err
	}
	return nil
}
