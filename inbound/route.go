// Package inbound admits new messages into the hub: it validates the request,
// applies node gating and throttling, persists the message and queues it.
package inbound

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	hub "github.com/goliatone/go-hub"
	"github.com/goliatone/go-hub/metrics"
	"github.com/goliatone/go-hub/node"
	"github.com/goliatone/go-hub/queue"
	"github.com/goliatone/go-hub/store"
	"github.com/goliatone/go-hub/throttle"
)

const requestAuditTarget = "inbound"

// AckStatus is the acknowledgment returned to the source system.
type AckStatus string

const (
	AckOK   AckStatus = "OK"
	AckFail AckStatus = "FAIL"
)

// Request is what an inbound transport hands to the route.
type Request struct {
	SourceSystem  string
	CorrelationID string
	ProcessID     string
	Service       string
	Operation     string
	ObjectID      string
	EntityType    string
	Timestamp     time.Time
	Payload       []byte
	Envelope      []byte

	FunnelValue        string
	FunnelComponentID  string
	GuaranteedOrder    bool
	ExcludeFailedState bool
}

// Ack answers an admission request.
type Ack struct {
	Status        AckStatus `json:"status"`
	MessageID     int64     `json:"message_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	ErrorCode     string    `json:"error_code,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
}

// Store is the persistence the route needs.
type Store interface {
	store.MessageStore
	store.AuditStore
}

// Enqueuer moves a persisted message into the processing queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg *hub.Message, priority queue.Priority) error
}

// Route is the inbound admission decision logic.
type Route struct {
	store    Store
	enqueuer Enqueuer
	throttle *throttle.Processor
	nodes    node.Service
	sources  *hub.Registry[hub.SourceSystem]
	services *hub.Registry[hub.ServiceName]
	now      func() time.Time
	logger   hub.Logger
	metrics  metrics.Recorder
}

// Option configures a Route.
type Option func(*Route)

// WithThrottle enables throttling before persistence.
func WithThrottle(p *throttle.Processor) Option {
	return func(r *Route) {
		r.throttle = p
	}
}

// WithNodeService sets the node used for admission gating.
func WithNodeService(svc node.Service) Option {
	return func(r *Route) {
		if svc != nil {
			r.nodes = svc
		}
	}
}

// WithSourceSystems restricts admission to registered source systems. An
// empty registry admits any source.
func WithSourceSystems(reg *hub.Registry[hub.SourceSystem]) Option {
	return func(r *Route) {
		r.sources = reg
	}
}

// WithServices restricts admission to registered services when the request
// names one.
func WithServices(reg *hub.Registry[hub.ServiceName]) Option {
	return func(r *Route) {
		r.services = reg
	}
}

// WithClock overrides the receive clock.
func WithClock(now func() time.Time) Option {
	return func(r *Route) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the route logger.
func WithLogger(logger hub.Logger) Option {
	return func(r *Route) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(r *Route) {
		r.metrics = metrics.OrNoop(m)
	}
}

// NewRoute builds the admission route.
func NewRoute(st Store, enqueuer Enqueuer, opts ...Option) (*Route, error) {
	if st == nil || enqueuer == nil {
		return nil, hub.NewError(hub.ErrValidation, "inbound route requires a store and an enqueuer", nil, nil)
	}
	r := &Route{
		store:    st,
		enqueuer: enqueuer,
		now:      time.Now,
		logger:   hub.NewFmtLogger(nil),
		metrics:  metrics.Noop{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.nodes == nil {
		r.nodes = node.NewMemoryService("", "", r.logger)
	}
	return r, nil
}

// Admit persists req as a NEW message and queues it. Validation problems and
// duplicates are answered with a FAIL ack. Throttling and node stopping are
// returned as errors and nothing is persisted.
func (r *Route) Admit(ctx context.Context, req Request) (Ack, error) {
	req = normalize(req)
	if err := r.validate(req); err != nil {
		return r.fail(ctx, req, err), nil
	}
	if _, err := node.RequireNew(ctx, r.nodes); err != nil {
		return Ack{}, err
	}
	if r.throttle != nil {
		if err := r.throttle.Throttle(ctx, throttle.Scope{
			Source:  hub.SourceSystem(req.SourceSystem),
			Service: hub.ServiceName(req.Service),
		}); err != nil {
			return Ack{}, err
		}
	}

	msg := r.newMessage(req)
	if err := r.store.InsertMessage(ctx, msg); err != nil {
		if hub.IsDuplicate(err) || hub.IsValidation(err) {
			return r.fail(ctx, req, err), nil
		}
		return Ack{}, err
	}

	log := hub.WithLoggerFields(r.logger.WithContext(ctx), hub.MessageFields(msg))
	if err := r.store.SaveAudit(ctx, &hub.AuditRecord{
		MessageID: msg.ID,
		Kind:      hub.AuditRequest,
		Target:    requestAuditTarget,
		Payload:   msg.Payload,
		Timestamp: msg.ReceiveTimestamp,
	}); err != nil {
		log.Warn("request audit for message %d not saved: %v", msg.ID, err)
	}

	// A refused submit leaves the message NEW for the repair scan to re-admit.
	if err := r.enqueuer.Enqueue(ctx, msg, queue.PriorityNew); err != nil {
		log.Warn("message %d persisted but not queued: %v", msg.ID, err)
	}
	r.metrics.StateTransition("", string(hub.StateNew))
	log.Info("message %d admitted", msg.ID)

	return Ack{Status: AckOK, MessageID: msg.ID, CorrelationID: msg.CorrelationID}, nil
}

func (r *Route) validate(req Request) error {
	var missing []string
	if req.SourceSystem == "" {
		missing = append(missing, "source_system")
	}
	if req.CorrelationID == "" {
		missing = append(missing, "correlation_id")
	}
	if req.Operation == "" {
		missing = append(missing, "operation")
	}
	if len(missing) > 0 {
		return hub.NewError(hub.ErrValidation, "missing required fields: "+strings.Join(missing, ", "), nil, map[string]any{
			"fields": missing,
		})
	}
	if r.sources != nil && r.sources.Len() > 0 {
		if _, ok := r.sources.Lookup(req.SourceSystem); !ok {
			return hub.NewError(hub.ErrValidation, "unknown source system", nil, map[string]any{"source_system": req.SourceSystem})
		}
	}
	if req.Service != "" && r.services != nil && r.services.Len() > 0 {
		if _, ok := r.services.Lookup(req.Service); !ok {
			return hub.NewError(hub.ErrValidation, "unknown service", nil, map[string]any{"service": req.Service})
		}
	}
	if req.GuaranteedOrder && req.FunnelValue == "" {
		return hub.NewError(hub.ErrValidation, "guaranteed order requires a funnel value", nil, nil)
	}
	return nil
}

func (r *Route) newMessage(req Request) *hub.Message {
	now := r.now()
	processID := req.ProcessID
	if processID == "" {
		processID = uuid.NewString()
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = now
	}
	source := hub.SourceSystem(req.SourceSystem)
	if r.sources != nil {
		if known, ok := r.sources.Lookup(req.SourceSystem); ok {
			source = known
		}
	}
	msg := &hub.Message{
		SourceSystem:       source,
		CorrelationID:      req.CorrelationID,
		ProcessID:          processID,
		MsgTimestamp:       ts,
		ReceiveTimestamp:   now,
		Service:            hub.ServiceName(req.Service),
		Operation:          req.Operation,
		ObjectID:           req.ObjectID,
		EntityType:         hub.EntityType(req.EntityType),
		Payload:            append([]byte(nil), req.Payload...),
		Envelope:           append([]byte(nil), req.Envelope...),
		FunnelValue:        req.FunnelValue,
		FunnelComponentID:  req.FunnelComponentID,
		GuaranteedOrder:    req.GuaranteedOrder,
		ExcludeFailedState: req.ExcludeFailedState,
	}
	msg.SetState(hub.StateNew, now)
	return msg
}

func (r *Route) fail(ctx context.Context, req Request, err error) Ack {
	hub.WithLoggerFields(r.logger.WithContext(ctx), map[string]any{
		"source_system":  req.SourceSystem,
		"correlation_id": req.CorrelationID,
		"operation":      req.Operation,
	}).Warn("inbound message rejected: %v", err)
	return Ack{
		Status:        AckFail,
		CorrelationID: req.CorrelationID,
		ErrorCode:     string(hub.ErrorCodeOf(err)),
		ErrorMessage:  err.Error(),
	}
}

func normalize(req Request) Request {
	req.SourceSystem = strings.TrimSpace(req.SourceSystem)
	req.CorrelationID = strings.TrimSpace(req.CorrelationID)
	req.ProcessID = strings.TrimSpace(req.ProcessID)
	req.Service = strings.TrimSpace(req.Service)
	req.Operation = strings.TrimSpace(req.Operation)
	req.FunnelValue = strings.TrimSpace(req.FunnelValue)
	return req
}
