// Package lifecycle drives messages through their state machine: queue
// admission, dispatch to handlers, failure classification, parent and child
// cascades, guaranteed-order funnels and splitting.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	hub "github.com/goliatone/go-hub"
	"github.com/goliatone/go-hub/metrics"
	"github.com/goliatone/go-hub/node"
	"github.com/goliatone/go-hub/notify"
	"github.com/goliatone/go-hub/queue"
	"github.com/goliatone/go-hub/store"
)

const (
	DefaultRetryBeforeFailed = 3
	DefaultSplitWorkers      = 1
	MaxSplitWorkers          = 3

	conflictRetries = 3
)

// Config tunes the engine.
type Config struct {
	// RetryBeforeFailed is the failure count at which a message becomes FAILED.
	RetryBeforeFailed int
	SplitWorkers      int
	SplitCapacity     int
}

// SplitFunc builds the children of parent. Correlation ids, parent links and
// states are assigned by the engine.
type SplitFunc func(parent *hub.Message) ([]*hub.Message, error)

// Engine owns every pipeline state transition of a message.
type Engine struct {
	store     store.Store
	router    *Router
	nodes     node.Service
	notifier  notify.Notifier
	confirmer Confirmer
	listeners []Listener
	split     *queue.Pool
	cfg       Config
	now       func() time.Time
	logger    hub.Logger
	metrics   metrics.Recorder

	mu    sync.RWMutex
	queue Submitter
}

// Option configures an Engine.
type Option func(*Engine)

// WithRouter sets the handler router.
func WithRouter(r *Router) Option {
	return func(e *Engine) {
		if r != nil {
			e.router = r
		}
	}
}

// WithNodeService sets the node gate used before dispatch.
func WithNodeService(svc node.Service) Option {
	return func(e *Engine) {
		if svc != nil {
			e.nodes = svc
		}
	}
}

// WithNotifier sets the admin notifier used for FAILED messages.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithConfirmer sets the confirmation sink for finished top-level messages.
func WithConfirmer(c Confirmer) Option {
	return func(e *Engine) {
		e.confirmer = c
	}
}

// WithListener adds a lifecycle listener.
func WithListener(l Listener) Option {
	return func(e *Engine) {
		if l != nil {
			e.listeners = append(e.listeners, l)
		}
	}
}

// WithQueue sets the main dispatch queue.
func WithQueue(q Submitter) Option {
	return func(e *Engine) {
		e.queue = q
	}
}

// WithClock overrides the clock used for state timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger hub.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(e *Engine) {
		e.metrics = metrics.OrNoop(r)
	}
}

// NewEngine builds an engine over st. The split queue is created stopped;
// call Start before splitting messages.
func NewEngine(st store.Store, cfg Config, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, hub.NewError(hub.ErrValidation, "store is required", nil, nil)
	}
	if cfg.RetryBeforeFailed <= 0 {
		cfg.RetryBeforeFailed = DefaultRetryBeforeFailed
	}
	if cfg.SplitWorkers == 0 {
		cfg.SplitWorkers = DefaultSplitWorkers
	}
	if cfg.SplitWorkers < 1 || cfg.SplitWorkers > MaxSplitWorkers {
		return nil, hub.NewError(hub.ErrValidation, "split workers must be between 1 and 3", nil, map[string]any{
			"split_workers": cfg.SplitWorkers,
		})
	}

	e := &Engine{
		store:    st,
		router:   NewRouter(),
		notifier: notify.Noop{},
		cfg:      cfg,
		now:      time.Now,
		logger:   hub.NewFmtLogger(nil),
		metrics:  metrics.Noop{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.nodes == nil {
		e.nodes = node.NewMemoryService("", "", e.logger)
	}

	split, err := queue.NewPool(queue.Config{
		Name:     "split",
		Workers:  cfg.SplitWorkers,
		Capacity: cfg.SplitCapacity,
	}, queue.ProcessorFunc(e.processChild), queue.WithLogger(e.logger), queue.WithMetrics(e.metrics))
	if err != nil {
		return nil, err
	}
	e.split = split
	return e, nil
}

// Router returns the handler router.
func (e *Engine) Router() *Router { return e.router }

// UseQueue attaches the main dispatch queue. The queue usually wraps the
// engine itself, so it is attached after construction.
func (e *Engine) UseQueue(q Submitter) {
	e.mu.Lock()
	e.queue = q
	e.mu.Unlock()
}

// Start runs the split workers.
func (e *Engine) Start(ctx context.Context) error {
	return e.split.Start(ctx)
}

// Stop drains the split workers.
func (e *Engine) Stop(ctx context.Context) error {
	return e.split.Stop(ctx)
}

// Enqueue moves msg to IN_QUEUE and submits it to the main queue. When the
// queue refuses the submit, msg is restored to its previous state so the
// repair scan can admit it again.
func (e *Engine) Enqueue(ctx context.Context, msg *hub.Message, priority queue.Priority) error {
	before := msg.Clone()
	if err := e.SetStateInQueue(ctx, msg); err != nil {
		return err
	}
	if err := e.submit(ctx, msg.ID, priority); err != nil {
		e.rollback(ctx, msg, before)
		return err
	}
	return nil
}

// rollback restores msg to the snapshot taken before it entered IN_QUEUE.
// The write is version checked, so a concurrent change wins.
func (e *Engine) rollback(ctx context.Context, msg, before *hub.Message) {
	restored := before.Clone()
	restored.Version = msg.Version
	if err := e.store.UpdateMessage(ctx, restored); err != nil {
		e.log(ctx, msg).Warn("message %d stays IN_QUEUE, rollback to %s failed: %v", msg.ID, before.State, err)
		return
	}
	from := msg.State
	*msg = *restored
	e.metrics.StateTransition(string(from), string(msg.State))
	e.log(ctx, msg).Debug("message %d rolled back %s -> %s", msg.ID, from, msg.State)
}

// SetStateInQueue moves msg to IN_QUEUE. Any state outside NEW,
// PARTLY_FAILED, POSTPONED and WAITING_FOR_RES is a lock failure.
func (e *Engine) SetStateInQueue(ctx context.Context, msg *hub.Message) error {
	if !hub.CanTransition(msg.State, hub.StateInQueue) {
		return lockFailure(msg, hub.StateInQueue)
	}
	return e.update(ctx, msg, hub.StateInQueue, nil)
}

// SetStateProcessing moves msg from IN_QUEUE to PROCESSING and binds it to the
// current node. Any other state is a lock failure.
func (e *Engine) SetStateProcessing(ctx context.Context, msg *hub.Message) error {
	if msg.State != hub.StateInQueue {
		return lockFailure(msg, hub.StateProcessing)
	}
	nodeID := msg.NodeID
	if n, err := e.nodes.Current(ctx); err == nil {
		nodeID = n.ID
	}
	return e.update(ctx, msg, hub.StateProcessing, func(m *hub.Message) {
		m.NodeID = nodeID
	})
}

// SetStateOK finishes msg and, for a HARD-bound child, completes the parent
// once every HARD sibling is OK.
func (e *Engine) SetStateOK(ctx context.Context, msg *hub.Message) error {
	if err := e.update(ctx, msg, hub.StateOK, nil); err != nil {
		return err
	}
	return e.afterOK(ctx, msg)
}

// SetStateWaiting parks a split parent until its children finish. It is a
// no-op once another path moved the message out of PROCESSING.
func (e *Engine) SetStateWaiting(ctx context.Context, msg *hub.Message) error {
	if msg.State != hub.StateProcessing {
		e.log(ctx, msg).Debug("message %d already left PROCESSING, not waiting", msg.ID)
		return nil
	}
	err := e.update(ctx, msg, hub.StateWaiting, nil)
	if err == nil {
		e.emit(ctx, EventWaiting, msg)
		return nil
	}
	if !hub.IsLockFailure(err) {
		return err
	}
	current, gerr := e.store.GetMessage(ctx, msg.ID)
	if gerr != nil {
		return gerr
	}
	if current.State != hub.StateProcessing {
		*msg = *current
		e.log(ctx, msg).Debug("message %d finished concurrently in state %s", msg.ID, msg.State)
		return nil
	}
	return err
}

// SetStateWaitingForResponse parks msg until Resume is called.
func (e *Engine) SetStateWaitingForResponse(ctx context.Context, msg *hub.Message) error {
	if err := e.update(ctx, msg, hub.StateWaitingForRes, nil); err != nil {
		return err
	}
	e.emit(ctx, EventWaitingForResponse, msg)
	return nil
}

// SetStatePostponed defers msg behind an earlier message of its funnel.
func (e *Engine) SetStatePostponed(ctx context.Context, msg *hub.Message) error {
	if err := e.update(ctx, msg, hub.StatePostponed, nil); err != nil {
		return err
	}
	e.emit(ctx, EventPostponed, msg)
	return nil
}

// SetStatePartlyFailedNoEffect schedules msg for a retry without counting a
// failure.
func (e *Engine) SetStatePartlyFailedNoEffect(ctx context.Context, msg *hub.Message) error {
	if err := e.update(ctx, msg, hub.StatePartlyFailed, nil); err != nil {
		return err
	}
	e.emit(ctx, EventPartlyFailed, msg)
	return nil
}

// HandleFailure records cause on msg. The message becomes FAILED when its
// failure count reaches the threshold or cause signals a stopping system,
// and PARTLY_FAILED otherwise.
func (e *Engine) HandleFailure(ctx context.Context, msg *hub.Message, cause error) error {
	if cause == nil {
		return hub.NewError(hub.ErrValidation, "failure cause is required", nil, map[string]any{"msg_id": msg.ID})
	}
	count := msg.FailedCount + 1
	target := hub.StatePartlyFailed
	if count >= e.cfg.RetryBeforeFailed || hub.IsStopping(cause) {
		target = hub.StateFailed
	}
	code := hub.ErrorCodeOf(cause)

	err := e.update(ctx, msg, target, func(m *hub.Message) {
		m.FailedCount = count
		m.FailedErrorCode = code
		m.FailedDesc = cause.Error()
		m.FailedStackTrace = fmt.Sprintf("%+v", cause)
		m.AddBusinessErrors(hub.BusinessErrorsOf(cause)...)
	})
	if err != nil {
		return err
	}

	log := e.log(ctx, msg)
	if target == hub.StatePartlyFailed {
		log.Warn("message %d partly failed (%d/%d) with %s: %v", msg.ID, count, e.cfg.RetryBeforeFailed, code, cause)
		e.emit(ctx, EventPartlyFailed, msg)
		return nil
	}
	log.Error("message %d failed after %d attempts with %s: %v", msg.ID, count, code, cause)
	return e.afterFailed(ctx, msg)
}

// Cancel moves id to CANCEL when it is NEW, PARTLY_FAILED or POSTPONED. A
// message in any other state is a lock failure.
func (e *Engine) Cancel(ctx context.Context, id int64) error {
	before, err := e.store.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	ok, err := e.store.UpdateMessageStateIf(ctx, id, hub.StateCancel, hub.AllowedFrom(hub.StateCancel), e.now())
	if err != nil {
		return err
	}
	if !ok {
		return hub.NewError(hub.ErrLockFailure, "message cannot be cancelled in its current state", nil, map[string]any{
			"msg_id": id,
			"state":  string(before.State),
		})
	}
	e.metrics.StateTransition(string(before.State), string(hub.StateCancel))

	msg, err := e.store.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	e.log(ctx, msg).Info("message %d cancelled", id)
	e.emit(ctx, EventCancelled, msg)
	return nil
}

// Restart reopens a FAILED or CANCEL message as PARTLY_FAILED with a fresh
// failure budget. A total restart also purges its external call records so
// every call is redone.
func (e *Engine) Restart(ctx context.Context, id int64, total bool) error {
	var msg *hub.Message
	err := retryOnConflict(func() error {
		current, err := e.store.GetMessage(ctx, id)
		if err != nil {
			return err
		}
		if !hub.ContainsState(hub.RestartableStates, current.State) {
			return hub.NewError(hub.ErrIllegalState, "only FAILED or CANCEL messages can be restarted", nil, map[string]any{
				"msg_id": id,
				"state":  string(current.State),
			})
		}
		from := current.State
		current.SetState(hub.StatePartlyFailed, e.now())
		current.FailedCount = 0
		if err := e.store.UpdateMessage(ctx, current); err != nil {
			return err
		}
		e.metrics.StateTransition(string(from), string(hub.StatePartlyFailed))
		msg = current
		return nil
	})
	if err != nil {
		return err
	}

	log := e.log(ctx, msg)
	if total {
		n, err := e.store.DeleteCallsForMessage(ctx, id)
		if err != nil {
			return err
		}
		log.Info("message %d restarted, %d external calls purged", id, n)
	} else {
		log.Info("message %d restarted", id)
	}
	e.emit(ctx, EventRestarted, msg)
	return nil
}

// Resume re-queues a message parked in WAITING_FOR_RES.
func (e *Engine) Resume(ctx context.Context, id int64) error {
	msg, err := e.store.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if msg.State != hub.StateWaitingForRes {
		return hub.NewError(hub.ErrIllegalState, "message is not waiting for a response", nil, map[string]any{
			"msg_id": id,
			"state":  string(msg.State),
		})
	}
	return e.Enqueue(ctx, msg, queue.PriorityNew)
}

// RecordResponse stores the response received from target for a message.
func (e *Engine) RecordResponse(ctx context.Context, msgID int64, target string, payload []byte, respErr error) error {
	rec := &hub.AuditRecord{
		MessageID: msgID,
		Kind:      hub.AuditResponse,
		Target:    target,
		Payload:   payload,
		Timestamp: e.now(),
	}
	if respErr != nil {
		rec.Error = respErr.Error()
	}
	return e.store.SaveAudit(ctx, rec)
}

// CheckFunnel reports whether msg is next in line for its funnel. When it is
// not, msg is moved to POSTPONED. The check holds the funnel lock.
func (e *Engine) CheckFunnel(ctx context.Context, msg *hub.Message) (bool, error) {
	if !msg.GuaranteedOrder || strings.TrimSpace(msg.FunnelValue) == "" {
		return true, nil
	}
	unlock, err := e.store.LockFunnel(ctx, msg.FunnelValue)
	if err != nil {
		return false, err
	}
	defer unlock()

	states := hub.NonFinalStates()
	if !msg.ExcludeFailedState {
		states = append(states, hub.StateFailed)
	}
	inFunnel, err := e.store.FindFunnelMessages(ctx, msg.FunnelValue, msg.FunnelComponentID, states)
	if err != nil {
		return false, err
	}
	if len(inFunnel) <= 1 || inFunnel[0].ID == msg.ID {
		return true, nil
	}

	e.log(ctx, msg).Info("message %d postponed behind message %d in funnel %q", msg.ID, inFunnel[0].ID, msg.FunnelValue)
	if err := e.SetStatePostponed(ctx, msg); err != nil {
		return false, err
	}
	return false, nil
}

// Split persists the children built by fn in one batch, flags parent as a
// parent message and queues every child on the split workers. Only a
// PROCESSING message without failures can be split.
func (e *Engine) Split(ctx context.Context, parent *hub.Message, fn SplitFunc) ([]*hub.Message, error) {
	if parent == nil || fn == nil {
		return nil, hub.NewError(hub.ErrValidation, "split requires a parent and a split function", nil, nil)
	}
	current, err := e.store.GetMessage(ctx, parent.ID)
	if err != nil {
		return nil, err
	}
	if current.State != hub.StateProcessing || current.FailedCount != 0 {
		return nil, hub.NewError(hub.ErrIllegalState, "only a PROCESSING message without failures can be split", nil, map[string]any{
			"msg_id":       current.ID,
			"state":        string(current.State),
			"failed_count": current.FailedCount,
		})
	}

	children, err := fn(current.Clone())
	if err != nil {
		return nil, err
	}
	if len(children) == 0 {
		return nil, hub.NewError(hub.ErrValidation, "split produced no children", nil, map[string]any{"msg_id": current.ID})
	}

	now := e.now()
	for i, child := range children {
		if child == nil {
			return nil, hub.NewError(hub.ErrValidation, "split produced a nil child", nil, map[string]any{"msg_id": current.ID, "ordinal": i + 1})
		}
		prepareChild(current, child, i+1, now)
	}
	if err := e.store.InsertMessages(ctx, children); err != nil {
		return nil, err
	}

	err = retryOnConflict(func() error {
		p, err := e.store.GetMessage(ctx, current.ID)
		if err != nil {
			return err
		}
		if p.ParentMessage {
			return nil
		}
		p.ParentMessage = true
		p.LastUpdateTimestamp = now
		return e.store.UpdateMessage(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	parent.ParentMessage = true

	log := e.log(ctx, current)
	log.Info("message %d split into %d children", current.ID, len(children))
	for _, child := range children {
		if err := e.split.Submit(child.ID, queue.PriorityNew); err != nil {
			log.Warn("child message %d not queued, left for repair: %v", child.ID, err)
		}
	}
	return children, nil
}

// ProcessQueued runs the pipeline for a dequeued message id. Messages no
// longer IN_QUEUE are obsolete and skipped.
func (e *Engine) ProcessQueued(ctx context.Context, id int64) error {
	if _, err := node.RequireExisting(ctx, e.nodes); err != nil {
		e.logger.WithContext(ctx).Warn("message %d left queued, node is not processing: %v", id, err)
		return err
	}

	msg, err := e.store.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if msg.State != hub.StateInQueue {
		e.log(ctx, msg).Info("message %d is obsolete in state %s, skipping", id, msg.State)
		return nil
	}
	if err := e.SetStateProcessing(ctx, msg); err != nil {
		if hub.IsLockFailure(err) {
			e.log(ctx, msg).Info("message %d was taken by another worker, skipping", id)
			return nil
		}
		return err
	}

	if msg.GuaranteedOrder {
		admitted, err := e.CheckFunnel(ctx, msg)
		if err != nil {
			return e.fail(ctx, msg, err)
		}
		if !admitted {
			return nil
		}
	}

	work := msg.Clone()
	start := time.Now()
	outcome, err := e.invoke(ctx, work)
	e.metrics.ProcessingLatency(msg.Operation, time.Since(start))
	if err != nil {
		return e.fail(ctx, work, err)
	}
	return e.succeed(ctx, work, outcome)
}

func (e *Engine) invoke(ctx context.Context, msg *hub.Message) (Outcome, error) {
	h, ok := e.router.Lookup(msg.Service, msg.Operation)
	if !ok {
		return OutcomeDone, hub.NewError(hub.ErrNoHandler, "", nil, map[string]any{
			"service":   string(msg.Service),
			"operation": msg.Operation,
		})
	}
	var outcome Outcome
	err := hub.SafeCall(func() error {
		var err error
		outcome, err = h.Handle(ctx, msg)
		return err
	})
	return outcome, err
}

func (e *Engine) succeed(ctx context.Context, work *hub.Message, outcome Outcome) error {
	return retryOnConflict(func() error {
		current, err := e.store.GetMessage(ctx, work.ID)
		if err != nil {
			return err
		}
		if current.State != hub.StateProcessing {
			e.log(ctx, current).Debug("message %d already finished in state %s", current.ID, current.State)
			return nil
		}
		current.BusinessErrors = work.BusinessErrors
		current.CustomData = work.CustomData

		switch outcome {
		case OutcomeNoEffect:
			return e.SetStatePartlyFailedNoEffect(ctx, current)
		case OutcomeAwaitResponse:
			return e.SetStateWaitingForResponse(ctx, current)
		}
		if current.ParentMessage {
			hard, err := e.hasHardChildren(ctx, current.ID)
			if err != nil {
				return err
			}
			if hard {
				return e.SetStateWaiting(ctx, current)
			}
		}
		return e.SetStateOK(ctx, current)
	})
}

func (e *Engine) fail(ctx context.Context, work *hub.Message, cause error) error {
	return retryOnConflict(func() error {
		current, err := e.store.GetMessage(ctx, work.ID)
		if err != nil {
			return err
		}
		if current.State != hub.StateProcessing {
			e.log(ctx, current).Warn("message %d left PROCESSING before its failure was recorded: %v", current.ID, cause)
			return nil
		}
		current.BusinessErrors = work.BusinessErrors
		current.CustomData = work.CustomData
		return e.HandleFailure(ctx, current, cause)
	})
}

func (e *Engine) processChild(ctx context.Context, id int64) error {
	msg, err := e.store.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if err := e.SetStateInQueue(ctx, msg); err != nil {
		if hub.IsLockFailure(err) {
			e.log(ctx, msg).Info("child message %d is obsolete in state %s, skipping", id, msg.State)
			return nil
		}
		return err
	}
	return e.ProcessQueued(ctx, id)
}

func (e *Engine) afterOK(ctx context.Context, msg *hub.Message) error {
	e.log(ctx, msg).Info("message %d finished OK", msg.ID)
	e.emit(ctx, EventCompleted, msg)
	e.finished(ctx, msg)
	if !msg.HasHardParent() {
		return nil
	}
	return e.completeParent(ctx, msg.ParentMsgID)
}

func (e *Engine) completeParent(ctx context.Context, parentID int64) error {
	children, err := e.store.FindChildren(ctx, parentID)
	if err != nil {
		return err
	}
	var bizErrors []string
	for _, child := range children {
		if child.ParentBinding != hub.BindingHard {
			continue
		}
		if child.State != hub.StateOK {
			return nil
		}
		bizErrors = append(bizErrors, child.BusinessErrorList()...)
	}

	var parent *hub.Message
	err = retryOnConflict(func() error {
		p, err := e.store.GetMessage(ctx, parentID)
		if err != nil {
			return err
		}
		if !hub.CanTransition(p.State, hub.StateOK) {
			return nil
		}
		if err := e.update(ctx, p, hub.StateOK, func(m *hub.Message) {
			m.AddBusinessErrors(bizErrors...)
		}); err != nil {
			return err
		}
		parent = p
		return nil
	})
	if err != nil || parent == nil {
		return err
	}
	return e.afterOK(ctx, parent)
}

func (e *Engine) afterFailed(ctx context.Context, msg *hub.Message) error {
	e.emit(ctx, EventFailed, msg)
	subject, body := notify.FailedMessageEmail(msg)
	if err := e.notifier.SendEmailToAdmins(ctx, subject, body); err != nil {
		e.log(ctx, msg).Error("admin notification for message %d failed: %v", msg.ID, err)
	}
	e.finished(ctx, msg)
	if !msg.HasHardParent() {
		return nil
	}
	return e.failParent(ctx, msg)
}

func (e *Engine) failParent(ctx context.Context, child *hub.Message) error {
	var parent *hub.Message
	err := retryOnConflict(func() error {
		p, err := e.store.GetMessage(ctx, child.ParentMsgID)
		if err != nil {
			return err
		}
		if !hub.CanTransition(p.State, hub.StateFailed) {
			return nil
		}
		if err := e.update(ctx, p, hub.StateFailed, func(m *hub.Message) {
			m.FailedErrorCode = hub.ErrCodeChildFailed
			m.FailedDesc = fmt.Sprintf("child message %d failed with %s: %s", child.ID, child.FailedErrorCode, child.FailedDesc)
			m.FailedCount = child.FailedCount
		}); err != nil {
			return err
		}
		parent = p
		return nil
	})
	if err != nil || parent == nil {
		return err
	}
	e.log(ctx, parent).Error("parent message %d failed because child %d failed", parent.ID, child.ID)
	return e.afterFailed(ctx, parent)
}

// finished confirms the final state of a top-level message. Confirmation
// errors never change the message state.
func (e *Engine) finished(ctx context.Context, msg *hub.Message) {
	if msg.IsChild() || e.confirmer == nil {
		return
	}
	if err := e.confirmer.Confirm(ctx, msg.Clone()); err != nil {
		e.log(ctx, msg).Warn("confirmation of message %d failed, will be retried: %v", msg.ID, err)
	}
}

func (e *Engine) hasHardChildren(ctx context.Context, id int64) (bool, error) {
	children, err := e.store.FindChildren(ctx, id)
	if err != nil {
		return false, err
	}
	for _, child := range children {
		if child.ParentBinding == hub.BindingHard {
			return true, nil
		}
	}
	return false, nil
}

// update persists msg moved to `to` with mutate applied. msg is only
// changed when the write succeeds.
func (e *Engine) update(ctx context.Context, msg *hub.Message, to hub.MsgState, mutate func(*hub.Message)) error {
	from := msg.State
	if !hub.CanTransition(from, to) {
		return hub.NewError(hub.ErrIllegalState, "state transition not allowed", nil, map[string]any{
			"msg_id": msg.ID,
			"from":   string(from),
			"to":     string(to),
		})
	}
	next := msg.Clone()
	next.SetState(to, e.now())
	if mutate != nil {
		mutate(next)
	}
	if err := e.store.UpdateMessage(ctx, next); err != nil {
		return err
	}
	*msg = *next
	e.metrics.StateTransition(string(from), string(to))
	e.log(ctx, msg).Debug("message %d moved %s -> %s", msg.ID, from, to)
	return nil
}

func (e *Engine) submit(ctx context.Context, id int64, priority queue.Priority) error {
	e.mu.RLock()
	q := e.queue
	e.mu.RUnlock()
	if q == nil {
		e.logger.WithContext(ctx).Warn("no dispatch queue attached, message %d stays IN_QUEUE", id)
		return nil
	}
	if err := q.Submit(id, priority); err != nil {
		e.logger.WithContext(ctx).Warn("message %d submit failed: %v", id, err)
		return err
	}
	return nil
}

func (e *Engine) emit(ctx context.Context, kind EventKind, msg *hub.Message) {
	for _, l := range e.listeners {
		l := l
		evt := Event{Kind: kind, Message: msg.Clone()}
		if err := hub.SafeCall(func() error {
			l.OnEvent(ctx, evt)
			return nil
		}); err != nil {
			e.log(ctx, msg).Error("lifecycle listener failed on %s: %+v", kind, err)
		}
	}
}

func (e *Engine) log(ctx context.Context, msg *hub.Message) hub.Logger {
	return hub.WithLoggerFields(e.logger.WithContext(ctx), hub.MessageFields(msg))
}

func prepareChild(parent, child *hub.Message, ordinal int, now time.Time) {
	child.ID = 0
	child.Version = 0
	child.SourceSystem = parent.SourceSystem
	child.CorrelationID = fmt.Sprintf("%s-%d", parent.CorrelationID, ordinal)
	child.ParentMsgID = parent.ID
	child.ParentMessage = false
	if child.ParentBinding == "" {
		child.ParentBinding = hub.BindingHard
	}
	if child.ProcessID == "" {
		child.ProcessID = parent.ProcessID
	}
	if child.Service == "" {
		child.Service = parent.Service
	}
	if child.Operation == "" {
		child.Operation = parent.Operation
	}
	if child.MsgTimestamp.IsZero() {
		child.MsgTimestamp = parent.MsgTimestamp
	}
	child.ReceiveTimestamp = now
	child.NodeID = parent.NodeID
	child.FailedCount = 0
	child.FailedErrorCode = ""
	child.FailedDesc = ""
	child.FailedStackTrace = ""
	child.SetState(hub.StateNew, now)
}

func lockFailure(msg *hub.Message, target hub.MsgState) error {
	return hub.NewError(hub.ErrLockFailure, fmt.Sprintf("message cannot move to %s", target), nil, map[string]any{
		"msg_id": msg.ID,
		"state":  string(msg.State),
	})
}

func retryOnConflict(fn func() error) error {
	var err error
	for i := 0; i < conflictRetries; i++ {
		if err = fn(); err == nil || !hub.HasCode(err, hub.CodeVersionConflict) {
			return err
		}
	}
	return err
}
