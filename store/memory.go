package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	hub "github.com/goliatone/go-hub"
)

// MemoryStore is a thread-safe in-memory Store.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[int64]*hub.Message
	natural  map[string]int64
	calls    map[int64]*hub.ExternalCall
	callKeys map[string]int64
	audit    []*hub.AuditRecord

	msgSeq   int64
	callSeq  int64
	auditSeq int64

	funnels *hub.KeyLocker
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[int64]*hub.Message),
		natural:  make(map[string]int64),
		calls:    make(map[int64]*hub.ExternalCall),
		callKeys: make(map[string]int64),
		funnels:  hub.NewKeyLocker(),
	}
}

func naturalKey(source hub.SourceSystem, correlationID string) string {
	return string(source) + "\x00" + correlationID
}

func callKey(operation, entityID string) string {
	return operation + "\x00" + entityID
}

func (s *MemoryStore) InsertMessage(ctx context.Context, msg *hub.Message) error {
	return s.InsertMessages(ctx, []*hub.Message{msg})
}

func (s *MemoryStore) InsertMessages(_ context.Context, msgs []*hub.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(msgs))
	for _, msg := range msgs {
		if msg == nil {
			return hub.NewError(hub.ErrValidation, "message is required", nil, nil)
		}
		key := naturalKey(msg.SourceSystem, msg.CorrelationID)
		_, inBatch := seen[key]
		_, stored := s.natural[key]
		if inBatch || stored {
			return hub.NewError(hub.ErrDuplicateMessage, "", nil, map[string]any{
				"source_system":  string(msg.SourceSystem),
				"correlation_id": msg.CorrelationID,
			})
		}
		seen[key] = struct{}{}
	}

	for _, msg := range msgs {
		s.msgSeq++
		msg.ID = s.msgSeq
		msg.Version = 1
		s.messages[msg.ID] = msg.Clone()
		s.natural[naturalKey(msg.SourceSystem, msg.CorrelationID)] = msg.ID
	}
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id int64) (*hub.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, hub.NewError(hub.ErrNotFound, "message not found", nil, map[string]any{"msg_id": id})
	}
	return msg.Clone(), nil
}

func (s *MemoryStore) FindMessage(_ context.Context, source hub.SourceSystem, correlationID string) (*hub.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.natural[naturalKey(source, correlationID)]
	if !ok {
		return nil, nil
	}
	return s.messages[id].Clone(), nil
}

func (s *MemoryStore) UpdateMessage(_ context.Context, msg *hub.Message) error {
	if msg == nil {
		return hub.NewError(hub.ErrValidation, "message is required", nil, nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.messages[msg.ID]
	if !ok {
		return hub.NewError(hub.ErrNotFound, "message not found", nil, map[string]any{"msg_id": msg.ID})
	}
	if current.Version != msg.Version {
		return hub.NewError(hub.ErrVersionConflict, "", nil, map[string]any{
			"msg_id":           msg.ID,
			"expected_version": msg.Version,
			"actual_version":   current.Version,
		})
	}
	msg.Version++
	s.messages[msg.ID] = msg.Clone()
	return nil
}

func (s *MemoryStore) UpdateMessageStateIf(_ context.Context, id int64, to hub.MsgState, from []hub.MsgState, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.messages[id]
	if !ok {
		return false, hub.NewError(hub.ErrNotFound, "message not found", nil, map[string]any{"msg_id": id})
	}
	if !hub.ContainsState(from, current.State) {
		return false, nil
	}
	current.SetState(to, now)
	current.Version++
	return true, nil
}

func (s *MemoryStore) FindChildren(_ context.Context, parentID int64) ([]*hub.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*hub.Message
	for _, msg := range s.messages {
		if msg.ParentMsgID == parentID {
			out = append(out, msg.Clone())
		}
	}
	sortByID(out)
	return out, nil
}

func (s *MemoryStore) FindFunnelMessages(_ context.Context, funnelValue, componentID string, states []hub.MsgState) ([]*hub.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*hub.Message
	for _, msg := range s.messages {
		if !msg.GuaranteedOrder || msg.FunnelValue != funnelValue {
			continue
		}
		if componentID != "" && msg.FunnelComponentID != componentID {
			continue
		}
		if !hub.ContainsState(states, msg.State) {
			continue
		}
		out = append(out, msg.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].MsgTimestamp.Equal(out[j].MsgTimestamp) {
			return out[i].MsgTimestamp.Before(out[j].MsgTimestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) FindMessages(_ context.Context, filter MessageFilter) ([]*hub.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*hub.Message
	for _, msg := range s.messages {
		if matchMessage(msg, filter) {
			out = append(out, msg.Clone())
		}
	}
	sortByID(out)
	if limit := limitOrDefault(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matchMessage(msg *hub.Message, filter MessageFilter) bool {
	if len(filter.States) > 0 && !hub.ContainsState(filter.States, msg.State) {
		return false
	}
	if filter.ParentID > 0 && msg.ParentMsgID != filter.ParentID {
		return false
	}
	if !filter.UpdatedBefore.IsZero() && !msg.LastUpdateTimestamp.Before(filter.UpdatedBefore) {
		return false
	}
	if !filter.ActiveBefore.IsZero() {
		active := msg.StartProcessTimestamp
		if active.IsZero() {
			active = msg.LastUpdateTimestamp
		}
		if !active.Before(filter.ActiveBefore) {
			return false
		}
	}
	return true
}

func sortByID(msgs []*hub.Message) {
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
}

func (s *MemoryStore) InsertCall(_ context.Context, call *hub.ExternalCall) error {
	if call == nil {
		return hub.NewError(hub.ErrValidation, "external call is required", nil, nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := callKey(call.OperationName, call.EntityID)
	if _, exists := s.callKeys[key]; exists {
		return hub.NewError(hub.ErrLockFailure, "external call already exists", nil, map[string]any{
			"operation": call.OperationName,
			"entity_id": call.EntityID,
		})
	}
	s.callSeq++
	call.ID = s.callSeq
	call.Version = 1
	s.calls[call.ID] = call.Clone()
	s.callKeys[key] = call.ID
	return nil
}

func (s *MemoryStore) GetCall(_ context.Context, id int64) (*hub.ExternalCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	call, ok := s.calls[id]
	if !ok {
		return nil, hub.NewError(hub.ErrNotFound, "external call not found", nil, map[string]any{"call_id": id})
	}
	return call.Clone(), nil
}

func (s *MemoryStore) FindCall(_ context.Context, operation, entityID string) (*hub.ExternalCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.callKeys[callKey(operation, entityID)]
	if !ok {
		return nil, nil
	}
	return s.calls[id].Clone(), nil
}

func (s *MemoryStore) UpdateCall(_ context.Context, call *hub.ExternalCall) error {
	if call == nil {
		return hub.NewError(hub.ErrValidation, "external call is required", nil, nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.calls[call.ID]
	if !ok {
		return hub.NewError(hub.ErrNotFound, "external call not found", nil, map[string]any{"call_id": call.ID})
	}
	if current.Version != call.Version {
		return hub.NewError(hub.ErrVersionConflict, "", nil, map[string]any{
			"call_id":          call.ID,
			"expected_version": call.Version,
			"actual_version":   current.Version,
		})
	}
	call.Version++
	s.calls[call.ID] = call.Clone()
	return nil
}

func (s *MemoryStore) DeleteCallsForMessage(_ context.Context, msgID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, call := range s.calls {
		if call.MessageID != msgID {
			continue
		}
		delete(s.callKeys, callKey(call.OperationName, call.EntityID))
		delete(s.calls, id)
		deleted++
	}
	return deleted, nil
}

func (s *MemoryStore) FindCalls(_ context.Context, filter CallFilter) ([]*hub.ExternalCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*hub.ExternalCall
	for _, call := range s.calls {
		if len(filter.States) > 0 && !containsCallState(filter.States, call.State) {
			continue
		}
		if filter.OperationName != "" && call.OperationName != filter.OperationName {
			continue
		}
		if !filter.UpdatedBefore.IsZero() && !call.LastUpdateTimestamp.Before(filter.UpdatedBefore) {
			continue
		}
		if filter.MaxFailed > 0 && call.FailedCount >= filter.MaxFailed {
			continue
		}
		out = append(out, call.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit := limitOrDefault(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func containsCallState(states []hub.ExternalCallState, st hub.ExternalCallState) bool {
	for _, candidate := range states {
		if candidate == st {
			return true
		}
	}
	return false
}

func (s *MemoryStore) SaveAudit(_ context.Context, rec *hub.AuditRecord) error {
	if rec == nil {
		return hub.NewError(hub.ErrValidation, "audit record is required", nil, nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditSeq++
	rec.ID = s.auditSeq
	cp := *rec
	cp.Payload = append([]byte(nil), rec.Payload...)
	s.audit = append(s.audit, &cp)
	return nil
}

func (s *MemoryStore) FindAudit(_ context.Context, msgID int64) ([]*hub.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*hub.AuditRecord
	for _, rec := range s.audit {
		if rec.MessageID == msgID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) LockFunnel(ctx context.Context, funnelValue string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.funnels.Lock("funnel:" + strings.TrimSpace(funnelValue)), nil
}
