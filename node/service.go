// Package node tracks the state of the local hub node.
package node

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	hub "github.com/goliatone/go-hub"
)

// Service returns the current node snapshot.
type Service interface {
	Current(ctx context.Context) (hub.Node, error)
}

// MemoryService keeps the node in process memory.
type MemoryService struct {
	mu     sync.RWMutex
	node   hub.Node
	logger hub.Logger
}

var _ Service = (*MemoryService)(nil)

// NewMemoryService builds a node in state RUN. An empty id is generated.
func NewMemoryService(id, code string, logger hub.Logger) *MemoryService {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	if code == "" {
		code = id
	}
	return &MemoryService{
		node:   hub.Node{ID: id, Code: code, State: hub.NodeRun},
		logger: hub.NormalizeLogger(logger),
	}
}

// Current returns a copy of the node.
func (s *MemoryService) Current(ctx context.Context) (hub.Node, error) {
	if err := ctx.Err(); err != nil {
		return hub.Node{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.node, nil
}

// SetState changes the node state.
func (s *MemoryService) SetState(ctx context.Context, state hub.NodeState) error {
	switch state {
	case hub.NodeRun, hub.NodeHandlesExistingMessages, hub.NodeStopped:
	default:
		return hub.NewError(hub.ErrValidation, "unknown node state", nil, map[string]any{"state": string(state)})
	}
	s.mu.Lock()
	prev, code := s.node.State, s.node.Code
	s.node.State = state
	s.mu.Unlock()
	if prev != state {
		s.logger.WithContext(ctx).Info("node %s state changed %s -> %s", code, prev, state)
	}
	return nil
}

// RequireNew fails with hub.ErrNodeStopping unless the node admits new messages.
func RequireNew(ctx context.Context, svc Service) (hub.Node, error) {
	n, err := svc.Current(ctx)
	if err != nil {
		return n, err
	}
	if !n.AllowsNewMessages() {
		return n, hub.NewError(hub.ErrNodeStopping, "", nil, map[string]any{"node": n.Code, "state": string(n.State)})
	}
	return n, nil
}

// RequireExisting fails with hub.ErrNodeStopping unless the node processes
// existing messages.
func RequireExisting(ctx context.Context, svc Service) (hub.Node, error) {
	n, err := svc.Current(ctx)
	if err != nil {
		return n, err
	}
	if !n.AllowsExistingMessages() {
		return n, hub.NewError(hub.ErrNodeStopping, "node does not process existing messages", nil, map[string]any{
			"node":  n.Code,
			"state": string(n.State),
		})
	}
	return n, nil
}
