// Package store persists messages, external calls and audit records.
package store

import (
	"context"
	"time"

	hub "github.com/goliatone/go-hub"
)

// DefaultLimit bounds filtered queries that do not set a limit.
const DefaultLimit = 100

// MessageFilter selects messages for scans. Zero fields do not filter.
type MessageFilter struct {
	States []hub.MsgState
	// UpdatedBefore matches LastUpdateTimestamp strictly before the value.
	UpdatedBefore time.Time
	// ActiveBefore matches StartProcessTimestamp, or LastUpdateTimestamp when
	// processing never started, strictly before the value.
	ActiveBefore time.Time
	ParentID     int64
	Limit        int
}

// CallFilter selects external calls for scans. Zero fields do not filter.
type CallFilter struct {
	States        []hub.ExternalCallState
	OperationName string
	UpdatedBefore time.Time
	MaxFailed     int
	Limit         int
}

// MessageStore is the message repository.
type MessageStore interface {
	// InsertMessage assigns ID and Version. A taken (source, correlation) key
	// fails with hub.ErrDuplicateMessage.
	InsertMessage(ctx context.Context, msg *hub.Message) error
	// InsertMessages persists all messages or none.
	InsertMessages(ctx context.Context, msgs []*hub.Message) error
	GetMessage(ctx context.Context, id int64) (*hub.Message, error)
	FindMessage(ctx context.Context, source hub.SourceSystem, correlationID string) (*hub.Message, error)
	// UpdateMessage writes msg when its Version matches the stored one and
	// bumps msg.Version. A mismatch fails with hub.ErrVersionConflict.
	UpdateMessage(ctx context.Context, msg *hub.Message) error
	// UpdateMessageStateIf moves id to state `to` only when the stored state is
	// one of from. It reports false when no row matched.
	UpdateMessageStateIf(ctx context.Context, id int64, to hub.MsgState, from []hub.MsgState, now time.Time) (bool, error)
	FindChildren(ctx context.Context, parentID int64) ([]*hub.Message, error)
	// FindFunnelMessages returns guaranteed-order messages sharing the funnel
	// value in any of states, ordered by MsgTimestamp then ID.
	FindFunnelMessages(ctx context.Context, funnelValue, componentID string, states []hub.MsgState) ([]*hub.Message, error)
	FindMessages(ctx context.Context, filter MessageFilter) ([]*hub.Message, error)
}

// CallStore is the external call repository.
type CallStore interface {
	// InsertCall fails with hub.ErrLockFailure when the (operation, entity)
	// key already exists.
	InsertCall(ctx context.Context, call *hub.ExternalCall) error
	GetCall(ctx context.Context, id int64) (*hub.ExternalCall, error)
	// FindCall returns nil, nil when no call exists for the key.
	FindCall(ctx context.Context, operation, entityID string) (*hub.ExternalCall, error)
	UpdateCall(ctx context.Context, call *hub.ExternalCall) error
	DeleteCallsForMessage(ctx context.Context, msgID int64) (int, error)
	FindCalls(ctx context.Context, filter CallFilter) ([]*hub.ExternalCall, error)
}

// AuditStore keeps request and response records.
type AuditStore interface {
	SaveAudit(ctx context.Context, rec *hub.AuditRecord) error
	FindAudit(ctx context.Context, msgID int64) ([]*hub.AuditRecord, error)
}

// FunnelLocker serializes funnel checks for one funnel value.
type FunnelLocker interface {
	LockFunnel(ctx context.Context, funnelValue string) (unlock func(), err error)
}

// Store is the full persistence contract.
type Store interface {
	MessageStore
	CallStore
	AuditStore
	FunnelLocker
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}
