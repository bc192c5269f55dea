package lifecycle

import (
	"context"

	hub "github.com/goliatone/go-hub"
	"github.com/goliatone/go-hub/queue"
)

// EventKind names a lifecycle event.
type EventKind string

const (
	EventCompleted          EventKind = "completed"
	EventFailed             EventKind = "failed"
	EventPartlyFailed       EventKind = "partly_failed"
	EventPostponed          EventKind = "postponed"
	EventWaiting            EventKind = "waiting"
	EventWaitingForResponse EventKind = "waiting_for_response"
	EventCancelled          EventKind = "cancelled"
	EventRestarted          EventKind = "restarted"
)

// Event is published after a transition has been persisted.
type Event struct {
	Kind    EventKind
	Message *hub.Message
}

// Listener observes lifecycle events. Listeners run synchronously on the
// processing goroutine and must not block.
type Listener interface {
	OnEvent(ctx context.Context, evt Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, evt Event)

func (f ListenerFunc) OnEvent(ctx context.Context, evt Event) { f(ctx, evt) }

// Confirmer sends the final outcome of a top-level message to its source.
type Confirmer interface {
	Confirm(ctx context.Context, msg *hub.Message) error
}

// Submitter queues a message id for asynchronous processing.
type Submitter interface {
	Submit(id int64, priority queue.Priority) error
}
