package lifecycle

import (
	"context"
	"strings"
	"sync"

	hub "github.com/goliatone/go-hub"
)

// Outcome tells the engine where a successfully handled message goes next.
type Outcome int

const (
	// OutcomeDone finishes the message as OK, or WAITING when it was split
	// into HARD-bound children.
	OutcomeDone Outcome = iota
	// OutcomeNoEffect moves the message to PARTLY_FAILED without counting a
	// failure so it is retried later.
	OutcomeNoEffect
	// OutcomeAwaitResponse parks the message in WAITING_FOR_RES until Resume.
	OutcomeAwaitResponse
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeNoEffect:
		return "no_effect"
	case OutcomeAwaitResponse:
		return "await_response"
	default:
		return "unknown"
	}
}

// Handler runs the business operation for a message. The message passed in
// is a private copy; changes to BusinessErrors and CustomData are persisted.
type Handler interface {
	Handle(ctx context.Context, msg *hub.Message) (Outcome, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *hub.Message) (Outcome, error)

func (f HandlerFunc) Handle(ctx context.Context, msg *hub.Message) (Outcome, error) {
	return f(ctx, msg)
}

// Router maps (service, operation) pairs to handlers. A handler registered
// with an empty service serves the operation for every service.
type Router struct {
	mu     sync.RWMutex
	routes map[string]Handler
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[string]Handler)}
}

// Handle registers h. Registering the same pair twice is an error.
func (r *Router) Handle(service hub.ServiceName, operation string, h Handler) error {
	operation = strings.TrimSpace(operation)
	if operation == "" || h == nil {
		return hub.NewError(hub.ErrValidation, "route requires an operation and a handler", nil, map[string]any{
			"service": string(service),
		})
	}
	key := routeKey(service, operation)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.routes[key]; exists {
		return hub.NewError(hub.ErrValidation, "route already registered", nil, map[string]any{
			"service":   string(service),
			"operation": operation,
		})
	}
	r.routes[key] = h
	return nil
}

// HandleFunc registers fn.
func (r *Router) HandleFunc(service hub.ServiceName, operation string, fn func(ctx context.Context, msg *hub.Message) (Outcome, error)) error {
	if fn == nil {
		return r.Handle(service, operation, nil)
	}
	return r.Handle(service, operation, HandlerFunc(fn))
}

// Lookup returns the handler for the pair, falling back to the service-less
// registration of the operation.
func (r *Router) Lookup(service hub.ServiceName, operation string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.routes[routeKey(service, operation)]; ok {
		return h, true
	}
	h, ok := r.routes[routeKey("", operation)]
	return h, ok
}

func routeKey(service hub.ServiceName, operation string) string {
	return strings.ToLower(strings.TrimSpace(string(service))) + "/" + strings.TrimSpace(operation)
}
