package hub

import (
	"sort"
	"strings"
	"sync"
)

// Code is an open-ended, string backed identifier such as a source system
// or an error code.
type Code interface {
	Name() string
}

// SourceSystem identifies the external system a message came from.
type SourceSystem string

func (s SourceSystem) Name() string { return string(s) }

// ServiceName identifies the business service a message targets.
type ServiceName string

func (s ServiceName) Name() string { return string(s) }

// EntityType classifies the business object a message carries.
type EntityType string

func (e EntityType) Name() string { return string(e) }

// ErrorCode classifies a processing failure.
type ErrorCode string

func (e ErrorCode) Name() string { return string(e) }

const (
	ErrCodeUnspecified   ErrorCode = "E100"
	ErrCodeValidation    ErrorCode = "E101"
	ErrCodeLockFailure   ErrorCode = "E102"
	ErrCodeNoHandler     ErrorCode = "E103"
	ErrCodePanic         ErrorCode = "E104"
	ErrCodeRepairTimeout ErrorCode = "E105"
	ErrCodeStopping      ErrorCode = "E106"
	ErrCodeChildFailed   ErrorCode = "E107"
)

// DefaultErrorCodes describes the built-in error codes.
var DefaultErrorCodes = map[ErrorCode]string{
	ErrCodeUnspecified:   "unspecified error",
	ErrCodeValidation:    "validation error",
	ErrCodeLockFailure:   "lock failure",
	ErrCodeNoHandler:     "no handler registered for operation",
	ErrCodePanic:         "handler panicked",
	ErrCodeRepairTimeout: "message processing timed out",
	ErrCodeStopping:      "node is stopping",
	ErrCodeChildFailed:   "child message failed",
}

// Registry resolves string codes to typed values of one category.
type Registry[C Code] struct {
	mu    sync.RWMutex
	codes map[string]C
	order []string
}

// NewRegistry builds a registry seeded with codes.
func NewRegistry[C Code](codes ...C) *Registry[C] {
	r := &Registry[C]{codes: make(map[string]C)}
	r.Register(codes...)
	return r
}

// Register adds codes; existing names are kept as first registered.
func (r *Registry[C]) Register(codes ...C) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range codes {
		key := normalizeCode(c.Name())
		if key == "" {
			continue
		}
		if _, exists := r.codes[key]; exists {
			continue
		}
		r.codes[key] = c
		r.order = append(r.order, key)
	}
}

// Lookup resolves a name, case-insensitive.
func (r *Registry[C]) Lookup(name string) (C, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codes[normalizeCode(name)]
	return c, ok
}

// Len returns the number of registered codes.
func (r *Registry[C]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.codes)
}

// Names returns registered names sorted alphabetically.
func (r *Registry[C]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.codes[key].Name())
	}
	sort.Strings(out)
	return out
}

func normalizeCode(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}
