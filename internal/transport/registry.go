package transport

import (
	"context"
	"sync"
)

// Handler processes one request message and returns the response payload.
// The message is retained for the duration of the call; handlers that need
// the payload beyond it must Retain the message themselves.
type Handler func(ctx context.Context, msg *Message) ([]byte, error)

// Registry maps action names to handlers and tracks which actions are exempt
// from memory breaking. It is an external lookup table for the aggregator;
// the aggregator never mutates it.
type Registry struct {
	mu              sync.RWMutex
	handlers        map[string]Handler
	exempt          map[string]struct{}
	tolerateMissing bool
}

// NewRegistry creates an empty action registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		exempt:   make(map[string]struct{}),
	}
}

// Register installs a handler for the given action, replacing any existing
// one.
func (r *Registry) Register(action string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[action] = h
}

// MarkBreakerExempt marks an action whose payloads are tracked against the
// breaker but never rejected by it.
func (r *Registry) MarkBreakerExempt(action string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exempt[action] = struct{}{}
}

// SetTolerateMissing controls whether requests for unregistered actions are
// accepted (payload kept, dispatch deferred) instead of short-circuited.
func (r *Registry) SetTolerateMissing(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tolerateMissing = ok
}

// Lookup returns the handler for an action.
func (r *Registry) Lookup(action string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[action]
	return h, ok
}

// IsBreakerExempt reports whether the action bypasses breaker rejection.
func (r *Registry) IsBreakerExempt(action string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.exempt[action]
	return ok
}

// ToleratesMissing reports whether unknown actions are accepted.
func (r *Registry) ToleratesMissing() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tolerateMissing
}
