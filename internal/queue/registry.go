package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Handler processes one message. A nil return acknowledges the message; an
// error marked with Permanent drops it; any other error schedules a retry.
type Handler func(ctx context.Context, msg *Message) error

// Registry maps queue names to handlers. It is populated at startup and is
// read-only once a Runtime is running.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds handler to queue.
func (r *Registry) Register(queue string, handler Handler) error {
	if queue == "" {
		return ErrInvalidQueue
	}
	if handler == nil {
		return fmt.Errorf("queue %s: handler is nil", queue)
	}
	if _, exists := r.handlers[queue]; exists {
		return fmt.Errorf("queue %s: handler already registered", queue)
	}
	r.handlers[queue] = handler
	return nil
}

// MustRegister is Register that panics on error, for static wiring.
func (r *Registry) MustRegister(queue string, handler Handler) {
	if err := r.Register(queue, handler); err != nil {
		panic(err)
	}
}

// Validate checks that the registry can drive a runtime.
func (r *Registry) Validate() error {
	if len(r.handlers) == 0 {
		return errors.New("queue registry: no handlers registered")
	}
	return nil
}

// Names returns the registered queue names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handler returns the handler bound to queue.
func (r *Registry) Handler(queue string) (Handler, bool) {
	h, ok := r.handlers[queue]
	return h, ok
}
