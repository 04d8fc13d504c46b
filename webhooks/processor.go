package webhooks

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
)

// ErrNoHandler is returned when no handler is registered for a provider and event type.
var ErrNoHandler = errors.New("webhooks: no handler registered")

// Delivery is one inbound webhook as handed to a handler.
type Delivery struct {
	Provider  string
	EventType string
	TenantID  string
	Payload   []byte
	Headers   map[string]string
}

// HandlerFunc processes one delivery.
type HandlerFunc func(ctx context.Context, d Delivery) error

// Processor runs deliveries.
type Processor interface {
	Process(ctx context.Context, d Delivery) error
}

// PanicError wraps a handler panic together with the goroutine stack.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("webhook handler panic: %v", e.Value)
}

// Registry routes deliveries by provider and event type. A handler registered for event "*"
// catches every event type of its provider that has no exact handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]map[string]HandlerFunc)}
}

// Handle registers h for provider and eventType.
func (r *Registry) Handle(provider, eventType string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byEvent, ok := r.handlers[provider]
	if !ok {
		byEvent = make(map[string]HandlerFunc)
		r.handlers[provider] = byEvent
	}
	byEvent[eventType] = h
}

func (r *Registry) lookup(provider, eventType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byEvent := r.handlers[provider]
	if h, ok := byEvent[eventType]; ok {
		return h, true
	}
	h, ok := byEvent["*"]
	return h, ok
}

// Process implements Processor. Handler panics come back as *PanicError.
func (r *Registry) Process(ctx context.Context, d Delivery) (err error) {
	h, ok := r.lookup(d.Provider, d.EventType)
	if !ok {
		return fmt.Errorf("%w for %s/%s", ErrNoHandler, d.Provider, d.EventType)
	}
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v, Stack: string(debug.Stack())}
		}
	}()
	return h(ctx, d)
}
