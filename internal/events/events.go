// Package events implements the lifecycle notification bus: fire-and-forget
// triggers plus cancellable interception hooks whose listeners can veto or
// rewrite a payload before the engine proceeds.
package events

import "sync"

// Event names emitted by the upload engine.
const (
	BatchAdd    = "batch-add"
	BatchStart  = "batch-start"
	BatchFinish = "batch-finish"
	BatchCancel = "batch-cancel"
	ItemStart   = "item-start"
	ItemProgress = "item-progress"
	ItemFinish  = "item-finish"
	ItemAbort   = "item-abort"
	ChunkStart  = "chunk-start"
	ChunkFinish = "chunk-finish"
)

// Resolution is the outcome of one interceptor: proceed unchanged, cancel
// the operation, or proceed with an overridden payload.
type Resolution struct {
	cancel  bool
	payload any
}

// Proceed leaves the payload unchanged.
func Proceed() Resolution {
	return Resolution{}
}

// Cancelled vetoes the operation.
func Cancelled() Resolution {
	return Resolution{cancel: true}
}

// Override proceeds with payload in place of the original.
func Override(payload any) Resolution {
	return Resolution{payload: payload}
}

// Handler observes a fire-and-forget event.
type Handler func(payload any)

// Interceptor handles a cancellable event. It may block; the engine waits
// for its resolution before proceeding.
type Interceptor func(payload any) Resolution

// Bus dispatches lifecycle events to registered listeners. Triggers run
// synchronously in registration order.
type Bus struct {
	mu           sync.RWMutex
	handlers     map[string][]Handler
	interceptors map[string][]Interceptor
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		handlers:     make(map[string][]Handler),
		interceptors: make(map[string][]Interceptor),
	}
}

// On registers a fire-and-forget listener for event.
func (b *Bus) On(event string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], h)
}

// OnIntercept registers a cancellable listener for event.
func (b *Bus) OnIntercept(event string, i Interceptor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interceptors[event] = append(b.interceptors[event], i)
}

// Trigger notifies all listeners of event. Listener return values and
// panics are not consulted; the payload should already be a detached copy.
func (b *Bus) Trigger(event string, payload any) {
	b.mu.RLock()
	handlers := b.handlers[event]
	b.mu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
}

// Intercept runs the cancellable listeners for event in order. The first
// veto wins and aborts the chain. Overrides compose: each interceptor sees
// the payload produced by the previous one. Returns the final payload and
// false when the operation was vetoed.
func Intercept[T any](b *Bus, event string, payload T) (T, bool) {
	b.mu.RLock()
	interceptors := b.interceptors[event]
	b.mu.RUnlock()

	current := payload
	for _, i := range interceptors {
		res := i(current)
		if res.cancel {
			return current, false
		}
		if res.payload != nil {
			updated, ok := res.payload.(T)
			if !ok {
				// Wrong payload type from a listener is treated as
				// proceed-unchanged rather than corrupting the chain.
				continue
			}
			current = updated
		}
	}
	return current, true
}
