// Package observers manages the set of WebSocket observers watching an
// upload server's live feed.
package observers

import (
	"sync"
	"time"

	"github.com/bytecourier/bytecourier/pkg/feed"
)

// connection holds one observer and its send channel.
type connection struct {
	send chan feed.Envelope
	done chan struct{}
}

// Hub fans feed envelopes out to every connected observer. Sends are
// non-blocking: a slow observer misses events instead of stalling the
// broadcast.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*connection
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]*connection)}
}

// Add registers an observer under connID and returns a remove function.
// send delivers one envelope to the observer; the first send error stops
// delivery for that observer.
func (h *Hub) Add(connID string, send func(env feed.Envelope) error) (remove func()) {
	c := &connection{
		send: make(chan feed.Envelope, 256),
		done: make(chan struct{}),
	}

	go func() {
		defer close(c.done)
		for env := range c.send {
			if err := send(env); err != nil {
				return
			}
		}
	}()

	h.mu.Lock()
	if old, exists := h.conns[connID]; exists {
		close(old.send)
	}
	h.conns[connID] = c
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		current, exists := h.conns[connID]
		if !exists || current != c {
			h.mu.Unlock()
			return
		}
		delete(h.conns, connID)
		h.mu.Unlock()

		// Close outside the lock; the writer drains what it can.
		close(c.send)
		select {
		case <-c.done:
		case <-time.After(1 * time.Second):
		}
	}
}

// Count returns the number of connected observers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast queues the envelope for every observer.
func (h *Hub) Broadcast(env feed.Envelope) {
	h.mu.RLock()
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		select {
		case c.send <- env:
		default:
			// Queue full, drop for this observer.
		}
	}
}
