package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/petrel-chat/petrel/internal/proto"
)

// MemoryHub is an in-process backend that fans every envelope out to
// all other attached peers. Tests use it to run several engines against
// each other without a server.
type MemoryHub struct {
	mu    sync.Mutex
	peers map[string]*MemoryRelay
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{peers: make(map[string]*MemoryRelay)}
}

// Attach creates a backend bound to the given peer id. Attaching the
// same id again replaces the previous relay.
func (h *MemoryHub) Attach(id string) *MemoryRelay {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := &MemoryRelay{
		hub:    h,
		id:     id,
		events: make(chan Event, 256),
	}
	h.peers[id] = r
	return r
}

// Kick severs a peer's connection as if the transport failed.
func (h *MemoryHub) Kick(id string) {
	h.mu.Lock()
	r := h.peers[id]
	delete(h.peers, id)
	h.mu.Unlock()
	if r != nil {
		r.drop(errors.New("relay: connection reset"))
	}
}

func (h *MemoryHub) broadcast(from string, env proto.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, r := range h.peers {
		if id == from {
			continue
		}
		r.deliver(env)
	}
}

func (h *MemoryHub) detach(id string, r *MemoryRelay) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.peers[id] == r {
		delete(h.peers, id)
	}
}

type MemoryRelay struct {
	hub *MemoryHub
	id  string

	mu     sync.Mutex
	open   bool
	closed bool
	events chan Event
}

func (r *MemoryRelay) Backend() string { return "memory" }

func (r *MemoryRelay) Open(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("relay: memory relay closed")
	}
	r.open = true
	r.events <- Event{Type: EventOpen}
	return nil
}

func (r *MemoryRelay) Send(env proto.Envelope) error {
	r.mu.Lock()
	if !r.open || r.closed {
		r.mu.Unlock()
		return errors.New("relay: memory relay not open")
	}
	r.mu.Unlock()
	r.hub.broadcast(r.id, env)
	return nil
}

func (r *MemoryRelay) Events() <-chan Event { return r.events }

func (r *MemoryRelay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.open = false
	r.events <- Event{Type: EventClosed}
	close(r.events)
	r.mu.Unlock()
	r.hub.detach(r.id, r)
	return nil
}

func (r *MemoryRelay) deliver(env proto.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open || r.closed {
		return
	}
	select {
	case r.events <- Event{Type: EventEnvelope, Envelope: &env}:
	default:
	}
}

func (r *MemoryRelay) drop(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.open = false
	r.events <- Event{Type: EventClosed, Unexpected: true, Err: err}
	close(r.events)
}
