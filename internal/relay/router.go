package relay

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/petrel-chat/petrel/internal/proto"
)

var ErrRouterClosed = errors.New("relay: router closed")

// Factory builds a fresh backend instance. The router calls it for
// every connection attempt so a failed backend never gets reused.
type Factory func(backend string) (Relay, error)

// Router sits between the engine and whichever backend is active. It
// queues outbound envelopes while disconnected and flushes them in send
// order once a connection opens, reconnects after unexpected closes,
// and tears the previous backend down when the backend is switched.
type Router struct {
	factory Factory
	backoff time.Duration

	mu        sync.Mutex
	gen       uint64
	backend   string
	active    bool
	current   Relay
	open      bool
	pending   []proto.Envelope
	listeners map[chan Event]struct{}
	closed    bool
}

func NewRouter(factory Factory, backoff time.Duration) *Router {
	if backoff <= 0 {
		backoff = 3 * time.Second
	}
	return &Router{
		factory:   factory,
		backoff:   backoff,
		listeners: make(map[chan Event]struct{}),
	}
}

// Connect activates the named backend. Calling it again with the same
// backend is a no-op; with a different backend it closes the previous
// connection first and re-queues nothing (the pending queue carries
// over).
func (r *Router) Connect(ctx context.Context, backend string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRouterClosed
	}
	if r.active && r.backend == backend {
		r.mu.Unlock()
		return nil
	}
	prev := r.current
	r.current = nil
	r.open = false
	r.active = true
	r.backend = backend
	r.gen++
	gen := r.gen
	r.mu.Unlock()

	if prev != nil {
		prev.Close()
	}

	go r.run(ctx, gen, backend)
	return nil
}

// run owns one backend generation. Every state write checks the
// generation so a superseded loop cannot clobber its successor.
func (r *Router) run(ctx context.Context, gen uint64, backend string) {
	defer func() {
		r.mu.Lock()
		if gen == r.gen {
			r.active = false
		}
		r.mu.Unlock()
	}()
	for {
		rl, err := r.factory(backend)
		if err != nil {
			log.Printf("RELAY: backend %s unavailable: %v", backend, err)
			if !r.sleep(ctx, gen) {
				return
			}
			continue
		}

		r.mu.Lock()
		if r.closed || gen != r.gen {
			r.mu.Unlock()
			rl.Close()
			return
		}
		r.current = rl
		r.mu.Unlock()

		if err := rl.Open(ctx); err != nil {
			log.Printf("RELAY: open %s: %v", backend, err)
			rl.Close()
			if !r.sleep(ctx, gen) {
				return
			}
			continue
		}

		reconnect := r.pump(gen, rl)
		if !reconnect {
			r.mu.Lock()
			if gen == r.gen {
				r.current = nil
			}
			r.mu.Unlock()
			return
		}
		if !r.sleep(ctx, gen) {
			return
		}
	}
}

// pump drains one backend's events until it closes. Returns true when
// the close was unexpected and this generation should reconnect.
func (r *Router) pump(gen uint64, rl Relay) bool {
	for evt := range rl.Events() {
		switch evt.Type {
		case EventOpen:
			r.mu.Lock()
			if gen != r.gen {
				r.mu.Unlock()
				rl.Close()
				return false
			}
			r.open = true
			flush := r.pending
			r.pending = nil
			r.mu.Unlock()

			r.emit(Event{Type: EventOpen})
			r.flush(gen, rl, flush)

		case EventEnvelope:
			r.emit(evt)

		case EventClosed:
			r.mu.Lock()
			stale := gen != r.gen
			if !stale {
				r.open = false
			}
			r.mu.Unlock()
			if stale {
				return false
			}
			r.emit(evt)
			if evt.Unexpected {
				log.Printf("RELAY: %s connection lost: %v, reconnecting in %s", rl.Backend(), evt.Err, r.backoff)
				return true
			}
			return false
		}
	}
	// Events channel closed without a closed event; treat as lost.
	r.mu.Lock()
	stale := gen != r.gen
	if !stale {
		r.open = false
	}
	r.mu.Unlock()
	return !stale
}

// flush sends queued envelopes in their original order. On failure the
// unsent tail goes back to the front of the queue.
func (r *Router) flush(gen uint64, rl Relay, items []proto.Envelope) {
	for i, env := range items {
		if err := rl.Send(env); err != nil {
			r.mu.Lock()
			if gen == r.gen {
				r.pending = append(items[i:], r.pending...)
			}
			r.mu.Unlock()
			return
		}
	}
}

// Send forwards the envelope when connected, otherwise queues it for
// the next open.
func (r *Router) Send(env proto.Envelope) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRouterClosed
	}
	if r.open && r.current != nil {
		rl := r.current
		r.mu.Unlock()
		if err := rl.Send(env); err != nil {
			// Connection is likely going down; hold the envelope for
			// the reconnect flush instead of losing it.
			r.mu.Lock()
			r.pending = append(r.pending, env)
			r.mu.Unlock()
		}
		return nil
	}
	r.pending = append(r.pending, env)
	r.mu.Unlock()
	return nil
}

func (r *Router) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

func (r *Router) Backend() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backend
}

func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Router) Subscribe() chan Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan Event, 64)
	r.listeners[ch] = struct{}{}
	return ch
}

func (r *Router) Unsubscribe(ch chan Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.listeners[ch]; ok {
		delete(r.listeners, ch)
		close(ch)
	}
}

func (r *Router) emit(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.gen++
	r.active = false
	cur := r.current
	r.current = nil
	r.open = false
	for ch := range r.listeners {
		delete(r.listeners, ch)
		close(ch)
	}
	r.mu.Unlock()

	if cur != nil {
		return cur.Close()
	}
	return nil
}

// sleep waits out the reconnect backoff. Returns false when the
// generation was superseded or the context ended while waiting.
func (r *Router) sleep(ctx context.Context, gen uint64) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(r.backoff):
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed && gen == r.gen
}
