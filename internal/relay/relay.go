// Package relay moves envelopes between this peer and the rest of the
// network over a pluggable backend. The Router in front of the backends
// owns connection lifecycle, outbound queueing, and reconnects.
package relay

import (
	"context"

	"github.com/petrel-chat/petrel/internal/proto"
)

// Event types emitted by a backend.
const (
	EventOpen     = "open"
	EventClosed   = "closed"
	EventEnvelope = "envelope"
)

type Event struct {
	Type     string
	Envelope *proto.Envelope

	// Unexpected is set on closed events that were not requested
	// locally and not a clean remote shutdown. The router reconnects
	// only for these.
	Unexpected bool

	// Err carries the cause for unexpected closes.
	Err error
}

// Relay is one transport backend. Implementations deliver inbound
// envelopes and lifecycle changes on Events; the channel is closed when
// the backend is fully torn down.
type Relay interface {
	Backend() string
	Open(ctx context.Context) error
	Send(env proto.Envelope) error
	Events() <-chan Event
	Close() error
}
