// Package proto defines the wire message envelope shared by every
// transport. Wire format: a JSON envelope with a type tag and a raw
// body, decoded into one of the six payload variants at the single
// dispatch point in the engine.
package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope type tags.
const (
	KindText   = "text"
	KindSignal = "signal"
	KindAck    = "ack"
	KindRecall = "recall"
	KindRead   = "read"
	KindSystem = "system"
)

// ErrUnknownKind is returned when an envelope carries a type tag this
// version does not understand. Dispatch logs and drops such envelopes.
var ErrUnknownKind = errors.New("proto: unknown envelope kind")

// Envelope is the transport-agnostic wrapper carried over the relay and
// the direct channel alike.
type Envelope struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// FileInfo describes an attached file on a text message.
type FileInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Mime string `json:"mime,omitempty"`
}

// Text is a chat message. Content may be ciphertext.
type Text struct {
	ID      string    `json:"id"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Content string    `json:"content"`
	IsGroup bool      `json:"isGroup,omitempty"`
	ReplyTo string    `json:"replyTo,omitempty"`
	TS      int64     `json:"ts"`
	File    *FileInfo `json:"file,omitempty"`
}

// Signal carries negotiation payloads between two peers over the relay:
// either a session description or an ICE candidate, distinguished by
// which field is set.
type Signal struct {
	From      string          `json:"from"`
	To        string          `json:"to"`
	Desc      json.RawMessage `json:"desc,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	// Epoch counts connection attempts between the two peers. Signals
	// from an older epoch than the receiver's current link are stale
	// remnants of a torn-down attempt and are dropped.
	Epoch uint64 `json:"epoch"`
}

// Ack status values.
const (
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// Ack reports a delivery status for a single message.
type Ack struct {
	ID      string `json:"id"`
	MsgID   string `json:"msgId"`
	Status  string `json:"status"` // delivered|read
	From    string `json:"from"`
	To      string `json:"to"`
	IsGroup bool   `json:"isGroup,omitempty"`
	TS      int64  `json:"ts"`
}

// Recall asks the receiver to replace a message with a placeholder.
type Recall struct {
	ID      string `json:"id"`
	MsgID   string `json:"msgId"`
	From    string `json:"from"`
	To      string `json:"to"`
	IsGroup bool   `json:"isGroup,omitempty"`
	TS      int64  `json:"ts"`
}

// Read is a batched read receipt covering every listed message id.
type Read struct {
	MsgIDs  []string `json:"msgIds"`
	From    string   `json:"from"`
	To      string   `json:"to"`
	IsGroup bool     `json:"isGroup,omitempty"`
	TS      int64    `json:"ts"`
}

// System is a server- or broker-originated notice (welcome, roster,
// nickname update). Content may itself be a prefixed structured payload
// that the engine parses.
type System struct {
	Content string `json:"content"`
	TS      int64  `json:"ts"`
}

// Wrap marshals a payload into an Envelope with the matching kind tag.
func Wrap(v any) (Envelope, error) {
	var kind string
	switch v.(type) {
	case Text, *Text:
		kind = KindText
	case Signal, *Signal:
		kind = KindSignal
	case Ack, *Ack:
		kind = KindAck
	case Recall, *Recall:
		kind = KindRecall
	case Read, *Read:
		kind = KindRead
	case System, *System:
		kind = KindSystem
	default:
		return Envelope{}, fmt.Errorf("proto: cannot wrap %T", v)
	}
	body, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("proto: marshal %s body: %w", kind, err)
	}
	return Envelope{Kind: kind, Body: body}, nil
}

// Marshal wraps and serializes a payload in one step.
func Marshal(v any) ([]byte, error) {
	env, err := Wrap(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Marshal serializes the envelope for the wire.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses raw wire bytes into an Envelope. The body is not
// decoded; call Payload for the typed variant.
func Unmarshal(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("proto: decode envelope: %w", err)
	}
	if env.Kind == "" {
		return Envelope{}, errors.New("proto: envelope missing kind")
	}
	return env, nil
}

// Payload decodes the envelope body into its typed variant.
func (e Envelope) Payload() (any, error) {
	switch e.Kind {
	case KindText:
		var v Text
		return decodeBody(e, &v)
	case KindSignal:
		var v Signal
		return decodeBody(e, &v)
	case KindAck:
		var v Ack
		return decodeBody(e, &v)
	case KindRecall:
		var v Recall
		return decodeBody(e, &v)
	case KindRead:
		var v Read
		return decodeBody(e, &v)
	case KindSystem:
		var v System
		return decodeBody(e, &v)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
}

// Decode unmarshals the body into the caller's struct without going
// through the kind switch.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("proto: decode %s body: %w", e.Kind, err)
	}
	return nil
}

func decodeBody[T any](e Envelope, v *T) (any, error) {
	if err := json.Unmarshal(e.Body, v); err != nil {
		return nil, fmt.Errorf("proto: decode %s body: %w", e.Kind, err)
	}
	return *v, nil
}
