// Package ledger holds the local message history: a bounded, ordered
// sequence of messages plus the room list and unread counters derived
// from it.
package ledger

import (
	"errors"
	"fmt"
)

// Status is the delivery lifecycle of an outgoing message.
type Status string

const (
	StatusSending   Status = "sending"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
	StatusRecalled  Status = "recalled"
)

// Terminal statuses accept no further automatic transition.
func (s Status) Terminal() bool {
	return s == StatusRead || s == StatusFailed || s == StatusRecalled
}

type Kind string

const (
	KindText   Kind = "text"
	KindSystem Kind = "system"
	KindFile   Kind = "file"
)

// RecallPlaceholder replaces a recalled message's content on both ends.
const RecallPlaceholder = "[message recalled]"

var ErrBadTransition = errors.New("ledger: invalid status transition")
var ErrNotFound = errors.New("ledger: message not found")

// FileMeta rides on file-kind messages.
type FileMeta struct {
	Name       string  `json:"name"`
	Size       int64   `json:"size"`
	Mime       string  `json:"mime,omitempty"`
	Progress   float64 `json:"progress"`
	LocalPath  string  `json:"localPath,omitempty"`
	TransferID string  `json:"transferId,omitempty"`
}

type Message struct {
	ID   string `json:"id"`
	Room string `json:"room"`
	From string `json:"from"`

	Content string `json:"content"`

	// RawContent keeps the undecryptable ciphertext so a later key
	// change can retry it. Set exactly when DecryptFailed is true.
	RawContent    string `json:"rawContent,omitempty"`
	DecryptFailed bool   `json:"decryptFailed,omitempty"`

	Outgoing bool   `json:"outgoing"`
	IsGroup  bool   `json:"isGroup,omitempty"`
	ReplyTo  string `json:"replyTo,omitempty"`
	TS       int64  `json:"ts"`

	// Transport records which path carried the message: "relay" or
	// "direct".
	Transport string `json:"transport,omitempty"`

	Kind Kind      `json:"kind"`
	File *FileMeta `json:"file,omitempty"`

	Status Status `json:"status"`

	// Seen marks an incoming message the local user has read. Drives
	// the room unread counters.
	Seen bool `json:"seen,omitempty"`
}

// transition enforces the lifecycle: sending may become delivered or
// failed, delivered may become read, and anything non-terminal may be
// recalled.
func (m *Message) transition(next Status) error {
	switch next {
	case StatusDelivered:
		if m.Status != StatusSending {
			return fmt.Errorf("%w: %s -> %s", ErrBadTransition, m.Status, next)
		}
	case StatusRead:
		if m.Status != StatusDelivered {
			return fmt.Errorf("%w: %s -> %s", ErrBadTransition, m.Status, next)
		}
	case StatusFailed:
		if m.Status != StatusSending {
			return fmt.Errorf("%w: %s -> %s", ErrBadTransition, m.Status, next)
		}
	case StatusRecalled:
		if m.Status.Terminal() {
			return fmt.Errorf("%w: %s -> %s", ErrBadTransition, m.Status, next)
		}
	default:
		return fmt.Errorf("%w: -> %s", ErrBadTransition, next)
	}
	m.Status = next
	return nil
}

// applyRecall swaps the content for the placeholder and clears any kept
// ciphertext so the rawContent invariant holds for recalled messages.
func (m *Message) applyRecall() error {
	if err := m.transition(StatusRecalled); err != nil {
		return err
	}
	m.Content = RecallPlaceholder
	m.RawContent = ""
	m.DecryptFailed = false
	return nil
}
