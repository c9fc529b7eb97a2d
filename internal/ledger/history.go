package ledger

import (
	"encoding/json"
	"sort"
	"sync"
)

// History is the bounded message ledger. Both caps are enforced on
// every mutation, not just appends (a status change or recall can grow
// an entry): when either the message count or the total serialized byte
// size exceeds its bound, the oldest entries go first.
type History struct {
	mu       sync.Mutex
	maxCount int
	maxBytes int

	msgs []*entry
	byID map[string]*entry
	size int

	unread map[string]int
}

type entry struct {
	msg  *Message
	size int
}

func NewHistory(maxCount, maxBytes int) *History {
	return &History{
		maxCount: maxCount,
		maxBytes: maxBytes,
		byID:     make(map[string]*entry),
		unread:   make(map[string]int),
	}
}

func sizeOf(m *Message) int {
	b, err := json.Marshal(m)
	if err != nil {
		return 0
	}
	return len(b)
}

// Append stores a message and evicts from the front until both bounds
// hold again. Returns the ids of evicted messages.
func (h *History) Append(m *Message) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.byID[m.ID]; ok {
		return nil
	}

	cp := *m
	e := &entry{msg: &cp, size: sizeOf(&cp)}
	h.msgs = append(h.msgs, e)
	h.byID[cp.ID] = e
	h.size += e.size
	if !cp.Outgoing && !cp.Seen {
		h.unread[cp.Room]++
	}

	return h.evictLocked()
}

func (h *History) evictLocked() []string {
	var evicted []string
	for len(h.msgs) > 0 && (len(h.msgs) > h.maxCount || h.size > h.maxBytes) {
		e := h.msgs[0]
		h.msgs = h.msgs[1:]
		h.size -= e.size
		delete(h.byID, e.msg.ID)
		if !e.msg.Outgoing && !e.msg.Seen {
			if h.unread[e.msg.Room]--; h.unread[e.msg.Room] <= 0 {
				delete(h.unread, e.msg.Room)
			}
		}
		evicted = append(evicted, e.msg.ID)
	}
	return evicted
}

// resizeLocked recomputes one entry's serialized size after a mutation.
func (h *History) resizeLocked(e *entry) {
	h.size -= e.size
	e.size = sizeOf(e.msg)
	h.size += e.size
}

func (h *History) Get(id string) (Message, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.byID[id]
	if !ok {
		return Message{}, false
	}
	return *e.msg, true
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

func (h *History) Bytes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

// Transition moves a message through the delivery lifecycle.
func (h *History) Transition(id string, next Status) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.byID[id]
	if !ok {
		return ErrNotFound
	}
	if err := e.msg.transition(next); err != nil {
		return err
	}
	h.resizeLocked(e)
	h.evictLocked()
	return nil
}

// Recall replaces the message content with the placeholder and marks it
// recalled. Valid from any non-terminal status.
func (h *History) Recall(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.byID[id]
	if !ok {
		return ErrNotFound
	}
	if err := e.msg.applyRecall(); err != nil {
		return err
	}
	h.resizeLocked(e)
	h.evictLocked()
	return nil
}

// MarkRoomRead marks every unseen incoming message in the room as seen
// and returns their ids, which the engine batches into a read receipt.
func (h *History) MarkRoomRead(room string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ids []string
	for _, e := range h.msgs {
		if e.msg.Room == room && !e.msg.Outgoing && !e.msg.Seen {
			e.msg.Seen = true
			h.resizeLocked(e)
			ids = append(ids, e.msg.ID)
		}
	}
	delete(h.unread, room)
	h.evictLocked()
	return ids
}

func (h *History) Unread(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unread[room]
}

// SetFileProgress updates the transfer fraction on a file message.
func (h *History) SetFileProgress(id string, fraction float64, localPath string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.byID[id]
	if !ok {
		return ErrNotFound
	}
	if e.msg.File == nil {
		return ErrNotFound
	}
	e.msg.File.Progress = fraction
	if localPath != "" {
		e.msg.File.LocalPath = localPath
	}
	h.resizeLocked(e)
	h.evictLocked()
	return nil
}

// RetryUndecrypted runs the decryptor over every message still holding
// ciphertext. A successful decryption replaces the content and drops
// the kept ciphertext. Returns the ids that became readable.
func (h *History) RetryUndecrypted(decrypt func(room string, isGroup bool, cipher string) (string, bool)) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var fixed []string
	for _, e := range h.msgs {
		if !e.msg.DecryptFailed {
			continue
		}
		plain, ok := decrypt(e.msg.Room, e.msg.IsGroup, e.msg.RawContent)
		if !ok {
			continue
		}
		e.msg.Content = plain
		e.msg.RawContent = ""
		e.msg.DecryptFailed = false
		h.resizeLocked(e)
		fixed = append(fixed, e.msg.ID)
	}
	h.evictLocked()
	return fixed
}

// Room returns the room's messages, oldest first.
func (h *History) Room(room string) []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Message
	for _, e := range h.msgs {
		if e.msg.Room == room {
			out = append(out, *e.msg)
		}
	}
	return out
}

// RoomInfo is one row of the materialized room view.
type RoomInfo struct {
	ID      string
	IsGroup bool
	Unread  int
	Last    *Message
}

// Rooms derives the room list from the message set, most recently
// active first. Callers merge in roster-only and invite-only rooms.
func (h *History) Rooms() []RoomInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	last := make(map[string]*Message)
	group := make(map[string]bool)
	for _, e := range h.msgs {
		prev, ok := last[e.msg.Room]
		if !ok || e.msg.TS >= prev.TS {
			last[e.msg.Room] = e.msg
		}
		if e.msg.IsGroup {
			group[e.msg.Room] = true
		}
	}

	out := make([]RoomInfo, 0, len(last))
	for room, m := range last {
		cp := *m
		out = append(out, RoomInfo{
			ID:      room,
			IsGroup: group[room],
			Unread:  h.unread[room],
			Last:    &cp,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Last.TS > out[j].Last.TS
	})
	return out
}

// Snapshot copies the full ledger, oldest first, for persistence.
func (h *History) Snapshot() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Message, 0, len(h.msgs))
	for _, e := range h.msgs {
		out = append(out, *e.msg)
	}
	return out
}

// Load replaces the ledger contents, re-deriving sizes and unread
// counters and re-applying the bounds.
func (h *History) Load(msgs []Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.msgs = h.msgs[:0]
	h.byID = make(map[string]*entry, len(msgs))
	h.unread = make(map[string]int)
	h.size = 0

	for i := range msgs {
		cp := msgs[i]
		if _, ok := h.byID[cp.ID]; ok {
			continue
		}
		e := &entry{msg: &cp, size: sizeOf(&cp)}
		h.msgs = append(h.msgs, e)
		h.byID[cp.ID] = e
		h.size += e.size
		if !cp.Outgoing && !cp.Seen {
			h.unread[cp.Room]++
		}
	}
	h.evictLocked()
}

// Clear drops everything.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = nil
	h.byID = make(map[string]*entry)
	h.unread = make(map[string]int)
	h.size = 0
}

// ClearRoom drops one room's messages.
func (h *History) ClearRoom(room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.msgs[:0]
	for _, e := range h.msgs {
		if e.msg.Room == room {
			h.size -= e.size
			delete(h.byID, e.msg.ID)
			continue
		}
		kept = append(kept, e)
	}
	h.msgs = kept
	delete(h.unread, room)
}
