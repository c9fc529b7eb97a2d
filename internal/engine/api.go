package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/petrel-chat/petrel/internal/ledger"
	"github.com/petrel-chat/petrel/internal/proto"
	"github.com/petrel-chat/petrel/internal/state"
	"github.com/petrel-chat/petrel/internal/util"
)

func newID() string { return util.NewMessageID() }

// SendMessage sends a text message to one peer or one group and records
// it as sending. If no delivery ack arrives inside the ack window the
// message is marked failed, exactly once.
func (e *Engine) SendMessage(room, content string, isGroup bool, replyTo string) (string, error) {
	if content == "" {
		return "", errors.New("engine: empty message")
	}
	id := newID()
	err := e.call(func() error {
		wire := content
		if e.cfg.Crypto.Enabled {
			target, group := room, ""
			if isGroup {
				target, group = "", room
			}
			wire = e.keys.EncryptFor(content, target, group)
		}

		env, err := proto.Wrap(proto.Text{
			ID:      id,
			From:    e.cfg.Identity.ID,
			To:      room,
			Content: wire,
			IsGroup: isGroup,
			ReplyTo: replyTo,
			TS:      proto.NowMillis(),
		})
		if err != nil {
			return err
		}

		msg := &ledger.Message{
			ID:       id,
			Room:     room,
			From:     e.cfg.Identity.ID,
			Content:  content,
			Outgoing: true,
			IsGroup:  isGroup,
			ReplyTo:  replyTo,
			TS:       proto.NowMillis(),
			Kind:     ledger.KindText,
			Status:   ledger.StatusSending,
			Seen:     true,
		}

		var transport string
		if isGroup {
			// Group traffic always rides the relay so every member
			// sees it.
			transport = "relay"
			err = e.router.Send(env)
		} else {
			transport, err = e.sendEnvelope(room, env)
		}
		if err != nil {
			return err
		}
		msg.Transport = transport

		e.hist.Append(msg)
		e.armAckTimer(id)
		e.persist()
		e.emit(Event{Type: EventMessage, Room: room, Message: msg})
		e.emit(Event{Type: EventRoomsChanged})
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// armAckTimer marks the message failed if nothing settles it in time.
// Transition refuses the move once an ack has landed, so a late timer
// is harmless.
func (e *Engine) armAckTimer(msgID string) {
	timeout := e.ackTimeout
	if timeout <= 0 {
		timeout = ackTimeout
	}
	e.timers[msgID] = time.AfterFunc(timeout, func() {
		e.do(func() {
			delete(e.timers, msgID)
			if err := e.hist.Transition(msgID, ledger.StatusFailed); err != nil {
				return
			}
			e.persist()
			if m, ok := e.hist.Get(msgID); ok {
				e.emit(Event{Type: EventMessageUpdated, Room: m.Room, Message: &m})
			}
		})
	})
}

// SendFile streams a file to one peer over a dedicated data channel.
// Requires an open direct link; file transfers never ride the relay.
func (e *Engine) SendFile(peer, name, mime string, r io.Reader, size int64) (string, error) {
	var msgID string
	err := e.call(func() error {
		transferID, err := e.direct.SendFile(peer, name, mime, r, size)
		if err != nil {
			// The rejection still leaves a trace in the room.
			msg := &ledger.Message{
				ID:       newID(),
				Room:     peer,
				From:     e.cfg.Identity.ID,
				Content:  name,
				Outgoing: true,
				TS:       proto.NowMillis(),
				Kind:     ledger.KindFile,
				File:     &ledger.FileMeta{Name: name, Size: size, Mime: mime},
				Status:   ledger.StatusFailed,
				Seen:     true,
			}
			e.hist.Append(msg)
			e.persist()
			e.emit(Event{Type: EventMessage, Room: peer, Message: msg})
			return err
		}
		msgID = newID()
		msg := &ledger.Message{
			ID:        msgID,
			Room:      peer,
			From:      e.cfg.Identity.ID,
			Content:   name,
			Outgoing:  true,
			TS:        proto.NowMillis(),
			Transport: "direct",
			Kind:      ledger.KindFile,
			File: &ledger.FileMeta{
				Name:       name,
				Size:       size,
				Mime:       mime,
				TransferID: transferID,
			},
			Status: ledger.StatusSending,
			Seen:   true,
		}
		e.transfers[transferID] = msgID
		e.hist.Append(msg)
		e.persist()
		e.emit(Event{Type: EventMessage, Room: peer, Message: msg})
		e.emit(Event{Type: EventRoomsChanged})
		return nil
	})
	if err != nil {
		return "", err
	}
	return msgID, nil
}

// Recall retracts one of our own messages. The local copy is replaced
// optimistically; peers that miss the notice keep the original.
func (e *Engine) Recall(msgID string) error {
	return e.call(func() error {
		m, ok := e.hist.Get(msgID)
		if !ok {
			return ledger.ErrNotFound
		}
		if !m.Outgoing {
			return errors.New("engine: can only recall own messages")
		}
		if err := e.hist.Recall(msgID); err != nil {
			return err
		}
		if t, ok := e.timers[msgID]; ok {
			t.Stop()
			delete(e.timers, msgID)
		}

		env, err := proto.Wrap(proto.Recall{
			ID:      newID(),
			MsgID:   msgID,
			From:    e.cfg.Identity.ID,
			To:      m.Room,
			IsGroup: m.IsGroup,
			TS:      proto.NowMillis(),
		})
		if err != nil {
			return err
		}
		if m.IsGroup {
			err = e.router.Send(env)
		} else {
			_, err = e.sendEnvelope(m.Room, env)
		}

		e.persist()
		if cur, ok := e.hist.Get(msgID); ok {
			e.emit(Event{Type: EventMessageUpdated, Room: cur.Room, Message: &cur})
			e.emit(Event{Type: EventRoomsChanged})
		}
		return err
	})
}

// MarkRead clears the room's unread counter and sends one batched read
// receipt covering everything newly seen.
func (e *Engine) MarkRead(room string) error {
	return e.call(func() error {
		ids := e.hist.MarkRoomRead(room)
		if len(ids) == 0 {
			return nil
		}
		e.persist()
		e.emit(Event{Type: EventRoomsChanged})

		msgs := e.hist.Room(room)
		isGroup := false
		for _, m := range msgs {
			if m.IsGroup {
				isGroup = true
				break
			}
		}
		env, err := proto.Wrap(proto.Read{
			MsgIDs:  ids,
			From:    e.cfg.Identity.ID,
			To:      room,
			IsGroup: isGroup,
			TS:      proto.NowMillis(),
		})
		if err != nil {
			return err
		}
		if isGroup {
			return e.router.Send(env)
		}
		_, err = e.sendEnvelope(room, env)
		return err
	})
}

// Key management. Every setter fires the key table change hook, which
// schedules a decrypt retry over kept ciphertexts.

func (e *Engine) SetConversationKey(peer, password string) {
	e.keys.SetConversationKey(peer, password)
}

func (e *Engine) SetGroupKey(group, password string) {
	e.keys.SetGroupKey(group, password)
}

func (e *Engine) SetDefaultKey(password string) {
	e.keys.SetDefaultKey(password)
}

// Invite asks a peer to join a group room. The invite travels as a
// structured system notice; the recipient sees the room in their list
// until they accept or decline.
func (e *Engine) Invite(peer, room string) error {
	if peer == "" || room == "" {
		return errors.New("engine: invite needs a peer and a room")
	}
	return e.call(func() error {
		body, err := json.Marshal(struct {
			Room string `json:"room"`
			From string `json:"from"`
			To   string `json:"to"`
		}{room, e.cfg.Identity.ID, peer})
		if err != nil {
			return err
		}
		env, err := proto.Wrap(proto.System{
			Content: invitePrefix + string(body),
			TS:      proto.NowMillis(),
		})
		if err != nil {
			return err
		}
		_, err = e.sendEnvelope(peer, env)
		return err
	})
}

// Invites returns pending group invites as room -> inviter.
func (e *Engine) Invites() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.invites))
	for room, from := range e.invites {
		out[room] = from
	}
	return out
}

// AcceptInvite clears the pending invite; the caller opens the room.
func (e *Engine) AcceptInvite(room string) {
	e.clearInvite(room)
	e.emit(Event{Type: EventRoomsChanged})
}

// DeclineInvite drops the pending invite and its room-list entry.
func (e *Engine) DeclineInvite(room string) {
	e.clearInvite(room)
	e.emit(Event{Type: EventRoomsChanged})
}

// SetName changes the local display name and announces it to all peers
// as a system notice.
func (e *Engine) SetName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("engine: empty name")
	}
	return e.call(func() error {
		e.cfg.Identity.Name = name
		body, err := json.Marshal(struct {
			PeerID string `json:"peerId"`
			Name   string `json:"name"`
		}{e.cfg.Identity.ID, name})
		if err != nil {
			return err
		}
		env, err := proto.Wrap(proto.System{
			Content: nickPrefix + string(body),
			TS:      proto.NowMillis(),
		})
		if err != nil {
			return err
		}
		return e.router.Send(env)
	})
}

// Connect switches the relay backend at runtime. Queued messages carry
// over to the new backend.
func (e *Engine) Connect(backend string) error {
	return e.call(func() error {
		return e.router.Connect(context.Background(), backend)
	})
}

// DialDirect starts negotiating a peer-to-peer channel with a peer.
func (e *Engine) DialDirect(peer string) error {
	if !e.cfg.Direct.Enabled {
		return errors.New("engine: direct transport disabled")
	}
	return e.call(func() error { return e.direct.Connect(peer) })
}

// HangupDirect tears the direct link down; traffic falls back to the
// relay.
func (e *Engine) HangupDirect(peer string) {
	e.do(func() { e.direct.Disconnect(peer) })
}

// Read-side accessors. The underlying stores are safe for concurrent
// reads, so these bypass the event loop.

// Rooms merges the ledger's room list with invite-only rooms and online
// peers that have no messages yet.
func (e *Engine) Rooms() []ledger.RoomInfo {
	rooms := e.hist.Rooms()
	seen := make(map[string]bool, len(rooms))
	for _, r := range rooms {
		seen[r.ID] = true
	}
	e.mu.Lock()
	for room := range e.invites {
		if !seen[room] {
			rooms = append(rooms, ledger.RoomInfo{ID: room, IsGroup: true})
			seen[room] = true
		}
	}
	e.mu.Unlock()
	for id, c := range e.roster.Snapshot() {
		if c.Online && id != e.cfg.Identity.ID && !seen[id] {
			rooms = append(rooms, ledger.RoomInfo{ID: id})
			seen[id] = true
		}
	}
	return rooms
}

func (e *Engine) Messages(room string) []ledger.Message { return e.hist.Room(room) }

func (e *Engine) Unread(room string) int { return e.hist.Unread(room) }

func (e *Engine) Contacts() map[string]state.Contact { return e.roster.Snapshot() }

func (e *Engine) PeerName(id string) string { return e.roster.Name(id) }

func (e *Engine) Connected() bool { return e.router.Connected() }

func (e *Engine) Backend() string { return e.router.Backend() }

func (e *Engine) DirectOpen(peer string) bool { return e.direct.Connected(peer) }

// ClearRoom wipes one room's history, locally only.
func (e *Engine) ClearRoom(room string) error {
	return e.call(func() error {
		e.hist.ClearRoom(room)
		e.persist()
		e.emit(Event{Type: EventRoomsChanged})
		return nil
	})
}

// ClearHistory wipes everything, including the persisted copy.
func (e *Engine) ClearHistory() error {
	return e.call(func() error {
		e.hist.Clear()
		if e.store != nil {
			if err := e.store.ClearHistory(e.cfg.Identity.ID); err != nil {
				return err
			}
		}
		e.emit(Event{Type: EventRoomsChanged})
		return nil
	})
}
