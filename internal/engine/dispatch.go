package engine

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/petrel-chat/petrel/internal/crypto"
	"github.com/petrel-chat/petrel/internal/direct"
	"github.com/petrel-chat/petrel/internal/ledger"
	"github.com/petrel-chat/petrel/internal/proto"
	"github.com/petrel-chat/petrel/internal/relay"
)

// sendSignal is the direct manager's path back to the remote peer:
// negotiation always rides the relay, even when a channel is open.
func (e *Engine) sendSignal(sig proto.Signal) error {
	sig.From = e.cfg.Identity.ID
	env, err := proto.Wrap(sig)
	if err != nil {
		return err
	}
	return e.router.Send(env)
}

// sendEnvelope delivers an envelope to one peer, over the direct
// channel when one is open and the relay otherwise. Returns which
// transport carried it.
func (e *Engine) sendEnvelope(to string, env proto.Envelope) (string, error) {
	if e.cfg.Direct.Enabled && e.direct.Connected(to) {
		if err := e.direct.Send(to, env); err == nil {
			return "direct", nil
		}
	}
	return "relay", e.router.Send(env)
}

func (e *Engine) onRelayEvent(evt relay.Event) {
	switch evt.Type {
	case relay.EventOpen:
		e.note("relay open (%s)", e.router.Backend())
		e.emit(Event{Type: EventConnectivity, Connected: true})
	case relay.EventClosed:
		e.note("relay closed (unexpected=%v)", evt.Unexpected)
		e.emit(Event{Type: EventConnectivity, Connected: false})
	case relay.EventEnvelope:
		if evt.Envelope != nil {
			e.dispatchEnvelope(*evt.Envelope, "relay")
		}
	}
}

func (e *Engine) onDirectEvent(evt direct.Event) {
	switch evt.Type {
	case direct.EventChannelOpen:
		e.note("direct channel open to %s", evt.Peer)
		e.roster.SetTransport(evt.Peer, "direct")
	case direct.EventChannelClosed:
		e.note("direct channel to %s closed", evt.Peer)
		e.roster.SetTransport(evt.Peer, "relay")
	case direct.EventEnvelope:
		if evt.Envelope != nil {
			e.dispatchEnvelope(*evt.Envelope, "direct")
		}
	case direct.EventFileProgress:
		e.onFileProgress(evt.Transfer)
	case direct.EventFileDone:
		e.onFileDone(evt.Transfer)
	case direct.EventFileFailed:
		e.onFileFailed(evt.Transfer, evt.Err)
	case direct.EventFileOffer:
		e.onFileOffer(evt.Peer, evt.Transfer)
	}
}

// dispatchEnvelope is the single fan-out point for inbound traffic from
// either transport.
func (e *Engine) dispatchEnvelope(env proto.Envelope, transport string) {
	payload, err := env.Payload()
	if err != nil {
		log.Printf("ENGINE: dropping envelope: %v", err)
		return
	}
	switch p := payload.(type) {
	case proto.Text:
		e.onText(p, transport)
	case proto.Signal:
		e.onSignal(p)
	case proto.Ack:
		e.onAck(p)
	case proto.Recall:
		e.onRecall(p)
	case proto.Read:
		e.onRead(p)
	case proto.System:
		e.onSystem(p)
	}
}

func (e *Engine) onText(t proto.Text, transport string) {
	if t.From == e.cfg.Identity.ID {
		// Own group messages echo back through the mesh.
		return
	}
	if !t.IsGroup && t.To != "" && t.To != e.cfg.Identity.ID {
		return
	}

	room := t.From
	if t.IsGroup {
		room = t.To
	}

	content, failed := t.Content, false
	if crypto.IsEncrypted(t.Content) {
		target, group := t.From, ""
		if t.IsGroup {
			target, group = "", room
		}
		plain, ok := e.keys.DecryptFor(t.Content, target, group)
		if ok {
			content = plain
		} else {
			failed = true
		}
	}

	msg := &ledger.Message{
		ID:        t.ID,
		Room:      room,
		From:      t.From,
		Content:   content,
		Outgoing:  false,
		IsGroup:   t.IsGroup,
		ReplyTo:   t.ReplyTo,
		TS:        t.TS,
		Transport: transport,
		Kind:      ledger.KindText,
		Status:    ledger.StatusDelivered,
	}
	if failed {
		msg.RawContent = t.Content
		msg.DecryptFailed = true
	}
	if t.File != nil {
		msg.Kind = ledger.KindFile
		msg.File = &ledger.FileMeta{Name: t.File.Name, Size: t.File.Size, Mime: t.File.Mime}
	}

	e.hist.Append(msg)
	e.roster.Upsert(t.From, "")
	if t.IsGroup {
		e.clearInvite(room)
	}
	e.persist()
	e.emit(Event{Type: EventMessage, Room: room, Message: msg})
	e.emit(Event{Type: EventRoomsChanged})

	e.sendAck(t, proto.StatusDelivered)
}

func (e *Engine) sendAck(t proto.Text, status string) {
	env, err := proto.Wrap(proto.Ack{
		ID:      newID(),
		MsgID:   t.ID,
		Status:  status,
		From:    e.cfg.Identity.ID,
		To:      t.From,
		IsGroup: t.IsGroup,
		TS:      proto.NowMillis(),
	})
	if err != nil {
		return
	}
	if _, err := e.sendEnvelope(t.From, env); err != nil {
		log.Printf("ENGINE: ack for %s: %v", t.ID, err)
	}
}

func (e *Engine) onSignal(sig proto.Signal) {
	if sig.To != "" && sig.To != e.cfg.Identity.ID {
		return
	}
	if !e.cfg.Direct.Enabled {
		return
	}
	e.direct.HandleSignal(sig)
}

func (e *Engine) onAck(a proto.Ack) {
	if a.To != "" && a.To != e.cfg.Identity.ID {
		return
	}
	var next ledger.Status
	switch a.Status {
	case proto.StatusDelivered:
		next = ledger.StatusDelivered
	case proto.StatusRead:
		next = ledger.StatusRead
	default:
		return
	}
	e.settle(a.MsgID, next)
}

// settle applies a remote delivery report to one outgoing message and
// cancels its failure timer. Late acks for already-settled messages are
// ignored.
func (e *Engine) settle(msgID string, next ledger.Status) {
	if next == ledger.StatusRead {
		// A read ack from a fast peer may arrive before (or instead of)
		// the delivered one.
		if m, ok := e.hist.Get(msgID); ok && m.Status == ledger.StatusSending {
			_ = e.hist.Transition(msgID, ledger.StatusDelivered)
		}
	}
	if err := e.hist.Transition(msgID, next); err != nil {
		return
	}
	if t, ok := e.timers[msgID]; ok {
		t.Stop()
		delete(e.timers, msgID)
	}
	e.persist()
	if m, ok := e.hist.Get(msgID); ok {
		e.emit(Event{Type: EventMessageUpdated, Room: m.Room, Message: &m})
	}
}

func (e *Engine) onRecall(r proto.Recall) {
	if r.To != "" && !r.IsGroup && r.To != e.cfg.Identity.ID {
		return
	}
	if err := e.hist.Recall(r.MsgID); err != nil {
		log.Printf("ENGINE: recall %s: %v", r.MsgID, err)
		return
	}
	e.persist()
	if m, ok := e.hist.Get(r.MsgID); ok {
		e.emit(Event{Type: EventMessageUpdated, Room: m.Room, Message: &m})
		e.emit(Event{Type: EventRoomsChanged})
	}
}

func (e *Engine) onRead(r proto.Read) {
	if r.From == e.cfg.Identity.ID {
		return
	}
	// Group receipts carry the room name in To, so only direct ones are
	// filtered by recipient.
	if r.To != "" && !r.IsGroup && r.To != e.cfg.Identity.ID {
		return
	}
	for _, id := range r.MsgIDs {
		e.settle(id, ledger.StatusRead)
	}
}

// System content prefixes for structured notices.
const (
	nickPrefix   = "nick:"
	invitePrefix = "invite:"
)

func (e *Engine) onSystem(s proto.System) {
	if strings.HasPrefix(s.Content, invitePrefix) {
		e.onInvite(s.Content[len(invitePrefix):])
		return
	}
	if strings.HasPrefix(s.Content, nickPrefix) {
		var upd struct {
			PeerID string `json:"peerId"`
			Name   string `json:"name"`
		}
		if err := json.Unmarshal([]byte(s.Content[len(nickPrefix):]), &upd); err != nil || upd.PeerID == "" {
			log.Printf("ENGINE: dropping malformed nickname update")
			return
		}
		if upd.PeerID == e.cfg.Identity.ID {
			return
		}
		e.roster.Upsert(upd.PeerID, upd.Name)
		return
	}

	msg := &ledger.Message{
		ID:      newID(),
		Room:    "system",
		From:    "system",
		Content: s.Content,
		TS:      s.TS,
		Kind:    ledger.KindSystem,
		Status:  ledger.StatusDelivered,
		Seen:    true,
	}
	e.hist.Append(msg)
	e.persist()
	e.emit(Event{Type: EventMessage, Room: "system", Message: msg})
}

// onInvite records a pending group invite. The invite stays in the
// room list until accepted, declined, or superseded by real traffic.
func (e *Engine) onInvite(payload string) {
	var inv struct {
		Room string `json:"room"`
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := json.Unmarshal([]byte(payload), &inv); err != nil || inv.Room == "" {
		log.Printf("ENGINE: dropping malformed invite")
		return
	}
	if inv.To != "" && inv.To != e.cfg.Identity.ID {
		return
	}
	if inv.From == e.cfg.Identity.ID {
		return
	}

	e.mu.Lock()
	_, known := e.invites[inv.Room]
	if !known {
		e.invites[inv.Room] = inv.From
	}
	e.mu.Unlock()
	if known {
		return
	}
	log.Printf("ENGINE: invited to %s by %s", inv.Room, inv.From)
	e.persistInvites()
	e.emit(Event{Type: EventRoomsChanged})
}

// clearInvite drops a pending invite once real traffic for the room
// exists.
func (e *Engine) clearInvite(room string) {
	e.mu.Lock()
	_, ok := e.invites[room]
	if ok {
		delete(e.invites, room)
	}
	e.mu.Unlock()
	if ok {
		e.persistInvites()
	}
}

// onFileProgress updates the ledger entry tracking an active transfer,
// in either direction.
func (e *Engine) onFileProgress(tr *direct.Transfer) {
	if tr == nil {
		return
	}
	msgID, ok := e.transfers[tr.ID]
	if !ok {
		return
	}
	if err := e.hist.SetFileProgress(msgID, tr.Progress, ""); err != nil {
		return
	}
	if m, ok := e.hist.Get(msgID); ok {
		e.emit(Event{Type: EventMessageUpdated, Room: m.Room, Message: &m})
	}
}

func (e *Engine) onFileDone(tr *direct.Transfer) {
	if tr == nil {
		return
	}
	msgID, ok := e.transfers[tr.ID]
	if !ok {
		return
	}
	delete(e.transfers, tr.ID)

	// Inbound completions carry the reassembled bytes; write them out so
	// the message keeps a usable local reference.
	local := ""
	if m, ok := e.hist.Get(msgID); ok && !m.Outgoing {
		path, err := e.storeDownload(tr)
		if err != nil {
			log.Printf("ENGINE: store %s: %v", tr.Name, err)
			e.note("could not store %s: %v", tr.Name, err)
		} else {
			local = path
			e.note("stored %s (%d bytes)", path, len(tr.Data))
		}
	}

	_ = e.hist.SetFileProgress(msgID, 1, local)
	if m, ok := e.hist.Get(msgID); ok && m.Status == ledger.StatusSending {
		_ = e.hist.Transition(msgID, ledger.StatusDelivered)
	}
	e.persist()
	if m, ok := e.hist.Get(msgID); ok {
		e.emit(Event{Type: EventMessageUpdated, Room: m.Room, Message: &m})
	}
}

// storeDownload writes a completed inbound transfer into the download
// directory. The remote-supplied name is reduced to its base so it
// cannot escape the directory; a clash gets a transfer-id suffix.
func (e *Engine) storeDownload(tr *direct.Transfer) (string, error) {
	dir := e.cfg.Direct.DownloadDir
	if dir == "" {
		dir = filepath.Join(filepath.Dir(e.cfg.History.DBFile), "downloads")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	name := filepath.Base(tr.Name)
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = tr.ID
	}
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err == nil {
		ext := filepath.Ext(name)
		path = filepath.Join(dir, strings.TrimSuffix(name, ext)+"-"+tr.ID[:8]+ext)
	}
	if err := os.WriteFile(path, tr.Data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (e *Engine) onFileFailed(tr *direct.Transfer, err error) {
	if tr == nil {
		return
	}
	msgID, ok := e.transfers[tr.ID]
	if !ok {
		return
	}
	delete(e.transfers, tr.ID)
	if err != nil {
		log.Printf("ENGINE: transfer %s failed: %v", tr.ID, err)
		e.note("transfer %s (%s) failed: %v", tr.ID, tr.Name, err)
	}

	if m, ok := e.hist.Get(msgID); ok && m.Status == ledger.StatusSending {
		_ = e.hist.Transition(msgID, ledger.StatusFailed)
	}
	e.persist()
	if m, ok := e.hist.Get(msgID); ok {
		e.emit(Event{Type: EventMessageUpdated, Room: m.Room, Message: &m})
	}
}

// onFileOffer records an inbound transfer as a file message so its
// progress shows up in the room immediately.
func (e *Engine) onFileOffer(peer string, tr *direct.Transfer) {
	if tr == nil {
		return
	}
	msg := &ledger.Message{
		ID:        newID(),
		Room:      peer,
		From:      peer,
		Content:   tr.Name,
		TS:        proto.NowMillis(),
		Transport: "direct",
		Kind:      ledger.KindFile,
		File: &ledger.FileMeta{
			Name:       tr.Name,
			Size:       tr.Size,
			Mime:       tr.Mime,
			TransferID: tr.ID,
		},
		Status: ledger.StatusDelivered,
	}
	e.transfers[tr.ID] = msg.ID
	e.hist.Append(msg)
	e.emit(Event{Type: EventMessage, Room: peer, Message: msg})
	e.emit(Event{Type: EventRoomsChanged})
}
