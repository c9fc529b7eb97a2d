package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/petrel-chat/petrel/internal/config"
	"github.com/petrel-chat/petrel/internal/direct"
	"github.com/petrel-chat/petrel/internal/ledger"
	"github.com/petrel-chat/petrel/internal/relay"
	"github.com/petrel-chat/petrel/internal/state"
	"github.com/petrel-chat/petrel/internal/storage"
)

func testConfig(id string) config.Config {
	cfg := config.Default()
	cfg.Identity.ID = id
	cfg.Identity.Name = id
	cfg.Relay.Backend = "memory"
	cfg.Relay.ReconnectSec = 1
	cfg.Direct.Enabled = false
	cfg.Crypto.KeyFile = ""
	cfg.History.Retain = false
	return cfg
}

// startEngine runs an engine against the shared in-memory hub and waits
// for its relay to come up.
func startEngine(t *testing.T, hub *relay.MemoryHub, id string) *Engine {
	t.Helper()
	factory := func(string) (relay.Relay, error) { return hub.Attach(id), nil }
	e := newEngine(testConfig(id), factory, state.NewRoster(), nil)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start %s: %v", id, err)
	}
	t.Cleanup(func() { e.Close() })
	waitFor(t, "relay open for "+id, e.Connected)
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitEvent drains the channel until an event satisfies pred.
func waitEvent(t *testing.T, ch chan Event, what string, pred func(Event) bool) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed waiting for %s", what)
			}
			if pred(evt) {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func TestMessageRoundTripEncrypted(t *testing.T) {
	hub := relay.NewMemoryHub()
	alice := startEngine(t, hub, "alice")
	bob := startEngine(t, hub, "bob")

	alice.SetDefaultKey("hunter2")
	bob.SetDefaultKey("hunter2")

	bobEvents := bob.Subscribe()
	aliceEvents := alice.Subscribe()

	id, err := alice.SendMessage("bob", "hello bob", false, "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	got := waitEvent(t, bobEvents, "message at bob", func(e Event) bool {
		return e.Type == EventMessage && e.Message != nil && e.Message.ID == id
	})
	if got.Message.Content != "hello bob" {
		t.Fatalf("content = %q, want plaintext", got.Message.Content)
	}
	if got.Message.DecryptFailed {
		t.Fatal("message should have decrypted")
	}
	if got.Message.Room != "alice" {
		t.Fatalf("room = %q, want alice", got.Message.Room)
	}

	// Delivery ack settles the sender's copy.
	upd := waitEvent(t, aliceEvents, "delivered at alice", func(e Event) bool {
		return e.Type == EventMessageUpdated && e.Message != nil && e.Message.ID == id
	})
	if upd.Message.Status != ledger.StatusDelivered {
		t.Fatalf("status = %s, want delivered", upd.Message.Status)
	}
}

func TestReadReceiptSettlesSender(t *testing.T) {
	hub := relay.NewMemoryHub()
	alice := startEngine(t, hub, "alice")
	bob := startEngine(t, hub, "bob")

	aliceEvents := alice.Subscribe()
	id, err := alice.SendMessage("bob", "ping", false, "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	waitEvent(t, aliceEvents, "delivered", func(e Event) bool {
		return e.Type == EventMessageUpdated && e.Message != nil &&
			e.Message.ID == id && e.Message.Status == ledger.StatusDelivered
	})

	waitFor(t, "unread at bob", func() bool { return bob.Unread("alice") == 1 })
	if err := bob.MarkRead("alice"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if bob.Unread("alice") != 0 {
		t.Fatal("unread should clear after mark read")
	}

	waitEvent(t, aliceEvents, "read at alice", func(e Event) bool {
		return e.Type == EventMessageUpdated && e.Message != nil &&
			e.Message.ID == id && e.Message.Status == ledger.StatusRead
	})
}

func TestUnackedMessageFailsOnce(t *testing.T) {
	hub := relay.NewMemoryHub()
	factory := func(string) (relay.Relay, error) { return hub.Attach("alice"), nil }
	alice := newEngine(testConfig("alice"), factory, state.NewRoster(), nil)
	alice.ackTimeout = 50 * time.Millisecond
	if err := alice.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { alice.Close() })
	waitFor(t, "relay open", alice.Connected)

	events := alice.Subscribe()
	id, err := alice.SendMessage("nobody", "anyone there?", false, "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	evt := waitEvent(t, events, "failure", func(e Event) bool {
		return e.Type == EventMessageUpdated && e.Message != nil && e.Message.ID == id
	})
	if evt.Message.Status != ledger.StatusFailed {
		t.Fatalf("status = %s, want failed", evt.Message.Status)
	}

	// No second transition fires after the first.
	select {
	case extra := <-events:
		if extra.Type == EventMessageUpdated && extra.Message != nil && extra.Message.ID == id {
			t.Fatalf("unexpected second update: %+v", extra.Message.Status)
		}
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRecallReplacesOnBothSides(t *testing.T) {
	hub := relay.NewMemoryHub()
	alice := startEngine(t, hub, "alice")
	bob := startEngine(t, hub, "bob")

	bobEvents := bob.Subscribe()
	id, err := alice.SendMessage("bob", "typo", false, "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	waitEvent(t, bobEvents, "message at bob", func(e Event) bool {
		return e.Type == EventMessage && e.Message != nil && e.Message.ID == id
	})

	if err := alice.Recall(id); err != nil {
		t.Fatalf("recall: %v", err)
	}
	aliceCopy := alice.Messages("bob")
	if len(aliceCopy) != 1 || aliceCopy[0].Content != ledger.RecallPlaceholder {
		t.Fatal("local copy should be replaced immediately")
	}

	upd := waitEvent(t, bobEvents, "recall at bob", func(e Event) bool {
		return e.Type == EventMessageUpdated && e.Message != nil && e.Message.ID == id
	})
	if upd.Message.Content != ledger.RecallPlaceholder {
		t.Fatalf("content = %q, want placeholder", upd.Message.Content)
	}
	if upd.Message.Status != ledger.StatusRecalled {
		t.Fatalf("status = %s, want recalled", upd.Message.Status)
	}
}

func TestRecallRejectsForeignMessages(t *testing.T) {
	hub := relay.NewMemoryHub()
	alice := startEngine(t, hub, "alice")
	bob := startEngine(t, hub, "bob")

	bobEvents := bob.Subscribe()
	id, _ := alice.SendMessage("bob", "mine", false, "")
	waitEvent(t, bobEvents, "message at bob", func(e Event) bool {
		return e.Type == EventMessage && e.Message != nil && e.Message.ID == id
	})

	if err := bob.Recall(id); err == nil {
		t.Fatal("recalling someone else's message should fail")
	}
}

func TestGroupMessageFanoutAndKeyRetry(t *testing.T) {
	hub := relay.NewMemoryHub()
	alice := startEngine(t, hub, "alice")
	bob := startEngine(t, hub, "bob")
	eve := startEngine(t, hub, "eve")

	alice.SetGroupKey("lounge", "s3cret")
	bob.SetGroupKey("lounge", "s3cret")

	bobEvents := bob.Subscribe()
	eveEvents := eve.Subscribe()

	id, err := alice.SendMessage("lounge", "meeting at noon", true, "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	got := waitEvent(t, bobEvents, "group message at bob", func(e Event) bool {
		return e.Type == EventMessage && e.Message != nil && e.Message.ID == id
	})
	if got.Message.Content != "meeting at noon" || !got.Message.IsGroup {
		t.Fatalf("bob got %+v", got.Message)
	}
	if got.Message.Room != "lounge" {
		t.Fatalf("room = %q, want lounge", got.Message.Room)
	}

	// Without the group key the ciphertext is kept verbatim.
	kept := waitEvent(t, eveEvents, "ciphertext at eve", func(e Event) bool {
		return e.Type == EventMessage && e.Message != nil && e.Message.ID == id
	})
	if !kept.Message.DecryptFailed {
		t.Fatal("eve should have failed to decrypt")
	}
	if kept.Message.RawContent == "" || kept.Message.RawContent == "meeting at noon" {
		t.Fatalf("raw content = %q", kept.Message.RawContent)
	}

	// A late key triggers a retry pass over kept ciphertexts.
	eve.SetGroupKey("lounge", "s3cret")
	waitEvent(t, eveEvents, "decrypt retry at eve", func(e Event) bool {
		return e.Type == EventDecrypted && len(e.IDs) == 1 && e.IDs[0] == id
	})
	msgs := eve.Messages("lounge")
	if len(msgs) != 1 || msgs[0].Content != "meeting at noon" || msgs[0].DecryptFailed {
		t.Fatalf("eve's copy after retry: %+v", msgs)
	}
}

func TestDirectedEnvelopesAreFiltered(t *testing.T) {
	hub := relay.NewMemoryHub()
	alice := startEngine(t, hub, "alice")
	bob := startEngine(t, hub, "bob")
	eve := startEngine(t, hub, "eve")

	bobEvents := bob.Subscribe()
	id, _ := alice.SendMessage("bob", "for bob only", false, "")
	waitEvent(t, bobEvents, "message at bob", func(e Event) bool {
		return e.Type == EventMessage && e.Message != nil && e.Message.ID == id
	})

	// The hub broadcasts to everyone, but eve drops traffic addressed
	// elsewhere.
	if len(eve.Messages("alice")) != 0 {
		t.Fatal("eve should not record messages addressed to bob")
	}
}

func TestGroupInviteFlow(t *testing.T) {
	hub := relay.NewMemoryHub()
	alice := startEngine(t, hub, "alice")
	bob := startEngine(t, hub, "bob")
	eve := startEngine(t, hub, "eve")

	bobEvents := bob.Subscribe()
	if err := alice.Invite("bob", "lounge"); err != nil {
		t.Fatalf("invite: %v", err)
	}
	waitEvent(t, bobEvents, "rooms change at bob", func(e Event) bool {
		return e.Type == EventRoomsChanged
	})

	if from := bob.Invites()["lounge"]; from != "alice" {
		t.Fatalf("inviter = %q, want alice", from)
	}
	found := false
	for _, r := range bob.Rooms() {
		if r.ID == "lounge" && r.IsGroup {
			found = true
		}
	}
	if !found {
		t.Fatal("invite-only room missing from room list")
	}

	// The invite was addressed to bob alone.
	if len(eve.Invites()) != 0 {
		t.Fatal("eve should not see bob's invite")
	}

	bob.AcceptInvite("lounge")
	if len(bob.Invites()) != 0 {
		t.Fatal("accept should clear the invite")
	}
}

func TestInviteClearedByGroupTraffic(t *testing.T) {
	hub := relay.NewMemoryHub()
	alice := startEngine(t, hub, "alice")
	bob := startEngine(t, hub, "bob")

	bobEvents := bob.Subscribe()
	if err := alice.Invite("bob", "lounge"); err != nil {
		t.Fatalf("invite: %v", err)
	}
	waitFor(t, "invite at bob", func() bool { return len(bob.Invites()) == 1 })

	id, _ := alice.SendMessage("lounge", "welcome in", true, "")
	waitEvent(t, bobEvents, "group message", func(e Event) bool {
		return e.Type == EventMessage && e.Message != nil && e.Message.ID == id
	})
	if len(bob.Invites()) != 0 {
		t.Fatal("group traffic should clear the pending invite")
	}
}

func TestGroupReadReceiptSettlesSender(t *testing.T) {
	hub := relay.NewMemoryHub()
	alice := startEngine(t, hub, "alice")
	bob := startEngine(t, hub, "bob")

	aliceEvents := alice.Subscribe()
	id, err := alice.SendMessage("lounge", "minutes attached", true, "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, "unread at bob", func() bool { return bob.Unread("lounge") == 1 })
	if err := bob.MarkRead("lounge"); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	// The receipt is addressed to the room, not a peer, and must still
	// reach the sender.
	waitEvent(t, aliceEvents, "group read at alice", func(e Event) bool {
		return e.Type == EventMessageUpdated && e.Message != nil &&
			e.Message.ID == id && e.Message.Status == ledger.StatusRead
	})
}

func TestReceivedFileIsStoredLocally(t *testing.T) {
	hub := relay.NewMemoryHub()
	cfg := testConfig("alice")
	cfg.Direct.DownloadDir = t.TempDir()
	factory := func(string) (relay.Relay, error) { return hub.Attach("alice"), nil }
	alice := newEngine(cfg, factory, state.NewRoster(), nil)
	if err := alice.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { alice.Close() })
	waitFor(t, "relay open", alice.Connected)

	events := alice.Subscribe()
	offer := &direct.Transfer{
		ID:   "11111111-2222-3333-4444-555555555555",
		Peer: "bob", Name: "notes.txt", Mime: "text/plain", Size: 4,
	}
	alice.call(func() error { alice.onFileOffer("bob", offer); return nil })

	done := *offer
	done.Done, done.Progress, done.Data = 4, 1, []byte("DATA")
	alice.call(func() error { alice.onFileDone(&done); return nil })

	evt := waitEvent(t, events, "completed file message", func(e Event) bool {
		return e.Type == EventMessageUpdated && e.Message != nil &&
			e.Message.Kind == ledger.KindFile && e.Message.File != nil &&
			e.Message.File.Progress == 1
	})
	meta := evt.Message.File
	if meta.LocalPath == "" {
		t.Fatal("completed transfer has no local blob reference")
	}
	b, err := os.ReadFile(meta.LocalPath)
	if err != nil {
		t.Fatalf("read stored file: %v", err)
	}
	if string(b) != "DATA" {
		t.Fatalf("stored bytes = %q", b)
	}
}

func TestOnlinePeersAppearInRooms(t *testing.T) {
	hub := relay.NewMemoryHub()
	alice := startEngine(t, hub, "alice")

	// A peer known only from presence, with no messages yet.
	alice.roster.Upsert("carol", "Carol")

	found := false
	for _, r := range alice.Rooms() {
		if r.ID == "carol" {
			found = true
		}
	}
	if !found {
		t.Fatal("online peer missing from room list")
	}
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	hub := relay.NewMemoryHub()
	dbFile := filepath.Join(t.TempDir(), "petrel.db")

	open := func() *Engine {
		store, err := storage.Open(dbFile)
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		factory := func(string) (relay.Relay, error) { return hub.Attach("alice"), nil }
		e := newEngine(testConfig("alice"), factory, state.NewRoster(), store)
		if err := e.Start(context.Background()); err != nil {
			t.Fatalf("start: %v", err)
		}
		waitFor(t, "relay open", e.Connected)
		return e
	}

	first := open()
	id, err := first.SendMessage("bob", "remember me", false, "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	first.Close()

	second := open()
	defer second.Close()
	msgs := second.Messages("bob")
	if len(msgs) != 1 || msgs[0].ID != id || msgs[0].Content != "remember me" {
		t.Fatalf("persisted history = %+v", msgs)
	}
}

func TestNicknameUpdatePropagates(t *testing.T) {
	hub := relay.NewMemoryHub()
	alice := startEngine(t, hub, "alice")
	bob := startEngine(t, hub, "bob")

	if err := alice.SetName("Alice A."); err != nil {
		t.Fatalf("set name: %v", err)
	}
	waitFor(t, "name at bob", func() bool { return bob.PeerName("alice") == "Alice A." })

	// System notices addressed to nobody must not show up as chat.
	if got := bob.Messages("system"); len(got) != 0 {
		t.Fatalf("nickname update recorded as a message: %+v", got)
	}
}

func TestConnectivityEvents(t *testing.T) {
	hub := relay.NewMemoryHub()
	alice := startEngine(t, hub, "alice")

	events := alice.Subscribe()
	hub.Kick("alice")

	waitEvent(t, events, "connectivity down", func(e Event) bool {
		return e.Type == EventConnectivity && !e.Connected
	})
	// The router reconnects on its own after an unexpected close.
	waitEvent(t, events, "connectivity up", func(e Event) bool {
		return e.Type == EventConnectivity && e.Connected
	})
}
