package ledger

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"
)

func msg(id, room string, outgoing bool) *Message {
	return &Message{
		ID:       id,
		Room:     room,
		From:     "peer",
		Content:  "hello " + id,
		Outgoing: outgoing,
		TS:       int64(len(id)),
		Kind:     KindText,
		Status:   StatusSending,
	}
}

func TestTransitions(t *testing.T) {
	cases := []struct {
		name string
		path []Status
		ok   bool
	}{
		{"sending to delivered", []Status{StatusDelivered}, true},
		{"sending to failed", []Status{StatusFailed}, true},
		{"delivered to read", []Status{StatusDelivered, StatusRead}, true},
		{"sending to read skips delivered", []Status{StatusRead}, false},
		{"delivered to failed", []Status{StatusDelivered, StatusFailed}, false},
		{"failed twice", []Status{StatusFailed, StatusFailed}, false},
		{"read to delivered", []Status{StatusDelivered, StatusRead, StatusDelivered}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHistory(100, 1<<20)
			h.Append(msg("m1", "bob", true))

			var err error
			for _, next := range tc.path {
				if err = h.Transition("m1", next); err != nil {
					break
				}
			}
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrBadTransition) {
				t.Fatalf("err = %v, want ErrBadTransition", err)
			}
		})
	}
}

func TestFailedIsAppliedExactlyOnce(t *testing.T) {
	h := NewHistory(100, 1<<20)
	h.Append(msg("m1", "bob", true))

	if err := h.Transition("m1", StatusFailed); err != nil {
		t.Fatalf("first fail: %v", err)
	}
	if err := h.Transition("m1", StatusFailed); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("second fail = %v, want ErrBadTransition", err)
	}
	// A late ack must not resurrect a failed message.
	if err := h.Transition("m1", StatusDelivered); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("late ack = %v, want ErrBadTransition", err)
	}
}

func TestRecall(t *testing.T) {
	h := NewHistory(100, 1<<20)
	h.Append(msg("m1", "bob", true))
	h.Append(msg("m2", "bob", true))
	h.Transition("m2", StatusDelivered)
	h.Transition("m2", StatusRead)

	if err := h.Recall("m1"); err != nil {
		t.Fatalf("recall sending: %v", err)
	}
	got, _ := h.Get("m1")
	if got.Status != StatusRecalled || got.Content != RecallPlaceholder {
		t.Fatalf("recalled message: %+v", got)
	}

	if err := h.Recall("m2"); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("recall of read message = %v, want ErrBadTransition", err)
	}
	if err := h.Recall("m1"); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("double recall = %v, want ErrBadTransition", err)
	}
}

func TestRecallClearsKeptCiphertext(t *testing.T) {
	h := NewHistory(100, 1<<20)
	m := msg("m1", "bob", false)
	m.Status = StatusDelivered
	m.DecryptFailed = true
	m.RawContent = "PETREL1:junk"
	h.Append(m)

	if err := h.Recall("m1"); err != nil {
		t.Fatal(err)
	}
	got, _ := h.Get("m1")
	if got.RawContent != "" || got.DecryptFailed {
		t.Fatalf("recall left ciphertext behind: %+v", got)
	}
}

func TestCountBound(t *testing.T) {
	h := NewHistory(3, 1<<20)
	for i := 0; i < 5; i++ {
		h.Append(msg(fmt.Sprintf("m%d", i), "bob", true))
	}
	if h.Len() != 3 {
		t.Fatalf("len = %d, want 3", h.Len())
	}
	if _, ok := h.Get("m0"); ok {
		t.Fatal("oldest message survived eviction")
	}
	if _, ok := h.Get("m4"); !ok {
		t.Fatal("newest message was evicted")
	}
}

func TestByteBound(t *testing.T) {
	h := NewHistory(1000, 2048)
	big := msg("big", "bob", true)
	big.Content = strings.Repeat("x", 900)
	h.Append(big)

	for i := 0; i < 3; i++ {
		m := msg(fmt.Sprintf("m%d", i), "bob", true)
		m.Content = strings.Repeat("y", 900)
		h.Append(m)
	}

	if h.Bytes() > 2048 {
		t.Fatalf("bytes = %d, exceeds bound", h.Bytes())
	}
	if _, ok := h.Get("big"); ok {
		t.Fatal("oldest large message should be evicted first")
	}
}

func TestStatusGrowthReEvicts(t *testing.T) {
	a := msg("a", "bob", true)
	b := msg("b", "bob", true)
	limit := sizeOf(a) + sizeOf(b)
	h := NewHistory(10, limit)
	h.Append(a)
	h.Append(b)

	// Exactly at the cap; "delivered" serializes longer than "sending",
	// so the transition must evict the oldest entry to restore the bound.
	if err := h.Transition("b", StatusDelivered); err != nil {
		t.Fatal(err)
	}
	if h.Bytes() > limit {
		t.Fatalf("bytes = %d, exceeds %d", h.Bytes(), limit)
	}
	if _, ok := h.Get("a"); ok {
		t.Fatal("oldest entry survived the growth")
	}
	if _, ok := h.Get("b"); !ok {
		t.Fatal("mutated entry was evicted instead of the oldest")
	}
}

// Bounds must hold after every single operation, not eventually.
func TestBoundsInvariantUnderRandomOps(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	h := NewHistory(50, 16*1024)

	var ids []string
	for i := 0; i < 2000; i++ {
		switch rng.Intn(10) {
		case 0, 1, 2, 3, 4, 5:
			id := fmt.Sprintf("m%d", i)
			m := msg(id, fmt.Sprintf("room%d", rng.Intn(5)), rng.Intn(2) == 0)
			m.Content = strings.Repeat("z", rng.Intn(600))
			h.Append(m)
			ids = append(ids, id)
		case 6:
			if len(ids) > 0 {
				h.Transition(ids[rng.Intn(len(ids))], StatusDelivered)
			}
		case 7:
			if len(ids) > 0 {
				h.Recall(ids[rng.Intn(len(ids))])
			}
		case 8:
			h.MarkRoomRead(fmt.Sprintf("room%d", rng.Intn(5)))
		case 9:
			if len(ids) > 0 {
				h.Get(ids[rng.Intn(len(ids))])
			}
		}

		if h.Len() > 50 {
			t.Fatalf("op %d: count bound violated: %d", i, h.Len())
		}
		if h.Bytes() > 16*1024 {
			t.Fatalf("op %d: byte bound violated: %d", i, h.Bytes())
		}
	}
}

func TestUnreadCounters(t *testing.T) {
	h := NewHistory(100, 1<<20)
	in1 := msg("in1", "bob", false)
	in1.Status = StatusDelivered
	in2 := msg("in2", "bob", false)
	in2.Status = StatusDelivered
	out := msg("out", "bob", true)

	h.Append(in1)
	h.Append(in2)
	h.Append(out)

	if got := h.Unread("bob"); got != 2 {
		t.Fatalf("unread = %d, want 2", got)
	}

	ids := h.MarkRoomRead("bob")
	if len(ids) != 2 {
		t.Fatalf("marked %d messages, want 2", len(ids))
	}
	if got := h.Unread("bob"); got != 0 {
		t.Fatalf("unread after read = %d, want 0", got)
	}
	// Second call yields nothing to receipt.
	if ids := h.MarkRoomRead("bob"); len(ids) != 0 {
		t.Fatalf("second mark returned %d ids", len(ids))
	}
}

func TestEvictionDropsUnread(t *testing.T) {
	h := NewHistory(1, 1<<20)
	a := msg("a", "bob", false)
	a.Status = StatusDelivered
	b := msg("b", "carol", false)
	b.Status = StatusDelivered

	h.Append(a)
	h.Append(b)

	if got := h.Unread("bob"); got != 0 {
		t.Fatalf("evicted room unread = %d, want 0", got)
	}
	if got := h.Unread("carol"); got != 1 {
		t.Fatalf("carol unread = %d, want 1", got)
	}
}

func TestRetryUndecrypted(t *testing.T) {
	h := NewHistory(100, 1<<20)
	bad := msg("bad", "bob", false)
	bad.Status = StatusDelivered
	bad.Content = "PETREL1:opaque"
	bad.RawContent = "PETREL1:opaque"
	bad.DecryptFailed = true
	h.Append(bad)

	good := msg("good", "bob", false)
	good.Status = StatusDelivered
	h.Append(good)

	// First pass: still no usable key.
	fixed := h.RetryUndecrypted(func(room string, isGroup bool, cipher string) (string, bool) {
		return "", false
	})
	if len(fixed) != 0 {
		t.Fatalf("fixed %d without a key", len(fixed))
	}

	fixed = h.RetryUndecrypted(func(room string, isGroup bool, cipher string) (string, bool) {
		if room != "bob" || cipher != "PETREL1:opaque" {
			t.Fatalf("decryptor got room=%q cipher=%q", room, cipher)
		}
		return "secret hello", true
	})
	if len(fixed) != 1 || fixed[0] != "bad" {
		t.Fatalf("fixed = %v", fixed)
	}

	got, _ := h.Get("bad")
	if got.Content != "secret hello" || got.RawContent != "" || got.DecryptFailed {
		t.Fatalf("after retry: %+v", got)
	}
}

func TestRoomsViewOrdering(t *testing.T) {
	h := NewHistory(100, 1<<20)
	a := msg("a", "bob", true)
	a.TS = 10
	b := msg("b", "team", true)
	b.IsGroup = true
	b.TS = 20
	c := msg("c", "bob", false)
	c.Status = StatusDelivered
	c.TS = 30

	h.Append(a)
	h.Append(b)
	h.Append(c)

	rooms := h.Rooms()
	if len(rooms) != 2 {
		t.Fatalf("rooms = %d, want 2", len(rooms))
	}
	if rooms[0].ID != "bob" || rooms[0].Last.ID != "c" || rooms[0].Unread != 1 {
		t.Fatalf("first room: %+v", rooms[0])
	}
	if rooms[1].ID != "team" || !rooms[1].IsGroup {
		t.Fatalf("second room: %+v", rooms[1])
	}
}

func TestSnapshotLoadRoundTrip(t *testing.T) {
	h := NewHistory(100, 1<<20)
	in := msg("in", "bob", false)
	in.Status = StatusDelivered
	h.Append(in)
	h.Append(msg("out", "bob", true))
	h.Transition("out", StatusDelivered)

	snap := h.Snapshot()

	h2 := NewHistory(100, 1<<20)
	h2.Load(snap)

	if h2.Len() != 2 {
		t.Fatalf("len = %d", h2.Len())
	}
	if got := h2.Unread("bob"); got != 1 {
		t.Fatalf("unread after load = %d, want 1", got)
	}
	m, _ := h2.Get("out")
	if m.Status != StatusDelivered {
		t.Fatalf("status after load = %s", m.Status)
	}
}

func TestClearRoom(t *testing.T) {
	h := NewHistory(100, 1<<20)
	bobIn := msg("b1", "bob", false)
	bobIn.Status = StatusDelivered
	h.Append(bobIn)
	h.Append(msg("c1", "carol", true))

	h.ClearRoom("bob")

	if _, ok := h.Get("b1"); ok {
		t.Fatal("bob message survived clear")
	}
	if _, ok := h.Get("c1"); !ok {
		t.Fatal("carol message was dropped")
	}
	if got := h.Unread("bob"); got != 0 {
		t.Fatalf("unread = %d", got)
	}
}
