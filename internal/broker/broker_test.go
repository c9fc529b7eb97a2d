package broker

import (
	"path/filepath"
	"testing"

	"github.com/petrel-chat/petrel/internal/proto"
	"github.com/petrel-chat/petrel/internal/state"
)

func TestTopicNames(t *testing.T) {
	b := New(Options{LocalID: "alice"}, state.NewRoster())

	if got := b.topicName("presence", ""); got != "petrel.v1.presence" {
		t.Fatalf("presence topic = %q", got)
	}
	if got := b.topicName("inbox", "alice"); got != "petrel.v1.inbox.alice" {
		t.Fatalf("inbox topic = %q", got)
	}

	b = New(Options{LocalID: "alice", TopicPrefix: "test."}, state.NewRoster())
	if got := b.topicName("rooms", ""); got != "test.rooms" {
		t.Fatalf("prefixed rooms topic = %q", got)
	}
}

func TestAddressOf(t *testing.T) {
	cases := []struct {
		name    string
		payload any
		to      string
		group   bool
	}{
		{"direct text", proto.Text{ID: "1", From: "a", To: "bob"}, "bob", false},
		{"group text", proto.Text{ID: "1", From: "a", To: "team", IsGroup: true}, "team", true},
		{"ack", proto.Ack{ID: "2", MsgID: "1", From: "a", To: "bob"}, "bob", false},
		{"signal", proto.Signal{From: "a", To: "bob"}, "bob", false},
		{"system notice", proto.System{Content: "maintenance"}, "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := proto.Wrap(tc.payload)
			if err != nil {
				t.Fatal(err)
			}
			to, group, err := addressOf(env)
			if err != nil {
				t.Fatalf("addressOf: %v", err)
			}
			if to != tc.to || group != tc.group {
				t.Fatalf("addressOf = (%q, %v), want (%q, %v)", to, group, tc.to, tc.group)
			}
		})
	}
}

func TestLoadOrCreateKeyPersists(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "keys", "mesh.key")

	k1, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	if !isNew {
		t.Fatal("expected new key on first run")
	}

	k2, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if isNew {
		t.Fatal("expected persisted key on second run")
	}
	if !k1.Equals(k2) {
		t.Fatal("reloaded key differs from generated key")
	}
}
