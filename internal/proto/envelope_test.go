package proto

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		in   any
		kind string
	}{
		{"text", Text{ID: "m1", From: "a", To: "b", Content: "hello", TS: 1}, KindText},
		{"text with file", Text{ID: "m2", From: "a", To: "b", File: &FileInfo{Name: "x.png", Size: 42, Mime: "image/png"}}, KindText},
		{"signal desc", Signal{From: "a", To: "b", Desc: json.RawMessage(`{"type":"offer","sdp":"v=0"}`)}, KindSignal},
		{"signal candidate", Signal{From: "a", To: "b", Candidate: json.RawMessage(`{"candidate":"c"}`)}, KindSignal},
		{"ack", Ack{ID: "a1", MsgID: "m1", Status: "delivered", From: "b", To: "a", TS: 2}, KindAck},
		{"recall", Recall{ID: "r1", MsgID: "m1", From: "a", To: "b", TS: 3}, KindRecall},
		{"read", Read{MsgIDs: []string{"m1", "m2"}, From: "b", To: "a", TS: 4}, KindRead},
		{"system", System{Content: "welcome", TS: 5}, KindSystem},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := Marshal(tc.in)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			env, err := Unmarshal(raw)
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if env.Kind != tc.kind {
				t.Fatalf("kind = %q, want %q", env.Kind, tc.kind)
			}
			payload, err := env.Payload()
			if err != nil {
				t.Fatalf("payload: %v", err)
			}
			got, _ := json.Marshal(payload)
			want, _ := json.Marshal(tc.in)
			if string(got) != string(want) {
				t.Fatalf("payload = %s, want %s", got, want)
			}
		})
	}
}

func TestEnvelopeUnknownKind(t *testing.T) {
	env, err := Unmarshal([]byte(`{"kind":"teleport","body":{}}`))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, err := env.Payload(); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestEnvelopeMissingKind(t *testing.T) {
	if _, err := Unmarshal([]byte(`{"body":{}}`)); err == nil {
		t.Fatal("expected error for missing kind")
	}
}

func TestWrapRejectsUnknownType(t *testing.T) {
	if _, err := Wrap(struct{ X int }{1}); err == nil {
		t.Fatal("expected error wrapping unknown type")
	}
}
