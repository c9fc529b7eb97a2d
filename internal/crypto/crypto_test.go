package crypto

import (
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		text     string
		password string
	}{
		{"ascii", "hello world", "hunter2"},
		{"unicode", "héllo wörld — 你好", "pässwörd"},
		{"long", strings.Repeat("petrel ", 500), "k"},
		{"newlines", "line one\nline two\n", "secret"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ct := Encrypt(tc.text, tc.password)
			if ct == tc.text {
				t.Fatal("encrypt did not change the text")
			}
			if !IsEncrypted(ct) {
				t.Fatalf("IsEncrypted(%q) = false", ct[:20])
			}
			if got := Decrypt(ct, tc.password); got != tc.text {
				t.Fatalf("decrypt = %q, want %q", got, tc.text)
			}
		})
	}
}

func TestEncryptIdentityCases(t *testing.T) {
	if got := Encrypt("", "pw"); got != "" {
		t.Fatalf("empty text: got %q", got)
	}
	if got := Encrypt("text", ""); got != "text" {
		t.Fatalf("empty password: got %q", got)
	}
}

func TestDecryptWrongKeyReturnsInput(t *testing.T) {
	ct := Encrypt("secret message", "right")
	if got := Decrypt(ct, "wrong"); got != ct {
		t.Fatalf("wrong key should return ciphertext unchanged, got %q", got)
	}
}

func TestDecryptPlaintextPassthrough(t *testing.T) {
	for _, text := range []string{"just text", "", "PETREL1:not!base64", "PETREL1:YQ=="} {
		if got := Decrypt(text, "anything"); got != text {
			t.Fatalf("Decrypt(%q) = %q, want unchanged", text, got)
		}
	}
}

func TestIsEncryptedRejectsPlaintext(t *testing.T) {
	for _, text := range []string{"hello", "", "PETREL1:", "PETREL1:***", "PETREL2:YWJj"} {
		if IsEncrypted(text) {
			t.Fatalf("IsEncrypted(%q) = true", text)
		}
	}
}

func TestEncryptionIsSalted(t *testing.T) {
	a := Encrypt("same text", "same password")
	b := Encrypt("same text", "same password")
	if a == b {
		t.Fatal("two encryptions of the same text produced identical ciphertext")
	}
}

func TestKeyTablePrecedence(t *testing.T) {
	kt := NewKeyTable()
	kt.SetDefaultKey("default-pw")
	kt.SetGroupKey("group-1", "group-pw")
	kt.SetConversationKey("alice", "alice-pw")

	t.Run("conversation key wins", func(t *testing.T) {
		ct := kt.EncryptFor("hi", "alice", "group-1")
		if got := Decrypt(ct, "alice-pw"); got != "hi" {
			t.Fatal("expected conversation key to be used")
		}
	})

	t.Run("group key next", func(t *testing.T) {
		ct := kt.EncryptFor("hi", "bob", "group-1")
		if got := Decrypt(ct, "group-pw"); got != "hi" {
			t.Fatal("expected group key to be used")
		}
	})

	t.Run("default key last", func(t *testing.T) {
		ct := kt.EncryptFor("hi", "bob", "")
		if got := Decrypt(ct, "default-pw"); got != "hi" {
			t.Fatal("expected default key to be used")
		}
	})

	t.Run("decrypt tries all candidates", func(t *testing.T) {
		ct := Encrypt("from the default", "default-pw")
		got, ok := kt.DecryptFor(ct, "alice", "group-1")
		if !ok || got != "from the default" {
			t.Fatalf("DecryptFor = %q, %v", got, ok)
		}
	})

	t.Run("no key succeeds", func(t *testing.T) {
		ct := Encrypt("mystery", "unknown-pw")
		got, ok := kt.DecryptFor(ct, "alice", "group-1")
		if ok || got != ct {
			t.Fatalf("DecryptFor = %q, %v; want input, false", got, ok)
		}
	})
}

func TestKeyTableNoKeysPassthrough(t *testing.T) {
	kt := NewKeyTable()
	if got := kt.EncryptFor("plain", "alice", ""); got != "plain" {
		t.Fatalf("EncryptFor with empty table = %q", got)
	}
}

func TestKeyTableChangeHook(t *testing.T) {
	kt := NewKeyTable()
	fired := 0
	kt.OnChange(func() { fired++ })

	rev := kt.Revision()
	kt.SetConversationKey("alice", "pw")
	kt.SetGroupKey("g", "pw")
	kt.SetDefaultKey("pw")
	kt.Replace(nil, nil, "other")

	if fired != 4 {
		t.Fatalf("change hook fired %d times, want 4", fired)
	}
	if kt.Revision() != rev+4 {
		t.Fatalf("revision = %d, want %d", kt.Revision(), rev+4)
	}
}
