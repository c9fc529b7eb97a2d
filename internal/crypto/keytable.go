package crypto

import "sync"

// KeyTable maps conversation and group targets to operator-supplied
// passwords, with an optional system-wide default as fallback. Keys are
// never transmitted. Precedence on both encrypt and decrypt: the
// per-conversation key, then the per-group key, then the default.
type KeyTable struct {
	mu           sync.RWMutex
	conversation map[string]string
	group        map[string]string
	fallback     string
	revision     uint64

	// onChange fires after any mutation; the engine hooks this to run
	// the decrypt-retry pass over messages still flagged undecrypted.
	onChange func()
}

func NewKeyTable() *KeyTable {
	return &KeyTable{
		conversation: make(map[string]string),
		group:        make(map[string]string),
	}
}

// OnChange registers the single change hook. Must be set before the
// table is shared.
func (t *KeyTable) OnChange(fn func()) { t.onChange = fn }

func (t *KeyTable) SetConversationKey(target, password string) {
	t.mu.Lock()
	if password == "" {
		delete(t.conversation, target)
	} else {
		t.conversation[target] = password
	}
	t.revision++
	t.mu.Unlock()
	t.fireChange()
}

func (t *KeyTable) SetGroupKey(group, password string) {
	t.mu.Lock()
	if password == "" {
		delete(t.group, group)
	} else {
		t.group[group] = password
	}
	t.revision++
	t.mu.Unlock()
	t.fireChange()
}

func (t *KeyTable) SetDefaultKey(password string) {
	t.mu.Lock()
	t.fallback = password
	t.revision++
	t.mu.Unlock()
	t.fireChange()
}

// Revision returns a counter bumped on every mutation. The decrypt
// retry pass records it to skip redundant scans.
func (t *KeyTable) Revision() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.revision
}

// Candidates returns the passwords to try for a target, highest
// precedence first. The group id may equal the target for group rooms.
func (t *KeyTable) Candidates(target, group string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, 3)
	if p, ok := t.conversation[target]; ok {
		out = append(out, p)
	}
	if group != "" {
		if p, ok := t.group[group]; ok {
			out = append(out, p)
		}
	}
	if t.fallback != "" {
		out = append(out, t.fallback)
	}
	return out
}

// EncryptFor encrypts text with the highest-precedence key for the
// target. The first password that actually changes the text wins; with
// no keys configured the text passes through untouched.
func (t *KeyTable) EncryptFor(text, target, group string) string {
	for _, password := range t.Candidates(target, group) {
		if out := Encrypt(text, password); out != text {
			return out
		}
	}
	return text
}

// DecryptFor tries the candidate keys in precedence order. Returns the
// decrypted text and true on the first password whose output differs
// from the input; otherwise the input and false.
func (t *KeyTable) DecryptFor(ciphertext, target, group string) (string, bool) {
	for _, password := range t.Candidates(target, group) {
		if out := Decrypt(ciphertext, password); out != ciphertext {
			return out, true
		}
	}
	return ciphertext, false
}

// Snapshot returns copies of the key maps and the default, for
// persistence.
func (t *KeyTable) Snapshot() (conversation, group map[string]string, fallback string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	conversation = make(map[string]string, len(t.conversation))
	for k, v := range t.conversation {
		conversation[k] = v
	}
	group = make(map[string]string, len(t.group))
	for k, v := range t.group {
		group[k] = v
	}
	return conversation, group, t.fallback
}

// Replace swaps the whole table contents in one mutation. Used when the
// watched key file is rewritten.
func (t *KeyTable) Replace(conversation, group map[string]string, fallback string) {
	t.mu.Lock()
	t.conversation = make(map[string]string, len(conversation))
	for k, v := range conversation {
		if v != "" {
			t.conversation[k] = v
		}
	}
	t.group = make(map[string]string, len(group))
	for k, v := range group {
		if v != "" {
			t.group[k] = v
		}
	}
	t.fallback = fallback
	t.revision++
	t.mu.Unlock()
	t.fireChange()
}

func (t *KeyTable) fireChange() {
	if t.onChange != nil {
		t.onChange()
	}
}
