package util

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Common timeout durations shared across the engine.
const (
	DefaultConnectTimeout = 3 * time.Second
	DefaultSendTimeout    = 5 * time.Second
)

// NewMessageID returns a message id combining the millisecond send time
// with a random suffix, so ids sort roughly by send order while staying
// unique across peers.
func NewMessageID() string {
	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), hex.EncodeToString(suffix))
}

// WriteJSONFile writes a JSON object to a file, creating parent
// directories if needed.
func WriteJSONFile(path string, v any) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
