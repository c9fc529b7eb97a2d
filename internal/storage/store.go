// Package storage persists per-identity state (message history, name
// cache, pending invites) in a local SQLite database. State is stored as JSON blobs
// keyed by identity and name; the ledger stays the source of truth in
// memory and is flushed here on change.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/petrel-chat/petrel/internal/ledger"

	_ "modernc.org/sqlite"
)

const (
	blobHistory = "history"
	blobNames   = "names"
	blobInvites = "invites"
)

type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the database at path, creating parent
// directories as needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS blobs (
			identity   TEXT NOT NULL,
			name       TEXT NOT NULL,
			value      BLOB NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (identity, name)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create blobs table: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) saveJSON(identity, name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s blob: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO blobs (identity, name, value, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (identity, name) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`, identity, name, b)
	return err
}

// loadJSON fills v from the stored blob. Returns false with no error
// when the blob does not exist.
func (s *Store) loadJSON(identity, name string, v any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b []byte
	err := s.db.QueryRow(
		`SELECT value FROM blobs WHERE identity = ? AND name = ?`,
		identity, name,
	).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("decode %s blob: %w", name, err)
	}
	return true, nil
}

func (s *Store) delete(identity, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`DELETE FROM blobs WHERE identity = ? AND name = ?`,
		identity, name,
	)
	return err
}

// SaveHistory flushes the ledger snapshot for the identity.
func (s *Store) SaveHistory(identity string, msgs []ledger.Message) error {
	return s.saveJSON(identity, blobHistory, msgs)
}

// LoadHistory returns the persisted ledger, or (nil, false, nil) when
// the identity has none yet.
func (s *Store) LoadHistory(identity string) ([]ledger.Message, bool, error) {
	var msgs []ledger.Message
	ok, err := s.loadJSON(identity, blobHistory, &msgs)
	if err != nil {
		return nil, false, err
	}
	return msgs, ok, nil
}

// ClearHistory removes the identity's persisted ledger.
func (s *Store) ClearHistory(identity string) error {
	return s.delete(identity, blobHistory)
}

// SaveNames persists the display name cache.
func (s *Store) SaveNames(identity string, names map[string]string) error {
	return s.saveJSON(identity, blobNames, names)
}

// LoadNames returns the persisted name cache; an empty map when none.
func (s *Store) LoadNames(identity string) (map[string]string, error) {
	names := map[string]string{}
	if _, err := s.loadJSON(identity, blobNames, &names); err != nil {
		return nil, err
	}
	return names, nil
}

// SaveInvites persists the pending group invite list.
func (s *Store) SaveInvites(identity string, rooms []string) error {
	return s.saveJSON(identity, blobInvites, rooms)
}

// LoadInvites returns the persisted pending invites; empty when none.
func (s *Store) LoadInvites(identity string) ([]string, error) {
	var rooms []string
	if _, err := s.loadJSON(identity, blobInvites, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}
