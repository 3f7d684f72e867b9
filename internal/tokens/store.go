// Package tokens maps opaque capability tokens to a room binding and
// access mode. The backing file is read once at startup and rewritten
// whole on every mutation; entries are never changed after creation.
package tokens

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// AccessMode is what a token lets its holder do in a room.
type AccessMode string

const (
	ModeEdit AccessMode = "edit"
	ModeView AccessMode = "view"
)

// ErrExists is returned when creating a token that is already issued.
var ErrExists = errors.New("tokens: token already exists")

// Entry is one issued capability. Immutable once created.
type Entry struct {
	RoomName   string     `json:"roomName"`
	AccessMode AccessMode `json:"accessMode"`
	TeamName   string     `json:"teamName"`
	EventID    string     `json:"eventId"`
}

// Store holds the token map in memory, mirrored to a JSON file.
type Store struct {
	path   string
	logger zerolog.Logger

	mu      sync.RWMutex
	entries map[string]Entry
}

// Open loads the token file at path. A missing or corrupt file yields an
// empty store, never a boot failure; corruption is logged.
func Open(path string, logger zerolog.Logger) *Store {
	s := &Store{
		path:    path,
		logger:  logger.With().Str("component", "tokens").Logger(),
		entries: make(map[string]Entry),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error().Err(err).Str("path", path).Msg("failed to read token file, starting empty")
		}
		return s
	}
	if err := json.Unmarshal(data, &s.entries); err != nil {
		s.logger.Error().Err(err).Str("path", path).Msg("token file is corrupt, starting empty")
		s.entries = make(map[string]Entry)
	}
	return s
}

// Resolve looks up a token.
func (s *Store) Resolve(token string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[token]
	return e, ok
}

// Create issues a new token and rewrites the backing file.
func (s *Store) Create(token string, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[token]; ok {
		return ErrExists
	}
	s.entries[token] = e
	if err := s.persistLocked(); err != nil {
		delete(s.entries, token)
		return fmt.Errorf("persist token store: %w", err)
	}
	return nil
}

// Len reports how many tokens are issued.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// persistLocked rewrites the whole file via a temp file and rename, so a
// crash mid-write leaves the previous map intact.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
