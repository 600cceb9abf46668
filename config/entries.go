package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/grasplet-dashboard/exporter/grasplet"
)

var (
	// ErrAlreadyConfigured is returned when an account with the same username exists.
	ErrAlreadyConfigured = errors.New("account already configured")

	// ErrEntryNotFound is returned for unknown entry ids.
	ErrEntryNotFound = errors.New("entry not found")
)

// Entry is one configured account.
type Entry struct {
	ID          string               `yaml:"id" json:"id"`
	Title       string               `yaml:"title" json:"title"`
	Credentials grasplet.Credentials `yaml:"credentials" json:"credentials"`
}

// UniqueID identifies the account behind an entry.
func (e Entry) UniqueID() string {
	return uniqueID(e.Credentials.Username)
}

func uniqueID(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

type entriesFile struct {
	Entries []Entry `yaml:"entries"`
}

// Store keeps configured accounts, persisted as YAML when a path is set.
type Store struct {
	path string

	mu      sync.RWMutex
	entries map[string]Entry
}

// OpenStore loads the entries at path. A missing file yields an empty store
// and an empty path keeps entries in memory only.
func OpenStore(path string) (*Store, error) {
	s := &Store{
		path:    path,
		entries: make(map[string]Entry),
	}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read entries file: %w", err)
	}

	var file entriesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse entries file: %w", err)
	}
	for _, e := range file.Entries {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		e.Credentials = e.Credentials.WithDefaults()
		if err := e.Credentials.Validate(); err != nil {
			return nil, fmt.Errorf("invalid entry %s (%s): %w", e.ID, e.Title, err)
		}
		s.entries[e.ID] = e
	}
	return s, nil
}

// Add stores a new entry. Usernames are unique across entries and the
// credentials must pass Validate.
func (s *Store) Add(title string, creds grasplet.Credentials) (Entry, error) {
	if err := creds.Validate(); err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.findLocked(creds.Username); ok {
		return Entry{}, ErrAlreadyConfigured
	}

	entry := Entry{
		ID:          uuid.NewString(),
		Title:       title,
		Credentials: creds,
	}
	s.entries[entry.ID] = entry
	if err := s.saveLocked(); err != nil {
		delete(s.entries, entry.ID)
		return Entry{}, err
	}
	return entry, nil
}

// Replace swaps the whole credential record of an entry.
func (s *Store) Replace(id, title string, creds grasplet.Credentials) (Entry, error) {
	if err := creds.Validate(); err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.entries[id]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	if other, ok := s.findLocked(creds.Username); ok && other.ID != id {
		return Entry{}, ErrAlreadyConfigured
	}

	entry := Entry{ID: id, Title: title, Credentials: creds}
	s.entries[id] = entry
	if err := s.saveLocked(); err != nil {
		s.entries[id] = old
		return Entry{}, err
	}
	return entry, nil
}

// Remove deletes an entry.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	delete(s.entries, id)
	if err := s.saveLocked(); err != nil {
		s.entries[id] = old
		return err
	}
	return nil
}

// Get returns the entry with the given id.
func (s *Store) Get(id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

// FindByUsername returns the entry configured for username.
func (s *Store) FindByUsername(username string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findLocked(username)
}

// List returns all entries ordered by title.
func (s *Store) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked()
}

func (s *Store) listLocked() []Entry {
	entries := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Title != entries[j].Title {
			return entries[i].Title < entries[j].Title
		}
		return entries[i].ID < entries[j].ID
	})
	return entries
}

func (s *Store) findLocked(username string) (Entry, bool) {
	want := uniqueID(username)
	for _, e := range s.entries {
		if e.UniqueID() == want {
			return e, true
		}
	}
	return Entry{}, false
}

// saveLocked writes the entries through a temporary file so a crash never
// leaves a truncated file behind.
func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}

	data, err := yaml.Marshal(entriesFile{Entries: s.listLocked()})
	if err != nil {
		return fmt.Errorf("failed to encode entries: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".entries-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to write entries file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write entries file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write entries file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write entries file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to write entries file: %w", err)
	}
	return nil
}
