// Package lock persists per-path password locks in a single flat table.
package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hts-nas/nasgate/internal/sandbox"
)

// Lock verification failures. Callers must keep these distinct: a missing
// password is recoverable by prompting, a wrong one is not.
var (
	ErrAlreadyLocked   = fmt.Errorf("item is already locked")
	ErrMissingPassword = fmt.Errorf("password required for locked item")
	ErrWrongPassword   = fmt.Errorf("invalid password for locked item")
)

// Entry is one persisted lock.
type Entry struct {
	Hash     string    `json:"hash"`
	LockedAt time.Time `json:"lockedAt"`
}

// Store maps normalized paths to lock entries, backed by one JSON file
// that is read fully and rewritten fully on every mutation. A single
// mutex guards the whole load-mutate-persist cycle so two requests can
// never interleave partial table states.
type Store struct {
	mu   sync.Mutex
	file string
	cost int
}

// NewStore creates a lock store backed by the given file. cost is the
// bcrypt cost factor; values below bcrypt.MinCost fall back to the
// package default.
func NewStore(file string, cost int) *Store {
	if cost < bcrypt.MinCost {
		cost = bcrypt.DefaultCost
	}
	return &Store{file: file, cost: cost}
}

func (s *Store) load() (map[string]Entry, error) {
	data, err := os.ReadFile(s.file)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Entry{}, nil
		}
		return nil, fmt.Errorf("read lock table: %w", err)
	}
	table := map[string]Entry{}
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parse lock table: %w", err)
	}
	return table, nil
}

func (s *Store) persist(table map[string]Entry) error {
	data, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return fmt.Errorf("encode lock table: %w", err)
	}
	// Temp file + rename so a crash never leaves a half-written table.
	dir := filepath.Dir(s.file)
	tmp, err := os.CreateTemp(dir, ".locks-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp lock table: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write lock table: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp lock table: %w", err)
	}
	if err := os.Rename(tmpName, s.file); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace lock table: %w", err)
	}
	return nil
}

// Get returns the lock entry for path, or nil when the path is unlocked.
func (s *Store) Get(path string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, err := s.load()
	if err != nil {
		return nil, err
	}
	if e, ok := table[path]; ok {
		return &e, nil
	}
	return nil, nil
}

// Locked reports whether path carries a lock entry.
func (s *Store) Locked(path string) (bool, error) {
	e, err := s.Get(path)
	return e != nil, err
}

// Snapshot returns a copy of the whole table, used to flag locked items
// in directory listings without re-reading the file per entry.
func (s *Store) Snapshot() (map[string]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Len returns the number of lock entries.
func (s *Store) Len() (int, error) {
	table, err := s.Snapshot()
	return len(table), err
}

// Set locks path with the given password. Fails with ErrAlreadyLocked if
// an entry exists; locks are replace-or-delete, never updated in place.
func (s *Store) Set(path, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return fmt.Errorf("hash lock password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	table, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := table[path]; ok {
		return fmt.Errorf("%s: %w", path, ErrAlreadyLocked)
	}
	table[path] = Entry{Hash: string(hash), LockedAt: time.Now().UTC()}
	return s.persist(table)
}

// SetIfChanged locks path with password, replacing any existing entry
// whose hash does not already match. Used to keep grant passwords in sync
// with the lock on the grant's own folder.
func (s *Store) SetIfChanged(path, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, err := s.load()
	if err != nil {
		return err
	}
	if current, ok := table[path]; ok {
		if bcrypt.CompareHashAndPassword([]byte(current.Hash), []byte(password)) == nil {
			return nil
		}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return fmt.Errorf("hash lock password: %w", err)
	}
	table[path] = Entry{Hash: string(hash), LockedAt: time.Now().UTC()}
	return s.persist(table)
}

// Verify checks a lock on path. An unlocked path verifies trivially. For
// a locked path the supplied password is checked first, then the fallback
// (typically the account's stored grant password for that exact path).
// With neither present it returns ErrMissingPassword; with a mismatch,
// ErrWrongPassword.
func (s *Store) Verify(path, supplied, fallback string) error {
	entry, err := s.Get(path)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}
	password := supplied
	if password == "" {
		password = fallback
	}
	if password == "" {
		return fmt.Errorf("%s: %w", path, ErrMissingPassword)
	}
	if bcrypt.CompareHashAndPassword([]byte(entry.Hash), []byte(password)) != nil {
		return fmt.Errorf("%s: %w", path, ErrWrongPassword)
	}
	return nil
}

// Clear removes the entry for path and every entry beneath it. A locked
// folder's contents are unlocked together with the folder.
func (s *Store) Clear(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, err := s.load()
	if err != nil {
		return err
	}
	changed := false
	for key := range table {
		if sandbox.Under(key, path) {
			delete(table, key)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.persist(table)
}

// Rename rewrites every key at or under oldPath, substituting the prefix
// with newPath and keeping hash and timestamp. All matching keys move in
// one persist, so the table never holds a mix of old and new keys.
func (s *Store) Rename(oldPath, newPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, err := s.load()
	if err != nil {
		return err
	}
	updated := make(map[string]Entry, len(table))
	changed := false
	for key, entry := range table {
		switch {
		case key == oldPath:
			updated[newPath] = entry
			changed = true
		case sandbox.Under(key, oldPath):
			updated[newPath+key[len(oldPath):]] = entry
			changed = true
		default:
			updated[key] = entry
		}
	}
	if !changed {
		return nil
	}
	return s.persist(updated)
}

// Copy duplicates every entry at or under srcPath beneath dstPath,
// preserving hashes: a copy of a locked item is itself locked with the
// same password.
func (s *Store) Copy(srcPath, dstPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, err := s.load()
	if err != nil {
		return err
	}
	added := map[string]Entry{}
	for key, entry := range table {
		switch {
		case key == srcPath:
			added[dstPath] = entry
		case sandbox.Under(key, srcPath):
			added[dstPath+key[len(srcPath):]] = entry
		}
	}
	if len(added) == 0 {
		return nil
	}
	for key, entry := range added {
		table[key] = entry
	}
	return s.persist(table)
}
