// Package accounts persists user accounts and their path grants.
package accounts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hts-nas/nasgate/internal/access"
	"github.com/hts-nas/nasgate/internal/sandbox"
)

var (
	ErrNotFound      = fmt.Errorf("account not found")
	ErrAlreadyExists = fmt.Errorf("account already exists")
	ErrBadCredential = fmt.Errorf("invalid credentials")
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// SanitizeUsername reports the trimmed input if it contains only letters,
// digits, dots, underscores, and dashes; otherwise "".
func SanitizeUsername(input string) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" || !usernamePattern.MatchString(trimmed) {
		return ""
	}
	return trimmed
}

// Record is one persisted account.
type Record struct {
	Username     string         `json:"username"`
	Role         string         `json:"role"`
	PasswordHash string         `json:"passwordHash"`
	Access       []access.Grant `json:"access"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Account converts the record into the read-only identity handed to the
// gateway per request.
func (r *Record) Account() *access.Account {
	grants := make([]access.Grant, 0, len(r.Access))
	for _, g := range r.Access {
		grants = append(grants, access.Grant{
			PathPrefix: sandbox.Normalize(g.PathPrefix),
			Password:   g.Password,
		})
	}
	return &access.Account{
		Username: r.Username,
		Role:     r.Role,
		Grants:   grants,
	}
}

// PublicUser is the API-safe view of an account (no password hash, no
// grant passwords).
type PublicUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Access    []string  `json:"access"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Public returns the API-safe view of the record.
func (r *Record) Public() PublicUser {
	paths := make([]string, 0, len(r.Access))
	for _, g := range r.Access {
		paths = append(paths, sandbox.Normalize(g.PathPrefix))
	}
	return PublicUser{
		Username:  r.Username,
		Role:      r.Role,
		Access:    paths,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

type table struct {
	Users map[string]*Record `json:"users"`
}

// Store is a file-backed account table, fully reloaded and fully
// rewritten like the lock table, with one mutex guarding the cycle.
type Store struct {
	mu   sync.Mutex
	file string
	cost int
}

// NewStore creates an account store backed by the given file.
func NewStore(file string, cost int) *Store {
	if cost < bcrypt.MinCost {
		cost = bcrypt.DefaultCost
	}
	return &Store{file: file, cost: cost}
}

func (s *Store) load() (*table, error) {
	data, err := os.ReadFile(s.file)
	if err != nil {
		if os.IsNotExist(err) {
			return &table{Users: map[string]*Record{}}, nil
		}
		return nil, fmt.Errorf("read accounts: %w", err)
	}
	var t table
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse accounts: %w", err)
	}
	if t.Users == nil {
		t.Users = map[string]*Record{}
	}
	return &t, nil
}

func (s *Store) persist(t *table) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("encode accounts: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.file), ".accounts-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp accounts file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write accounts: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp accounts file: %w", err)
	}
	if err := os.Rename(tmpName, s.file); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace accounts file: %w", err)
	}
	return nil
}

// EnsureDefaultAdmin seeds the Admin account on first start so a fresh
// install is reachable.
func (s *Store) EnsureDefaultAdmin(password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := t.Users["Admin"]; ok {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	now := time.Now().UTC()
	t.Users["Admin"] = &Record{
		Username:     "Admin",
		Role:         access.RoleAdmin,
		PasswordHash: string(hash),
		Access:       []access.Grant{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return s.persist(t)
}

// Get returns the record for username, or ErrNotFound.
func (s *Store) Get(username string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.load()
	if err != nil {
		return nil, err
	}
	rec, ok := t.Users[username]
	if !ok {
		return nil, fmt.Errorf("%s: %w", username, ErrNotFound)
	}
	return rec, nil
}

// List returns all records ordered by username.
func (s *Store) List() ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(t.Users))
	for _, rec := range t.Users {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// Authenticate verifies a username/password pair and returns the record.
func (s *Store) Authenticate(username, password string) (*Record, error) {
	rec, err := s.Get(username)
	if err != nil {
		return nil, ErrBadCredential
	}
	if bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password)) != nil {
		return nil, ErrBadCredential
	}
	return rec, nil
}

// Create adds a new account. Grants must already be normalized and
// validated by the caller.
func (s *Store) Create(username, password, role string, grants []access.Grant) (*Record, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.load()
	if err != nil {
		return nil, err
	}
	if _, ok := t.Users[username]; ok {
		return nil, fmt.Errorf("%s: %w", username, ErrAlreadyExists)
	}
	now := time.Now().UTC()
	rec := &Record{
		Username:     username,
		Role:         role,
		PasswordHash: string(hash),
		Access:       grants,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	t.Users[username] = rec
	if err := s.persist(t); err != nil {
		return nil, err
	}
	return rec, nil
}

// Update applies the non-nil fields to an existing account.
type Update struct {
	Password *string
	Role     *string
	Grants   *[]access.Grant
}

// Apply updates the named account and returns the new record.
func (s *Store) Apply(username string, upd Update) (*Record, error) {
	var hash string
	if upd.Password != nil {
		h, err := bcrypt.GenerateFromPassword([]byte(*upd.Password), s.cost)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		hash = string(h)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.load()
	if err != nil {
		return nil, err
	}
	rec, ok := t.Users[username]
	if !ok {
		return nil, fmt.Errorf("%s: %w", username, ErrNotFound)
	}
	if upd.Password != nil {
		rec.PasswordHash = hash
	}
	if upd.Role != nil {
		rec.Role = *upd.Role
	}
	if upd.Grants != nil {
		rec.Access = *upd.Grants
	}
	rec.UpdatedAt = time.Now().UTC()
	if err := s.persist(t); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes an account. The caller enforces the policy rules (no
// self-delete, keep at least one admin).
func (s *Store) Delete(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := t.Users[username]; !ok {
		return fmt.Errorf("%s: %w", username, ErrNotFound)
	}
	delete(t.Users, username)
	return s.persist(t)
}

// AdminCount returns the number of admin accounts.
func (s *Store) AdminCount() (int, error) {
	recs, err := s.List()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if rec.Role == access.RoleAdmin {
			n++
		}
	}
	return n, nil
}
