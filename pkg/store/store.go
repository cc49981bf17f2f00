// Package store provides the credential store: a username -> secret map that is
// loaded from a "name:secret" text file at startup and rewritten on every registration.
package store

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/NicolasHaas/linechat/pkg/model"
)

var (
	ErrUsernameTaken      = errors.New("username already exists")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidSecret      = errors.New("secret must not contain line breaks")
)

// Store holds registered users. All methods are safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	path  string // empty = memory only, nothing persisted
	users map[string]string
}

// NewMemory creates a Store that never touches disk. Used by tests.
func NewMemory() *Store {
	return &Store{users: make(map[string]string)}
}

// Open loads the credential file at path. A missing file yields an empty store;
// the file is created on the first registration.
func Open(path string) (*Store, error) {
	s := &Store{path: path, users: make(map[string]string)}

	f, err := os.Open(path) //nolint:gosec // path from server config
	if errors.Is(err, fs.ErrNotExist) {
		slog.Info("no credential file found, starting fresh", "path", path)
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		name, secret, ok := strings.Cut(line, ":")
		if !ok || name == "" || secret == "" {
			slog.Warn("skipping malformed credential line", "path", path, "line", lineNo)
			continue
		}
		s.users[name] = secret
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("store: read %s: %w", path, err)
	}

	slog.Info("user data loaded", "path", path, "users", len(s.users))
	return s, nil
}

// Register adds a new user and persists the store. The existence check, insert
// and file rewrite happen under one lock, so a name can only be registered once
// and a failed rewrite leaves the store unchanged.
func (s *Store) Register(name, secret string) (*model.User, error) {
	if err := model.ValidateUsername(name); err != nil {
		return nil, fmt.Errorf("store: register: %w", err)
	}
	if secret == "" {
		return nil, fmt.Errorf("store: register: %w", model.ErrSecretEmpty)
	}
	if strings.ContainsAny(secret, "\r\n") {
		return nil, fmt.Errorf("store: register: %w", ErrInvalidSecret)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[name]; exists {
		return nil, ErrUsernameTaken
	}
	s.users[name] = secret
	if err := s.persistLocked(); err != nil {
		delete(s.users, name)
		return nil, fmt.Errorf("store: register: %w", err)
	}
	return &model.User{Name: name, Secret: secret}, nil
}

// Authenticate checks name and secret by exact string comparison.
func (s *Store) Authenticate(name, secret string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.users[name]
	if !ok || stored != secret {
		return nil, ErrInvalidCredentials
	}
	return &model.User{Name: name, Secret: stored}, nil
}

// Exists reports whether name is registered.
func (s *Store) Exists(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[name]
	return ok
}

// Usernames returns all registered names, sorted.
func (s *Store) Usernames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.users))
	for name := range s.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered users.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// Path returns the backing file path, or "" for a memory store.
func (s *Store) Path() string {
	return s.path
}

// persistLocked rewrites the credential file via a temp file + rename.
// Caller must hold s.mu for writing.
func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".users-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	names := make([]string, 0, len(s.users))
	for name := range s.users {
		names = append(names, name)
	}
	sort.Strings(names)

	w := bufio.NewWriter(tmp)
	for _, name := range names {
		if _, err := fmt.Fprintf(w, "%s:%s\n", name, s.users[name]); err != nil {
			_ = tmp.Close()
			cleanup()
			return fmt.Errorf("write: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("flush: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
