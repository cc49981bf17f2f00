// Package filestore keeps whole-file payloads received through the file relay.
package filestore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSizeMismatch is returned when the payload ends before the declared size.
	ErrSizeMismatch = errors.New("payload shorter than declared size")
	// ErrBadName is returned by Open for names that are not plain stored file names.
	ErrBadName = errors.New("invalid stored file name")
)

// Stored describes a payload that was written completely.
type Stored struct {
	Name string // unique on-disk name
	Path string // Dir()/Name, the reference handed to recipients
	Size int64
}

// Store writes payloads into one directory under collision-free names.
type Store struct {
	dir string
	now func() time.Time
}

// New creates dir if needed and returns a Store rooted there.
func New(dir string) (*Store, error) {
	return NewWithClock(dir, time.Now)
}

// NewWithClock is New with a custom clock for the timestamp prefix.
func NewWithClock(dir string, now func() time.Time) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("filestore: empty directory")
	}
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return nil, fmt.Errorf("filestore: mkdir %s: %w", dir, err)
	}
	if now == nil {
		now = time.Now
	}
	return &Store{dir: dir, now: now}, nil
}

// Dir returns the storage directory as configured.
func (s *Store) Dir() string {
	return s.dir
}

// UniqueName builds "<unix millis>_<8 hex>_<base>".
func UniqueName(now time.Time, base string) string {
	return fmt.Sprintf("%d_%s_%s", now.UnixMilli(), uuid.NewString()[:8], base)
}

// Save streams exactly size bytes from r into the store. The payload goes to a
// temp file first and is renamed into place only once complete, so a short
// read never leaves a referenced file behind.
func (s *Store) Save(baseName string, size int64, r io.Reader) (*Stored, error) {
	if size < 0 {
		return nil, fmt.Errorf("filestore: negative size %d", size)
	}

	tmp, err := os.CreateTemp(s.dir, ".incoming-*")
	if err != nil {
		return nil, fmt.Errorf("filestore: create temp: %w", err)
	}
	tmpName := tmp.Name()
	discard := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	n, err := io.CopyN(tmp, r, size)
	if err != nil {
		discard()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("filestore: %w: read %d of %d bytes", ErrSizeMismatch, n, size)
		}
		return nil, fmt.Errorf("filestore: %w: read %d of %d bytes: %w", ErrSizeMismatch, n, size, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("filestore: close temp: %w", err)
	}

	name := UniqueName(s.now(), baseName)
	final := filepath.Join(s.dir, name)
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("filestore: rename: %w", err)
	}
	return &Stored{Name: name, Path: final, Size: n}, nil
}

// Open opens a stored file by its unique name.
func (s *Store) Open(name string) (*os.File, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return nil, ErrBadName
	}
	f, err := os.Open(filepath.Join(s.dir, name)) //nolint:gosec // name checked above
	if err != nil {
		return nil, fmt.Errorf("filestore: open %s: %w", name, err)
	}
	return f, nil
}
