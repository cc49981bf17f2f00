// Package transcript persists chat transcripts as append-only text files: one
// shared public log and one log per unordered pair of users.
package transcript

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// PublicFileName is the file holding the public transcript.
const PublicFileName = "public_chat.txt"

// pairSeparator joins the two names of a pair log. It is outside the username
// alphabet, so distinct pairs never map to the same file.
const pairSeparator = "+"

// Key identifies one transcript log.
type Key string

// Public is the key of the shared public log.
const Public Key = "public"

// Pair returns the canonical key for the private log between a and b. The names
// are ordered lexicographically, so Pair(a, b) == Pair(b, a).
func Pair(a, b string) Key {
	if b < a {
		a, b = b, a
	}
	return Key(a + pairSeparator + b)
}

// ChatFileName returns the file name of the private log between a and b.
func ChatFileName(a, b string) string {
	return Pair(a, b).FileName()
}

// FileName returns the on-disk file name for the key.
func (k Key) FileName() string {
	if k == Public {
		return PublicFileName
	}
	return string(k) + ".txt"
}

// Log appends to and reads back transcript files under one directory.
// Writers to the same key are serialized; different keys do not contend.
type Log struct {
	dir   string
	fsync bool

	mu    sync.Mutex
	locks map[Key]*sync.Mutex
}

// New creates the transcript directory if needed. With fsync set, every append
// is flushed to stable storage before it returns.
func New(dir string, fsync bool) (*Log, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("transcript: mkdir %s: %w", dir, err)
	}
	return &Log{
		dir:   dir,
		fsync: fsync,
		locks: make(map[Key]*sync.Mutex),
	}, nil
}

func (l *Log) lockFor(k Key) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[k]
	if !ok {
		m = &sync.Mutex{}
		l.locks[k] = m
	}
	return m
}

// Path returns the file path backing key k.
func (l *Log) Path(k Key) string {
	return filepath.Join(l.dir, k.FileName())
}

// Append writes one line to the log identified by k.
func (l *Log) Append(k Key, line string) error {
	line = strings.TrimRight(line, "\r\n")
	if strings.ContainsAny(line, "\r\n") {
		return fmt.Errorf("transcript: append %s: line contains a line break", k)
	}

	m := l.lockFor(k)
	m.Lock()
	defer m.Unlock()

	f, err := os.OpenFile(l.Path(k), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640) //nolint:gosec // key is validated
	if err != nil {
		return fmt.Errorf("transcript: append %s: %w", k, err)
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("transcript: append %s: %w", k, err)
	}
	if l.fsync {
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return fmt.Errorf("transcript: sync %s: %w", k, err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("transcript: close %s: %w", k, err)
	}
	return nil
}

// Read returns every line of the log identified by k. ok is false when the log
// has never been written. The read holds the key's lock, so it never observes a
// half-written line, but reads of different keys are not a joint snapshot.
func (l *Log) Read(k Key) (lines []string, ok bool, err error) {
	m := l.lockFor(k)
	m.Lock()
	data, err := os.ReadFile(l.Path(k))
	m.Unlock()

	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("transcript: read %s: %w", k, err)
	}

	text := strings.TrimSuffix(string(data), "\n")
	if text == "" {
		return []string{}, true, nil
	}
	return strings.Split(text, "\n"), true, nil
}

// Exists reports whether the log identified by k has been written.
func (l *Log) Exists(k Key) bool {
	_, err := os.Stat(l.Path(k))
	return err == nil
}
