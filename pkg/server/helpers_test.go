package server

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/NicolasHaas/linechat/pkg/filestore"
	"github.com/NicolasHaas/linechat/pkg/store"
	"github.com/NicolasHaas/linechat/pkg/transcript"
)

// recorder is an io.WriteCloser that keeps everything written to it.
type recorder struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (r *recorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, io.ErrClosedPipe
	}
	return r.buf.Write(p)
}

func (r *recorder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	text := strings.TrimSuffix(r.buf.String(), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

var testNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

const testStamp = "[09:26:53] "

func fixedClock() time.Time { return testNow }

type routerFixture struct {
	router *Router
	reg    *Registry
	logs   *transcript.Log
	users  *store.Store
	dir    string
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	dir := t.TempDir()
	logs, err := transcript.New(dir, false)
	if err != nil {
		t.Fatalf("transcript.New: %v", err)
	}
	users := store.NewMemory()
	reg := NewRegistry()
	return &routerFixture{
		router: &Router{
			registry:       reg,
			logs:           logs,
			users:          users,
			metrics:        NewMetrics(),
			now:            fixedClock,
			maxInlineBytes: 64,
		},
		reg:   reg,
		logs:  logs,
		users: users,
		dir:   dir,
	}
}

// online registers name in the credential store and the registry and returns
// its session with the recorder behind it.
func (f *routerFixture) online(t *testing.T, name string) (*Session, *recorder) {
	t.Helper()
	if !f.users.Exists(name) {
		if _, err := f.users.Register(name, "pw"); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}
	rec := &recorder{}
	sess := newSession(name, "test", newOutbox(rec, 64, slog.Default()), testNow)
	if err := f.reg.Add(sess); err != nil {
		t.Fatalf("Add(%s): %v", name, err)
	}
	return sess, rec
}

// drain closes the session's queue and waits until everything queued is written.
func drain(sessions ...*Session) {
	for _, s := range sessions {
		s.out.close()
	}
	for _, s := range sessions {
		s.out.wait()
	}
}

func newTestServer(t *testing.T, opts ...func(*Config)) *Server {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(dir + "/users.txt")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	logs, err := transcript.New(dir, false)
	if err != nil {
		t.Fatalf("transcript.New: %v", err)
	}
	files, err := filestore.New(dir + "/received_files")
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}

	cfg := DefaultConfig()
	cfg.ChatAddr = "127.0.0.1:0"
	cfg.RelayAddr = "127.0.0.1:0"
	cfg.MetricsAddr = ""
	cfg.MetricsLogInterval = 0
	cfg.TranscriptDir = dir
	cfg.FilesDir = files.Dir()
	for _, opt := range opts {
		opt(&cfg)
	}
	return New(cfg, Dependencies{Store: st, Transcripts: logs, Files: files, Clock: fixedClock})
}
