package server

import (
	"log/slog"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// blockingWriter signals entered on its first Write, then blocks every Write
// until release is closed.
type blockingWriter struct {
	recorder
	entered chan struct{}
	once    sync.Once
	release chan struct{}
}

func (b *blockingWriter) Write(p []byte) (int, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.recorder.Write(p)
}

func TestOutboxFlushesBeforeClose(t *testing.T) {
	rec := &recorder{}
	sess := newSession("alice", "test", newOutbox(rec, 8, slog.Default()), testNow)

	sess.Send("one")
	sess.SendLines("two", "three")
	sess.Send("You have left the chat.")
	drain(sess)

	want := []string{"one", "two", "three", "You have left the chat."}
	if diff := cmp.Diff(want, rec.Lines()); diff != "" {
		t.Fatalf("lines mismatch (-want +got):\n%s", diff)
	}
	if !rec.closed {
		t.Fatal("writer not closed after drain")
	}
	if sess.Send("late") {
		t.Fatal("Send after close must fail")
	}
}

func TestOutboxDropsWhenFull(t *testing.T) {
	bw := &blockingWriter{entered: make(chan struct{}), release: make(chan struct{})}
	sess := newSession("bob", "test", newOutbox(bw, 2, slog.Default()), testNow)

	if !sess.Send("first") {
		t.Fatal("first Send failed")
	}
	<-bw.entered // writer holds "first" and is stuck writing it

	var ok int
	for i := 0; i < 10; i++ {
		if sess.Send("x") {
			ok++
		}
	}
	if ok != 2 {
		t.Fatalf("accepted %d lines with a queue of 2", ok)
	}
	if sess.Dropped() != 8 {
		t.Fatalf("Dropped = %d, want 8", sess.Dropped())
	}

	close(bw.release)
	drain(sess)
	if diff := cmp.Diff([]string{"first", "x", "x"}, bw.Lines()); diff != "" {
		t.Fatalf("lines mismatch (-want +got):\n%s", diff)
	}
}
