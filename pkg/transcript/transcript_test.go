package transcript_test

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/NicolasHaas/linechat/pkg/transcript"

	"github.com/google/go-cmp/cmp"
)

func newLog(t *testing.T) (*transcript.Log, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := transcript.New(dir, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, dir
}

func TestPairIsCanonical(t *testing.T) {
	if transcript.ChatFileName("alice", "bob") != transcript.ChatFileName("bob", "alice") {
		t.Fatalf("ChatFileName must not depend on argument order")
	}
	if got, want := transcript.ChatFileName("bob", "alice"), "alice+bob.txt"; got != want {
		t.Fatalf("ChatFileName = %q, want %q", got, want)
	}
	if transcript.Pair("a_b", "c") == transcript.Pair("a", "b_c") {
		t.Fatalf("distinct pairs must not share a log")
	}
	if got := transcript.Public.FileName(); got != transcript.PublicFileName {
		t.Fatalf("Public.FileName = %q", got)
	}
}

func TestAppendAndRead(t *testing.T) {
	l, dir := newLog(t)

	if _, ok, err := l.Read(transcript.Public); err != nil || ok {
		t.Fatalf("Read before write: ok=%v err=%v", ok, err)
	}
	if l.Exists(transcript.Public) {
		t.Fatalf("Exists before write")
	}

	for _, line := range []string{"[10:00:00] alice: hi", "[10:00:01] bob: hey\n"} {
		if err := l.Append(transcript.Public, line); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, ok, err := l.Read(transcript.Public)
	if err != nil || !ok {
		t.Fatalf("Read: ok=%v err=%v", ok, err)
	}
	want := []string{"[10:00:00] alice: hi", "[10:00:01] bob: hey"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Read mismatch (-want +got):\n%s", diff)
	}

	data, err := os.ReadFile(filepath.Join(dir, transcript.PublicFileName))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if diff := cmp.Diff("[10:00:00] alice: hi\n[10:00:01] bob: hey\n", string(data)); diff != "" {
		t.Errorf("file mismatch (-want +got):\n%s", diff)
	}
}

func TestAppendRejectsEmbeddedNewline(t *testing.T) {
	l, _ := newLog(t)
	if err := l.Append(transcript.Public, "one\ntwo"); err == nil {
		t.Fatalf("Append: expected error for embedded newline")
	}
	if l.Exists(transcript.Public) {
		t.Fatalf("rejected append must not create the log")
	}
}

func TestPairLogsAreSeparate(t *testing.T) {
	l, _ := newLog(t)
	if err := l.Append(transcript.Pair("bob", "alice"), "x"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if !l.Exists(transcript.Pair("alice", "bob")) {
		t.Fatalf("pair log must be visible under either order")
	}
	if l.Exists(transcript.Pair("alice", "carol")) || l.Exists(transcript.Public) {
		t.Fatalf("unrelated logs must not exist")
	}
}

func TestConcurrentAppendsKeepLinesWhole(t *testing.T) {
	l, _ := newLog(t)

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if err := l.Append(transcript.Public, fmt.Sprintf("writer-%d line-%d", w, i)); err != nil {
					t.Errorf("Append: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	lines, _, err := l.Read(transcript.Public)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(lines) != writers*perWriter {
		t.Fatalf("want %d lines got %d", writers*perWriter, len(lines))
	}
	seen := make(map[string]bool, len(lines))
	for _, line := range lines {
		if seen[line] {
			t.Fatalf("duplicate line %q", line)
		}
		seen[line] = true
	}
}
