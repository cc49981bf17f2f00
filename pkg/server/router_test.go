package server

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/NicolasHaas/linechat/pkg/filestore"
	"github.com/NicolasHaas/linechat/pkg/model"
	"github.com/NicolasHaas/linechat/pkg/transcript"
)

func readLog(t *testing.T, logs *transcript.Log, k transcript.Key) []string {
	t.Helper()
	lines, _, err := logs.Read(k)
	if err != nil {
		t.Fatalf("Read(%s): %v", k, err)
	}
	return lines
}

func TestBroadcastLogsThenDeliversToAll(t *testing.T) {
	f := newRouterFixture(t)
	alice, aliceRec := f.online(t, "alice")
	bob, bobRec := f.online(t, "bob")

	if err := f.router.Broadcast(alice, "hi all"); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	drain(alice, bob)

	want := []string{testStamp + "alice: hi all"}
	if diff := cmp.Diff(want, readLog(t, f.logs, transcript.Public)); diff != "" {
		t.Errorf("public log mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, aliceRec.Lines()); diff != "" {
		t.Errorf("sender lines mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, bobRec.Lines()); diff != "" {
		t.Errorf("recipient lines mismatch (-want +got):\n%s", diff)
	}
}

func TestBroadcastNotDeliveredWhenLogFails(t *testing.T) {
	f := newRouterFixture(t)
	alice, aliceRec := f.online(t, "alice")
	bob, bobRec := f.online(t, "bob")

	// A directory where the public log file should be makes every append fail.
	if err := os.Mkdir(filepath.Join(f.dir, transcript.PublicFileName), 0o750); err != nil {
		t.Fatal(err)
	}

	if err := f.router.Broadcast(alice, "lost"); err == nil {
		t.Fatal("Broadcast: expected error")
	}
	drain(alice, bob)

	if diff := cmp.Diff([]string{ReplySaveFailed}, aliceRec.Lines()); diff != "" {
		t.Errorf("sender lines mismatch (-want +got):\n%s", diff)
	}
	if len(bobRec.Lines()) != 0 {
		t.Errorf("recipient got %q, want nothing", bobRec.Lines())
	}
}

func TestBlankBodyNotRouted(t *testing.T) {
	f := newRouterFixture(t)
	alice, aliceRec := f.online(t, "alice")
	bob, bobRec := f.online(t, "bob")

	if err := f.router.Broadcast(alice, "   "); !errors.Is(err, model.ErrMessageBodyEmpty) {
		t.Fatalf("Broadcast: want ErrMessageBodyEmpty got %v", err)
	}
	if err := f.router.Private(alice, "bob", "\t"); !errors.Is(err, model.ErrMessageBodyEmpty) {
		t.Fatalf("Private: want ErrMessageBodyEmpty got %v", err)
	}
	drain(alice, bob)

	if diff := cmp.Diff([]string{ReplyEmptyMessage, ReplyEmptyMessage}, aliceRec.Lines()); diff != "" {
		t.Errorf("sender lines mismatch (-want +got):\n%s", diff)
	}
	if len(bobRec.Lines()) != 0 {
		t.Errorf("recipient got %q, want nothing", bobRec.Lines())
	}
	if got := readLog(t, f.logs, transcript.Public); len(got) != 0 {
		t.Errorf("public log = %q, want empty", got)
	}
}

func TestPrivateOnline(t *testing.T) {
	f := newRouterFixture(t)
	alice, aliceRec := f.online(t, "alice")
	bob, bobRec := f.online(t, "bob")
	carol, carolRec := f.online(t, "carol")

	if err := f.router.Private(alice, "bob", "hello"); err != nil {
		t.Fatalf("Private: %v", err)
	}
	drain(alice, bob, carol)

	from := testStamp + "[Private from alice]: hello"
	if diff := cmp.Diff([]string{from}, bobRec.Lines()); diff != "" {
		t.Errorf("recipient mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{testStamp + "[Private to bob]: hello"}, aliceRec.Lines()); diff != "" {
		t.Errorf("sender mismatch (-want +got):\n%s", diff)
	}
	if len(carolRec.Lines()) != 0 {
		t.Errorf("bystander received %q", carolRec.Lines())
	}
	if diff := cmp.Diff([]string{from}, readLog(t, f.logs, transcript.Pair("bob", "alice"))); diff != "" {
		t.Errorf("pair log mismatch (-want +got):\n%s", diff)
	}
	if f.logs.Exists(transcript.Public) {
		t.Error("private message leaked into the public log")
	}
}

func TestPrivateOffline(t *testing.T) {
	f := newRouterFixture(t)
	alice, aliceRec := f.online(t, "alice")

	err := f.router.Private(alice, "ghost", "anyone?")
	if !errors.Is(err, ErrRecipientOffline) {
		t.Fatalf("Private: want ErrRecipientOffline got %v", err)
	}
	drain(alice)

	if diff := cmp.Diff([]string{"User 'ghost' not found or offline."}, aliceRec.Lines()); diff != "" {
		t.Errorf("sender mismatch (-want +got):\n%s", diff)
	}
	if f.logs.Exists(transcript.Pair("alice", "ghost")) {
		t.Error("offline private message was logged")
	}
}

func TestHistoryExcludesOthersPrivateLogs(t *testing.T) {
	f := newRouterFixture(t)
	alice, _ := f.online(t, "alice")
	bob, _ := f.online(t, "bob")
	carol, _ := f.online(t, "carol")
	_, _ = f.online(t, "dave") // known user without a shared log

	for _, step := range []func() error{
		func() error { return f.router.Broadcast(bob, "public one") },
		func() error { return f.router.Private(alice, "carol", "to carol") },
		func() error { return f.router.Private(bob, "alice", "from bob") },
		func() error { return f.router.Private(bob, "carol", "secret") },
	} {
		if err := step(); err != nil {
			t.Fatal(err)
		}
	}
	drain(alice)

	alice2, alice2Rec := testSessionWithRecorder("alice")
	if err := f.router.History(alice2); err != nil {
		t.Fatalf("History: %v", err)
	}
	drain(alice2, bob, carol)

	want := []string{
		HistoryPublicHeader,
		testStamp + "bob: public one",
		HistoryPublicFooter,
		HistoryPrivateHeader,
		"Chat with bob:",
		testStamp + "[Private from bob]: from bob",
		"Chat with carol:",
		testStamp + "[Private from alice]: to carol",
		HistoryPrivateFooter,
	}
	if diff := cmp.Diff(want, alice2Rec.Lines()); diff != "" {
		t.Fatalf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestHistoryEmpty(t *testing.T) {
	f := newRouterFixture(t)
	alice, rec := f.online(t, "alice")
	if err := f.router.History(alice); err != nil {
		t.Fatalf("History: %v", err)
	}
	drain(alice)
	want := []string{HistoryPublicHeader, HistoryPublicFooter, HistoryPrivateHeader, HistoryPrivateFooter}
	if diff := cmp.Diff(want, rec.Lines()); diff != "" {
		t.Fatalf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestHistoryReadError(t *testing.T) {
	f := newRouterFixture(t)
	alice, rec := f.online(t, "alice")
	if err := os.Mkdir(filepath.Join(f.dir, transcript.PublicFileName), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := f.router.History(alice); err == nil {
		t.Fatal("History: expected error")
	}
	drain(alice)
	if diff := cmp.Diff([]string{ReplyHistoryError}, rec.Lines()); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestInlineFile(t *testing.T) {
	f := newRouterFixture(t)
	alice, aliceRec := f.online(t, "alice")
	bob, bobRec := f.online(t, "bob")

	payload := base64.StdEncoding.EncodeToString([]byte("hello file"))
	if err := f.router.InlineFile(alice, "../notes.txt", payload); err != nil {
		t.Fatalf("InlineFile: %v", err)
	}
	drain(alice, bob)

	notice := testStamp + "alice sent file: notes.txt"
	if diff := cmp.Diff([]string{"/file notes.txt " + payload, notice}, bobRec.Lines()); diff != "" {
		t.Errorf("recipient mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{notice}, aliceRec.Lines()); diff != "" {
		t.Errorf("sender mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{notice}, readLog(t, f.logs, transcript.Public)); diff != "" {
		t.Errorf("public log mismatch (-want +got):\n%s", diff)
	}
}

func TestInlineFileRejected(t *testing.T) {
	tests := []struct {
		name, file, payload, reply string
	}{
		{"not base64", "a.txt", "!!!notbase64", ReplyInvalidFile},
		{"too large", "a.txt", base64.StdEncoding.EncodeToString(make([]byte, 200)), "File too large. Inline files are limited to 64 bytes."},
		{"no name", "/", "QQ==", ReplyInvalidFile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture(t)
			alice, aliceRec := f.online(t, "alice")
			bob, bobRec := f.online(t, "bob")

			err := f.router.InlineFile(alice, tt.file, tt.payload)
			if !errors.Is(err, ErrInlineFile) {
				t.Fatalf("want ErrInlineFile got %v", err)
			}
			drain(alice, bob)
			if diff := cmp.Diff([]string{tt.reply}, aliceRec.Lines()); diff != "" {
				t.Errorf("reply mismatch (-want +got):\n%s", diff)
			}
			if len(bobRec.Lines()) != 0 {
				t.Errorf("bob received %q", bobRec.Lines())
			}
			if f.logs.Exists(transcript.Public) {
				t.Error("rejected file was logged")
			}
		})
	}
}

func TestFileArrivedBroadcast(t *testing.T) {
	f := newRouterFixture(t)
	alice, aliceRec := f.online(t, "alice")
	bob, bobRec := f.online(t, "bob")

	stored := &filestore.Stored{Name: "1_abcd_pic.png", Path: "received_files/1_abcd_pic.png", Size: 3}
	ft := &model.FileTransfer{Sender: "alice", Recipient: model.BroadcastTarget, FileName: "pic.png", Size: 3}
	if err := f.router.FileArrived(ft, stored); err != nil {
		t.Fatalf("FileArrived: %v", err)
	}
	drain(alice, bob)

	notice := testStamp + "alice sent file: pic.png"
	want := []string{
		notice + " (download: received_files/1_abcd_pic.png)",
		"[DOWNLOAD]received_files/1_abcd_pic.png",
	}
	for name, rec := range map[string]*recorder{"alice": aliceRec, "bob": bobRec} {
		if diff := cmp.Diff(want, rec.Lines()); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", name, diff)
		}
	}
	if diff := cmp.Diff([]string{notice}, readLog(t, f.logs, transcript.Public)); diff != "" {
		t.Errorf("public log mismatch (-want +got):\n%s", diff)
	}
}

func TestFileArrivedPrivate(t *testing.T) {
	f := newRouterFixture(t)
	alice, aliceRec := f.online(t, "alice")
	bob, bobRec := f.online(t, "bob")
	carol, carolRec := f.online(t, "carol")

	stored := &filestore.Stored{Name: "2_ef01_doc.pdf", Path: "received_files/2_ef01_doc.pdf", Size: 9}
	ft := &model.FileTransfer{Sender: "alice", Recipient: "bob", FileName: "doc.pdf", Size: 9}
	if err := f.router.FileArrived(ft, stored); err != nil {
		t.Fatalf("FileArrived: %v", err)
	}
	drain(alice, bob, carol)

	wantBob := []string{
		"[Private from alice] File received: doc.pdf (downloaded)",
		"[DOWNLOAD]received_files/2_ef01_doc.pdf",
	}
	if diff := cmp.Diff(wantBob, bobRec.Lines()); diff != "" {
		t.Errorf("recipient mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"[Private to bob] File sent: doc.pdf"}, aliceRec.Lines()); diff != "" {
		t.Errorf("sender mismatch (-want +got):\n%s", diff)
	}
	if len(carolRec.Lines()) != 0 {
		t.Errorf("bystander received %q", carolRec.Lines())
	}
	want := []string{testStamp + "alice sent file: doc.pdf"}
	if diff := cmp.Diff(want, readLog(t, f.logs, transcript.Pair("alice", "bob"))); diff != "" {
		t.Errorf("pair log mismatch (-want +got):\n%s", diff)
	}
}

func TestFileArrivedRecipientOffline(t *testing.T) {
	f := newRouterFixture(t)
	alice, aliceRec := f.online(t, "alice")

	stored := &filestore.Stored{Name: "3_x_a.txt", Path: "received_files/3_x_a.txt", Size: 1}
	ft := &model.FileTransfer{Sender: "alice", Recipient: "bob", FileName: "a.txt", Size: 1}
	if err := f.router.FileArrived(ft, stored); !errors.Is(err, ErrRecipientOffline) {
		t.Fatalf("want ErrRecipientOffline got %v", err)
	}
	drain(alice)
	if len(aliceRec.Lines()) != 0 {
		t.Errorf("sender received %q", aliceRec.Lines())
	}
	if f.logs.Exists(transcript.Pair("alice", "bob")) {
		t.Error("undelivered file notice was logged")
	}
}

func TestJoinLeaveRoster(t *testing.T) {
	f := newRouterFixture(t)
	alice, aliceRec := f.online(t, "alice")
	bob, bobRec := f.online(t, "bob")

	f.router.Join(bob)
	f.reg.Remove("bob", bob)
	f.router.Leave(bob)
	drain(alice, bob)

	want := []string{
		"bob joined the chat",
		"/users alice,bob",
		"bob left the chat",
		"/users alice",
	}
	if diff := cmp.Diff(want, aliceRec.Lines()); diff != "" {
		t.Errorf("alice mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want[:2], bobRec.Lines()); diff != "" {
		t.Errorf("bob mismatch (-want +got):\n%s", diff)
	}
}

func testSessionWithRecorder(name string) (*Session, *recorder) {
	rec := &recorder{}
	return newSession(name, "test", newOutbox(rec, 16, slog.Default()), testNow), rec
}
