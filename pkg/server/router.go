package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/NicolasHaas/linechat/pkg/filestore"
	"github.com/NicolasHaas/linechat/pkg/model"
	"github.com/NicolasHaas/linechat/pkg/protocol"
	"github.com/NicolasHaas/linechat/pkg/transcript"
)

var (
	ErrRecipientOffline = errors.New("recipient not found or offline")
	ErrInlineFile       = errors.New("invalid inline file")
)

// History framing lines.
const (
	HistoryPublicHeader  = "Public Chat History:"
	HistoryPublicFooter  = "---- End of Public Chat History ----"
	HistoryPrivateHeader = "Your Private Chat History:"
	HistoryPrivateFooter = "---- End of Private Chat History ----"
)

// userLister lists every registered username.
type userLister interface {
	Usernames() []string
}

// Router delivers messages between live sessions and records them in the
// transcript logs. Every message is appended to its log before delivery.
type Router struct {
	registry       *Registry
	logs           *transcript.Log
	users          userLister
	metrics        *Metrics
	now            func() time.Time
	maxInlineBytes int
}

func (r *Router) stamp() string {
	return model.Stamp(r.now())
}

// message stamps and validates a message from a session. An empty body is
// answered locally and never routed.
func (r *Router) message(from *Session, to, body string) (*model.Message, error) {
	msg := &model.Message{Sender: from.User, Recipient: to, Body: body, Timestamp: r.now()}
	if err := msg.Validate(); err != nil {
		from.Send(ReplyEmptyMessage)
		return nil, fmt.Errorf("router: %w", err)
	}
	return msg, nil
}

// deliverAll sends lines to every live session. Delivery is best-effort per
// recipient: a full or closed session does not affect the others.
func (r *Router) deliverAll(lines ...string) {
	for _, sess := range r.registry.All() {
		if !sess.SendLines(lines...) {
			r.metrics.DroppedLines.Add(1)
		}
	}
}

// Broadcast logs body to the public transcript and delivers it to every live
// session, the sender included.
func (r *Router) Broadcast(from *Session, body string) error {
	msg, err := r.message(from, model.BroadcastTarget, body)
	if err != nil {
		return err
	}
	line := model.Stamp(msg.Timestamp) + msg.Sender + ": " + msg.Body
	if err := r.logs.Append(transcript.Public, line); err != nil {
		from.Send(ReplySaveFailed)
		return fmt.Errorf("router: broadcast: %w", err)
	}
	r.deliverAll(line)
	r.metrics.BroadcastMessages.Add(1)
	return nil
}

// Private delivers body from one session to the named recipient and confirms
// it to the sender. If the recipient is offline only the sender is told and
// nothing is logged.
func (r *Router) Private(from *Session, to, body string) error {
	msg, err := r.message(from, to, body)
	if err != nil {
		return err
	}
	rcpt, ok := r.registry.Get(to)
	if !ok {
		from.Send(fmt.Sprintf(ReplyRecipientOffline, to))
		return fmt.Errorf("router: private to %q: %w", to, ErrRecipientOffline)
	}

	ts := model.Stamp(msg.Timestamp)
	line := ts + "[Private from " + msg.Sender + "]: " + msg.Body
	if err := r.logs.Append(transcript.Pair(msg.Sender, msg.Recipient), line); err != nil {
		from.Send(ReplySaveFailed)
		return fmt.Errorf("router: private: %w", err)
	}
	rcpt.Send(line)
	from.Send(ts + "[Private to " + msg.Recipient + "]: " + msg.Body)
	r.metrics.PrivateMessages.Add(1)
	return nil
}

// InlineFile relays a base64 encoded file sent on the chat connection to every
// other session and announces it to everyone.
func (r *Router) InlineFile(from *Session, name, payload string) error {
	base := (&model.FileTransfer{FileName: name}).BaseName()
	if base == "/" || base == "." {
		from.Send(ReplyInvalidFile)
		return fmt.Errorf("router: inline file: %w: bad name %q", ErrInlineFile, name)
	}
	if r.maxInlineBytes > 0 && base64.StdEncoding.DecodedLen(len(payload)) > r.maxInlineBytes {
		from.Send(fmt.Sprintf(ReplyFileTooLarge, r.maxInlineBytes))
		return fmt.Errorf("router: inline file: %w: too large", ErrInlineFile)
	}
	if _, err := base64.StdEncoding.DecodeString(payload); err != nil {
		from.Send(ReplyInvalidFile)
		return fmt.Errorf("router: inline file: %w: %w", ErrInlineFile, err)
	}

	notice := r.stamp() + from.User + " sent file: " + base
	if err := r.logs.Append(transcript.Public, notice); err != nil {
		from.Send(ReplySaveFailed)
		return fmt.Errorf("router: inline file: %w", err)
	}

	fileLine := protocol.FileLine(base, payload)
	for _, sess := range r.registry.All() {
		var ok bool
		if sess == from {
			ok = sess.Send(notice)
		} else {
			ok = sess.SendLines(fileLine, notice)
		}
		if !ok {
			r.metrics.DroppedLines.Add(1)
		}
	}
	r.metrics.InlineFiles.Add(1)
	return nil
}

// FileArrived announces a file stored by the relay. A broadcast transfer is
// logged publicly and announced to everyone with a download reference. A
// private transfer is announced to the recipient and confirmed to the sender;
// if the recipient is offline nothing is announced or logged.
func (r *Router) FileArrived(ft *model.FileTransfer, stored *filestore.Stored) error {
	name := ft.BaseName()
	notice := r.stamp() + ft.Sender + " sent file: " + name
	download := protocol.DownloadLine(stored.Path)

	if ft.IsBroadcast() {
		if err := r.logs.Append(transcript.Public, notice); err != nil {
			return fmt.Errorf("router: file notice: %w", err)
		}
		r.deliverAll(notice+" (download: "+stored.Path+")", download)
		return nil
	}

	rcpt, ok := r.registry.Get(ft.Recipient)
	if !ok {
		slog.Info("file recipient offline, notification dropped",
			"sender", ft.Sender, "recipient", ft.Recipient, "file", stored.Name)
		return fmt.Errorf("router: file to %q: %w", ft.Recipient, ErrRecipientOffline)
	}
	if err := r.logs.Append(transcript.Pair(ft.Sender, ft.Recipient), notice); err != nil {
		return fmt.Errorf("router: file notice: %w", err)
	}
	rcpt.SendLines("[Private from "+ft.Sender+"] File received: "+name+" (downloaded)", download)
	if sender, ok := r.registry.Get(ft.Sender); ok {
		sender.Send("[Private to " + ft.Recipient + "] File sent: " + name)
	}
	return nil
}

// Join announces a new session to everyone, itself included, and pushes the
// updated roster.
func (r *Router) Join(sess *Session) {
	r.deliverAll(sess.User + " joined the chat")
	r.Roster()
}

// Leave announces a departed session and pushes the updated roster.
func (r *Router) Leave(sess *Session) {
	r.deliverAll(sess.User + " left the chat")
	r.Roster()
}

// Roster pushes the sorted list of online users to every session.
func (r *Router) Roster() {
	r.deliverAll(protocol.UsersLine(r.registry.Names()))
}

// History replays the public log and every pair log the requester takes part
// in, to the requester only. Each log is read under its own lock; appends that
// race the replay may or may not be included.
func (r *Router) History(to *Session) error {
	lines, err := r.history(to.User)
	if err != nil {
		to.Send(ReplyHistoryError)
		return err
	}
	if !to.SendLines(lines...) {
		r.metrics.DroppedLines.Add(1)
	}
	return nil
}

func (r *Router) history(user string) ([]string, error) {
	public, _, err := r.logs.Read(transcript.Public)
	if err != nil {
		return nil, fmt.Errorf("router: history: %w", err)
	}

	lines := make([]string, 0, len(public)+4)
	lines = append(lines, HistoryPublicHeader)
	lines = append(lines, public...)
	lines = append(lines, HistoryPublicFooter, HistoryPrivateHeader)

	for _, other := range r.users.Usernames() {
		if other == user {
			continue
		}
		msgs, ok, err := r.logs.Read(transcript.Pair(user, other))
		if err != nil {
			return nil, fmt.Errorf("router: history: %w", err)
		}
		if !ok {
			continue
		}
		lines = append(lines, "Chat with "+other+":")
		lines = append(lines, msgs...)
	}
	return append(lines, HistoryPrivateFooter), nil
}
