package server

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"

	"github.com/NicolasHaas/linechat/pkg/model"
	"github.com/NicolasHaas/linechat/pkg/protocol"
	"github.com/NicolasHaas/linechat/pkg/store"
)

// Reply lines sent to a single client.
const (
	ReplyLoginOK          = "Login successful. Welcome, %s!"
	ReplyRegisterOK       = "Registration successful. Welcome, %s!"
	ReplyBadCredentials   = "Invalid username or password."
	ReplyUsernameTaken    = "Username already exists."
	ReplyInvalidUsername  = "Invalid username: %s"
	ReplyRegisterFailed   = "Registration failed. Please try again."
	ReplyAlreadyOnline    = "User %s is already logged in."
	ReplyInvalidInput     = "Invalid input. Please try again."
	ReplyInvalidCommand   = "Invalid command. Use login or register."
	ReplyGoodbye          = "You have left the chat."
	ReplyInvalidPrivate   = "Invalid private message format. Use /private <username> <message>"
	ReplyInvalidFile      = "Invalid file message format. Use /file <name> <base64>"
	ReplyFileTooLarge     = "File too large. Inline files are limited to %d bytes."
	ReplyEmptyMessage     = "Message cannot be empty."
	ReplySaveFailed       = "Message could not be saved."
	ReplyRecipientOffline = "User '%s' not found or offline."
	ReplyHistoryError     = "Error reading chat history."
)

// chatConn is the per-connection state machine:
// unauthenticated -> authenticated -> closed.
type chatConn struct {
	srv  *Server
	out  *outbox
	log  *slog.Logger
	addr string
	sess *Session // nil until authenticated
}

// handleChatConn runs one line protocol connection to completion.
func (s *Server) handleChatConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	log := slog.With("remote", remote)
	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveConnections.Add(1)
	log.Debug("new chat connection")

	c := &chatConn{
		srv:  s,
		out:  newOutbox(conn, s.cfg.SendQueueSize, log),
		log:  log,
		addr: remote,
	}
	defer func() {
		if r := recover(); r != nil {
			s.metrics.Panics.Add(1)
			log.Error("connection handler panic", "panic", r, "stack", string(debug.Stack()))
		}
		c.teardown()
		c.out.close()
		c.out.wait()
		s.metrics.ActiveConnections.Add(-1)
		s.metrics.TotalDisconnects.Add(1)
	}()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), s.cfg.MaxLineBytes)

	if c.authenticate(sc) {
		c.serve(sc)
	}
	if err := sc.Err(); err != nil {
		c.log.Warn("read failed", "err", err)
	}
}

func (c *chatConn) reply(line string) {
	c.out.send(line)
}

// authenticate reads lines until a login or register succeeds. It returns
// false if the connection ends first.
func (c *chatConn) authenticate(sc *bufio.Scanner) bool {
	for sc.Scan() {
		cmd := protocol.ParseAuth(sc.Text())
		switch cmd.Kind {
		case protocol.KindLogin:
			if c.login(cmd.Username, cmd.Secret) {
				return true
			}
		case protocol.KindRegister:
			if c.register(cmd.Username, cmd.Secret) {
				return true
			}
		default:
			if errors.Is(cmd.Err, protocol.ErrInvalidCommand) {
				c.reply(ReplyInvalidCommand)
			} else {
				c.reply(ReplyInvalidInput)
			}
		}
	}
	return false
}

func (c *chatConn) login(name, secret string) bool {
	if _, err := c.srv.store.Authenticate(name, secret); err != nil {
		c.srv.metrics.FailedAuths.Add(1)
		c.log.Info("login failed", "user", name)
		c.reply(ReplyBadCredentials)
		return false
	}
	return c.join(name, ReplyLoginOK)
}

func (c *chatConn) register(name, secret string) bool {
	_, err := c.srv.store.Register(name, secret)
	switch {
	case err == nil:
		c.log.Info("user registered", "user", name)
		return c.join(name, ReplyRegisterOK)
	case errors.Is(err, store.ErrUsernameTaken):
		c.reply(ReplyUsernameTaken)
	case invalidNameReason(err) != "":
		c.reply(fmt.Sprintf(ReplyInvalidUsername, invalidNameReason(err)))
	default:
		c.log.Error("registration failed", "user", name, "err", err)
		c.reply(ReplyRegisterFailed)
	}
	c.srv.metrics.FailedAuths.Add(1)
	return false
}

// invalidNameReason returns the user-facing reason a registration was refused
// for its name or secret, or "" for any other error.
func invalidNameReason(err error) string {
	for _, target := range []error{
		model.ErrUsernameEmpty,
		model.ErrUsernameTooLong,
		model.ErrUsernameInvalidChars,
		model.ErrUsernameReserved,
		model.ErrSecretEmpty,
		store.ErrInvalidSecret,
	} {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return ""
}

// join registers the session and announces it. Welcome is sent before the
// join notice, so the new client sees its own arrival.
func (c *chatConn) join(name, welcome string) bool {
	sess := newSession(name, c.addr, c.out, c.srv.router.now())
	if err := c.srv.registry.Add(sess); err != nil {
		c.srv.metrics.FailedAuths.Add(1)
		c.log.Info("login rejected, already online", "user", name)
		c.reply(fmt.Sprintf(ReplyAlreadyOnline, name))
		return false
	}
	c.sess = sess
	c.log = c.log.With("user", name)
	c.srv.metrics.SuccessfulAuths.Add(1)
	c.log.Info("client joined", "session", sess.ID)

	c.reply(fmt.Sprintf(welcome, name))
	c.srv.router.Join(sess)
	return true
}

// serve dispatches authenticated input until /exit or the connection ends.
func (c *chatConn) serve(sc *bufio.Scanner) {
	r := c.srv.router
	for sc.Scan() {
		cmd := protocol.ParseChat(sc.Text())

		var err error
		switch cmd.Kind {
		case protocol.KindExit:
			c.reply(ReplyGoodbye)
			return
		case protocol.KindEmpty:
			c.reply(ReplyEmptyMessage)
		case protocol.KindPrivate:
			err = r.Private(c.sess, cmd.Username, cmd.Body)
		case protocol.KindHistory:
			err = r.History(c.sess)
		case protocol.KindFile:
			err = r.InlineFile(c.sess, cmd.FileName, cmd.Body)
		case protocol.KindBroadcast:
			err = r.Broadcast(c.sess, cmd.Body)
		case protocol.KindInvalid:
			if errors.Is(cmd.Err, protocol.ErrInvalidFile) {
				c.reply(ReplyInvalidFile)
			} else {
				c.reply(ReplyInvalidPrivate)
			}
		}
		if err != nil {
			c.log.Debug("command failed", "kind", cmd.Kind.String(), "err", err)
		}
	}
}

// teardown unregisters the session, once, and tells everyone it left.
func (c *chatConn) teardown() {
	if c.sess == nil {
		return
	}
	if c.srv.registry.Remove(c.sess.User, c.sess) {
		c.log.Info("client disconnected", "session", c.sess.ID)
		c.srv.router.Leave(c.sess)
	}
	c.sess = nil
}
