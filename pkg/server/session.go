package server

import (
	"bufio"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Session is an authenticated connection bound to one username.
type Session struct {
	ID       string
	User     string
	Remote   string
	JoinedAt time.Time

	out *outbox
}

func newSession(user, remote string, out *outbox, now time.Time) *Session {
	return &Session{
		ID:       uuid.NewString(),
		User:     user,
		Remote:   remote,
		JoinedAt: now,
		out:      out,
	}
}

// Send queues one line for delivery. It never blocks: if the session is
// closed or its queue is full the line is dropped and false is returned.
func (s *Session) Send(line string) bool {
	return s.out.send(line)
}

// SendLines queues lines as one unit, so they reach the client contiguously
// and occupy a single queue slot.
func (s *Session) SendLines(lines ...string) bool {
	return s.out.send(strings.Join(lines, "\n"))
}

// Dropped returns how many lines were discarded because the queue was full.
func (s *Session) Dropped() int64 {
	return s.out.dropped.Load()
}

// outbox owns the write side of a connection. Lines are buffered in a bounded
// queue and written by a single goroutine, so a slow client never blocks the
// goroutine delivering to it.
type outbox struct {
	w   io.WriteCloser
	log *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan string

	done    chan struct{}
	dropped atomic.Int64
}

func newOutbox(w io.WriteCloser, size int, log *slog.Logger) *outbox {
	o := &outbox{
		w:     w,
		log:   log,
		queue: make(chan string, size),
		done:  make(chan struct{}),
	}
	go o.writeLoop()
	return o
}

func (o *outbox) send(line string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	select {
	case o.queue <- line:
		return true
	default:
		o.dropped.Add(1)
		o.log.Warn("send queue full, dropping line", "queued", len(o.queue))
		return false
	}
}

// close stops accepting lines. Lines already queued are still written, then
// the underlying writer is closed.
func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.queue)
	}
}

// wait blocks until the writer goroutine has flushed and closed the writer.
func (o *outbox) wait() {
	<-o.done
}

func (o *outbox) writeLoop() {
	defer close(o.done)
	defer func() { _ = o.w.Close() }()

	bw := bufio.NewWriter(o.w)
	var failed bool
	for line := range o.queue {
		if failed {
			continue
		}
		_, err := bw.WriteString(line + "\n")
		if err == nil && len(o.queue) == 0 {
			err = bw.Flush()
		}
		if err != nil {
			// Keep draining so senders never block; closing the writer
			// unblocks the reader, which tears the session down.
			failed = true
			o.log.Debug("write failed", "err", err)
			_ = o.w.Close()
		}
	}
	if !failed {
		if err := bw.Flush(); err != nil {
			o.log.Debug("final flush failed", "err", err)
		}
	}
}
