package model

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

var ErrMessageBodyEmpty = errors.New("message body cannot be empty")
var ErrFileNameEmpty = errors.New("file name cannot be empty")
var ErrFileSizeNegative = errors.New("file size cannot be negative")

// Message is a routed chat line. It is never stored as a struct, only as the
// formatted line it produces.
type Message struct {
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"` // BroadcastTarget or a username
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// IsBroadcast reports whether the message addresses every session.
func (m *Message) IsBroadcast() bool {
	return m.Recipient == BroadcastTarget
}

func (m *Message) Validate() error {
	if strings.TrimSpace(m.Body) == "" {
		return ErrMessageBodyEmpty
	}
	return nil
}

// FileTransfer describes a whole-file payload arriving through the file relay.
type FileTransfer struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	FileName  string `json:"file_name"`
	Size      int64  `json:"size"`
}

// IsBroadcast reports whether the transfer addresses every session.
func (f *FileTransfer) IsBroadcast() bool {
	return f.Recipient == BroadcastTarget
}

// BaseName returns the file name with any directory components stripped.
func (f *FileTransfer) BaseName() string {
	return path.Base(path.Clean("/" + strings.ReplaceAll(f.FileName, "\\", "/")))
}

// Validate checks names and the declared size against maxSize (0 = unlimited).
func (f *FileTransfer) Validate(maxSize int64) error {
	if err := ValidateUsername(f.Sender); err != nil {
		return fmt.Errorf("sender: %w", err)
	}
	if f.Recipient != BroadcastTarget {
		if err := ValidateUsername(f.Recipient); err != nil {
			return fmt.Errorf("recipient: %w", err)
		}
	}
	if base := f.BaseName(); base == "" || base == "/" || base == "." {
		return ErrFileNameEmpty
	}
	if f.Size < 0 {
		return ErrFileSizeNegative
	}
	if maxSize > 0 && f.Size > maxSize {
		return fmt.Errorf("file size %d exceeds limit of %d bytes", f.Size, maxSize)
	}
	return nil
}
