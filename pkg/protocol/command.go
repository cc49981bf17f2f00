// Package protocol defines the line-oriented chat protocol: command parsing for
// client input, the server's control lines, and the file relay header framing.
package protocol

import (
	"errors"
	"strings"
	"unicode"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidCommand = errors.New("invalid command")
	ErrInvalidPrivate = errors.New("invalid private message format")
	ErrInvalidFile    = errors.New("invalid file message format")
)

// Kind tags the variant held by a Command.
type Kind int

const (
	KindInvalid Kind = iota
	KindLogin
	KindRegister
	KindExit
	KindPrivate
	KindHistory
	KindBroadcast
	KindFile
	KindEmpty
)

func (k Kind) String() string {
	switch k {
	case KindLogin:
		return "login"
	case KindRegister:
		return "register"
	case KindExit:
		return "exit"
	case KindPrivate:
		return "private"
	case KindHistory:
		return "history"
	case KindBroadcast:
		return "broadcast"
	case KindFile:
		return "file"
	case KindEmpty:
		return "empty"
	default:
		return "invalid"
	}
}

// Command is one parsed input line. Which fields are set depends on Kind:
//
//	Login, Register: Username, Secret
//	Private:         Username (recipient), Body
//	Broadcast:       Body
//	File:            FileName, Body (base64 payload)
//	Invalid:         Err
type Command struct {
	Kind     Kind
	Username string
	Secret   string
	Body     string
	FileName string
	Err      error
}

func invalid(err error) Command {
	return Command{Kind: KindInvalid, Err: err}
}

// ParseAuth parses a line received before authentication:
// "<login|register> <username> <secret>". The command is case-insensitive and
// may carry a leading slash. The secret is the rest of the line.
func ParseAuth(line string) Command {
	parts := splitFields(line, 3)
	if len(parts) < 3 {
		return invalid(ErrInvalidInput)
	}

	cmd := Command{Username: parts[1], Secret: parts[2]}
	switch strings.ToLower(strings.TrimPrefix(parts[0], "/")) {
	case "login":
		cmd.Kind = KindLogin
	case "register":
		cmd.Kind = KindRegister
	default:
		return invalid(ErrInvalidCommand)
	}
	return cmd
}

// ParseChat parses a line received from an authenticated session.
func ParseChat(line string) Command {
	line = strings.TrimRight(line, "\r\n")
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Command{Kind: KindEmpty}
	}

	switch {
	case strings.EqualFold(trimmed, "/exit"):
		return Command{Kind: KindExit}
	case strings.EqualFold(trimmed, "/history"):
		return Command{Kind: KindHistory}
	}

	parts := splitFields(trimmed, 3)
	switch strings.ToLower(parts[0]) {
	case "/private":
		if len(parts) < 3 {
			return invalid(ErrInvalidPrivate)
		}
		return Command{Kind: KindPrivate, Username: parts[1], Body: parts[2]}
	case "/file":
		if len(parts) < 3 || strings.ContainsFunc(parts[2], unicode.IsSpace) {
			return invalid(ErrInvalidFile)
		}
		return Command{Kind: KindFile, FileName: parts[1], Body: parts[2]}
	}

	return Command{Kind: KindBroadcast, Body: line}
}

// splitFields splits s into at most n whitespace-separated parts. The last part
// is the remainder of the line with only its outer whitespace removed.
func splitFields(s string, n int) []string {
	var out []string
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	for len(out) < n-1 && s != "" {
		i := strings.IndexFunc(s, unicode.IsSpace)
		if i < 0 {
			return append(out, s)
		}
		out = append(out, s[:i])
		s = strings.TrimLeftFunc(s[i:], unicode.IsSpace)
	}
	if s = strings.TrimRightFunc(s, unicode.IsSpace); s != "" {
		out = append(out, s)
	}
	return out
}
