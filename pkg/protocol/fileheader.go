package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"github.com/NicolasHaas/linechat/pkg/model"
)

// MaxHeaderString is the longest string a file header field can carry (u16 length prefix).
const MaxHeaderString = math.MaxUint16

var ErrHeaderString = errors.New("protocol: header string invalid")

// WriteFileHeader writes the file relay header.
// Format: [sender][recipient][fileName][8-byte big-endian size], each string
// being [2-byte big-endian length][UTF-8 bytes].
func WriteFileHeader(w io.Writer, ft *model.FileTransfer) error {
	for _, s := range []string{ft.Sender, ft.Recipient, ft.FileName} {
		if err := writeString(w, s); err != nil {
			return err
		}
	}
	sizeBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(sizeBuf, uint64(ft.Size)) //nolint:gosec // two's complement round-trips through ReadFileHeader
	if _, err := w.Write(sizeBuf); err != nil {
		return fmt.Errorf("protocol: write size: %w", err)
	}
	return nil
}

// ReadFileHeader reads a file relay header written by WriteFileHeader. The
// returned transfer has not been validated.
func ReadFileHeader(r io.Reader) (*model.FileTransfer, error) {
	var fields [3]string
	for i := range fields {
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		fields[i] = s
	}

	sizeBuf := make([]byte, 8)
	if _, err := io.ReadFull(r, sizeBuf); err != nil {
		return nil, fmt.Errorf("protocol: read size: %w", err)
	}

	return &model.FileTransfer{
		Sender:    fields[0],
		Recipient: fields[1],
		FileName:  fields[2],
		Size:      int64(binary.BigEndian.Uint64(sizeBuf)), //nolint:gosec // negative sizes are rejected by Validate
	}, nil
}

func writeString(w io.Writer, s string) error {
	if len(s) > MaxHeaderString {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrHeaderString, len(s), MaxHeaderString)
	}
	buf := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(s))) //nolint:gosec // bounds-checked above
	copy(buf[2:], s)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("protocol: write string: %w", err)
	}
	return nil
}

func readString(r io.Reader) (string, error) {
	lenBuf := make([]byte, 2)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return "", fmt.Errorf("protocol: read string length: %w", err)
	}
	data := make([]byte, binary.BigEndian.Uint16(lenBuf))
	if _, err := io.ReadFull(r, data); err != nil {
		return "", fmt.Errorf("protocol: read string: %w", err)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrHeaderString)
	}
	return string(data), nil
}
