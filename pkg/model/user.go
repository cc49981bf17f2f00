package model

import (
	"errors"
	"fmt"
)

const MaxUsernameLength = 32

var ErrUsernameEmpty = errors.New("username must not be empty")
var ErrUsernameTooLong = fmt.Errorf("username must not exceed %d characters", MaxUsernameLength)
var ErrUsernameInvalidChars = errors.New("username must contain only alphanumeric characters, underscores, or hyphens")
var ErrUsernameReserved = fmt.Errorf("username %q is reserved", BroadcastTarget)
var ErrSecretEmpty = errors.New("secret must not be empty")

// User represents a registered user. Secrets are stored and compared verbatim.
type User struct {
	Name   string `json:"name"`
	Secret string `json:"-"`
}

// ValidateUsername checks that a username is 1-32 ASCII alphanumeric, underscore,
// or hyphen characters and is not the broadcast target. Usernames end up in
// transcript file names, so nothing path-like gets through.
func ValidateUsername(name string) error {
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			return ErrUsernameInvalidChars
		}
	}
	if name == BroadcastTarget {
		return ErrUsernameReserved
	}
	return nil
}
