package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFriends is returned when the caller is not a friend of the target.
	ErrNotFriends = errors.New("chat: not friends")
	// ErrOperationFailed wraps store and graph failures.
	ErrOperationFailed = errors.New("chat: operation failed")
	// ErrInvalidMessage is returned for empty, oversized or malformed sends.
	ErrInvalidMessage = errors.New("chat: invalid message")
	// ErrMessageIDConflict is returned when a message id is already taken by
	// the other participant. It wraps ErrInvalidMessage.
	ErrMessageIDConflict = fmt.Errorf("%w: message id already used by another sender", ErrInvalidMessage)
)

// AuthorizationError names the pair that failed the friend check.
type AuthorizationError struct {
	UserID   string
	TargetID string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("chat: %s may not chat with %s", e.UserID, e.TargetID)
}

func (e *AuthorizationError) Unwrap() error { return ErrNotFriends }

func invalidMessage(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, msg)
}

func opFailed(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrOperationFailed, op, err)
}
