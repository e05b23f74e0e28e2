package chatstore

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned for malformed ids, messages or limits.
	ErrInvalidInput = errors.New("chatstore: invalid input")
	// ErrCursorNotFound is returned when a pagination cursor does not name a stored message.
	ErrCursorNotFound = errors.New("chatstore: cursor not found")
	// ErrStorage marks failures of the underlying medium.
	ErrStorage = errors.New("chatstore: storage failure")
	// ErrCacheExhausted is returned when the cache is full of entries that cannot be flushed.
	ErrCacheExhausted = errors.New("chatstore: cache exhausted")
	// ErrMigrationVerification is returned when migrated shards do not match their legacy source.
	ErrMigrationVerification = errors.New("chatstore: migration verification failed")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("chatstore: store closed")
)

// StorageError describes a failed read or write against the backing medium.
// It matches both ErrStorage and the underlying cause under errors.Is.
type StorageError struct {
	Op             string
	ConversationID string
	Err            error
}

func (e *StorageError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.ConversationID == "" {
		return fmt.Sprintf("chatstore: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("chatstore: %s %s: %v", e.Op, e.ConversationID, e.Err)
}

func (e *StorageError) Unwrap() []error {
	if e == nil {
		return nil
	}
	return []error{ErrStorage, e.Err}
}

// MigrationError reports why a conversation could not be migrated.
// The legacy file stays authoritative when this is returned.
type MigrationError struct {
	ConversationID string
	Reason         string
	Err            error
}

func (e *MigrationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("chatstore: migrate %s: %s: %v", e.ConversationID, e.Reason, e.Err)
	}
	return fmt.Sprintf("chatstore: migrate %s: %s", e.ConversationID, e.Reason)
}

func (e *MigrationError) Unwrap() []error {
	if e == nil {
		return nil
	}
	if e.Err == nil {
		return []error{ErrMigrationVerification}
	}
	return []error{ErrMigrationVerification, e.Err}
}

// storageErr wraps err as a StorageError unless it already carries a
// classification callers branch on.
func storageErr(op, conversationID string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	switch {
	case errors.As(err, &se),
		errors.Is(err, ErrCursorNotFound),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return &StorageError{Op: op, ConversationID: conversationID, Err: err}
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidInput}, args...)...)
}
