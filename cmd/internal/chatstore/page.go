package chatstore

import (
	"context"
	"errors"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Page is one window of history, oldest first.
type Page struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
	// FirstMessageID is the oldest returned id and the cursor for the next
	// LoadMore call. Empty when the page is empty.
	FirstMessageID string `json:"firstMessageId,omitempty"`
}

// ClampPageSize maps a requested size onto [1, MaxPageSize], using
// DefaultPageSize for non-positive requests.
func ClampPageSize(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// LoadInitial returns the newest page of a conversation.
func LoadInitial(ctx context.Context, store MessageStore, conversationID string, limit int) (Page, error) {
	limit = ClampPageSize(limit)
	msgs, err := store.RecentMessages(ctx, conversationID, limit+1)
	if err != nil {
		return Page{}, err
	}
	return pageOf(msgs, limit), nil
}

// LoadMore returns the page that precedes cursorID. ErrCursorNotFound is
// returned unchanged so callers can tell a stale cursor from a failure.
func LoadMore(ctx context.Context, store MessageStore, conversationID, cursorID string, limit int) (Page, error) {
	limit = ClampPageSize(limit)
	msgs, err := store.MessagesBefore(ctx, conversationID, cursorID, limit+1)
	if err != nil {
		if errors.Is(err, ErrCursorNotFound) {
			return Page{}, ErrCursorNotFound
		}
		return Page{}, err
	}
	return pageOf(msgs, limit), nil
}

// pageOf trims an oldest-first slice of up to limit+1 messages to the newest limit.
func pageOf(msgs []Message, limit int) Page {
	p := Page{HasMore: len(msgs) > limit}
	p.Messages = newestN(msgs, limit)
	if len(p.Messages) > 0 {
		p.FirstMessageID = p.Messages[0].ID
	}
	return p
}
