package chatstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a dev-only fallback when no durable backend is configured.
// It supports:
//   - AppendMessage: idempotent by message id + per-conversation seq allocation
//   - RecentMessages / MessagesBefore: cursor paging over a sorted slice
type InMemoryStore struct {
	mu    sync.Mutex
	convs map[string]*memConv
	now   func() time.Time
}

type memConv struct {
	seq  int64
	byID map[string]Message
	msgs []Message // ordered by (timestamp, seq)
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs: make(map[string]*memConv),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// AppendMessage stores msg unless its id is already present.
func (s *InMemoryStore) AppendMessage(ctx context.Context, conversationID string, msg Message) (AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}
	msg, err := prepareAppend(conversationID, msg, s.now)
	if err != nil {
		return AppendResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		c = &memConv{
			byID: make(map[string]Message),
			msgs: make([]Message, 0, 256),
		}
		s.convs[conversationID] = c
	}

	if existing, ok := c.byID[msg.ID]; ok {
		return AppendResult{Stored: existing, Duplicated: true}, nil
	}

	c.seq++
	msg.Seq = c.seq
	c.byID[msg.ID] = msg

	// Most appends land at the tail; out-of-order timestamps are inserted in place.
	at := sort.Search(len(c.msgs), func(i int) bool { return msg.Before(c.msgs[i]) })
	c.msgs = append(c.msgs, Message{})
	copy(c.msgs[at+1:], c.msgs[at:])
	c.msgs[at] = msg

	return AppendResult{Stored: msg}, nil
}

// RecentMessages returns the newest limit messages, oldest first.
func (s *InMemoryStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if err := checkQuery(conversationID, limit); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		return []Message{}, nil
	}
	return newestN(c.msgs, limit), nil
}

// MessagesBefore returns up to limit messages strictly before cursorID, oldest first.
func (s *InMemoryStore) MessagesBefore(ctx context.Context, conversationID, cursorID string, limit int) ([]Message, error) {
	if err := checkQuery(conversationID, limit); err != nil {
		return nil, err
	}
	if err := checkCursor(cursorID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		return nil, ErrCursorNotFound
	}
	if _, ok := c.byID[cursorID]; !ok {
		return nil, ErrCursorNotFound
	}
	return windowBefore(c.msgs, cursorID, limit)
}
