package chatstore

import (
	"context"
	"strings"
	"time"
)

// MessageStore persists and queries conversation history.
//
// Requirements:
//   - AppendMessage is idempotent per message id: a repeated id returns the
//     first stored copy with Duplicated=true and persists nothing.
//   - RecentMessages and MessagesBefore return at most limit messages, oldest first.
//   - MessagesBefore returns ErrCursorNotFound when cursorID is unknown and an
//     empty slice when nothing precedes a known cursor.
type MessageStore interface {
	AppendMessage(ctx context.Context, conversationID string, msg Message) (AppendResult, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	MessagesBefore(ctx context.Context, conversationID, cursorID string, limit int) ([]Message, error)
	Close() error
}

// AppendResult is the append operation result.
type AppendResult struct {
	Stored     Message
	Duplicated bool
}

// prepareAppend validates msg and fills store-owned fields.
func prepareAppend(conversationID string, msg Message, now func() time.Time) (Message, error) {
	if !validConversationKey(conversationID) {
		return Message{}, invalidf("conversation id %q", conversationID)
	}
	msg.ID = strings.TrimSpace(msg.ID)
	if msg.ID == "" {
		return Message{}, invalidf("missing message id")
	}
	if strings.TrimSpace(msg.SenderID) == "" {
		return Message{}, invalidf("missing sender")
	}
	if msg.Type == "" {
		msg.Type = TypeText
	}
	if !msg.Type.Valid() {
		return Message{}, invalidf("message type %q", msg.Type)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now()
	}
	msg.Timestamp = msg.Timestamp.UTC()
	msg.ConversationID = conversationID
	msg.Seq = 0
	return msg, nil
}

func checkQuery(conversationID string, limit int) error {
	if !validConversationKey(conversationID) {
		return invalidf("conversation id %q", conversationID)
	}
	if limit <= 0 {
		return invalidf("limit must be positive, got %d", limit)
	}
	return nil
}

func checkCursor(cursorID string) error {
	if strings.TrimSpace(cursorID) == "" {
		return invalidf("missing cursor")
	}
	return nil
}

// windowBefore returns up to limit messages of an oldest-first slice that sort
// strictly before the message named by cursorID.
func windowBefore(sorted []Message, cursorID string, limit int) ([]Message, error) {
	idx := -1
	for i := len(sorted) - 1; i >= 0; i-- {
		if sorted[i].ID == cursorID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ErrCursorNotFound
	}
	return newestN(sorted[:idx], limit), nil
}

func nowUTC() time.Time { return time.Now().UTC() }
