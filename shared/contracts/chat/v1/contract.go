// Package v1 defines the whisper chat wire protocol carried over the
// whisper.chat.v1 websocket subprotocol.
//
// It is shared between the server and test clients and has no dependencies
// beyond the standard library.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Subprotocol is negotiated during the websocket upgrade.
const Subprotocol = "whisper.chat.v1"

// Version is embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeJoinChat opens the conversation with a friend (client -> server).
	TypeJoinChat = "join_chat"
	// TypeLoadMore requests the page before a cursor (client -> server).
	TypeLoadMore = "load_more"
	// TypePrivateMessage sends a message (client -> server) and delivers it
	// to the conversation (server -> client).
	TypePrivateMessage = "private_message"

	// TypeChatHistory answers join_chat with the newest page.
	TypeChatHistory = "chat_history"
	// TypeMoreHistory answers load_more.
	TypeMoreHistory = "more_history"
	// TypeUsersStatus pushes the receiver's friend list with live statuses.
	TypeUsersStatus = "users_status"

	TypeError = "error"
)

// Error codes carried by ErrorPayload.
const (
	CodeNotFriends      = "not_friends"
	CodeCursorNotFound  = "cursor_not_found"
	CodeOperationFailed = "operation_failed"
	CodeBadEnvelope     = "bad_envelope"
	CodeRateLimited     = "rate_limited"
	CodeInvalidPayload  = "invalid_payload"
	CodeNotJoined       = "not_joined"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the structure of an inbound envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	switch e.Type {
	case "":
		return errors.New("missing field: type")
	case TypeJoinChat, TypeLoadMore, TypePrivateMessage:
		if len(e.Payload) == 0 {
			return errors.New("missing field: payload")
		}
		return nil
	case TypeChatHistory, TypeMoreHistory, TypeUsersStatus, TypeError:
		return fmt.Errorf("server-only type: %q", e.Type)
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- client -> server ----

type JoinChatPayload struct {
	TargetUserID string `json:"target_user_id"`
}

type LoadMorePayload struct {
	TargetUserID    string `json:"target_user_id"`
	BeforeMessageID string `json:"before_message_id"`
	Limit           int    `json:"limit,omitempty"`
}

// SendPayload is the client form of private_message. Content holds the
// upload URL for non-text types.
type SendPayload struct {
	TargetUserID string `json:"target_user_id"`
	Content      string `json:"content"`
	Type         string `json:"type,omitempty"`
	FileName     string `json:"file_name,omitempty"`
	FileSize     int64  `json:"file_size,omitempty"`
	ClientMsgID  string `json:"client_msg_id,omitempty"`
}

// ---- server -> client ----

// Message is a delivered chat message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Sender         string    `json:"sender"`
	Content        string    `json:"content"`
	HTML           string    `json:"html,omitempty"`
	EmojiOnly      bool      `json:"emoji_only,omitempty"`
	Type           string    `json:"type"`
	FileName       string    `json:"file_name,omitempty"`
	FileSize       int64     `json:"file_size,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

type ChatHistoryPayload struct {
	TargetUserID   string    `json:"target_user_id"`
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
	HasMore        bool      `json:"has_more"`
	FirstMessageID string    `json:"first_message_id,omitempty"`
}

type MoreHistoryPayload struct {
	TargetUserID   string    `json:"target_user_id"`
	Messages       []Message `json:"messages"`
	HasMore        bool      `json:"has_more"`
	FirstMessageID string    `json:"first_message_id,omitempty"`
}

type PrivateMessagePayload struct {
	Message     Message `json:"message"`
	ClientMsgID string  `json:"client_msg_id,omitempty"`
}

// UserStatus is one friend entry of users_status.
type UserStatus struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Nickname  string `json:"nickname,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Status    string `json:"status"`
}

type UsersStatusPayload struct {
	Users []UserStatus `json:"users"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
