// Package chat is the session layer between transports and the message store.
// It owns the friend gate, message validation and delivery rendering.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"whisper/cmd/internal/chatstore"
	"whisper/cmd/internal/render"
)

// MaxTextRunes bounds a text message.
const MaxTextRunes = 4000

// FriendChecker is the slice of the friend graph the service needs.
type FriendChecker interface {
	IsFriend(ctx context.Context, userID, friendID string) (bool, error)
}

// Renderer converts stored text for delivery. Render takes Markdown,
// RenderHTML takes content that was stored already rendered.
type Renderer interface {
	Render(src string) render.Result
	RenderHTML(src string) render.Result
}

// View is a stored message plus its rendered form.
type View struct {
	chatstore.Message
	HTML      string `json:"html,omitempty"`
	EmojiOnly bool   `json:"emojiOnly,omitempty"`
}

// History is a window of a conversation, oldest first.
type History struct {
	ConversationID string `json:"conversationId"`
	Messages       []View `json:"messages"`
	HasMore        bool   `json:"hasMore"`
	FirstMessageID string `json:"firstMessageId,omitempty"`
}

// SendInput is one outgoing message. Content carries the file URL for
// non-text messages. ClientMsgID makes retries idempotent; it is scoped to
// the sender, so two users may pick the same value.
type SendInput struct {
	SenderID    string
	TargetID    string
	Content     string
	Type        chatstore.MessageType
	FileName    string
	FileSize    int64
	ClientMsgID string
}

// Sent is the outcome of SendMessage.
type Sent struct {
	Message    View
	Duplicated bool
}

// Service is safe for concurrent use.
type Service struct {
	store    chatstore.MessageStore
	friends  FriendChecker
	renderer Renderer
	ids      *IDGenerator
	log      *slog.Logger
	now      func() time.Time
	pageSize int
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithRenderer sets the delivery renderer. Without one, views carry no HTML.
func WithRenderer(r Renderer) Option {
	return func(s *Service) { s.renderer = r }
}

func WithIDGenerator(g *IDGenerator) Option {
	return func(s *Service) {
		if g != nil {
			s.ids = g
		}
	}
}

// WithPageSize sets the initial history window (clamped to the store limits).
func WithPageSize(n int) Option {
	return func(s *Service) { s.pageSize = chatstore.ClampPageSize(n) }
}

func withClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires a Service. store and friends are required.
func NewService(store chatstore.MessageStore, friends FriendChecker, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("chat: nil store")
	}
	if friends == nil {
		return nil, errors.New("chat: nil friend graph")
	}
	s := &Service{
		store:    store,
		friends:  friends,
		ids:      NewIDGenerator(),
		log:      slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		pageSize: chatstore.DefaultPageSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// authorize checks the pair and returns their conversation id.
func (s *Service) authorize(ctx context.Context, userID, targetID string) (string, error) {
	if !chatstore.ValidParticipantID(userID) || !chatstore.ValidParticipantID(targetID) {
		return "", invalidMessage("invalid participant id")
	}
	if userID == targetID {
		return "", invalidMessage("cannot chat with yourself")
	}
	ok, err := s.friends.IsFriend(ctx, userID, targetID)
	if err != nil {
		return "", opFailed("friend check", err)
	}
	if !ok {
		return "", &AuthorizationError{UserID: userID, TargetID: targetID}
	}
	return chatstore.ConversationID(userID, targetID), nil
}

// JoinConversation returns the newest window of the conversation with targetID.
func (s *Service) JoinConversation(ctx context.Context, userID, targetID string) (History, error) {
	conv, err := s.authorize(ctx, userID, targetID)
	if err != nil {
		return History{}, err
	}
	page, err := chatstore.LoadInitial(ctx, s.store, conv, s.pageSize)
	if err != nil {
		s.log.Error("chat.join.fail", "conversation_id", conv, "err", err)
		return History{}, opFailed("load history", err)
	}
	return s.history(conv, page), nil
}

// LoadMore returns the window preceding beforeID. A stale cursor yields
// chatstore.ErrCursorNotFound.
func (s *Service) LoadMore(ctx context.Context, userID, targetID, beforeID string, limit int) (History, error) {
	conv, err := s.authorize(ctx, userID, targetID)
	if err != nil {
		return History{}, err
	}
	beforeID = strings.TrimSpace(beforeID)
	if beforeID == "" {
		return History{}, invalidMessage("missing cursor")
	}
	page, err := chatstore.LoadMore(ctx, s.store, conv, beforeID, limit)
	if err != nil {
		if errors.Is(err, chatstore.ErrCursorNotFound) {
			return History{}, err
		}
		s.log.Error("chat.load_more.fail", "conversation_id", conv, "err", err)
		return History{}, opFailed("load more", err)
	}
	return s.history(conv, page), nil
}

// SendMessage validates and persists a message from SenderID to TargetID.
func (s *Service) SendMessage(ctx context.Context, in SendInput) (Sent, error) {
	conv, err := s.authorize(ctx, in.SenderID, in.TargetID)
	if err != nil {
		return Sent{}, err
	}
	msg, err := s.buildMessage(in)
	if err != nil {
		return Sent{}, err
	}

	res, err := s.store.AppendMessage(ctx, conv, msg)
	if err != nil {
		s.log.Error("chat.send.fail", "conversation_id", conv, "message_id", msg.ID, "err", err)
		return Sent{}, opFailed("append", err)
	}
	if res.Duplicated {
		if res.Stored.SenderID != msg.SenderID {
			s.log.Warn("chat.send.id_conflict", "conversation_id", conv, "message_id", msg.ID, "sender", msg.SenderID)
			return Sent{}, ErrMessageIDConflict
		}
		s.log.Debug("chat.send.duplicate", "conversation_id", conv, "message_id", msg.ID)
	}
	return Sent{Message: s.view(res.Stored), Duplicated: res.Duplicated}, nil
}

func (s *Service) buildMessage(in SendInput) (chatstore.Message, error) {
	typ := in.Type
	if typ == "" {
		typ = chatstore.TypeText
	}
	if !typ.Valid() {
		return chatstore.Message{}, invalidMessage("unknown message type")
	}

	msg := chatstore.Message{
		SenderID:  in.SenderID,
		Type:      typ,
		Timestamp: s.now(),
	}
	if typ == chatstore.TypeText {
		text := strings.TrimSpace(in.Content)
		if text == "" {
			return chatstore.Message{}, invalidMessage("empty text")
		}
		if utf8.RuneCountInString(text) > MaxTextRunes {
			return chatstore.Message{}, invalidMessage("message too long")
		}
		msg.Content = text
	} else {
		msg.Content = strings.TrimSpace(in.Content)
		msg.FileName = strings.TrimSpace(in.FileName)
		msg.FileSize = in.FileSize
		if msg.Content == "" || msg.FileName == "" || msg.FileSize <= 0 {
			return chatstore.Message{}, invalidMessage("file messages need url, name and size")
		}
	}

	if cid := strings.TrimSpace(in.ClientMsgID); cid != "" {
		msg.ID = ClientMessageID(in.SenderID, cid)
	} else {
		msg.ID = s.ids.Next()
	}
	return msg, nil
}

// ClientMessageID is the stored id of a message sent with a client id.
func ClientMessageID(senderID, clientMsgID string) string {
	return senderID + ":" + clientMsgID
}

func (s *Service) history(conv string, p chatstore.Page) History {
	h := History{
		ConversationID: conv,
		Messages:       make([]View, 0, len(p.Messages)),
		HasMore:        p.HasMore,
		FirstMessageID: p.FirstMessageID,
	}
	for _, m := range p.Messages {
		h.Messages = append(h.Messages, s.view(m))
	}
	return h
}

func (s *Service) view(m chatstore.Message) View {
	v := View{Message: m}
	if s.renderer == nil || m.Type != chatstore.TypeText {
		return v
	}
	var r render.Result
	if m.Format == chatstore.FormatHTML {
		r = s.renderer.RenderHTML(m.Content)
	} else {
		r = s.renderer.Render(m.Content)
	}
	v.HTML = r.HTML
	v.EmojiOnly = r.EmojiOnly
	return v
}
