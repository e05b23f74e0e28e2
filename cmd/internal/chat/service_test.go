package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"whisper/cmd/internal/chatstore"
	"whisper/cmd/internal/render"
)

type fakeFriends struct {
	edges map[string]bool
	err   error
}

func (f fakeFriends) IsFriend(_ context.Context, userID, friendID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.edges[userID+">"+friendID], nil
}

func mutual(pairs ...[2]string) fakeFriends {
	f := fakeFriends{edges: map[string]bool{}}
	for _, p := range pairs {
		f.edges[p[0]+">"+p[1]] = true
		f.edges[p[1]+">"+p[0]] = true
	}
	return f
}

type failingStore struct {
	chatstore.MessageStore
}

var errDisk = errors.New("disk on fire")

func (failingStore) AppendMessage(context.Context, string, chatstore.Message) (chatstore.AppendResult, error) {
	return chatstore.AppendResult{}, errDisk
}

func (failingStore) RecentMessages(context.Context, string, int) ([]chatstore.Message, error) {
	return nil, errDisk
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T, store chatstore.MessageStore, friends FriendChecker) *Service {
	t.Helper()
	ids := NewIDGenerator()
	ids.now = func() time.Time { return fixedNow }
	s, err := NewService(store, friends,
		WithRenderer(render.New()),
		WithIDGenerator(ids),
		withClock(func() time.Time { return fixedNow }),
	)
	require.NoError(t, err)
	return s
}

func TestService_FriendGate(t *testing.T) {
	ctx := context.Background()
	store := chatstore.NewInMemoryStore()
	friends := fakeFriends{edges: map[string]bool{"alice>bob": true}}
	s := newService(t, store, friends)

	_, err := s.SendMessage(ctx, SendInput{SenderID: "bob", TargetID: "alice", Content: "hi"})
	var authErr *AuthorizationError
	require.ErrorAs(t, err, &authErr)
	require.ErrorIs(t, err, ErrNotFriends)
	require.Equal(t, "bob", authErr.UserID)

	_, err = s.JoinConversation(ctx, "bob", "alice")
	require.ErrorIs(t, err, ErrNotFriends)
	_, err = s.LoadMore(ctx, "bob", "alice", "1", 10)
	require.ErrorIs(t, err, ErrNotFriends)

	msgs, err := store.RecentMessages(ctx, chatstore.ConversationID("alice", "bob"), 10)
	require.NoError(t, err)
	require.Empty(t, msgs)

	_, err = s.SendMessage(ctx, SendInput{SenderID: "alice", TargetID: "bob", Content: "hi"})
	require.NoError(t, err)
}

func TestService_SendMessage_RendersAndDedupes(t *testing.T) {
	ctx := context.Background()
	s := newService(t, chatstore.NewInMemoryStore(), mutual([2]string{"alice", "bob"}))

	sent, err := s.SendMessage(ctx, SendInput{SenderID: "alice", TargetID: "bob", Content: "  **hey**  "})
	require.NoError(t, err)
	require.False(t, sent.Duplicated)
	require.Equal(t, "**hey**", sent.Message.Content)
	require.Contains(t, sent.Message.HTML, "<strong>hey</strong>")
	require.Equal(t, "alice_bob", sent.Message.ConversationID)
	require.Equal(t, "1714564800000", sent.Message.ID)
	require.Equal(t, int64(1), sent.Message.Seq)

	first, err := s.SendMessage(ctx, SendInput{SenderID: "bob", TargetID: "alice", Content: "🎉", ClientMsgID: "c-1"})
	require.NoError(t, err)
	require.True(t, first.Message.EmojiOnly)

	again, err := s.SendMessage(ctx, SendInput{SenderID: "bob", TargetID: "alice", Content: "🎉", ClientMsgID: "c-1"})
	require.NoError(t, err)
	require.True(t, again.Duplicated)
	require.Equal(t, first.Message.Seq, again.Message.Seq)
	require.Equal(t, "bob:c-1", again.Message.ID)
}

func TestService_SendMessage_ClientIDsAreScopedBySender(t *testing.T) {
	ctx := context.Background()
	store := chatstore.NewInMemoryStore()
	s := newService(t, store, mutual([2]string{"alice", "bob"}))

	fromAlice, err := s.SendMessage(ctx, SendInput{SenderID: "alice", TargetID: "bob", Content: "hi bob", ClientMsgID: "1"})
	require.NoError(t, err)
	fromBob, err := s.SendMessage(ctx, SendInput{SenderID: "bob", TargetID: "alice", Content: "hi alice", ClientMsgID: "1"})
	require.NoError(t, err)

	require.False(t, fromBob.Duplicated)
	require.Equal(t, "bob", fromBob.Message.SenderID)
	require.Equal(t, "hi alice", fromBob.Message.Content)
	require.NotEqual(t, fromAlice.Message.ID, fromBob.Message.ID)

	msgs, err := store.RecentMessages(ctx, "alice_bob", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestService_SendMessage_ForeignIDIsAConflict(t *testing.T) {
	ctx := context.Background()
	store := chatstore.NewInMemoryStore()
	s := newService(t, store, mutual([2]string{"alice", "bob"}))

	_, err := store.AppendMessage(ctx, "alice_bob", chatstore.Message{
		ID: ClientMessageID("bob", "x"), SenderID: "alice", Content: "planted", Timestamp: fixedNow,
	})
	require.NoError(t, err)

	_, err = s.SendMessage(ctx, SendInput{SenderID: "bob", TargetID: "alice", Content: "mine", ClientMsgID: "x"})
	require.ErrorIs(t, err, ErrMessageIDConflict)
	require.ErrorIs(t, err, ErrInvalidMessage)
}

func TestService_LegacyHTMLIsSanitizedNotReRendered(t *testing.T) {
	ctx := context.Background()
	store := chatstore.NewInMemoryStore()
	s := newService(t, store, mutual([2]string{"alice", "bob"}))

	_, err := store.AppendMessage(ctx, "alice_bob", chatstore.Message{
		ID: "1", SenderID: "alice", Timestamp: fixedNow, Format: chatstore.FormatHTML,
		Content: `<p><strong>hello</strong><script>x()</script></p>`,
	})
	require.NoError(t, err)
	_, err = s.SendMessage(ctx, SendInput{SenderID: "bob", TargetID: "alice", Content: "<b>raw</b>"})
	require.NoError(t, err)

	h, err := s.JoinConversation(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Len(t, h.Messages, 2)
	require.Equal(t, "<p><strong>hello</strong></p>", h.Messages[0].HTML)
	require.Contains(t, h.Messages[1].HTML, "&lt;b&gt;raw&lt;/b&gt;")
}

func TestService_SendMessage_Validation(t *testing.T) {
	ctx := context.Background()
	s := newService(t, chatstore.NewInMemoryStore(), mutual([2]string{"alice", "bob"}, [2]string{"alice", "a_b"}))

	cases := []struct {
		name string
		in   SendInput
	}{
		{"empty", SendInput{SenderID: "alice", TargetID: "bob", Content: "   "}},
		{"too long", SendInput{SenderID: "alice", TargetID: "bob", Content: strings.Repeat("ж", MaxTextRunes+1)}},
		{"unknown type", SendInput{SenderID: "alice", TargetID: "bob", Content: "x", Type: "sticker"}},
		{"file without name", SendInput{SenderID: "alice", TargetID: "bob", Content: "/uploads/f", Type: chatstore.TypeFile, FileSize: 3}},
		{"image without size", SendInput{SenderID: "alice", TargetID: "bob", Content: "/uploads/i.png", Type: chatstore.TypeImage, FileName: "i.png"}},
		{"self", SendInput{SenderID: "alice", TargetID: "alice", Content: "x"}},
		{"separator in id", SendInput{SenderID: "alice", TargetID: "a_b", Content: "x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.SendMessage(ctx, tc.in)
			require.ErrorIs(t, err, ErrInvalidMessage)
		})
	}

	sent, err := s.SendMessage(ctx, SendInput{SenderID: "alice", TargetID: "bob", Content: strings.Repeat("ж", MaxTextRunes)})
	require.NoError(t, err)
	require.Equal(t, MaxTextRunes, len([]rune(sent.Message.Content)))

	sent, err = s.SendMessage(ctx, SendInput{
		SenderID: "alice", TargetID: "bob", Type: chatstore.TypeImage,
		Content: "/uploads/file-1-x.png", FileName: "cat.png", FileSize: 1024,
	})
	require.NoError(t, err)
	require.Empty(t, sent.Message.HTML)
	require.Equal(t, "cat.png", sent.Message.FileName)
}

func TestService_History(t *testing.T) {
	ctx := context.Background()
	s := newService(t, chatstore.NewInMemoryStore(), mutual([2]string{"alice", "bob"}))

	var ids []string
	for i := 0; i < 60; i++ {
		sent, err := s.SendMessage(ctx, SendInput{SenderID: "alice", TargetID: "bob", Content: "m"})
		require.NoError(t, err)
		ids = append(ids, sent.Message.ID)
	}

	h, err := s.JoinConversation(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Len(t, h.Messages, chatstore.DefaultPageSize)
	require.True(t, h.HasMore)
	require.Equal(t, ids[10], h.FirstMessageID)
	require.Equal(t, ids[59], h.Messages[49].ID)

	more, err := s.LoadMore(ctx, "bob", "alice", h.FirstMessageID, 50)
	require.NoError(t, err)
	require.Len(t, more.Messages, 10)
	require.False(t, more.HasMore)
	require.Equal(t, ids[0], more.FirstMessageID)

	_, err = s.LoadMore(ctx, "bob", "alice", "missing", 50)
	require.ErrorIs(t, err, chatstore.ErrCursorNotFound)
	_, err = s.LoadMore(ctx, "bob", "alice", " ", 50)
	require.ErrorIs(t, err, ErrInvalidMessage)
}

func TestService_FailuresAreOperationFailed(t *testing.T) {
	ctx := context.Background()

	s := newService(t, failingStore{}, mutual([2]string{"alice", "bob"}))
	_, err := s.SendMessage(ctx, SendInput{SenderID: "alice", TargetID: "bob", Content: "x"})
	require.ErrorIs(t, err, ErrOperationFailed)
	require.ErrorIs(t, err, errDisk)
	_, err = s.JoinConversation(ctx, "alice", "bob")
	require.ErrorIs(t, err, ErrOperationFailed)

	s = newService(t, chatstore.NewInMemoryStore(), fakeFriends{err: errors.New("graph down")})
	_, err = s.JoinConversation(ctx, "alice", "bob")
	require.ErrorIs(t, err, ErrOperationFailed)
	require.False(t, errors.Is(err, ErrNotFriends))
}

func TestNewService_RequiresCollaborators(t *testing.T) {
	_, err := NewService(nil, mutual())
	require.Error(t, err)
	_, err = NewService(chatstore.NewInMemoryStore(), nil)
	require.Error(t, err)
}

func TestIDGenerator_StrictlyIncreasing(t *testing.T) {
	g := NewIDGenerator()
	g.now = func() time.Time { return time.UnixMilli(1000) }

	require.Equal(t, "1000", g.Next())
	require.Equal(t, "1001", g.Next())
	require.Equal(t, "1002", g.Next())

	g.now = func() time.Time { return time.UnixMilli(5000) }
	require.Equal(t, "5000", g.Next())
}
