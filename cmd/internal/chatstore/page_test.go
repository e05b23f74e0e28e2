package chatstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClampPageSize(t *testing.T) {
	require.Equal(t, DefaultPageSize, ClampPageSize(0))
	require.Equal(t, DefaultPageSize, ClampPageSize(-3))
	require.Equal(t, 7, ClampPageSize(7))
	require.Equal(t, MaxPageSize, ClampPageSize(5000))
}

func TestLoadInitial_ExactFitHasNoMore(t *testing.T) {
	s := NewInMemoryStore()
	for i := 0; i < 5; i++ {
		mustAppend(t, s, testConv, msgAt(fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second)))
	}

	p, err := LoadInitial(context.Background(), s, testConv, 5)
	require.NoError(t, err)
	require.Len(t, p.Messages, 5)
	require.False(t, p.HasMore)
	require.Equal(t, "m0", p.FirstMessageID)

	p, err = LoadInitial(context.Background(), s, testConv, 4)
	require.NoError(t, err)
	require.True(t, p.HasMore)
	require.Equal(t, "m1", p.FirstMessageID)
}

func TestLoadInitial_EmptyConversation(t *testing.T) {
	p, err := LoadInitial(context.Background(), NewInMemoryStore(), testConv, 0)
	require.NoError(t, err)
	require.Empty(t, p.Messages)
	require.NotNil(t, p.Messages)
	require.False(t, p.HasMore)
	require.Empty(t, p.FirstMessageID)
}

func TestLoadMore_UnknownCursor(t *testing.T) {
	s := NewInMemoryStore()
	mustAppend(t, s, testConv, msgAt("a", base))

	_, err := LoadMore(context.Background(), s, testConv, "zzz", 10)
	require.ErrorIs(t, err, ErrCursorNotFound)
}

func TestLoadMore_WalksToTheBeginning(t *testing.T) {
	s := NewInMemoryStore()
	for i := 0; i < 7; i++ {
		mustAppend(t, s, testConv, msgAt(fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second)))
	}

	var seen []string
	p, err := LoadInitial(context.Background(), s, testConv, 3)
	require.NoError(t, err)
	seen = append(ids(p.Messages), seen...)
	for p.HasMore {
		p, err = LoadMore(context.Background(), s, testConv, p.FirstMessageID, 3)
		require.NoError(t, err)
		seen = append(ids(p.Messages), seen...)
	}
	require.Equal(t, []string{"m0", "m1", "m2", "m3", "m4", "m5", "m6"}, seen)
}
