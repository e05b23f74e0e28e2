package chatstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingFlusher struct {
	mu      sync.Mutex
	fail    map[CacheKey]bool
	flushed map[CacheKey][]Message
	calls   int
	during  func(key CacheKey)
}

func newRecordingFlusher() *recordingFlusher {
	return &recordingFlusher{fail: map[CacheKey]bool{}, flushed: map[CacheKey][]Message{}}
}

func (f *recordingFlusher) flush(_ context.Context, key CacheKey, msgs []Message) error {
	f.mu.Lock()
	f.calls++
	fail := f.fail[key]
	during := f.during
	f.during = nil
	f.mu.Unlock()

	if during != nil {
		during(key)
	}
	if fail {
		return errors.New("disk full")
	}
	f.mu.Lock()
	f.flushed[key] = msgs
	f.mu.Unlock()
	return nil
}

func (f *recordingFlusher) setFail(key CacheKey, fail bool) {
	f.mu.Lock()
	f.fail[key] = fail
	f.mu.Unlock()
}

func emptyLoad(context.Context) ([]Message, error) { return []Message{}, nil }

func key(shard string) CacheKey { return CacheKey{ConversationID: testConv, ShardID: shard} }

func newTestCache(capacity int, f *recordingFlusher, opts ...CacheOption) *ShardCache {
	return NewShardCache(CacheConfig{Capacity: capacity, FlushInterval: -1}, f.flush, opts...)
}

func TestShardCache_ConcurrentMissesShareOneLoad(t *testing.T) {
	c := newTestCache(4, newRecordingFlusher())
	defer c.Close(context.Background())

	var loads atomic.Int32
	release := make(chan struct{})
	load := func(context.Context) ([]Message, error) {
		loads.Add(1)
		<-release
		return []Message{msgAt("a", base)}, nil
	}

	var wg sync.WaitGroup
	results := make([][]Message, 8)
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Get(context.Background(), key("s1"), load)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		require.Equal(t, []string{"a"}, ids(results[i]))
	}

	require.Equal(t, int32(1), loads.Load())
	require.True(t, c.Contains(key("s1")))
}

func TestShardCache_AddMessageKeepsOrderAndUpserts(t *testing.T) {
	c := newTestCache(4, newRecordingFlusher())
	defer c.Close(context.Background())
	ctx := context.Background()

	late := msgAt("late", base.Add(time.Minute))
	late.Seq = 1
	early := msgAt("early", base)
	early.Seq = 2
	require.NoError(t, c.AddMessage(ctx, key("s1"), late, emptyLoad))
	require.NoError(t, c.AddMessage(ctx, key("s1"), early, emptyLoad))

	edited := late
	edited.Content = "edited"
	require.NoError(t, c.AddMessage(ctx, key("s1"), edited, emptyLoad))

	msgs, err := c.Get(ctx, key("s1"), emptyLoad)
	require.NoError(t, err)
	require.Equal(t, []string{"early", "late"}, ids(msgs))
	require.Equal(t, "edited", msgs[1].Content)
	require.Equal(t, CacheStats{Entries: 1, Dirty: 1}, c.Stats())
}

func TestShardCache_EvictionFlushesDirtyVictim(t *testing.T) {
	f := newRecordingFlusher()
	c := newTestCache(1, f)
	defer c.Close(context.Background())
	ctx := context.Background()

	require.NoError(t, c.AddMessage(ctx, key("s1"), msgAt("a", base), emptyLoad))
	_, err := c.Get(ctx, key("s2"), emptyLoad)
	require.NoError(t, err)

	require.False(t, c.Contains(key("s1")))
	require.Equal(t, []string{"a"}, ids(f.flushed[key("s1")]))
}

func TestShardCache_FailedFlushBlocksEviction(t *testing.T) {
	f := newRecordingFlusher()
	f.setFail(key("s1"), true)
	c := newTestCache(1, f)
	ctx := context.Background()

	require.NoError(t, c.AddMessage(ctx, key("s1"), msgAt("a", base), emptyLoad))

	_, err := c.Get(ctx, key("s2"), emptyLoad)
	require.ErrorIs(t, err, ErrCacheExhausted)
	require.True(t, c.Contains(key("s1")), "dirty entry must survive a failed flush")
	require.Equal(t, 1, c.Stats().Dirty)

	// The periodic flush keeps retrying; once the disk recovers the entry turns clean.
	require.Error(t, c.FlushAll(ctx))
	f.setFail(key("s1"), false)
	require.NoError(t, c.FlushAll(ctx))
	require.Equal(t, 0, c.Stats().Dirty)

	_, err = c.Get(ctx, key("s2"), emptyLoad)
	require.NoError(t, err)
	require.NoError(t, c.Close(ctx))
}

func TestShardCache_WriteDuringFlushStaysDirty(t *testing.T) {
	f := newRecordingFlusher()
	c := newTestCache(4, f)
	defer c.Close(context.Background())
	ctx := context.Background()

	require.NoError(t, c.AddMessage(ctx, key("s1"), msgAt("a", base), emptyLoad))
	f.during = func(k CacheKey) {
		require.NoError(t, c.AddMessage(ctx, k, msgAt("b", base.Add(time.Second)), emptyLoad))
	}

	require.NoError(t, c.FlushKey(ctx, key("s1")))
	require.Equal(t, []string{"a"}, ids(f.flushed[key("s1")]))
	require.Equal(t, 1, c.Stats().Dirty)

	require.NoError(t, c.FlushKey(ctx, key("s1")))
	require.Equal(t, []string{"a", "b"}, ids(f.flushed[key("s1")]))
	require.Equal(t, 0, c.Stats().Dirty)
}

func TestShardCache_ExpiredCleanEntriesAreDropped(t *testing.T) {
	var mu sync.Mutex
	now := base
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	f := newRecordingFlusher()
	c := NewShardCache(CacheConfig{Capacity: 4, TTL: time.Minute, FlushInterval: -1}, f.flush, withCacheClock(clock))
	defer c.Close(context.Background())
	ctx := context.Background()

	_, err := c.Get(ctx, key("clean"), emptyLoad)
	require.NoError(t, err)
	require.NoError(t, c.AddMessage(ctx, key("dirty"), msgAt("a", base), emptyLoad))

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	require.NoError(t, c.FlushAll(ctx))
	require.False(t, c.Contains(key("clean")))
	require.False(t, c.Contains(key("dirty")))
	require.Len(t, f.flushed[key("dirty")], 1)
}

func TestShardCache_CloseFlushesAndRejects(t *testing.T) {
	f := newRecordingFlusher()
	c := newTestCache(4, f)
	ctx := context.Background()

	require.NoError(t, c.AddMessage(ctx, key("s1"), msgAt("a", base), emptyLoad))
	require.NoError(t, c.Close(ctx))
	require.Equal(t, []string{"a"}, ids(f.flushed[key("s1")]))

	_, err := c.Get(ctx, key("s1"), emptyLoad)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, c.AddMessage(ctx, key("s1"), msgAt("b", base), emptyLoad), ErrClosed)
}

func TestShardCache_LoadErrorIsReturned(t *testing.T) {
	c := newTestCache(2, newRecordingFlusher())
	defer c.Close(context.Background())

	boom := errors.New("corrupt shard")
	_, err := c.Get(context.Background(), key("s1"), func(context.Context) ([]Message, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
	require.False(t, c.Contains(key("s1")))
}

func TestShardCache_ReadsMatchFlushTarget(t *testing.T) {
	f := newRecordingFlusher()
	c := newTestCache(2, f)
	defer c.Close(context.Background())
	ctx := context.Background()

	// Misses load whatever was last flushed, so an evicted shard comes back
	// from the flush target.
	loadFrom := func(k CacheKey) LoadFunc {
		return func(context.Context) ([]Message, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			return append([]Message{}, f.flushed[k]...), nil
		}
	}
	keys := []CacheKey{key("s1"), key("s2"), key("s3"), key("s4")}
	want := map[CacheKey][]string{}
	for _, k := range keys {
		want[k] = []string{}
	}

	for i := 0; i < 120; i++ {
		k := keys[(i*7+i/3)%len(keys)]
		if i%3 == 0 {
			got, err := c.Get(ctx, k, loadFrom(k))
			require.NoError(t, err)
			require.Equal(t, want[k], ids(got), "step %d shard %s", i, k.ShardID)
			continue
		}
		m := msgAt(fmt.Sprintf("m%03d", i), base.Add(time.Duration(i)*time.Second))
		m.Seq = int64(i + 1)
		require.NoError(t, c.AddMessage(ctx, k, m, loadFrom(k)))
		want[k] = append(want[k], m.ID)
	}

	require.NoError(t, c.FlushAll(ctx))
	require.Equal(t, 0, c.Stats().Dirty)
	for _, k := range keys {
		require.Equal(t, want[k], ids(f.flushed[k]), "shard %s", k.ShardID)
	}
}
