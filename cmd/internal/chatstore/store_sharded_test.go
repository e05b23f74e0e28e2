package chatstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testConv = "alice_bob"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func loaded(s *ShardedStore, conv string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.convs[conv]
	return ok
}

func newSharded(t *testing.T, dir string, opts ...ShardedOption) *ShardedStore {
	t.Helper()
	opts = append([]ShardedOption{WithCacheConfig(CacheConfig{Capacity: 8, FlushInterval: -1})}, opts...)
	s, err := NewShardedStore(dir, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// seedQuarter appends 120 messages, 40 in each of Jan, Feb and Mar 2024.
func seedQuarter(t *testing.T, s MessageStore) {
	t.Helper()
	for i := 0; i < 120; i++ {
		ts := time.Date(2024, time.Month(1+i/40), 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i%40) * time.Hour)
		mustAppend(t, s, testConv, msgAt(fmt.Sprintf("m%03d", i), ts))
	}
}

func rangeIDs(from, to int) []string {
	var out []string
	for i := from; i < to; i++ {
		out = append(out, fmt.Sprintf("m%03d", i))
	}
	return out
}

func TestShardedStore_PaginatesAcrossMonths(t *testing.T) {
	s := newSharded(t, t.TempDir(), WithMaxMessagesPerShard(25))
	seedQuarter(t, s)
	ctx := context.Background()

	p, err := LoadInitial(ctx, s, testConv, 50)
	require.NoError(t, err)
	require.Equal(t, rangeIDs(70, 120), ids(p.Messages))
	require.True(t, p.HasMore)
	require.Equal(t, "m070", p.FirstMessageID)

	p, err = LoadMore(ctx, s, testConv, p.FirstMessageID, 50)
	require.NoError(t, err)
	require.Equal(t, rangeIDs(20, 70), ids(p.Messages))
	require.True(t, p.HasMore)

	p, err = LoadMore(ctx, s, testConv, p.FirstMessageID, 50)
	require.NoError(t, err)
	require.Equal(t, rangeIDs(0, 20), ids(p.Messages))
	require.False(t, p.HasMore)

	p, err = LoadMore(ctx, s, testConv, "m000", 50)
	require.NoError(t, err)
	require.Empty(t, p.Messages)
	require.False(t, p.HasMore)
	require.Empty(t, p.FirstMessageID)
}

func TestShardedStore_RotatesWithinMonthBucket(t *testing.T) {
	dir := t.TempDir()
	s := newSharded(t, dir, WithMaxMessagesPerShard(25))
	seedQuarter(t, s)
	require.NoError(t, s.Close())

	ix, err := shardFS{root: dir}.readIndex(testConv)
	require.NoError(t, err)
	require.NotNil(t, ix)
	require.Equal(t, 120, ix.TotalMessages)
	require.Equal(t, 6, ix.TotalShards)
	require.Equal(t, int64(121), ix.NextSeq)

	counts := map[string]int{}
	for _, sh := range ix.Shards {
		counts[sh.ID] = sh.Count
	}
	require.Equal(t, map[string]int{
		"2024_01_1": 25, "2024_01_2": 15,
		"2024_02_1": 25, "2024_02_2": 15,
		"2024_03_1": 25, "2024_03_2": 15,
	}, counts)

	msgs, _, err := shardFS{root: dir}.readShard(testConv, "2024_02_2")
	require.NoError(t, err)
	require.Equal(t, rangeIDs(65, 80), ids(msgs))
}

func TestShardedStore_ReopenContinuesSeq(t *testing.T) {
	dir := t.TempDir()
	s := newSharded(t, dir, WithMaxMessagesPerShard(25))
	seedQuarter(t, s)
	require.NoError(t, s.Close())

	s2 := newSharded(t, dir, WithMaxMessagesPerShard(25))
	got, err := s2.RecentMessages(context.Background(), testConv, 3)
	require.NoError(t, err)
	require.Equal(t, rangeIDs(117, 120), ids(got))

	m := mustAppend(t, s2, testConv, msgAt("m120", time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)))
	require.Equal(t, int64(121), m.Seq)
}

func TestShardedStore_WriteBackUntilFlush(t *testing.T) {
	dir := t.TempDir()
	s := newSharded(t, dir)
	mustAppend(t, s, testConv, msgAt("a", base))

	fsys := shardFS{root: dir}
	_, err := os.Stat(fsys.shardPath(testConv, "2024_03_1"))
	require.True(t, os.IsNotExist(err), "shard must not be written before a flush")
	require.Equal(t, 1, s.Cache().Stats().Dirty)

	require.NoError(t, s.Cache().FlushAll(context.Background()))
	msgs, _, err := fsys.readShard(testConv, "2024_03_1")
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids(msgs))
	require.Equal(t, 0, s.Cache().Stats().Dirty)

	ix, err := fsys.readIndex(testConv)
	require.NoError(t, err)
	require.Equal(t, 1, ix.TotalMessages)
}

func TestShardedStore_WriteThroughPersistsBeforeReturn(t *testing.T) {
	dir := t.TempDir()
	s := newSharded(t, dir, WithWriteThrough(true))
	mustAppend(t, s, testConv, msgAt("a", base))

	msgs, _, err := shardFS{root: dir}.readShard(testConv, "2024_03_1")
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids(msgs))
}

func TestShardedStore_EvictionFlushesDirtyShard(t *testing.T) {
	dir := t.TempDir()
	s, err := NewShardedStore(dir, WithCacheConfig(CacheConfig{Capacity: 1, FlushInterval: -1}))
	require.NoError(t, err)
	defer s.Close()

	jan := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	mar := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	mustAppend(t, s, testConv, msgAt("jan", jan))
	mustAppend(t, s, testConv, msgAt("mar", mar))

	msgs, _, err := shardFS{root: dir}.readShard(testConv, "2024_01_1")
	require.NoError(t, err)
	require.Equal(t, []string{"jan"}, ids(msgs))

	got, err := s.RecentMessages(context.Background(), testConv, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"jan", "mar"}, ids(got))
}

func TestShardedStore_CloseFlushesAndRejectsWrites(t *testing.T) {
	dir := t.TempDir()
	s, err := NewShardedStore(dir, WithCacheConfig(CacheConfig{FlushInterval: -1}))
	require.NoError(t, err)
	mustAppend(t, s, testConv, msgAt("a", base))
	mustAppend(t, s, testConv, msgAt("b", base.Add(time.Second)))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	msgs, _, err := shardFS{root: dir}.readShard(testConv, "2024_03_1")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids(msgs))

	_, err = s.AppendMessage(context.Background(), testConv, msgAt("c", base))
	require.ErrorIs(t, err, ErrClosed)
}

func TestShardedStore_ReconcilesPartialWrite(t *testing.T) {
	dir := t.TempDir()
	s := newSharded(t, dir, WithMaxMessagesPerShard(25))
	seedQuarter(t, s)
	require.NoError(t, s.Close())

	// Crash after the shard write but before the index write.
	fsys := shardFS{root: dir}
	msgs, _, err := fsys.readShard(testConv, "2024_03_2")
	require.NoError(t, err)
	extra := msgAt("extra", time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC))
	extra.ConversationID = testConv
	extra.Type = TypeText
	extra.Seq = 121
	_, err = fsys.writeShard(testConv, "2024_03_2", append(msgs, extra))
	require.NoError(t, err)

	s2 := newSharded(t, dir, WithMaxMessagesPerShard(25))
	got, err := s2.RecentMessages(context.Background(), testConv, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"extra"}, ids(got))

	ix, err := fsys.readIndex(testConv)
	require.NoError(t, err)
	require.Equal(t, 121, ix.TotalMessages)
	require.Equal(t, int64(122), ix.NextSeq)

	m := mustAppend(t, s2, testConv, msgAt("next", time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)))
	require.Equal(t, int64(122), m.Seq)
}

func TestShardedStore_MissingShardReadsEmpty(t *testing.T) {
	dir := t.TempDir()
	s := newSharded(t, dir, WithMaxMessagesPerShard(25))
	seedQuarter(t, s)
	require.NoError(t, s.Close())

	require.NoError(t, os.Remove(shardFS{root: dir}.shardPath(testConv, "2024_03_2")))

	s2 := newSharded(t, dir, WithMaxMessagesPerShard(25))
	got, err := s2.RecentMessages(context.Background(), testConv, 20)
	require.NoError(t, err)
	require.Equal(t, rangeIDs(85, 105), ids(got))
}

func TestShardedStore_IgnoresOrphanShard(t *testing.T) {
	dir := t.TempDir()
	s := newSharded(t, dir)
	mustAppend(t, s, testConv, msgAt("a", base))
	require.NoError(t, s.Close())

	fsys := shardFS{root: dir}
	orphan := msgAt("ghost", time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC))
	orphan.Seq = 99
	_, err := fsys.writeShard(testConv, "2023_12_1", []Message{orphan})
	require.NoError(t, err)

	s2 := newSharded(t, dir)
	got, err := s2.RecentMessages(context.Background(), testConv, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids(got))

	// A new shard under the orphan's name starts empty.
	b := mustAppend(t, s2, testConv, msgAt("b", time.Date(2023, 12, 2, 0, 0, 0, 0, time.UTC)))
	require.Equal(t, int64(2), b.Seq)
	got, err = s2.RecentMessages(context.Background(), testConv, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "a"}, ids(got))

	set, err := filepath.Glob(fsys.shardPath(testConv, "2023_12_1") + orphanSuffix + "*")
	require.NoError(t, err)
	require.Len(t, set, 1, "orphan file is set aside")

	require.NoError(t, s2.Close())
	msgs, _, err := fsys.readShard(testConv, "2023_12_1")
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, ids(msgs))
	ix, err := fsys.readIndex(testConv)
	require.NoError(t, err)
	require.Equal(t, 2, ix.TotalMessages)
}

func TestShardedStore_MigratesLegacyFileOnOpen(t *testing.T) {
	dir := t.TempDir()
	fsys := shardFS{root: dir}
	require.NoError(t, fsys.writeLegacy(testConv, []Message{
		msgAt("l1", base),
		msgAt("l2", base.Add(time.Minute)),
		msgAt("l3", base.Add(2*time.Minute)),
	}))

	s := newSharded(t, dir, WithMigrationChunkSize(2))
	got, err := s.RecentMessages(context.Background(), testConv, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"l1", "l2", "l3"}, ids(got))

	_, err = os.Stat(filepath.Join(dir, testConv+".json.migrated"))
	require.NoError(t, err)
	_, err = os.Stat(fsys.legacyPath(testConv))
	require.True(t, os.IsNotExist(err))

	m := mustAppend(t, s, testConv, msgAt("l4", base.Add(3*time.Minute)))
	require.Equal(t, int64(4), m.Seq)

	got, err = s.MessagesBefore(context.Background(), testConv, "l4", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"l2", "l3"}, ids(got))
}

func TestShardedStore_DedupeFindsIdsInAnyShard(t *testing.T) {
	dir := t.TempDir()
	s := newSharded(t, dir, WithMaxMessagesPerShard(2))
	jan := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	mustAppend(t, s, testConv, msgAt("a", jan))
	mustAppend(t, s, testConv, msgAt("b", jan.Add(time.Second)))
	mustAppend(t, s, testConv, msgAt("c", base))

	res, err := s.AppendMessage(context.Background(), testConv, msgAt("a", base.Add(time.Hour)))
	require.NoError(t, err)
	require.True(t, res.Duplicated)
	require.Equal(t, int64(1), res.Stored.Seq)
	require.NoError(t, s.Close())

	// The id map is rebuilt from disk on open.
	s2 := newSharded(t, dir, WithMaxMessagesPerShard(2))
	res, err = s2.AppendMessage(context.Background(), testConv, msgAt("b", base.Add(2*time.Hour)))
	require.NoError(t, err)
	require.True(t, res.Duplicated)
	require.Equal(t, int64(2), res.Stored.Seq)

	got, err := s2.RecentMessages(context.Background(), testConv, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, ids(got))
}

func TestShardedStore_ServesLegacyFileWhenMigrationFails(t *testing.T) {
	dir := t.TempDir()
	fsys := shardFS{root: dir}
	require.NoError(t, fsys.writeLegacy(testConv, []Message{
		msgAt("l1", base),
		msgAt("l2", base.Add(time.Minute)),
	}))

	clock := &testClock{now: base.Add(time.Hour)}
	s := newSharded(t, dir, withClock(clock.Now), WithIdleTimeout(time.Minute))
	s.migrator.afterWrite = func(string) error { return errors.New("disk full") }
	ctx := context.Background()

	got, err := s.RecentMessages(ctx, testConv, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"l1", "l2"}, ids(got))

	mustAppend(t, s, testConv, msgAt("l3", base.Add(2*time.Minute)))
	legacy, ok, err := fsys.readLegacy(testConv)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"l1", "l2", "l3"}, ids(legacy))
	ix, err := fsys.readIndex(testConv)
	require.NoError(t, err)
	require.Nil(t, ix)

	// Once unloaded, the next open retries the migration.
	s.migrator.afterWrite = nil
	clock.Advance(2 * time.Minute)
	got, err = s.MessagesBefore(ctx, testConv, "l3", 10)
	require.NoError(t, err)
	require.Equal(t, []string{"l1", "l2"}, ids(got))

	ix, err = fsys.readIndex(testConv)
	require.NoError(t, err)
	require.NotNil(t, ix)
	require.Equal(t, 3, ix.TotalMessages)
}

func TestShardedStore_UnloadsIdleConversations(t *testing.T) {
	clock := &testClock{now: base.Add(time.Hour)}
	s := newSharded(t, t.TempDir(), withClock(clock.Now), WithIdleTimeout(5*time.Minute))
	ctx := context.Background()

	mustAppend(t, s, testConv, msgAt("a", base))
	mustAppend(t, s, "alice_carol", msgAt("c", base))
	require.NoError(t, s.Cache().FlushKey(ctx, CacheKey{ConversationID: testConv, ShardID: "2024_03_1"}))

	clock.Advance(6 * time.Minute)
	_, err := s.RecentMessages(ctx, "bob_carol", 1)
	require.NoError(t, err)
	require.False(t, loaded(s, testConv))
	require.True(t, loaded(s, "alice_carol"), "a conversation with dirty shards stays loaded")
	require.True(t, loaded(s, "bob_carol"))

	// Reloaded from disk with ids and seq intact.
	res, err := s.AppendMessage(ctx, testConv, msgAt("a", base.Add(time.Minute)))
	require.NoError(t, err)
	require.True(t, res.Duplicated)
	m := mustAppend(t, s, testConv, msgAt("b", base.Add(time.Second)))
	require.Equal(t, int64(2), m.Seq)

	got, err := s.RecentMessages(ctx, "alice_carol", 10)
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, ids(got))
}

func TestShardedStore_ConcurrentAppendsKeepSeqDense(t *testing.T) {
	s := newSharded(t, t.TempDir(), WithMaxMessagesPerShard(30))

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				m := msgAt(fmt.Sprintf("w%d-%d", w, i), base.Add(time.Duration(i)*time.Millisecond))
				if _, err := s.AppendMessage(context.Background(), testConv, m); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.RecentMessages(context.Background(), testConv, workers*perWorker)
	require.NoError(t, err)
	require.Len(t, got, workers*perWorker)

	seen := make(map[int64]bool, len(got))
	for i, m := range got {
		seen[m.Seq] = true
		if i > 0 {
			require.True(t, got[i-1].Before(m))
		}
	}
	for seq := int64(1); seq <= workers*perWorker; seq++ {
		require.True(t, seen[seq], "seq %d missing", seq)
	}
}

func TestShardedStore_Options(t *testing.T) {
	_, err := NewShardedStore("")
	require.Error(t, err)

	_, err = NewShardedStore(t.TempDir(), WithMaxMessagesPerShard(0))
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = NewShardedStore(t.TempDir(), WithIdleTimeout(0))
	require.ErrorIs(t, err, ErrInvalidInput)
}
