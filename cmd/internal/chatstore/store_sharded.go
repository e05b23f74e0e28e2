package chatstore

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultIdleTimeout is how long an unused conversation keeps its index
	// and id map in memory.
	DefaultIdleTimeout = 10 * time.Minute
)

// ShardedStore is the reference MessageStore: each conversation is split into
// month-bucketed shard files (YYYY_MM_N) listed by a per-conversation index,
// and hot shards live in a write-back ShardCache.
//
// A conversation whose legacy file fails automatic migration is served from
// that file until a later open migrates it.
//
// Concurrency model:
//   - Appends to one conversation are serialized by its write lock; reads share it.
//   - The in-memory index of a conversation has its own short-lived mutex.
//   - Index files are written under indexMu only, never under conversation
//     locks, so cache flushes triggered by other conversations cannot deadlock.
type ShardedStore struct {
	fs       shardFS
	log      *slog.Logger
	metrics  *Metrics
	now      func() time.Time
	migrator *Migrator
	cache    *ShardCache
	flat     *FlatFileStore

	maxPerShard  int
	idleTimeout  time.Duration
	writeThrough bool
	autoMigrate  bool
	cacheCfg     CacheConfig

	mu        sync.Mutex
	convs     map[string]*convState
	lastSweep time.Time

	indexMu sync.Mutex
	durable map[string]*ShardIndex

	closed atomic.Bool
}

type convState struct {
	rw sync.RWMutex

	initMu sync.Mutex
	ready  bool
	legacy bool

	// ids maps every message id of the conversation to its shard.
	// Appends write it under rw; readers hold rw shared.
	ids map[string]string

	idxMu sync.Mutex
	index *ShardIndex

	// Guarded by ShardedStore.mu.
	refs     int
	lastUsed time.Time
}

// ShardedOption configures ShardedStore behavior.
type ShardedOption func(*ShardedStore) error

// WithMaxMessagesPerShard sets the shard rotation threshold (default 1000).
func WithMaxMessagesPerShard(n int) ShardedOption {
	return func(s *ShardedStore) error {
		if n <= 0 {
			return invalidf("max messages per shard must be positive")
		}
		s.maxPerShard = n
		return nil
	}
}

// WithIdleTimeout sets how long an unused conversation stays loaded. Only
// conversations without dirty shards are dropped.
func WithIdleTimeout(d time.Duration) ShardedOption {
	return func(s *ShardedStore) error {
		if d <= 0 {
			return invalidf("idle timeout must be positive")
		}
		s.idleTimeout = d
		return nil
	}
}

// WithWriteThrough flushes the touched shard before AppendMessage returns.
func WithWriteThrough(on bool) ShardedOption {
	return func(s *ShardedStore) error {
		s.writeThrough = on
		return nil
	}
}

// WithAutoMigrate converts a legacy single-file history the first time its
// conversation is opened (default true).
func WithAutoMigrate(on bool) ShardedOption {
	return func(s *ShardedStore) error {
		s.autoMigrate = on
		return nil
	}
}

// WithCacheConfig sizes the shard cache.
func WithCacheConfig(cfg CacheConfig) ShardedOption {
	return func(s *ShardedStore) error {
		s.cacheCfg = cfg
		return nil
	}
}

// WithLogger sets the store logger.
func WithLogger(log *slog.Logger) ShardedOption {
	return func(s *ShardedStore) error {
		if log != nil {
			s.log = log
		}
		return nil
	}
}

// WithMetrics enables store and cache instrumentation.
func WithMetrics(m *Metrics) ShardedOption {
	return func(s *ShardedStore) error {
		s.metrics = m
		return nil
	}
}

// WithMigrationChunkSize sets the shard size used by automatic migration.
func WithMigrationChunkSize(n int) ShardedOption {
	return func(s *ShardedStore) error {
		if n <= 0 {
			return invalidf("migration chunk size must be positive")
		}
		s.migrator.chunkSize = n
		return nil
	}
}

func withClock(now func() time.Time) ShardedOption {
	return func(s *ShardedStore) error {
		s.now = now
		s.migrator.now = now
		return nil
	}
}

// NewShardedStore opens a sharded store rooted at dir.
func NewShardedStore(dir string, opts ...ShardedOption) (*ShardedStore, error) {
	if dir == "" {
		return nil, errors.New("chatstore: empty data dir")
	}
	s := &ShardedStore{
		fs:          shardFS{root: dir},
		log:         slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
		maxPerShard: DefaultMaxMessagesPerShard,
		idleTimeout: DefaultIdleTimeout,
		autoMigrate: true,
		convs:       make(map[string]*convState),
		durable:     make(map[string]*ShardIndex),
	}
	s.migrator = NewMigrator(dir)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.migrator.log = s.log
	s.flat = &FlatFileStore{fs: s.fs, log: s.log, locks: newKeyedMutex(), now: s.now}
	s.lastSweep = s.now()

	s.cache = NewShardCache(s.cacheCfg, s.flushShard,
		WithCacheLogger(s.log),
		WithCacheMetrics(s.metrics),
		withCacheClock(s.now),
	)
	return s, nil
}

// Cache exposes the shard cache for inspection.
func (s *ShardedStore) Cache() *ShardCache { return s.cache }

// Close flushes every dirty shard. It is safe to call more than once.
func (s *ShardedStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.cache.Close(ctx); err != nil {
		s.log.Error("chatstore.sharded.close.flush_fail", "err", err)
		return storageErr("close", "", err)
	}
	return nil
}

// AppendMessage stores msg in the shard of its month bucket.
func (s *ShardedStore) AppendMessage(ctx context.Context, conversationID string, msg Message) (AppendResult, error) {
	if s.closed.Load() {
		return AppendResult{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}
	msg, err := prepareAppend(conversationID, msg, s.now)
	if err != nil {
		return AppendResult{}, err
	}

	st, err := s.open(ctx, conversationID)
	if err != nil {
		return AppendResult{}, err
	}
	defer s.release(st)
	if st.legacy {
		return s.flat.AppendMessage(ctx, conversationID, msg)
	}

	st.rw.Lock()
	defer st.rw.Unlock()

	if shard, ok := st.ids[msg.ID]; ok {
		existing, found, err := s.findIn(ctx, st, CacheKey{ConversationID: conversationID, ShardID: shard}, msg.ID)
		if err != nil {
			return AppendResult{}, storageErr("append", conversationID, err)
		}
		if found {
			return AppendResult{Stored: existing, Duplicated: true}, nil
		}
		// The shard lost the message (missing file); store it again.
		s.log.Warn("chatstore.sharded.id.stale", "conversation_id", conversationID, "message_id", msg.ID, "shard_id", shard)
	}

	st.idxMu.Lock()
	target := st.index.target(msg.Timestamp, s.maxPerShard, s.now())
	st.idxMu.Unlock()

	// Load the target first: reconciling it may move NextSeq.
	key := CacheKey{ConversationID: conversationID, ShardID: target.ID}
	if err := s.cache.View(ctx, key, s.loader(st, key), func([]Message) {}); err != nil {
		return AppendResult{}, storageErr("append", conversationID, err)
	}
	st.idxMu.Lock()
	msg.Seq = st.index.NextSeq
	st.idxMu.Unlock()

	if err := s.cache.AddMessage(ctx, key, msg, s.loader(st, key)); err != nil {
		return AppendResult{}, storageErr("append", conversationID, err)
	}

	st.idxMu.Lock()
	if i, ok := st.index.find(target.ID); ok {
		st.index.Shards[i].include(msg)
	} else {
		meta := target
		meta.include(msg)
		st.index.Shards = append(st.index.Shards, meta)
	}
	st.index.NextSeq = msg.Seq + 1
	st.index.LastUpdated = s.now()
	st.index.recount()
	st.idxMu.Unlock()
	st.ids[msg.ID] = target.ID

	if s.writeThrough {
		if err := s.cache.FlushKey(ctx, key); err != nil {
			return AppendResult{}, storageErr("append.flush", conversationID, err)
		}
	}
	return AppendResult{Stored: msg}, nil
}

// RecentMessages returns the newest limit messages, oldest first.
func (s *ShardedStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if err := checkQuery(conversationID, limit); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	st, err := s.open(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer s.release(st)
	if st.legacy {
		return s.flat.RecentMessages(ctx, conversationID, limit)
	}
	st.rw.RLock()
	defer st.rw.RUnlock()

	out, err := s.collect(ctx, st, conversationID, limit, nil)
	if err != nil {
		return nil, storageErr("recent", conversationID, err)
	}
	return out, nil
}

// MessagesBefore locates cursorID, then returns up to limit messages that sort
// strictly before it, oldest first.
func (s *ShardedStore) MessagesBefore(ctx context.Context, conversationID, cursorID string, limit int) ([]Message, error) {
	if err := checkQuery(conversationID, limit); err != nil {
		return nil, err
	}
	if err := checkCursor(cursorID); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	st, err := s.open(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer s.release(st)
	if st.legacy {
		return s.flat.MessagesBefore(ctx, conversationID, cursorID, limit)
	}
	st.rw.RLock()
	defer st.rw.RUnlock()

	cursor, ok, err := s.locate(ctx, st, conversationID, cursorID)
	if err != nil {
		return nil, storageErr("before", conversationID, err)
	}
	if !ok {
		return nil, ErrCursorNotFound
	}

	out, err := s.collect(ctx, st, conversationID, limit, &cursor)
	if err != nil {
		return nil, storageErr("before", conversationID, err)
	}
	return out, nil
}

// collect walks shards newest first and returns the newest limit messages
// (strictly before cursor when set), oldest first. It stops once limit
// messages are held and the next shard ends before the oldest of them.
func (s *ShardedStore) collect(ctx context.Context, st *convState, conv string, limit int, cursor *Message) ([]Message, error) {
	st.idxMu.Lock()
	shards := st.index.newestFirst()
	st.idxMu.Unlock()

	var picked []Message
	for _, sh := range shards {
		if sh.Count == 0 {
			continue
		}
		if cursor != nil && sh.StartTS.After(cursor.Timestamp) {
			continue
		}
		if len(picked) >= limit && sh.EndTS.Before(picked[len(picked)-limit].Timestamp) {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		key := CacheKey{ConversationID: conv, ShardID: sh.ID}
		err := s.cache.View(ctx, key, s.loader(st, key), func(msgs []Message) {
			for _, m := range msgs {
				if cursor == nil || m.Before(*cursor) {
					picked = append(picked, m)
				}
			}
		})
		if err != nil {
			return nil, err
		}
		sortMessages(picked)
	}
	return newestN(picked, limit), nil
}

// locate finds the message named id through the id map.
func (s *ShardedStore) locate(ctx context.Context, st *convState, conv, id string) (Message, bool, error) {
	shard, ok := st.ids[id]
	if !ok {
		return Message{}, false, nil
	}
	return s.findIn(ctx, st, CacheKey{ConversationID: conv, ShardID: shard}, id)
}

func (s *ShardedStore) findIn(ctx context.Context, st *convState, key CacheKey, id string) (Message, bool, error) {
	var (
		found Message
		ok    bool
	)
	err := s.cache.View(ctx, key, s.loader(st, key), func(msgs []Message) {
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].ID == id {
				found, ok = msgs[i], true
				return
			}
		}
	})
	return found, ok, err
}

// open returns the conversation state, loading it on first use. The caller
// must release it.
func (s *ShardedStore) open(ctx context.Context, conv string) (*convState, error) {
	st := s.acquire(conv)
	if err := s.init(ctx, st, conv); err != nil {
		s.release(st)
		return nil, err
	}
	return st, nil
}

func (s *ShardedStore) acquire(conv string) *convState {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastSweep) >= min(s.idleTimeout, time.Minute) {
		s.sweepLocked(now)
		s.lastSweep = now
	}
	st := s.convs[conv]
	if st == nil {
		st = &convState{}
		s.convs[conv] = st
	}
	st.refs++
	st.lastUsed = now
	return st
}

func (s *ShardedStore) release(st *convState) {
	now := s.now()
	s.mu.Lock()
	st.refs--
	st.lastUsed = now
	s.mu.Unlock()
}

// sweepLocked drops conversations that have been idle for idleTimeout and
// have nothing left to flush. They are reloaded from disk on next use.
func (s *ShardedStore) sweepLocked(now time.Time) {
	dirty := s.cache.dirtyConversations()
	for conv, st := range s.convs {
		if st.refs > 0 || now.Sub(st.lastUsed) < s.idleTimeout {
			continue
		}
		if _, ok := dirty[conv]; ok {
			continue
		}
		delete(s.convs, conv)
		s.indexMu.Lock()
		delete(s.durable, conv)
		s.indexMu.Unlock()
		s.log.Debug("chatstore.sharded.conv.unloaded", "conversation_id", conv)
	}
}

func (s *ShardedStore) init(ctx context.Context, st *convState, conv string) error {
	st.initMu.Lock()
	defer st.initMu.Unlock()
	if st.ready {
		return nil
	}

	ix, err := s.fs.readIndex(conv)
	if err != nil {
		return storageErr("open", conv, err)
	}
	if ix == nil && s.autoMigrate {
		res, err := s.migrator.Migrate(ctx, conv)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			// The legacy file is untouched and stays authoritative.
			s.log.Warn("chatstore.sharded.migrate.fail", "conversation_id", conv, "err", err)
			st.legacy = true
			st.ready = true
			return nil
		}
		if !res.Skipped {
			s.log.Info("chatstore.sharded.migrated", "conversation_id", conv, "messages", res.Messages, "shards", res.Shards)
			if ix, err = s.fs.readIndex(conv); err != nil {
				return storageErr("open", conv, err)
			}
		}
	}

	s.indexMu.Lock()
	if ix == nil {
		s.durable[conv] = newShardIndex(conv, s.now())
	} else {
		ix.recount()
		s.durable[conv] = ix.clone()
	}
	live := s.durable[conv].clone()
	s.indexMu.Unlock()

	// Every listed shard is read once to build the id map. Files the index
	// does not list are orphans and stay out of it.
	ids := make(map[string]string, live.TotalMessages)
	for _, sh := range live.Shards {
		msgs, _, err := s.fs.readShard(conv, sh.ID)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return storageErr("open", conv, err)
		}
		for _, m := range msgs {
			ids[m.ID] = sh.ID
		}
	}

	st.idxMu.Lock()
	st.index = live
	st.idxMu.Unlock()
	st.ids = ids
	st.legacy = false

	// Load the newest shard eagerly; it serves the first page and is where
	// partial writes show up after a crash.
	if latest, ok := live.latest(); ok {
		key := CacheKey{ConversationID: conv, ShardID: latest.ID}
		if err := s.cache.View(ctx, key, s.loader(st, key), func([]Message) {}); err != nil {
			return storageErr("open", conv, err)
		}
	}

	st.ready = true
	return nil
}

// loader reads a shard file and reconciles the index with its content.
// A shard the durable index does not list is new: a file already under its
// name is an orphan, so it is set aside and the shard starts empty.
func (s *ShardedStore) loader(st *convState, key CacheKey) LoadFunc {
	return func(context.Context) ([]Message, error) {
		if !s.durablyListed(key) {
			moved, err := s.fs.setAsideShard(key.ConversationID, key.ShardID, s.now())
			switch {
			case err != nil:
				s.log.Error("chatstore.shard.orphan.fail", "conversation_id", key.ConversationID, "shard_id", key.ShardID, "err", err)
			case moved != "":
				s.log.Warn("chatstore.shard.orphan", "conversation_id", key.ConversationID, "shard_id", key.ShardID, "moved_to", moved)
			}
			return []Message{}, nil
		}

		msgs, size, err := s.fs.readShard(key.ConversationID, key.ShardID)
		if errors.Is(err, fs.ErrNotExist) {
			st.idxMu.Lock()
			i, known := st.index.find(key.ShardID)
			referenced := known && st.index.Shards[i].Count > 0
			st.idxMu.Unlock()
			if referenced {
				s.log.Warn("chatstore.shard.missing", "conversation_id", key.ConversationID, "shard_id", key.ShardID)
			}
			return []Message{}, nil
		}
		if err != nil {
			return nil, err
		}
		s.reconcile(st, key, msgs, size)
		return msgs, nil
	}
}

func (s *ShardedStore) durablyListed(key CacheKey) bool {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	d := s.durable[key.ConversationID]
	if d == nil {
		return false
	}
	_, ok := d.find(key.ShardID)
	return ok
}

// reconcile repairs index metadata that disagrees with a shard file, as left
// behind by a crash between the shard write and the index write.
func (s *ShardedStore) reconcile(st *convState, key CacheKey, msgs []Message, size int64) {
	if len(msgs) == 0 {
		return
	}
	fileMeta := metaFromMessages(key.ShardID, msgs, size, s.now())

	st.idxMu.Lock()
	i, known := st.index.find(key.ShardID)
	liveChanged := !known || !st.index.Shards[i].sameContent(fileMeta)
	if liveChanged {
		st.index.upsert(fileMeta)
	}
	st.idxMu.Unlock()

	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	d := s.durable[key.ConversationID]
	if d == nil {
		return
	}
	j, dknown := d.find(key.ShardID)
	if dknown && d.Shards[j].sameContent(fileMeta) {
		return
	}
	d.upsert(fileMeta)
	d.LastUpdated = s.now()
	if err := s.fs.writeIndex(d); err != nil {
		s.log.Error("chatstore.index.write.fail", "conversation_id", key.ConversationID, "err", err)
		return
	}
	s.metrics.reconcile()
	s.log.Warn("chatstore.shard.reconciled",
		"conversation_id", key.ConversationID,
		"shard_id", key.ShardID,
		"count", fileMeta.Count,
		"last_seq", fileMeta.LastSeq,
	)
}

// flushShard writes one shard and then records it in the durable index.
func (s *ShardedStore) flushShard(_ context.Context, key CacheKey, msgs []Message) error {
	size, err := s.fs.writeShard(key.ConversationID, key.ShardID, msgs)
	if err != nil {
		return err
	}
	meta := metaFromMessages(key.ShardID, msgs, size, s.now())

	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	d := s.durable[key.ConversationID]
	if d == nil {
		ix, err := s.fs.readIndex(key.ConversationID)
		if err != nil {
			return err
		}
		if ix == nil {
			ix = newShardIndex(key.ConversationID, s.now())
		}
		d = ix
		s.durable[key.ConversationID] = d
	}
	d.upsert(meta)
	d.LastUpdated = s.now()
	return s.fs.writeIndex(d)
}
