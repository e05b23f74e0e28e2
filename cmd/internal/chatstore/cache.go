package chatstore

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	DefaultCacheCapacity = 256
	DefaultCacheTTL      = 30 * time.Minute
	DefaultFlushInterval = 5 * time.Second
)

// CacheKey identifies one shard of one conversation.
type CacheKey struct {
	ConversationID string
	ShardID        string
}

func (k CacheKey) String() string { return k.ConversationID + "/" + k.ShardID }

// LoadFunc reads a shard that is not cached.
type LoadFunc func(ctx context.Context) ([]Message, error)

// FlushFunc persists a snapshot of a dirty shard.
type FlushFunc func(ctx context.Context, key CacheKey, msgs []Message) error

// CacheConfig sizes the shard cache.
type CacheConfig struct {
	// Capacity is the maximum number of cached shards.
	Capacity int
	// TTL drops entries that were not touched for this long.
	TTL time.Duration
	// FlushInterval is the period of the background flush; negative disables it.
	FlushInterval time.Duration
}

func (c CacheConfig) withDefaults() CacheConfig {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCacheCapacity
	}
	if c.TTL <= 0 {
		c.TTL = DefaultCacheTTL
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	return c
}

// CacheOption configures optional ShardCache dependencies.
type CacheOption func(*ShardCache)

// WithCacheLogger sets the cache logger.
func WithCacheLogger(log *slog.Logger) CacheOption {
	return func(c *ShardCache) {
		if log != nil {
			c.log = log
		}
	}
}

// WithCacheMetrics enables cache instrumentation.
func WithCacheMetrics(m *Metrics) CacheOption {
	return func(c *ShardCache) { c.metrics = m }
}

func withCacheClock(now func() time.Time) CacheOption {
	return func(c *ShardCache) {
		if now != nil {
			c.now = now
		}
	}
}

// ShardCache is a write-back LRU cache of shard contents.
//
// Writes only touch memory and mark the entry dirty; dirty entries reach disk
// through the periodic flush, FlushKey, Close, or when they are chosen for
// eviction. A dirty entry is never dropped before a successful flush: if every
// eviction candidate fails to flush, admission returns ErrCacheExhausted.
// Disk I/O always happens with the cache mutex released.
type ShardCache struct {
	cfg     CacheConfig
	flush   FlushFunc
	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu      sync.Mutex
	cond    *sync.Cond
	entries map[CacheKey]*cacheEntry
	lru     *list.List // front = most recently used
	closed  bool

	loads singleflight.Group

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type cacheEntry struct {
	key       CacheKey
	msgs      []Message // ordered by (timestamp, seq)
	dirty     bool
	flushing  bool
	version   uint64
	expiresAt time.Time
	elem      *list.Element
}

// CacheStats is a point-in-time view of the cache.
type CacheStats struct {
	Entries int
	Dirty   int
}

// NewShardCache constructs a cache and starts its flush loop.
func NewShardCache(cfg CacheConfig, flush FlushFunc, opts ...CacheOption) *ShardCache {
	c := &ShardCache{
		cfg:     cfg.withDefaults(),
		flush:   flush,
		log:     slog.Default(),
		now:     time.Now,
		entries: make(map[CacheKey]*cacheEntry),
		lru:     list.New(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	if c.cfg.FlushInterval > 0 {
		go c.run(c.cfg.FlushInterval)
	} else {
		close(c.done)
	}
	return c
}

// Get returns a copy of the shard, loading it on a miss. Concurrent misses
// for the same key share one load.
func (c *ShardCache) Get(ctx context.Context, key CacheKey, load LoadFunc) ([]Message, error) {
	var out []Message
	err := c.View(ctx, key, load, func(msgs []Message) { out = cloneMessages(msgs) })
	return out, err
}

// View calls fn with the shard contents. fn must not retain or modify msgs
// and must not call back into the cache.
func (c *ShardCache) View(ctx context.Context, key CacheKey, load LoadFunc, fn func(msgs []Message)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if e, ok := c.entries[key]; ok {
		c.touchLocked(e)
		fn(e.msgs)
		c.mu.Unlock()
		c.metrics.hit()
		return nil
	}
	c.mu.Unlock()
	c.metrics.miss()

	msgs, err := c.fill(ctx, key, load)
	if err != nil {
		return err
	}
	fn(msgs)
	return nil
}

// AddMessage upserts msg into the shard by id and marks the entry dirty.
func (c *ShardCache) AddMessage(ctx context.Context, key CacheKey, msg Message, load LoadFunc) error {
	for attempt := 0; attempt < 3; attempt++ {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		if e, ok := c.entries[key]; ok {
			e.msgs = upsertMessage(e.msgs, msg)
			e.dirty = true
			e.version++
			c.touchLocked(e)
			c.reportLocked()
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		c.metrics.miss()

		if _, err := c.fill(ctx, key, load); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: shard %s evicted during write", ErrCacheExhausted, key)
}

// FlushKey writes the entry for key if it is dirty.
func (c *ShardCache) FlushKey(ctx context.Context, key CacheKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	for e.flushing {
		c.cond.Wait()
	}
	if c.entries[key] != e || !e.dirty {
		return nil
	}
	return c.flushEntryLocked(ctx, e)
}

// FlushAll writes every dirty entry and drops expired clean ones.
// Entries whose flush fails stay dirty and are retried on the next call.
func (c *ShardCache) FlushAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, e := range c.dirtyLocked() {
		for e.flushing {
			c.cond.Wait()
		}
		if c.entries[e.key] != e || !e.dirty {
			continue
		}
		if err := c.flushEntryLocked(ctx, e); err != nil {
			c.log.Warn("chatstore.cache.flush.fail", "conversation_id", e.key.ConversationID, "shard_id", e.key.ShardID, "err", err)
			errs = append(errs, fmt.Errorf("flush %s: %w", e.key, err))
		}
	}

	now := c.now()
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*cacheEntry)
		if !e.dirty && !e.flushing && now.After(e.expiresAt) {
			c.removeLocked(e)
			c.metrics.evicted()
		}
		el = prev
	}
	c.reportLocked()
	return errors.Join(errs...)
}

// Close stops the flush loop and synchronously flushes all dirty entries.
func (c *ShardCache) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		close(c.stop)
		<-c.done
		err = c.FlushAll(ctx)
	})
	return err
}

// Stats reports the entry and dirty counts.
func (c *ShardCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Entries: len(c.entries), Dirty: c.dirtyCountLocked()}
}

// Contains reports whether key is cached, without touching recency.
func (c *ShardCache) Contains(key CacheKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

func (c *ShardCache) run(interval time.Duration) {
	defer close(c.done)

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 4*interval)
			if err := c.FlushAll(ctx); err != nil {
				c.log.Warn("chatstore.cache.flush.partial", "err", err)
			}
			cancel()
		}
	}
}

func (c *ShardCache) fill(ctx context.Context, key CacheKey, load LoadFunc) ([]Message, error) {
	v, err, _ := c.loads.Do(key.String(), func() (any, error) {
		c.mu.Lock()
		if e, ok := c.entries[key]; ok {
			msgs := cloneMessages(e.msgs)
			c.touchLocked(e)
			c.mu.Unlock()
			return msgs, nil
		}
		c.mu.Unlock()

		msgs, err := load(ctx)
		if err != nil {
			return nil, err
		}
		sortMessages(msgs)
		if err := c.admit(ctx, key, msgs); err != nil {
			return nil, err
		}
		return msgs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Message), nil
}

func (c *ShardCache) admit(ctx context.Context, key CacheKey, msgs []Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if e, ok := c.entries[key]; ok {
		c.touchLocked(e)
		return nil
	}
	if err := c.makeRoomLocked(ctx); err != nil {
		return err
	}
	if e, ok := c.entries[key]; ok {
		c.touchLocked(e)
		return nil
	}

	e := &cacheEntry{
		key:       key,
		msgs:      cloneMessages(msgs),
		expiresAt: c.now().Add(c.cfg.TTL),
	}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
	c.reportLocked()
	return nil
}

// makeRoomLocked evicts from the LRU tail until one more entry fits.
// Dirty victims are flushed first and only dropped when the flush succeeds.
func (c *ShardCache) makeRoomLocked(ctx context.Context) error {
	failed := make(map[CacheKey]struct{})
	for len(c.entries) >= c.cfg.Capacity {
		victim, busy := c.victimLocked(failed)
		if victim == nil {
			if busy {
				c.cond.Wait()
				continue
			}
			c.log.Error("chatstore.cache.exhausted", "entries", len(c.entries), "unflushable", len(failed))
			return ErrCacheExhausted
		}

		if victim.dirty {
			if err := c.flushEntryLocked(ctx, victim); err != nil {
				c.log.Warn("chatstore.cache.evict.flush_fail",
					"conversation_id", victim.key.ConversationID,
					"shard_id", victim.key.ShardID,
					"err", err,
				)
				failed[victim.key] = struct{}{}
				continue
			}
			// A write during the flush makes the entry dirty again; pick again.
			if c.entries[victim.key] != victim || victim.dirty || victim.flushing {
				continue
			}
		}

		c.removeLocked(victim)
		c.metrics.evicted()
	}
	return nil
}

// victimLocked returns the least recently used entry that is not being
// flushed and has not failed a flush in this round.
func (c *ShardCache) victimLocked(failed map[CacheKey]struct{}) (*cacheEntry, bool) {
	busy := false
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*cacheEntry)
		if e.flushing {
			busy = true
			continue
		}
		if _, ok := failed[e.key]; ok {
			continue
		}
		return e, busy
	}
	return nil, busy
}

// flushEntryLocked writes a snapshot of e with the mutex released.
// The entry turns clean only if no write happened meanwhile.
func (c *ShardCache) flushEntryLocked(ctx context.Context, e *cacheEntry) error {
	snap := cloneMessages(e.msgs)
	ver := e.version
	e.flushing = true

	c.mu.Unlock()
	err := c.flush(context.WithoutCancel(ctx), e.key, snap)
	c.mu.Lock()

	e.flushing = false
	if err == nil && e.version == ver {
		e.dirty = false
	}
	c.cond.Broadcast()
	c.metrics.flushed(err)
	c.reportLocked()
	return err
}

// dirtyLocked returns dirty entries, least recently used first.
func (c *ShardCache) dirtyLocked() []*cacheEntry {
	var out []*cacheEntry
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		if e := el.Value.(*cacheEntry); e.dirty {
			out = append(out, e)
		}
	}
	return out
}

// dirtyConversations returns the conversations with a dirty or flushing shard.
func (c *ShardCache) dirtyConversations() map[string]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]struct{})
	for k, e := range c.entries {
		if e.dirty || e.flushing {
			out[k.ConversationID] = struct{}{}
		}
	}
	return out
}

func (c *ShardCache) dirtyCountLocked() int {
	n := 0
	for _, e := range c.entries {
		if e.dirty {
			n++
		}
	}
	return n
}

func (c *ShardCache) touchLocked(e *cacheEntry) {
	c.lru.MoveToFront(e.elem)
	e.expiresAt = c.now().Add(c.cfg.TTL)
}

func (c *ShardCache) removeLocked(e *cacheEntry) {
	c.lru.Remove(e.elem)
	delete(c.entries, e.key)
}

func (c *ShardCache) reportLocked() {
	if c.metrics == nil {
		return
	}
	c.metrics.cacheSize(len(c.entries), c.dirtyCountLocked())
}

// upsertMessage replaces the message with the same id or inserts msg in order.
func upsertMessage(msgs []Message, msg Message) []Message {
	for i := range msgs {
		if msgs[i].ID == msg.ID {
			msgs = append(msgs[:i], msgs[i+1:]...)
			break
		}
	}
	at := sort.Search(len(msgs), func(i int) bool { return msg.Before(msgs[i]) })
	msgs = append(msgs, Message{})
	copy(msgs[at+1:], msgs[at:])
	msgs[at] = msg
	return msgs
}
