package chatstore

import (
	"sort"
	"time"
)

// ShardIndex lists the shards of one conversation.
//
// The copy on disk is a durable manifest: it only names shard data that has
// been written. The in-memory copy held by ShardedStore may run ahead of it
// while shards are dirty in the cache.
type ShardIndex struct {
	ConversationID string      `json:"conversation_id"`
	Shards         []ShardMeta `json:"shards"`
	TotalMessages  int         `json:"total_messages"`
	TotalShards    int         `json:"total_shards"`
	NextSeq        int64       `json:"next_seq"`
	LastUpdated    time.Time   `json:"last_updated"`
}

func newShardIndex(conv string, now time.Time) *ShardIndex {
	return &ShardIndex{
		ConversationID: conv,
		Shards:         []ShardMeta{},
		NextSeq:        1,
		LastUpdated:    now,
	}
}

func (ix *ShardIndex) clone() *ShardIndex {
	if ix == nil {
		return nil
	}
	cp := *ix
	cp.Shards = append([]ShardMeta(nil), ix.Shards...)
	return &cp
}

func (ix *ShardIndex) find(id string) (int, bool) {
	for i := range ix.Shards {
		if ix.Shards[i].ID == id {
			return i, true
		}
	}
	return -1, false
}

// upsert replaces or adds meta, keeping the original CreatedAt.
func (ix *ShardIndex) upsert(meta ShardMeta) {
	if i, ok := ix.find(meta.ID); ok {
		if !ix.Shards[i].CreatedAt.IsZero() {
			meta.CreatedAt = ix.Shards[i].CreatedAt
		}
		ix.Shards[i] = meta
	} else {
		ix.Shards = append(ix.Shards, meta)
	}
	if meta.LastSeq >= ix.NextSeq {
		ix.NextSeq = meta.LastSeq + 1
	}
	ix.recount()
}

func (ix *ShardIndex) recount() {
	total := 0
	for _, s := range ix.Shards {
		total += s.Count
	}
	ix.TotalMessages = total
	ix.TotalShards = len(ix.Shards)
	if ix.NextSeq < 1 {
		ix.NextSeq = 1
	}
}

// target returns the shard a message stamped ts is written to, adding a new
// shard when the newest shard of the month bucket is full.
func (ix *ShardIndex) target(ts time.Time, maxPerShard int, now time.Time) ShardMeta {
	bucket := monthBucket(ts)
	best := -1
	for i, s := range ix.Shards {
		if s.Bucket != bucket {
			continue
		}
		if best < 0 || s.Number > ix.Shards[best].Number {
			best = i
		}
	}
	if best >= 0 && ix.Shards[best].Count < maxPerShard {
		return ix.Shards[best]
	}

	n := 1
	if best >= 0 {
		n = ix.Shards[best].Number + 1
	}
	meta := ShardMeta{
		ID:        shardID(bucket, n),
		Bucket:    bucket,
		Number:    n,
		CreatedAt: now,
	}
	ix.Shards = append(ix.Shards, meta)
	ix.recount()
	return meta
}

// newestFirst returns the shards ordered by end timestamp, newest first.
func (ix *ShardIndex) newestFirst() []ShardMeta {
	out := append([]ShardMeta(nil), ix.Shards...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].EndTS.Equal(out[j].EndTS) {
			return out[i].EndTS.After(out[j].EndTS)
		}
		if out[i].LastSeq != out[j].LastSeq {
			return out[i].LastSeq > out[j].LastSeq
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// latest returns the shard holding the newest message.
func (ix *ShardIndex) latest() (ShardMeta, bool) {
	if len(ix.Shards) == 0 {
		return ShardMeta{}, false
	}
	return ix.newestFirst()[0], true
}
