package chatstore

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultMaxMessagesPerShard is the rotation threshold for a shard.
	DefaultMaxMessagesPerShard = 1000

	bucketLayout = "2006_01"
)

// ShardMeta describes one shard file of a conversation.
type ShardMeta struct {
	ID        string    `json:"id"`
	Bucket    string    `json:"bucket,omitempty"`
	Number    int       `json:"number"`
	StartTS   time.Time `json:"start_ts"`
	EndTS     time.Time `json:"end_ts"`
	Count     int       `json:"count"`
	Bytes     int64     `json:"bytes"`
	LastSeq   int64     `json:"last_seq"`
	CreatedAt time.Time `json:"created_at"`
}

// monthBucket returns the YYYY_MM bucket of ts in UTC.
func monthBucket(ts time.Time) string {
	return ts.UTC().Format(bucketLayout)
}

// shardID formats a live shard id as YYYY_MM_N.
func shardID(bucket string, n int) string {
	return bucket + "_" + strconv.Itoa(n)
}

// migratedShardID formats the sequential ids written by the Migrator.
func migratedShardID(n int) string {
	return fmt.Sprintf("%06d", n)
}

// parseShardID splits a shard id into bucket and rotation number.
// Migrated shards have an empty bucket.
func parseShardID(id string) (string, int, bool) {
	if n, err := strconv.Atoi(id); err == nil && len(id) == 6 {
		return "", n, true
	}
	i := strings.LastIndexByte(id, '_')
	if i <= 0 {
		return "", 0, false
	}
	bucket := id[:i]
	if _, err := time.Parse(bucketLayout, bucket); err != nil {
		return "", 0, false
	}
	n, err := strconv.Atoi(id[i+1:])
	if err != nil || n <= 0 {
		return "", 0, false
	}
	return bucket, n, true
}

// metaFromMessages derives shard metadata from its content.
func metaFromMessages(id string, msgs []Message, size int64, createdAt time.Time) ShardMeta {
	bucket, n, _ := parseShardID(id)
	m := ShardMeta{
		ID:        id,
		Bucket:    bucket,
		Number:    n,
		Count:     len(msgs),
		Bytes:     size,
		CreatedAt: createdAt,
	}
	for i, msg := range msgs {
		if i == 0 || msg.Timestamp.Before(m.StartTS) {
			m.StartTS = msg.Timestamp
		}
		if i == 0 || msg.Timestamp.After(m.EndTS) {
			m.EndTS = msg.Timestamp
		}
		if msg.Seq > m.LastSeq {
			m.LastSeq = msg.Seq
		}
	}
	return m
}

// sameContent reports whether two metas describe the same shard content.
func (m ShardMeta) sameContent(o ShardMeta) bool {
	return m.Count == o.Count &&
		m.LastSeq == o.LastSeq &&
		m.StartTS.Equal(o.StartTS) &&
		m.EndTS.Equal(o.EndTS)
}

// include widens the meta to cover msg.
func (m *ShardMeta) include(msg Message) {
	if m.Count == 0 || msg.Timestamp.Before(m.StartTS) {
		m.StartTS = msg.Timestamp
	}
	if m.Count == 0 || msg.Timestamp.After(m.EndTS) {
		m.EndTS = msg.Timestamp
	}
	if msg.Seq > m.LastSeq {
		m.LastSeq = msg.Seq
	}
	m.Count++
}
