// Package chatstore persists one-to-one chat history and serves it back in
// cursor-paginated pages.
//
// Every backend implements MessageStore. History inside a conversation is
// totally ordered by (Timestamp, Seq); Seq is assigned by the store in
// insertion order, so messages sharing a timestamp still have a stable
// position and "strictly before the cursor" never skips or repeats a message.
//
// The sharded backend splits a conversation into month-bucketed shard files
// described by a per-conversation index, and keeps hot shards in a write-back
// LRU cache (ShardCache). Legacy single-file histories are converted by the
// Migrator.
package chatstore
