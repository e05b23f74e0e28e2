package chatstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultMigrationChunkSize is the number of messages per migrated shard.
const DefaultMigrationChunkSize = 500

// MigrationResult summarizes one conversation migration.
type MigrationResult struct {
	ConversationID string `json:"conversationId"`
	Messages       int    `json:"messages"`
	Shards         int    `json:"shards"`
	Skipped        bool   `json:"skipped"`
}

// Migrator converts legacy single-file histories into sharded layout.
// The legacy file is renamed to <conv>.json.migrated only after every shard
// has been re-read and matched against it; on any mismatch the partial
// shards are removed and the legacy file is left untouched.
type Migrator struct {
	fs        shardFS
	chunkSize int
	log       *slog.Logger
	now       func() time.Time

	// afterWrite runs between writing and verifying; tests use it to damage output.
	afterWrite func(conv string) error
}

// MigratorOption configures a Migrator.
type MigratorOption func(*Migrator)

// WithChunkSize sets the number of messages per shard.
func WithChunkSize(n int) MigratorOption {
	return func(m *Migrator) {
		if n > 0 {
			m.chunkSize = n
		}
	}
}

// WithMigratorLogger sets the migration logger.
func WithMigratorLogger(log *slog.Logger) MigratorOption {
	return func(m *Migrator) {
		if log != nil {
			m.log = log
		}
	}
}

func NewMigrator(dir string, opts ...MigratorOption) *Migrator {
	m := &Migrator{
		fs:        shardFS{root: dir},
		chunkSize: DefaultMigrationChunkSize,
		log:       slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Migrate shards one conversation. It is a no-op when the conversation is
// already indexed or has no legacy file.
func (m *Migrator) Migrate(ctx context.Context, conv string) (MigrationResult, error) {
	res := MigrationResult{ConversationID: conv}
	if !validConversationKey(conv) {
		return res, invalidf("conversation id %q", conv)
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	ix, err := m.fs.readIndex(conv)
	if err != nil {
		return res, err
	}
	if ix != nil {
		res.Skipped = true
		return res, nil
	}
	msgs, ok, err := m.fs.readLegacy(conv)
	if err != nil {
		return res, &MigrationError{ConversationID: conv, Reason: "read legacy file", Err: err}
	}
	if !ok {
		res.Skipped = true
		return res, nil
	}

	assignLegacySeq(msgs)
	sortMessages(msgs)

	start := time.Now()
	written, err := m.write(conv, msgs)
	if err == nil && m.afterWrite != nil {
		err = m.afterWrite(conv)
	}
	if err == nil {
		err = m.verify(conv, msgs)
	}
	if err != nil {
		m.cleanup(conv, written)
		var me *MigrationError
		if !errors.As(err, &me) {
			err = &MigrationError{ConversationID: conv, Reason: "write shards", Err: err}
		}
		m.log.Error("chatstore.migrate.fail", "conversation_id", conv, "err", err)
		return res, err
	}

	if err := m.fs.markLegacyMigrated(conv); err != nil {
		m.log.Warn("chatstore.migrate.rename.fail", "conversation_id", conv, "err", err)
	}

	res.Messages = len(msgs)
	res.Shards = len(written)
	m.log.Info("chatstore.migrate.ok",
		"conversation_id", conv,
		"messages", res.Messages,
		"shards", res.Shards,
		"dur_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// MigrateAll migrates every legacy conversation in the data directory, at
// most parallel at a time. Failures of one conversation do not stop others.
func (m *Migrator) MigrateAll(ctx context.Context, parallel int) ([]MigrationResult, error) {
	convs, err := m.fs.legacyConversations()
	if err != nil {
		return nil, err
	}
	if parallel <= 0 {
		parallel = 1
	}

	var (
		mu      sync.Mutex
		results = make([]MigrationResult, len(convs))
		errs    []error
	)
	var g errgroup.Group
	g.SetLimit(parallel)
	for i, conv := range convs {
		g.Go(func() error {
			res, err := m.Migrate(ctx, conv)
			results[i] = res
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

func (m *Migrator) write(conv string, msgs []Message) ([]string, error) {
	now := m.now()
	ix := newShardIndex(conv, now)
	var written []string

	for i, n := 0, 1; i < len(msgs); i, n = i+m.chunkSize, n+1 {
		end := min(i+m.chunkSize, len(msgs))
		chunk := msgs[i:end]
		id := migratedShardID(n)
		size, err := m.fs.writeShard(conv, id, chunk)
		if err != nil {
			return written, err
		}
		written = append(written, id)
		ix.upsert(metaFromMessages(id, chunk, size, now))
	}

	ix.LastUpdated = now
	if err := m.fs.writeIndex(ix); err != nil {
		return written, err
	}
	return written, nil
}

// verify re-reads the index and every shard and compares message ids in order.
func (m *Migrator) verify(conv string, want []Message) error {
	ix, err := m.fs.readIndex(conv)
	if err != nil {
		return &MigrationError{ConversationID: conv, Reason: "read index", Err: err}
	}
	if ix == nil {
		return &MigrationError{ConversationID: conv, Reason: "index missing after write"}
	}
	if ix.TotalMessages != len(want) {
		return &MigrationError{
			ConversationID: conv,
			Reason:         fmt.Sprintf("index counts %d messages, legacy file has %d", ix.TotalMessages, len(want)),
		}
	}

	pos := 0
	for _, sh := range ix.Shards {
		got, _, err := m.fs.readShard(conv, sh.ID)
		if err != nil {
			return &MigrationError{ConversationID: conv, Reason: "read shard " + sh.ID, Err: err}
		}
		if len(got) != sh.Count {
			return &MigrationError{
				ConversationID: conv,
				Reason:         fmt.Sprintf("shard %s holds %d messages, index says %d", sh.ID, len(got), sh.Count),
			}
		}
		for _, g := range got {
			if pos >= len(want) || want[pos].ID != g.ID {
				return &MigrationError{ConversationID: conv, Reason: fmt.Sprintf("message mismatch at position %d", pos)}
			}
			pos++
		}
	}
	if pos != len(want) {
		return &MigrationError{ConversationID: conv, Reason: fmt.Sprintf("shards hold %d messages, legacy file has %d", pos, len(want))}
	}
	return nil
}

func (m *Migrator) cleanup(conv string, shards []string) {
	for _, id := range shards {
		if err := m.fs.removeShard(conv, id); err != nil {
			m.log.Warn("chatstore.migrate.cleanup.fail", "conversation_id", conv, "shard_id", id, "err", err)
		}
	}
	if err := m.fs.removeIndex(conv); err != nil {
		m.log.Warn("chatstore.migrate.cleanup.fail", "conversation_id", conv, "err", err)
	}
	// Only succeeds when empty, so nothing written by others is lost.
	_ = os.Remove(filepath.Join(m.fs.convDir(conv), shardsDirName))
	_ = os.Remove(m.fs.convDir(conv))
}
