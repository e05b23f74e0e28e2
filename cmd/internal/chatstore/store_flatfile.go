package chatstore

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// FlatFileStore keeps each conversation in a single <dir>/<conversation>.json
// file. Every append rewrites the whole file, so it suits small deployments
// and serves as the source format for migration to ShardedStore.
type FlatFileStore struct {
	fs    shardFS
	log   *slog.Logger
	locks *keyedMutex
	now   func() time.Time
}

// NewFlatFileStore constructs a FlatFileStore rooted at dir.
func NewFlatFileStore(dir string, log *slog.Logger) (*FlatFileStore, error) {
	if dir == "" {
		return nil, errors.New("chatstore: empty data dir")
	}
	if log == nil {
		log = slog.Default()
	}
	return &FlatFileStore{
		fs:    shardFS{root: dir},
		log:   log,
		locks: newKeyedMutex(),
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close is a no-op; every append is already on disk.
func (s *FlatFileStore) Close() error { return nil }

func (s *FlatFileStore) load(conv string) ([]Message, error) {
	msgs, _, err := s.fs.readLegacy(conv)
	if err != nil {
		return nil, err
	}
	assignLegacySeq(msgs)
	sortMessages(msgs)
	return msgs, nil
}

// AppendMessage rewrites the conversation file with msg added.
func (s *FlatFileStore) AppendMessage(ctx context.Context, conversationID string, msg Message) (AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}
	msg, err := prepareAppend(conversationID, msg, s.now)
	if err != nil {
		return AppendResult{}, err
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	msgs, err := s.load(conversationID)
	if err != nil {
		return AppendResult{}, storageErr("read", conversationID, err)
	}

	var maxSeq int64
	for _, m := range msgs {
		if m.ID == msg.ID {
			return AppendResult{Stored: m, Duplicated: true}, nil
		}
		if m.Seq > maxSeq {
			maxSeq = m.Seq
		}
	}

	msg.Seq = maxSeq + 1
	msgs = append(msgs, msg)
	sortMessages(msgs)

	if err := s.fs.writeLegacy(conversationID, msgs); err != nil {
		s.log.Error("chatstore.flatfile.write.fail", "conversation_id", conversationID, "err", err)
		return AppendResult{}, storageErr("write", conversationID, err)
	}
	return AppendResult{Stored: msg}, nil
}

// RecentMessages returns the newest limit messages, oldest first.
func (s *FlatFileStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if err := checkQuery(conversationID, limit); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msgs, err := s.load(conversationID)
	if err != nil {
		return nil, storageErr("read", conversationID, err)
	}
	return newestN(msgs, limit), nil
}

// MessagesBefore returns up to limit messages strictly before cursorID, oldest first.
func (s *FlatFileStore) MessagesBefore(ctx context.Context, conversationID, cursorID string, limit int) ([]Message, error) {
	if err := checkQuery(conversationID, limit); err != nil {
		return nil, err
	}
	if err := checkCursor(cursorID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msgs, err := s.load(conversationID)
	if err != nil {
		return nil, storageErr("read", conversationID, err)
	}
	return windowBefore(msgs, cursorID, limit)
}
