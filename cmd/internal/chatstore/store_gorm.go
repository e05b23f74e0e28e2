package chatstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// gormMessage is the relational row of a Message. Timestamps are kept as Unix
// nanoseconds so ordering does not depend on the dialect's time encoding.
type gormMessage struct {
	ConversationID string `gorm:"primaryKey;size:255;index:idx_chat_messages_order,priority:1"`
	ID             string `gorm:"primaryKey;size:255"`
	Seq            int64  `gorm:"not null;index:idx_chat_messages_order,priority:3"`
	SenderID       string `gorm:"size:255;not null"`
	Content        string `gorm:"not null"`
	Type           string `gorm:"size:16;not null;default:text"`
	FileName       string
	FileSize       int64
	TSNano         int64 `gorm:"column:ts_nano;not null;index:idx_chat_messages_order,priority:2"`
}

func (gormMessage) TableName() string { return "chat_messages" }

func (r gormMessage) message() Message {
	return Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		Content:        r.Content,
		Type:           MessageType(r.Type),
		FileName:       r.FileName,
		FileSize:       r.FileSize,
		Timestamp:      time.Unix(0, r.TSNano).UTC(),
		Seq:            r.Seq,
	}
}

// GormStore is a MessageStore on any gorm dialector; the server uses SQLite.
//
// GormStore does not own db. SQLite allows one writer at a time, so appends
// are also serialized per conversation in-process.
type GormStore struct {
	db    *gorm.DB
	locks *keyedMutex
}

// NewGormStore migrates the message table and returns the store.
func NewGormStore(ctx context.Context, db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("chatstore: nil gorm db")
	}
	if err := db.WithContext(ctx).AutoMigrate(&gormMessage{}); err != nil {
		return nil, storageErr("migrate", "", err)
	}
	return &GormStore{db: db, locks: newKeyedMutex()}, nil
}

func (s *GormStore) Close() error { return nil }

func (s *GormStore) AppendMessage(ctx context.Context, conversationID string, msg Message) (AppendResult, error) {
	msg, err := prepareAppend(conversationID, msg, nowUTC)
	if err != nil {
		return AppendResult{}, err
	}
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	var res AppendResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing gormMessage
		err := tx.Where("conversation_id = ? AND id = ?", conversationID, msg.ID).Take(&existing).Error
		if err == nil {
			res = AppendResult{Stored: existing.message(), Duplicated: true}
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var maxSeq int64
		if err := tx.Model(&gormMessage{}).
			Where("conversation_id = ?", conversationID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&maxSeq).Error; err != nil {
			return err
		}
		msg.Seq = maxSeq + 1

		row := gormMessage{
			ConversationID: conversationID,
			ID:             msg.ID,
			Seq:            msg.Seq,
			SenderID:       msg.SenderID,
			Content:        msg.Content,
			Type:           string(msg.Type),
			FileName:       msg.FileName,
			FileSize:       msg.FileSize,
			TSNano:         msg.Timestamp.UnixNano(),
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		res = AppendResult{Stored: msg}
		return nil
	})
	if err != nil {
		return AppendResult{}, storageErr("append", conversationID, err)
	}
	return res, nil
}

func (s *GormStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if err := checkQuery(conversationID, limit); err != nil {
		return nil, err
	}
	var rows []gormMessage
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("ts_nano DESC, seq DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, storageErr("recent", conversationID, err)
	}
	return reverseRows(rows), nil
}

func (s *GormStore) MessagesBefore(ctx context.Context, conversationID, cursorID string, limit int) ([]Message, error) {
	if err := checkQuery(conversationID, limit); err != nil {
		return nil, err
	}
	if err := checkCursor(cursorID); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)

	var cursor gormMessage
	err := db.Where("conversation_id = ? AND id = ?", conversationID, cursorID).Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCursorNotFound
	}
	if err != nil {
		return nil, storageErr("before", conversationID, err)
	}

	var rows []gormMessage
	err = db.
		Where("conversation_id = ? AND (ts_nano < ? OR (ts_nano = ? AND seq < ?))",
			conversationID, cursor.TSNano, cursor.TSNano, cursor.Seq).
		Order("ts_nano DESC, seq DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, storageErr("before", conversationID, err)
	}
	return reverseRows(rows), nil
}

func reverseRows(rows []gormMessage) []Message {
	out := make([]Message, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = r.message()
	}
	return out
}
