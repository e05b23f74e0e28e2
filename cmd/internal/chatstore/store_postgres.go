package chatstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Appends take a per-conversation transactional advisory lock, so seq
//     allocation is gap-free and duplicates never consume a seq.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "whisper").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chatstore: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chatstore: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "whisper",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chatstore: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the schema and tables when they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PostgresSchemaSQL(s.schema)); err != nil {
		return storageErr("ensure_schema", "", err)
	}
	return nil
}

// PostgresSchemaSQL returns the DDL for the message tables in schema.
func PostgresSchemaSQL(schema string) string {
	cursors := pgIdent(schema, "conversation_cursors")
	messages := pgIdent(schema, "messages")
	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  conversation_id TEXT PRIMARY KEY,
  next_seq        BIGINT NOT NULL DEFAULT 1,
  updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  conversation_id TEXT NOT NULL,
  id              TEXT NOT NULL,
  seq             BIGINT NOT NULL,
  sender_id       TEXT NOT NULL,
  content         TEXT NOT NULL,
  type            TEXT NOT NULL DEFAULT 'text',
  file_name       TEXT NOT NULL DEFAULT '',
  file_size       BIGINT NOT NULL DEFAULT 0,
  ts              TIMESTAMPTZ NOT NULL,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),

  PRIMARY KEY (conversation_id, id),
  CONSTRAINT uq_messages_conversation_seq UNIQUE (conversation_id, seq),
  CONSTRAINT chk_messages_type CHECK (type IN ('text', 'image', 'video', 'audio', 'file'))
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_ts_seq
  ON %s (conversation_id, ts DESC, seq DESC);
`, pgx.Identifier{schema}.Sanitize(), cursors, messages, messages)
}

// AppendMessage appends a message with idempotency and monotonic sequence allocation.
func (s *PostgresStore) AppendMessage(ctx context.Context, conversationID string, msg Message) (AppendResult, error) {
	msg, err := prepareAppend(conversationID, msg, nowUTC)
	if err != nil {
		return AppendResult{}, err
	}
	// timestamptz keeps microseconds.
	msg.Timestamp = msg.Timestamp.Truncate(time.Microsecond)
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendResult{}, storageErr("append", conversationID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cursors := pgIdent(s.schema, "conversation_cursors")
	messages := pgIdent(s.schema, "messages")

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, conversationID); err != nil {
		return AppendResult{}, storageErr("append", conversationID, fmt.Errorf("advisory lock: %w", err))
	}

	existing, err := scanMessage(tx.QueryRow(ctx,
		`SELECT `+pgMessageColumns+` FROM `+messages+`
		  WHERE conversation_id = $1 AND id = $2`,
		conversationID, msg.ID,
	))
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return AppendResult{}, storageErr("append", conversationID, err)
		}
		return AppendResult{Stored: existing, Duplicated: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AppendResult{}, storageErr("append", conversationID, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (conversation_id, next_seq)
		 VALUES ($1, 1)
		 ON CONFLICT (conversation_id) DO NOTHING`,
		conversationID,
	); err != nil {
		return AppendResult{}, storageErr("append", conversationID, err)
	}

	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE conversation_id = $1
		RETURNING (next_seq - 1)`,
		conversationID,
	).Scan(&msg.Seq); err != nil {
		return AppendResult{}, storageErr("append", conversationID, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     conversation_id, id, seq, sender_id, content, type, file_name, file_size, ts
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		conversationID, msg.ID, msg.Seq, msg.SenderID, msg.Content, string(msg.Type), msg.FileName, msg.FileSize, msg.Timestamp,
	); err != nil {
		return AppendResult{}, storageErr("append", conversationID, fmt.Errorf("insert message: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, storageErr("append", conversationID, err)
	}
	return AppendResult{Stored: msg}, nil
}

// RecentMessages returns the newest limit messages, oldest first.
func (s *PostgresStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if err := checkQuery(conversationID, limit); err != nil {
		return nil, err
	}
	messages := pgIdent(s.schema, "messages")
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgMessageColumns+` FROM `+messages+`
		  WHERE conversation_id = $1
		  ORDER BY ts DESC, seq DESC
		  LIMIT $2`,
		conversationID, limit,
	)
	if err != nil {
		return nil, storageErr("recent", conversationID, err)
	}
	out, err := collectNewestFirst(rows)
	if err != nil {
		return nil, storageErr("recent", conversationID, err)
	}
	return out, nil
}

// MessagesBefore returns up to limit messages that sort strictly before cursorID.
func (s *PostgresStore) MessagesBefore(ctx context.Context, conversationID, cursorID string, limit int) ([]Message, error) {
	if err := checkQuery(conversationID, limit); err != nil {
		return nil, err
	}
	if err := checkCursor(cursorID); err != nil {
		return nil, err
	}
	messages := pgIdent(s.schema, "messages")

	cursor, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+pgMessageColumns+` FROM `+messages+`
		  WHERE conversation_id = $1 AND id = $2`,
		conversationID, cursorID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCursorNotFound
	}
	if err != nil {
		return nil, storageErr("before", conversationID, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+pgMessageColumns+` FROM `+messages+`
		  WHERE conversation_id = $1 AND (ts, seq) < ($2, $3)
		  ORDER BY ts DESC, seq DESC
		  LIMIT $4`,
		conversationID, cursor.Timestamp, cursor.Seq, limit,
	)
	if err != nil {
		return nil, storageErr("before", conversationID, err)
	}
	out, err := collectNewestFirst(rows)
	if err != nil {
		return nil, storageErr("before", conversationID, err)
	}
	return out, nil
}

const pgMessageColumns = `conversation_id, id, seq, sender_id, content, type, file_name, file_size, ts`

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m  Message
		tp string
	)
	if err := row.Scan(&m.ConversationID, &m.ID, &m.Seq, &m.SenderID, &m.Content, &tp, &m.FileName, &m.FileSize, &m.Timestamp); err != nil {
		return Message{}, err
	}
	m.Type = MessageType(tp)
	m.Timestamp = m.Timestamp.UTC()
	return m, nil
}

// collectNewestFirst drains rows ordered newest first and returns them oldest first.
func collectNewestFirst(rows pgx.Rows) ([]Message, error) {
	defer rows.Close()
	out := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
