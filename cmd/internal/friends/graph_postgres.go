package friends

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresGraph implements Graph and Importer over PostgreSQL.
//
// The pgx pool is owned by the caller; this graph must NOT close it.
// Schema identifiers are validated and quoted.
type PostgresGraph struct {
	pool   *pgxpool.Pool
	schema string
}

var (
	_ Graph    = (*PostgresGraph)(nil)
	_ Importer = (*PostgresGraph)(nil)
)

// PostgresOption configures the graph.
type PostgresOption func(*PostgresGraph) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema (default "whisper").
func WithSchema(schema string) PostgresOption {
	return func(g *PostgresGraph) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("friends: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("friends: invalid schema identifier")
		}
		g.schema = schema
		return nil
	}
}

// NewPostgresGraph constructs a PostgresGraph.
func NewPostgresGraph(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresGraph, error) {
	g := &PostgresGraph{pool: pool, schema: "whisper"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	if g.pool == nil {
		return nil, fmt.Errorf("friends: nil pool")
	}
	return g, nil
}

// PostgresSchemaSQL returns the DDL for users and friendships in schema.
func PostgresSchemaSQL(schema string) string {
	users := pgIdent(schema, "users")
	friendships := pgIdent(schema, "friendships")
	return `CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{schema}.Sanitize() + `;
CREATE TABLE IF NOT EXISTS ` + users + ` (
  id                 text PRIMARY KEY,
  username           text NOT NULL,
  username_norm      text NOT NULL,
  nickname           text NOT NULL DEFAULT '',
  email              text NOT NULL DEFAULT '',
  avatar_url         text NOT NULL DEFAULT '',
  role               text NOT NULL DEFAULT 'user',
  password_hash      text NOT NULL,
  status             text NOT NULL DEFAULT 'offline',
  created_at         timestamptz NOT NULL,
  last_login_at      timestamptz,
  last_status_change timestamptz,
  CONSTRAINT uq_users_username_norm UNIQUE (username_norm),
  CONSTRAINT ck_users_status CHECK (status IN ('online', 'offline'))
);
CREATE TABLE IF NOT EXISTS ` + friendships + ` (
  user_id    text NOT NULL REFERENCES ` + users + ` (id) ON DELETE CASCADE,
  friend_id  text NOT NULL REFERENCES ` + users + ` (id) ON DELETE CASCADE,
  created_at timestamptz NOT NULL,
  PRIMARY KEY (user_id, friend_id)
);`
}

// EnsureSchema creates the schema and tables when they do not exist.
func (g *PostgresGraph) EnsureSchema(ctx context.Context) error {
	if _, err := g.pool.Exec(ctx, PostgresSchemaSQL(g.schema)); err != nil {
		return storageErr("friends.ensure_schema", err)
	}
	return nil
}

const pgUserColumns = `id, username, nickname, email, avatar_url, role, password_hash, status,
       created_at, last_login_at, last_status_change`

func scanUser(row pgx.Row) (User, error) {
	var (
		u      User
		status string
	)
	if err := row.Scan(
		&u.ID, &u.Username, &u.Nickname, &u.Email, &u.AvatarURL, &u.Role, &u.PasswordHash, &status,
		&u.CreatedAt, &u.LastLoginAt, &u.LastStatusChange,
	); err != nil {
		return User{}, err
	}
	u.Status = Status(status)
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

func (g *PostgresGraph) userWhere(ctx context.Context, op, where string, arg any) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	row := g.pool.QueryRow(ctx,
		`SELECT `+pgUserColumns+` FROM `+pgIdent(g.schema, "users")+` WHERE `+where, arg)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, notFound(op)
		}
		return User{}, storageErr(op, err)
	}
	if err := g.loadFriendIDs(ctx, &u); err != nil {
		return User{}, storageErr(op, err)
	}
	return u, nil
}

func (g *PostgresGraph) loadFriendIDs(ctx context.Context, u *User) error {
	rows, err := g.pool.Query(ctx,
		`SELECT friend_id FROM `+pgIdent(g.schema, "friendships")+` WHERE user_id = $1 ORDER BY friend_id`, u.ID)
	if err != nil {
		return err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return err
	}
	u.Friends = ids
	return nil
}

func (g *PostgresGraph) UserByID(ctx context.Context, id string) (User, error) {
	return g.userWhere(ctx, "friends.user_by_id", "id = $1", strings.TrimSpace(id))
}

func (g *PostgresGraph) UserByUsername(ctx context.Context, username string) (User, error) {
	norm := NormalizeUsername(username)
	if norm == "" {
		return User{}, invalid("friends.user_by_username", "missing username")
	}
	return g.userWhere(ctx, "friends.user_by_username", "username_norm = $1", norm)
}

func (g *PostgresGraph) IsFriend(ctx context.Context, userID, friendID string) (bool, error) {
	var ok bool
	err := g.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+pgIdent(g.schema, "friendships")+` WHERE user_id = $1 AND friend_id = $2)`,
		userID, friendID,
	).Scan(&ok)
	if err != nil {
		return false, storageErr("friends.is_friend", err)
	}
	return ok, nil
}

func (g *PostgresGraph) Friends(ctx context.Context, userID string) ([]User, error) {
	const op = "friends.friends"
	if _, err := g.userWhere(ctx, op, "id = $1", userID); err != nil {
		return nil, err
	}
	rows, err := g.pool.Query(ctx,
		`SELECT u.id, u.username, u.nickname, u.email, u.avatar_url, u.role, u.password_hash, u.status,
		        u.created_at, u.last_login_at, u.last_status_change
		   FROM `+pgIdent(g.schema, "friendships")+` f
		   JOIN `+pgIdent(g.schema, "users")+` u ON u.id = f.friend_id
		  WHERE f.user_id = $1
		  ORDER BY u.username_norm`,
		userID,
	)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	out := []User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}

func (g *PostgresGraph) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "friends.pg.create_user"
	if err := validateCreate(op, &in); err != nil {
		return User{}, err
	}
	nickname := in.Nickname
	if nickname == "" {
		nickname = in.Username
	}
	now := in.Now.UTC().Truncate(time.Microsecond)

	_, err := g.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(g.schema, "users")+` (
		     id, username, username_norm, nickname, email, role, password_hash, status, created_at
		   ) VALUES ($1, $2, $3, $4, $5, 'user', $6, 'offline', $7)`,
		in.ID, in.Username, NormalizeUsername(in.Username), nickname, in.Email, in.PasswordHash, now,
	)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return User{}, ConflictError{Op: op, Field: field}
		}
		return User{}, storageErr(op, err)
	}
	return User{
		ID:           in.ID,
		Username:     in.Username,
		Nickname:     nickname,
		Email:        in.Email,
		Role:         "user",
		PasswordHash: in.PasswordHash,
		Status:       StatusOffline,
		CreatedAt:    now,
		Friends:      []string{},
	}, nil
}

func (g *PostgresGraph) UpdateStatus(ctx context.Context, userID string, status Status, at time.Time) error {
	const op = "friends.pg.update_status"
	if !validStatus(status) {
		return invalid(op, "unknown status")
	}
	return g.execOne(ctx, op,
		`UPDATE `+pgIdent(g.schema, "users")+` SET status = $2, last_status_change = $3 WHERE id = $1`,
		userID, string(status), at.UTC())
}

func (g *PostgresGraph) TouchLogin(ctx context.Context, userID string, at time.Time) error {
	return g.execOne(ctx, "friends.pg.touch_login",
		`UPDATE `+pgIdent(g.schema, "users")+`
		    SET last_login_at = $2, status = 'online', last_status_change = $2
		  WHERE id = $1`,
		userID, at.UTC())
}

func (g *PostgresGraph) execOne(ctx context.Context, op, sql string, args ...any) error {
	tag, err := g.pool.Exec(ctx, sql, args...)
	if err != nil {
		return storageErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(op)
	}
	return nil
}

// ImportUsers seeds users and friendships in one transaction. It is a no-op
// when the users table already has rows.
func (g *PostgresGraph) ImportUsers(ctx context.Context, users []User) (ImportResult, error) {
	const op = "friends.pg.import"

	tx, err := g.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable, AccessMode: pgx.ReadWrite})
	if err != nil {
		return ImportResult{}, storageErr(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	usersTbl := pgIdent(g.schema, "users")
	var existing int64
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM `+usersTbl).Scan(&existing); err != nil {
		return ImportResult{}, storageErr(op, err)
	}
	if existing > 0 {
		return ImportResult{Skipped: true}, nil
	}

	kept, links, dangling := importPlan(users)
	now := time.Now().UTC()

	batch := &pgx.Batch{}
	for _, u := range kept {
		created := u.CreatedAt
		if created.IsZero() {
			created = now
		}
		batch.Queue(
			`INSERT INTO `+usersTbl+` (
			     id, username, username_norm, nickname, email, avatar_url, role, password_hash, status,
			     created_at, last_login_at, last_status_change
			   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			u.ID, u.Username, NormalizeUsername(u.Username), u.Nickname, u.Email, u.AvatarURL, u.Role,
			u.PasswordHash, string(u.Status), created, u.LastLoginAt, u.LastStatusChange,
		)
	}
	for _, l := range links {
		batch.Queue(
			`INSERT INTO `+pgIdent(g.schema, "friendships")+` (user_id, friend_id, created_at) VALUES ($1, $2, $3)`,
			l.userID, l.friendID, now,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return ImportResult{}, ConflictError{Op: op, Field: field}
		}
		return ImportResult{}, storageErr(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return ImportResult{}, storageErr(op, err)
	}
	return ImportResult{Users: len(kept), Friendships: len(links), Dangling: dangling}, nil
}

func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	if pgErr.Code != "23505" { // unique_violation
		return "", false
	}
	c := strings.ToLower(strings.TrimSpace(pgErr.ConstraintName))
	switch {
	case c == "uq_users_username_norm", strings.Contains(c, "username"):
		return "username", true
	case c == "users_pkey":
		return "id", true
	default:
		return "unique", true
	}
}
