package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"

	"whisper/cmd/internal/chatstore"
	"whisper/cmd/internal/friends"
	"whisper/cmd/internal/paramstore"
)

// backends owns every external connection the server opens. Stores borrow
// the pool and the SQLite handle; backends closes them last.
type backends struct {
	cfg Config
	log Logger

	pool   *pgxpool.Pool
	sqlite *gorm.DB
	aws    *aws.Config
}

func (b *backends) postgres(ctx context.Context) (*pgxpool.Pool, error) {
	if b.pool != nil {
		return b.pool, nil
	}
	pool, err := NewDBPool(ctx, b.cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	b.log.Info("db.enabled.postgres", "max_conns", b.cfg.DBMaxConns)
	b.pool = pool
	return pool, nil
}

func (b *backends) sqliteDB() (*gorm.DB, error) {
	if b.sqlite != nil {
		return b.sqlite, nil
	}
	db, err := OpenSQLite(b.cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	b.log.Info("db.enabled.sqlite", "path", b.cfg.SQLitePath)
	b.sqlite = db
	return db, nil
}

func (b *backends) awsConfig(ctx context.Context) (aws.Config, error) {
	if b.aws != nil {
		return *b.aws, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("aws config: %w", err)
	}
	b.aws = &cfg
	return cfg, nil
}

// paramStore returns an SSM reader, or nil when no parameter is configured.
func (b *backends) paramStore(ctx context.Context, paramName string) (paramstore.Getter, error) {
	if paramName == "" {
		return nil, nil
	}
	cfg, err := b.awsConfig(ctx)
	if err != nil {
		return nil, err
	}
	return paramstore.New(awsssm.NewFromConfig(cfg))
}

// messageStore builds the configured backend, instrumented under its name.
func (b *backends) messageStore(ctx context.Context, m *chatstore.Metrics) (chatstore.MessageStore, error) {
	var (
		st  chatstore.MessageStore
		err error
	)
	switch b.cfg.StoreBackend {
	case StoreSharded:
		st, err = chatstore.NewShardedStore(b.cfg.ChatsDir,
			chatstore.WithLogger(b.log),
			chatstore.WithMetrics(m),
			chatstore.WithMaxMessagesPerShard(b.cfg.ShardSize),
			chatstore.WithMigrationChunkSize(b.cfg.MigrationChunk),
			chatstore.WithWriteThrough(b.cfg.WriteThrough),
			chatstore.WithAutoMigrate(b.cfg.AutoMigrate),
			chatstore.WithCacheConfig(chatstore.CacheConfig{
				Capacity:      b.cfg.CacheCapacity,
				TTL:           b.cfg.CacheTTL,
				FlushInterval: b.cfg.CacheFlushInterval,
			}),
		)
	case StoreFlatFile:
		st, err = chatstore.NewFlatFileStore(b.cfg.ChatsDir, b.log)
	case StoreMemory:
		st = chatstore.NewInMemoryStore()
	case StorePostgres:
		st, err = b.postgresStore(ctx)
	case StoreSQLite:
		var db *gorm.DB
		if db, err = b.sqliteDB(); err == nil {
			st, err = chatstore.NewGormStore(ctx, db)
		}
	case StoreDynamoDB:
		var cfg aws.Config
		if cfg, err = b.awsConfig(ctx); err == nil {
			st, err = chatstore.NewDynamoStore(awsdynamodb.NewFromConfig(cfg), b.cfg.DynamoTable)
		}
	default:
		err = fmt.Errorf("unknown store backend %q", b.cfg.StoreBackend)
	}
	if err != nil {
		return nil, fmt.Errorf("message store (%s): %w", b.cfg.StoreBackend, err)
	}
	b.log.Info("chatstore.open", "backend", b.cfg.StoreBackend)
	return chatstore.Instrument(st, b.cfg.StoreBackend, m), nil
}

func (b *backends) postgresStore(ctx context.Context) (chatstore.MessageStore, error) {
	pool, err := b.postgres(ctx)
	if err != nil {
		return nil, err
	}
	st, err := chatstore.NewPostgresStore(pool, chatstore.WithSchema(b.cfg.DBSchema))
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

// friendGraph builds the configured user and friendship backend.
func (b *backends) friendGraph(ctx context.Context) (friends.Graph, error) {
	switch b.cfg.FriendsBackend {
	case FriendsJSON:
		return friends.OpenJSONGraph(b.cfg.UsersFile)
	case FriendsPostgres:
		pool, err := b.postgres(ctx)
		if err != nil {
			return nil, err
		}
		g, err := friends.NewPostgresGraph(pool, friends.WithSchema(b.cfg.DBSchema))
		if err != nil {
			return nil, err
		}
		if err := g.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return g, nil
	case FriendsSQLite:
		db, err := b.sqliteDB()
		if err != nil {
			return nil, err
		}
		return friends.NewGormGraph(ctx, db)
	default:
		return nil, fmt.Errorf("unknown friends backend %q", b.cfg.FriendsBackend)
	}
}

// ping checks every open database; used by /readyz.
func (b *backends) ping(ctx context.Context) error {
	var errs []error
	if b.pool != nil {
		if err := PingDB(ctx, b.pool, 2*time.Second); err != nil {
			errs = append(errs, fmt.Errorf("postgres: %w", err))
		}
	}
	if b.sqlite != nil {
		if err := PingSQLite(ctx, b.sqlite, 2*time.Second); err != nil {
			errs = append(errs, fmt.Errorf("sqlite: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (b *backends) hasDB() bool { return b.pool != nil || b.sqlite != nil }

func (b *backends) Close() error {
	var errs []error
	if b.sqlite != nil {
		errs = append(errs, closeSQLite(b.sqlite))
		b.sqlite = nil
	}
	if b.pool != nil {
		b.pool.Close()
		b.pool = nil
	}
	return errors.Join(errs...)
}
