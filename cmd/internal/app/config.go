package app

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"whisper/cmd/internal/chatstore"
	"whisper/cmd/internal/realtime"
	"whisper/cmd/internal/upload"
)

// Message store backends.
const (
	StoreSharded  = "sharded"
	StoreFlatFile = "flatfile"
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreDynamoDB = "dynamodb"
)

// Friend graph backends.
const (
	FriendsJSON     = "json"
	FriendsPostgres = "postgres"
	FriendsSQLite   = "sqlite"
)

var (
	storeBackends   = []string{StoreSharded, StoreFlatFile, StoreMemory, StorePostgres, StoreSQLite, StoreDynamoDB}
	friendsBackends = []string{FriendsJSON, FriendsPostgres, FriendsSQLite}
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ShutdownTimeout   time.Duration

	// DataDir holds chats/, users.json and db/ unless overridden below.
	DataDir    string
	ChatsDir   string
	UsersFile  string
	UploadsDir string

	StoreBackend   string
	FriendsBackend string

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32
	SQLitePath  string
	DynamoTable string

	CacheCapacity      int
	CacheTTL           time.Duration
	CacheFlushInterval time.Duration
	ShardSize          int
	MigrationChunk     int
	WriteThrough       bool
	AutoMigrate        bool

	RedisAddr    string
	RedisChannel string

	PageSize       int
	UploadMaxBytes int64

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// If true, /readyz returns 503 unless a database is configured and reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	dataDir := EnvString("WHISPER_DATA_DIR", "data")

	return Config{
		HTTPAddr:  EnvString("WHISPER_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("WHISPER_LOG_LEVEL", "info"),
		LogFormat: EnvString("WHISPER_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("WHISPER_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("WHISPER_HTTP_READ_TIMEOUT", 60*time.Second),
		WriteTimeout:      EnvDuration("WHISPER_HTTP_WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:       EnvDuration("WHISPER_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("WHISPER_HTTP_MAX_HEADER_BYTES", 1<<20),
		ShutdownTimeout:   EnvDuration("WHISPER_SHUTDOWN_TIMEOUT", 10*time.Second),

		DataDir:    dataDir,
		ChatsDir:   EnvString("WHISPER_CHATS_DIR", filepath.Join(dataDir, "chats")),
		UsersFile:  EnvString("WHISPER_USERS_FILE", filepath.Join(dataDir, "users.json")),
		UploadsDir: EnvString("WHISPER_UPLOADS_DIR", "uploads"),

		StoreBackend:   strings.ToLower(EnvString("WHISPER_STORE", StoreSharded)),
		FriendsBackend: strings.ToLower(EnvString("WHISPER_FRIENDS", FriendsJSON)),

		DatabaseURL: EnvString("WHISPER_DATABASE_URL", ""),
		DBSchema:    EnvString("WHISPER_DB_SCHEMA", "whisper"),
		DBMaxConns:  EnvInt32("WHISPER_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("WHISPER_DB_MIN_CONNS", 0),
		SQLitePath:  EnvString("WHISPER_SQLITE_PATH", filepath.Join(dataDir, "db", "chatapp.sqlite")),
		DynamoTable: EnvString("WHISPER_DYNAMODB_TABLE", ""),

		CacheCapacity:      EnvInt("WHISPER_CACHE_CAPACITY", chatstore.DefaultCacheCapacity),
		CacheTTL:           EnvDuration("WHISPER_CACHE_TTL", chatstore.DefaultCacheTTL),
		CacheFlushInterval: EnvDuration("WHISPER_CACHE_FLUSH_INTERVAL", chatstore.DefaultFlushInterval),
		ShardSize:          EnvInt("WHISPER_SHARD_SIZE", chatstore.DefaultMaxMessagesPerShard),
		MigrationChunk:     EnvInt("WHISPER_MIGRATION_CHUNK", chatstore.DefaultMigrationChunkSize),
		WriteThrough:       EnvBool("WHISPER_WRITE_THROUGH", false),
		AutoMigrate:        EnvBool("WHISPER_AUTO_MIGRATE", true),

		RedisAddr:    EnvString("WHISPER_REDIS_ADDR", ""),
		RedisChannel: EnvString("WHISPER_REDIS_CHANNEL", realtime.DefaultRedisChannel),

		PageSize:       EnvInt("WHISPER_PAGE_SIZE", chatstore.DefaultPageSize),
		UploadMaxBytes: EnvInt64("WHISPER_UPLOAD_MAX_BYTES", upload.DefaultMaxBytes),

		CORSAllowedOrigins:   EnvCSV("WHISPER_CORS_ALLOWED_ORIGINS"),
		CORSAllowCredentials: EnvBool("WHISPER_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("WHISPER_CORS_MAX_AGE", 600),

		ReadinessRequireDB: EnvBool("WHISPER_READINESS_REQUIRE_DB", false),
	}
}

// Validate rejects unknown backends and backends missing their connection settings.
func (c Config) Validate() error {
	var errs []error
	if !slices.Contains(storeBackends, c.StoreBackend) {
		errs = append(errs, fmt.Errorf("WHISPER_STORE=%q: want one of %s", c.StoreBackend, strings.Join(storeBackends, ", ")))
	}
	if !slices.Contains(friendsBackends, c.FriendsBackend) {
		errs = append(errs, fmt.Errorf("WHISPER_FRIENDS=%q: want one of %s", c.FriendsBackend, strings.Join(friendsBackends, ", ")))
	}
	if c.needsPostgres() && c.DatabaseURL == "" {
		errs = append(errs, errors.New("postgres backend selected but WHISPER_DATABASE_URL is empty"))
	}
	if c.StoreBackend == StoreDynamoDB && c.DynamoTable == "" {
		errs = append(errs, errors.New("dynamodb store selected but WHISPER_DYNAMODB_TABLE is empty"))
	}
	if c.needsSQLite() && c.SQLitePath == "" {
		errs = append(errs, errors.New("sqlite backend selected but WHISPER_SQLITE_PATH is empty"))
	}
	return errors.Join(errs...)
}

func (c Config) needsPostgres() bool {
	return c.StoreBackend == StorePostgres || c.FriendsBackend == FriendsPostgres
}

func (c Config) needsSQLite() bool {
	return c.StoreBackend == StoreSQLite || c.FriendsBackend == FriendsSQLite
}
