package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrMissingRequired = errors.New("missing required configuration")

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"shopsift"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"shopsift"`

	WeaviateHost   string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`

	NSQLookupd string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost   string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP   string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`

	GeminiAPIKey   string `envconfig:"GEMINI_API_KEY"`
	EmbeddingModel string `envconfig:"EMBEDDING_MODEL" default:"gemini-embedding-001"`

	// Nonce replay store. "memory" is fine for a single instance; use "redis"
	// when running more than one replica so all instances share the window.
	NonceStore    string `envconfig:"NONCE_STORE" default:"memory"`
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"redis:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`
	ServerPort    int    `envconfig:"SERVER_PORT" default:"8081"`

	EnableRetryWorker bool `envconfig:"ENABLE_RETRY_WORKER" default:"true"`

	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`

	Auth     AuthConfig
	Chunking ChunkingConfig
	Embed    EmbedConfig
	Fetch    FetchConfig
	Sweep    SweepConfig
}

// AuthConfig bounds the webhook signature scheme.
type AuthConfig struct {
	TimestampSkew  time.Duration `envconfig:"AUTH_TIMESTAMP_SKEW" default:"5m"`
	NonceWindow    time.Duration `envconfig:"AUTH_NONCE_WINDOW" default:"10m"`
	NoncePruneTick time.Duration `envconfig:"AUTH_NONCE_PRUNE_TICK" default:"1m"`
}

type ChunkingConfig struct {
	ChunkSize int `envconfig:"CHUNK_SIZE" default:"1000"`
	Overlap   int `envconfig:"CHUNK_OVERLAP" default:"200"`
}

// EmbedConfig bounds embedding provider calls. MaxBatchSize respects the
// provider's per-request input limit.
type EmbedConfig struct {
	MaxBatchSize   int           `envconfig:"EMBED_MAX_BATCH_SIZE" default:"100"`
	RequestTimeout time.Duration `envconfig:"EMBED_REQUEST_TIMEOUT" default:"60s"`
	RetryAttempts  int           `envconfig:"EMBED_RETRY_ATTEMPTS" default:"5"`
	RetryBaseDelay time.Duration `envconfig:"EMBED_RETRY_BASE_DELAY" default:"500ms"`
	RetryMaxDelay  time.Duration `envconfig:"EMBED_RETRY_MAX_DELAY" default:"30s"`
	RetryMaxTotal  time.Duration `envconfig:"EMBED_RETRY_MAX_TOTAL" default:"2m"`
}

// FetchConfig bounds storefront content API calls. The source API warrants a
// tighter budget than the embedding provider.
type FetchConfig struct {
	RequestTimeout time.Duration `envconfig:"FETCH_REQUEST_TIMEOUT" default:"15s"`
	RetryAttempts  int           `envconfig:"FETCH_RETRY_ATTEMPTS" default:"3"`
	RetryBaseDelay time.Duration `envconfig:"FETCH_RETRY_BASE_DELAY" default:"250ms"`
	RetryMaxDelay  time.Duration `envconfig:"FETCH_RETRY_MAX_DELAY" default:"5s"`
	RetryMaxTotal  time.Duration `envconfig:"FETCH_RETRY_MAX_TOTAL" default:"30s"`
}

// SweepConfig controls the stale-event reconciler.
type SweepConfig struct {
	Interval      time.Duration `envconfig:"SWEEP_INTERVAL" default:"5m"`
	ProcessingAge time.Duration `envconfig:"SWEEP_PROCESSING_AGE" default:"15m"`
}

func Load() (*Config, error) {
	// Try loading .env from current dir and repo root.
	// Ignore errors, as env vars might be set in the shell.
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	rootEnv := filepath.Join(cwd, "../../.env")
	_ = godotenv.Load(rootEnv)

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.NonceStore != "memory" && c.NonceStore != "redis" {
		return fmt.Errorf("NONCE_STORE must be memory or redis, got %q", c.NonceStore)
	}
	if c.Chunking.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive")
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.ChunkSize {
		return fmt.Errorf("CHUNK_OVERLAP must be non-negative and smaller than CHUNK_SIZE")
	}
	if c.Embed.MaxBatchSize <= 0 {
		return fmt.Errorf("EMBED_MAX_BATCH_SIZE must be positive")
	}
	return nil
}
