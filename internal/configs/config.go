package configs

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/google/uuid"
)

var global *Config

type Config struct {
	HTTPPort int `env:"CHAT_SERVER_PORT" envDefault:"8085"`

	// Database - Read/Write Split (required, no default)
	DBPostgresqlWriteDSN string `env:"DB_POSTGRESQL_WRITE_DSN,notEmpty"`
	DBPostgresqlRead1DSN string `env:"DB_POSTGRESQL_READ1_DSN"` // Optional read replica

	RedisURL string `env:"REDIS_URL" envDefault:"redis://redis:6379/0"`

	// Identifies this instance on the cross-instance relay so it can drop its
	// own echoes. Defaults to a fresh UUID per process.
	InstanceID string `env:"CHAT_INSTANCE_ID"`

	AgentServiceURL string        `env:"AGENT_SERVICE_URL" envDefault:"http://localhost:8000"`
	MentionTimeout  time.Duration `env:"MENTION_DISPATCH_TIMEOUT" envDefault:"2s"`

	PersistAttempts  int           `env:"PERSIST_MAX_ATTEMPTS" envDefault:"3"`
	PersistBaseDelay time.Duration `env:"PERSIST_BACKOFF_BASE" envDefault:"1s"`

	RetryMaxAttempts int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryDelay       time.Duration `env:"RETRY_DELAY" envDefault:"5s"`

	CacheItemTTL     time.Duration `env:"CACHE_ITEM_TTL" envDefault:"3600s"`
	CacheListTTL     time.Duration `env:"CACHE_LIST_TTL" envDefault:"300s"`
	CacheDeliveryTTL time.Duration `env:"CACHE_DELIVERY_TTL" envDefault:"24h"`
	CacheL1Size      int           `env:"CACHE_L1_SIZE" envDefault:"4096"`

	AllowedOrigins []string `env:"WS_ALLOWED_ORIGINS" envSeparator:","`

	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	IdleTimeout    time.Duration `env:"IDLE_TIMEOUT" envDefault:"120s"`

	APIKey string `env:"CHAT_SERVER_API_KEY"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`

	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	global = cfg
	return cfg, nil
}

func GetGlobal() *Config {
	return global
}

// GetDatabaseWriteDSN returns the write database connection string.
func (c *Config) GetDatabaseWriteDSN() string {
	return c.DBPostgresqlWriteDSN
}

// GetDatabaseReadDSN returns the read database connection string.
// If DB_POSTGRESQL_READ1_DSN is set, it returns that.
// Otherwise, falls back to write DSN (no replica configured).
func (c *Config) GetDatabaseReadDSN() string {
	if c.DBPostgresqlRead1DSN != "" {
		return c.DBPostgresqlRead1DSN
	}
	return c.GetDatabaseWriteDSN()
}
