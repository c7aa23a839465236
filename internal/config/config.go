package config

import "time"

// Config holds all application configuration, grouped by concern.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database" validate:"required"`
	Auth      AuthConfig      `mapstructure:"auth" validate:"required"`
	Executor  ExecutorConfig  `mapstructure:"executor" validate:"required"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" validate:"required"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Analytics AnalyticsConfig `mapstructure:"analytics" validate:"required"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error fatal"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig contains the relational store settings. Driver selects the
// database/sql driver: "pgx" for PostgreSQL or "sqlite3" for local runs.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" validate:"required,oneof=pgx sqlite3"`
	URL             string        `mapstructure:"url" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gt=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`
}

// AuthConfig contains settings for admin token validation.
type AuthConfig struct {
	JWTSecret            string `mapstructure:"jwt_secret" validate:"required,min=32"`
	TokenLifetimeMinutes int    `mapstructure:"token_lifetime_minutes" validate:"required,gt=0"`
}

// ExecutorConfig configures the background task executor.
type ExecutorConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	PollInterval       time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	MaxConcurrentTasks int           `mapstructure:"max_concurrent_tasks" validate:"gt=0"`
	RetryBaseDelay     time.Duration `mapstructure:"retry_base_delay" validate:"gt=0"`
	RetryMaxDelay      time.Duration `mapstructure:"retry_max_delay" validate:"gtefield=RetryBaseDelay"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	// DBMaxConns sizes the executor's own connection pool.
	DBMaxConns int `mapstructure:"db_max_conns" validate:"gt=0"`
}

// SchedulerConfig configures the recurring job manager.
type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Timezone string `mapstructure:"timezone" validate:"required,timezone"`
	// Holidays lists exchange holidays (YYYY-MM-DD) on which no trading
	// data is expected.
	Holidays []string `mapstructure:"holidays" validate:"dive,datetime=2006-01-02"`
}

// CacheConfig configures the two-tier strength cache. An empty RedisAddr
// runs the cache in memory only.
type CacheConfig struct {
	RedisAddr    string        `mapstructure:"redis_addr"`
	RedisDB      int           `mapstructure:"redis_db" validate:"gte=0"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	TTL          time.Duration `mapstructure:"ttl" validate:"gt=0"`
	L1MaxEntries int           `mapstructure:"l1_max_entries" validate:"gte=0"`
}

// AnalyticsConfig points at the compute service that owns market data
// acquisition and the strength algorithms.
type AnalyticsConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"required,url"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}
