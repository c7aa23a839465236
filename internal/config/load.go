package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load,
// e.g. STRENGTH_DATABASE_URL.
const EnvPrefix = "STRENGTH"

// ConfigFileEnv names the environment variable holding an optional config file path.
const ConfigFileEnv = EnvPrefix + "_CONFIG_FILE"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.driver", "pgx")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_lifetime_minutes", 60)

	v.SetDefault("executor.enabled", true)
	v.SetDefault("executor.poll_interval", 5*time.Second)
	v.SetDefault("executor.max_concurrent_tasks", 3)
	v.SetDefault("executor.retry_base_delay", 5*time.Second)
	v.SetDefault("executor.retry_max_delay", 5*time.Minute)
	v.SetDefault("executor.shutdown_timeout", 30*time.Second)
	v.SetDefault("executor.db_max_conns", 4)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.timezone", "Asia/Shanghai")
	v.SetDefault("scheduler.holidays", []string{})

	v.SetDefault("cache.redis_addr", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.key_prefix", "strength:")
	v.SetDefault("cache.ttl", 30*time.Minute)
	v.SetDefault("cache.l1_max_entries", 10000)

	v.SetDefault("analytics.base_url", "http://localhost:8090")
	v.SetDefault("analytics.timeout", 30*time.Second)
}

// Load reads configuration from defaults, an optional config file named by
// STRENGTH_CONFIG_FILE, and STRENGTH_ prefixed environment variables, in
// increasing order of precedence. The result is validated before return.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path := os.Getenv(ConfigFileEnv); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return nil, fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
