package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Webhook     WebhookConfig     `mapstructure:"webhook"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Orders      OrdersConfig      `mapstructure:"orders"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Provider    ProviderConfig    `mapstructure:"provider"`
}

type ServerConfig struct {
	Port  int    `mapstructure:"port"`
	Env   string `mapstructure:"env"`
	Debug bool   `mapstructure:"debug"`
}

func (c ServerConfig) Production() bool {
	return c.Env == "production"
}

type DatabaseConfig struct {
	Driver     string      `mapstructure:"driver"`
	SQLitePath string      `mapstructure:"sqlite_path"`
	MySQL      MySQLConfig `mapstructure:"mysql"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

func (c *MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.Username, c.Password, c.Host, c.Port, c.Database)
}

type WebhookConfig struct {
	SigningSecret string        `mapstructure:"signing_secret"`
	Tolerance     time.Duration `mapstructure:"tolerance"`
	MaxBodyBytes  int64         `mapstructure:"max_body_bytes"`
}

type AdminConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	APIKey    string        `mapstructure:"api_key"`
	APISecret string        `mapstructure:"api_secret"`
}

type IdempotencyConfig struct {
	Backend         string        `mapstructure:"backend"`
	SeenTTL         time.Duration `mapstructure:"seen_ttl"`
	RecordRetention time.Duration `mapstructure:"record_retention"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type OrdersConfig struct {
	NumberAttempts    int  `mapstructure:"number_attempts"`
	NonAtomicFallback bool `mapstructure:"non_atomic_fallback"`
}

type SchedulerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	ProviderTimeout time.Duration `mapstructure:"provider_timeout"`
	RecheckAfter    time.Duration `mapstructure:"recheck_after"`
}

type ProviderConfig struct {
	LatencyMin     time.Duration `mapstructure:"latency_min"`
	LatencyMax     time.Duration `mapstructure:"latency_max"`
	SuccessRate    float64       `mapstructure:"success_rate"`
	ProcessingRate float64       `mapstructure:"processing_rate"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.env", "development")
	v.SetDefault("server.debug", false)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite_path", "paysync.db")
	v.SetDefault("database.mysql.host", "127.0.0.1")
	v.SetDefault("database.mysql.port", 3306)
	v.SetDefault("database.mysql.username", "paysync")
	v.SetDefault("database.mysql.password", "")
	v.SetDefault("database.mysql.database", "paysync")
	v.SetDefault("database.mysql.max_idle_conns", 10)
	v.SetDefault("database.mysql.max_open_conns", 50)

	v.SetDefault("webhook.signing_secret", "whsec_dev")
	v.SetDefault("webhook.tolerance", 5*time.Minute)
	v.SetDefault("webhook.max_body_bytes", 1<<20)

	v.SetDefault("admin.jwt_secret", "paysync-dev-secret")
	v.SetDefault("admin.token_ttl", time.Hour)
	v.SetDefault("admin.api_key", "")
	v.SetDefault("admin.api_secret", "")

	v.SetDefault("idempotency.backend", "memory")
	v.SetDefault("idempotency.seen_ttl", 24*time.Hour)
	v.SetDefault("idempotency.record_retention", 30*24*time.Hour)

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("orders.number_attempts", 5)
	v.SetDefault("orders.non_atomic_fallback", true)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", time.Minute)
	v.SetDefault("scheduler.batch_size", 100)
	v.SetDefault("scheduler.provider_timeout", 15*time.Second)
	v.SetDefault("scheduler.recheck_after", 15*time.Minute)

	v.SetDefault("provider.latency_min", 20*time.Millisecond)
	v.SetDefault("provider.latency_max", 120*time.Millisecond)
	v.SetDefault("provider.success_rate", 0.9)
	v.SetDefault("provider.processing_rate", 0.05)
}

// Load reads an optional .env file, an optional YAML config file and
// PAYSYNC_* environment variables, in increasing order of precedence.
func Load(envPath, configPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PAYSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Idempotency.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported idempotency backend %q", c.Idempotency.Backend)
	}
	if c.Webhook.SigningSecret == "" {
		return errors.New("webhook.signing_secret is required")
	}
	return nil
}
