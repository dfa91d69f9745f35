package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment override, e.g. AGENTMARKET_DATABASE_DSN.
const EnvPrefix = "AGENTMARKET"

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`

	// AdminSecret lets a registration claim the admin role. Empty disables it.
	AdminSecret string `mapstructure:"admin_secret"`
}

type MatchingConfig struct {
	MatchTTL time.Duration `mapstructure:"match_ttl"`
}

type ExpiryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Schedule     string `mapstructure:"schedule"`
	TimeoutHours int    `mapstructure:"timeout_hours"`
	Limit        int    `mapstructure:"limit"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type RedisConfig struct {
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Interval    time.Duration `mapstructure:"interval"`
}

type NotifyConfig struct {
	Kafka           KafkaConfig   `mapstructure:"kafka"`
	Redis           RedisConfig   `mapstructure:"redis"`
	Breaker         BreakerConfig `mapstructure:"breaker"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
}

// Config is the full process configuration.
type Config struct {
	LogLevel string         `mapstructure:"log_level"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Matching MatchingConfig `mapstructure:"matching"`
	Expiry   ExpiryConfig   `mapstructure:"expiry"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 16)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("database.max_conn_idle_time", 5*time.Minute)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("auth.admin_secret", "")

	v.SetDefault("matching.match_ttl", 7*24*time.Hour)

	v.SetDefault("expiry.enabled", true)
	v.SetDefault("expiry.schedule", "@hourly")
	v.SetDefault("expiry.timeout_hours", 168)
	v.SetDefault("expiry.limit", 100)

	v.SetDefault("notify.kafka.brokers", []string{})
	v.SetDefault("notify.kafka.topic", "agentmarket.notifications")
	v.SetDefault("notify.redis.addr", "")
	v.SetDefault("notify.redis.password", "")
	v.SetDefault("notify.redis.db", 0)
	v.SetDefault("notify.redis.channel_prefix", "agentmarket:notifications")
	v.SetDefault("notify.breaker.max_failures", 5)
	v.SetDefault("notify.breaker.timeout", 30*time.Second)
	v.SetDefault("notify.breaker.interval", 60*time.Second)
	v.SetDefault("notify.delivery_timeout", 5*time.Second)
}

// Load reads .env (if any), defaults, an optional config.yaml and
// AGENTMARKET_* environment variables, in increasing precedence. Explicit
// paths replace the default search locations.
func Load(paths ...string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if len(paths) > 0 {
		for _, p := range paths {
			v.SetConfigFile(p)
			if err := v.MergeInConfig(); err != nil {
				return Config{}, fmt.Errorf("config: read %s: %w", p, err)
			}
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/agentmarket")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("config: read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	// Comma-separated env values arrive as a single element.
	if len(cfg.Notify.Kafka.Brokers) == 1 && strings.Contains(cfg.Notify.Kafka.Brokers[0], ",") {
		cfg.Notify.Kafka.Brokers = strings.Split(cfg.Notify.Kafka.Brokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the process cannot start with.
func (c Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("config: database.dsn is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("config: auth.jwt_secret is required")
	}
	if c.Database.MaxConns <= 0 {
		return fmt.Errorf("config: database.max_conns must be positive")
	}
	if c.Matching.MatchTTL <= 0 {
		return fmt.Errorf("config: matching.match_ttl must be positive")
	}
	if c.Expiry.Enabled && c.Expiry.Schedule == "" {
		return fmt.Errorf("config: expiry.schedule is required when expiry is enabled")
	}
	return nil
}
