// Package config loads process configuration from the environment with
// viper. An optional .env or config.env file in the working directory is
// read first; environment variables take precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config groups all settings of the server process.
type Config struct {
	App         AppConfig
	HTTP        HTTPConfig
	Store       StoreConfig
	Idempotency IdempotencyConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	JWT         JWTConfig
	OTel        OTelConfig
	Packaging   PackagingConfig
	Audit       AuditConfig
}

type AppConfig struct {
	Env      string // development, staging, production
	LogLevel string
}

type HTTPConfig struct {
	Host string
	Port int
}

// Addr returns host:port.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StoreConfig selects the primary transactional store.
type StoreConfig struct {
	Driver      string // sqlite | postgres
	SQLitePath  string
	DatabaseURL string
	MaxConns    int
	TxTimeout   time.Duration
}

// IdempotencyConfig selects where idempotency records live.
type IdempotencyConfig struct {
	Driver string // memory | redis
	TTL    time.Duration
	Wait   time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// KafkaConfig enables event publication when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// JWTConfig enables bearer-token identity when Secret is non-empty.
type JWTConfig struct {
	Secret string
}

// OTelConfig enables trace export when Endpoint is non-empty.
type OTelConfig struct {
	Endpoint string
	Insecure bool
}

type PackagingConfig struct {
	CatalogPath string
}

// AuditConfig enables the balance auditor when Tenants is non-empty.
type AuditConfig struct {
	Tenants  []string
	Interval time.Duration
}

// Load reads the configuration.
func Load() (*Config, error) {
	return load(viper.New(), ".", "./config")
}

func load(v *viper.Viper, paths ...string) (*Config, error) {
	v.SetConfigType("env")
	for _, name := range []string{".env", "config"} {
		v.SetConfigName(name)
		for _, p := range paths {
			v.AddConfigPath(p)
		}
		_ = v.ReadInConfig() // optional
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		App: AppConfig{
			Env:      v.GetString("APP_ENV"),
			LogLevel: v.GetString("LOG_LEVEL"),
		},
		HTTP: HTTPConfig{
			Host: v.GetString("HTTP_HOST"),
			Port: v.GetInt("HTTP_PORT"),
		},
		Store: StoreConfig{
			Driver:      strings.ToLower(v.GetString("STORE_DRIVER")),
			SQLitePath:  v.GetString("SQLITE_PATH"),
			DatabaseURL: v.GetString("DATABASE_URL"),
			MaxConns:    v.GetInt("DB_MAX_CONNS"),
			TxTimeout:   v.GetDuration("TX_TIMEOUT"),
		},
		Idempotency: IdempotencyConfig{
			Driver: strings.ToLower(v.GetString("IDEMPOTENCY_DRIVER")),
			TTL:    v.GetDuration("IDEMPOTENCY_TTL"),
			Wait:   v.GetDuration("IDEMPOTENCY_WAIT"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(v.GetString("KAFKA_BROKERS")),
			Topic:   v.GetString("KAFKA_TOPIC"),
		},
		JWT: JWTConfig{Secret: v.GetString("JWT_SECRET")},
		OTel: OTelConfig{
			Endpoint: v.GetString("OTEL_ENDPOINT"),
			Insecure: v.GetBool("OTEL_INSECURE"),
		},
		Packaging: PackagingConfig{CatalogPath: v.GetString("PACKAGING_CATALOG")},
		Audit: AuditConfig{
			Tenants:  splitList(v.GetString("AUDIT_TENANTS")),
			Interval: v.GetDuration("AUDIT_INTERVAL"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_HOST", "0.0.0.0")
	v.SetDefault("HTTP_PORT", 8080)
	v.SetDefault("STORE_DRIVER", "sqlite")
	v.SetDefault("SQLITE_PATH", "./data/batches.db")
	v.SetDefault("DB_MAX_CONNS", 25)
	v.SetDefault("TX_TIMEOUT", "5s")
	v.SetDefault("IDEMPOTENCY_DRIVER", "memory")
	v.SetDefault("IDEMPOTENCY_TTL", "24h")
	v.SetDefault("IDEMPOTENCY_WAIT", "10s")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("KAFKA_TOPIC", "batch-timeline")
	v.SetDefault("OTEL_INSECURE", true)
	v.SetDefault("AUDIT_INTERVAL", "1h")
}

// Validate rejects unknown drivers and incomplete backend settings.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("config: SQLITE_PATH is required for the sqlite store")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.Store.Driver)
	}
	switch c.Idempotency.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: unknown IDEMPOTENCY_DRIVER %q", c.Idempotency.Driver)
	}
	if c.Store.TxTimeout <= 0 {
		return fmt.Errorf("config: TX_TIMEOUT must be positive")
	}
	if len(c.Audit.Tenants) > 0 && c.Audit.Interval <= 0 {
		return fmt.Errorf("config: AUDIT_INTERVAL must be positive")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
