// Package config loads service configuration from file and environment.
package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all service configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Crypto   CryptoConfig
	Sync     SyncConfig
	Breaker  BreakerConfig
	Conflict ConflictConfig
	Tenant   TenantConfig
	Stats    StatsConfig
	Log      LogConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int
	MetricsPort  int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN renders the connection string for pgx.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// RedisConfig holds Redis connection settings for the tenant resolution
// cache.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// CryptoConfig holds the credential vault master key, hex encoded.
type CryptoConfig struct {
	MasterKeyHex string
}

// MasterKey decodes the hex master key.
func (c CryptoConfig) MasterKey() ([]byte, error) {
	key, err := hex.DecodeString(c.MasterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid master key: %w", err)
	}
	return key, nil
}

// SyncConfig tunes the queue and worker pool.
type SyncConfig struct {
	Workers         int
	PollInterval    time.Duration
	DispatchTimeout time.Duration
	LockWait        time.Duration
	QueueCapacity   int64
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	MaxDepth        int
}

// BreakerConfig tunes the per-platform circuit breaker.
type BreakerConfig struct {
	Threshold int
	Cooldown  time.Duration
}

// ConflictConfig selects the conflict resolution strategy: "manual" or
// "last_write_wins".
type ConflictConfig struct {
	Strategy string
}

// TenantConfig holds tenant resolution settings. DefaultTenant, when set,
// absorbs webhooks that carry no tenant hint.
type TenantConfig struct {
	DefaultTenant string
}

// StatsConfig schedules the periodic queue depth gauge refresh.
type StatsConfig struct {
	CronSchedule string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string // json or console
}

// Load reads config.toml (working directory or /etc/sync-service) with
// SYNC_-prefixed environment overrides.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sync-service")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		Server: ServerConfig{
			Port:         v.GetInt("server.port"),
			MetricsPort:  v.GetInt("server.metrics_port"),
			ReadTimeout:  v.GetDuration("server.read_timeout"),
			WriteTimeout: v.GetDuration("server.write_timeout"),
			IdleTimeout:  v.GetDuration("server.idle_timeout"),
		},
		Database: DatabaseConfig{
			Host:     v.GetString("database.host"),
			Port:     v.GetInt("database.port"),
			User:     v.GetString("database.user"),
			Password: v.GetString("database.password"),
			DBName:   v.GetString("database.dbname"),
			SSLMode:  v.GetString("database.sslmode"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Crypto: CryptoConfig{
			MasterKeyHex: v.GetString("crypto.master_key"),
		},
		Sync: SyncConfig{
			Workers:         v.GetInt("sync.workers"),
			PollInterval:    v.GetDuration("sync.poll_interval"),
			DispatchTimeout: v.GetDuration("sync.dispatch_timeout"),
			LockWait:        v.GetDuration("sync.lock_wait"),
			QueueCapacity:   v.GetInt64("sync.queue_capacity"),
			MaxAttempts:     v.GetInt("sync.max_attempts"),
			BaseDelay:       v.GetDuration("sync.base_delay"),
			MaxDelay:        v.GetDuration("sync.max_delay"),
			MaxDepth:        v.GetInt("sync.max_depth"),
		},
		Breaker: BreakerConfig{
			Threshold: v.GetInt("breaker.threshold"),
			Cooldown:  v.GetDuration("breaker.cooldown"),
		},
		Conflict: ConflictConfig{
			Strategy: v.GetString("conflict.strategy"),
		},
		Tenant: TenantConfig{
			DefaultTenant: v.GetString("tenant.default_tenant"),
		},
		Stats: StatsConfig{
			CronSchedule: v.GetString("stats.cron_schedule"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 8081)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "sync")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "sync_service")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.poll_interval", "1s")
	v.SetDefault("sync.dispatch_timeout", "30s")
	v.SetDefault("sync.lock_wait", "5s")
	v.SetDefault("sync.queue_capacity", 10000)
	v.SetDefault("sync.max_attempts", 5)
	v.SetDefault("sync.base_delay", "2s")
	v.SetDefault("sync.max_delay", "30m")
	v.SetDefault("sync.max_depth", 4)

	v.SetDefault("breaker.threshold", 5)
	v.SetDefault("breaker.cooldown", "1m")

	v.SetDefault("conflict.strategy", "manual")

	v.SetDefault("stats.cron_schedule", "@every 30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}
