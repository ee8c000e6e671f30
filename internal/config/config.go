// Package config loads and validates app config from env and an optional .env
// file using Viper.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPHost and HTTPPort are the listen address for the REST API and the
	// WebSocket gateway.
	HTTPHost string `mapstructure:"CLASSMON_HTTP_HOST"`
	HTTPPort int    `mapstructure:"CLASSMON_HTTP_PORT"`
	// HTTPReadTimeout / HTTPWriteTimeout bound the HTTP server.
	HTTPReadTimeout  time.Duration `mapstructure:"CLASSMON_HTTP_READ_TIMEOUT"`
	HTTPWriteTimeout time.Duration `mapstructure:"CLASSMON_HTTP_WRITE_TIMEOUT"`

	// DatabasePath is the SQLite database file.
	DatabasePath string `mapstructure:"CLASSMON_DATABASE_PATH"`

	// JWTSecret signs and verifies session tokens (HS256). Required: the
	// process refuses to start without it.
	JWTSecret string `mapstructure:"CLASSMON_JWT_SECRET"`
	// TeacherTokenTTL / StudentTokenTTL bound issued token lifetimes.
	TeacherTokenTTL time.Duration `mapstructure:"CLASSMON_TEACHER_TOKEN_TTL"`
	StudentTokenTTL time.Duration `mapstructure:"CLASSMON_STUDENT_TOKEN_TTL"`

	// HeartbeatInterval is the liveness monitor tick; HeartbeatTimeout is how
	// long a device may stay silent before it is flagged disconnected.
	HeartbeatInterval time.Duration `mapstructure:"CLASSMON_HEARTBEAT_INTERVAL"`
	HeartbeatTimeout  time.Duration `mapstructure:"CLASSMON_HEARTBEAT_TIMEOUT"`

	// WebSocket transport tuning.
	WSPingInterval time.Duration `mapstructure:"CLASSMON_WS_PING_INTERVAL"`
	WSReadTimeout  time.Duration `mapstructure:"CLASSMON_WS_READ_TIMEOUT"`
	WSWriteTimeout time.Duration `mapstructure:"CLASSMON_WS_WRITE_TIMEOUT"`
	WSBufferSize   int           `mapstructure:"CLASSMON_WS_BUFFER_SIZE"`

	// CallTimeout bounds every store/verifier call made from a message
	// handler, so a stalled collaborator cannot pin a connection handler.
	CallTimeout time.Duration `mapstructure:"CLASSMON_CALL_TIMEOUT"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"CLASSMON_LOG_LEVEL"`
}

// Load reads .env (if present), then builds and validates Config from the
// environment. Missing .env is ignored; env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("CLASSMON_HTTP_HOST", "0.0.0.0")
	v.SetDefault("CLASSMON_HTTP_PORT", 5001)
	v.SetDefault("CLASSMON_HTTP_READ_TIMEOUT", "30s")
	v.SetDefault("CLASSMON_HTTP_WRITE_TIMEOUT", "30s")
	v.SetDefault("CLASSMON_DATABASE_PATH", "./classmon.db")
	v.SetDefault("CLASSMON_JWT_SECRET", "")
	v.SetDefault("CLASSMON_TEACHER_TOKEN_TTL", "2h")
	v.SetDefault("CLASSMON_STUDENT_TOKEN_TTL", "1h")
	v.SetDefault("CLASSMON_HEARTBEAT_INTERVAL", "1s")
	v.SetDefault("CLASSMON_HEARTBEAT_TIMEOUT", "5s")
	v.SetDefault("CLASSMON_WS_PING_INTERVAL", "30s")
	v.SetDefault("CLASSMON_WS_READ_TIMEOUT", "60s")
	v.SetDefault("CLASSMON_WS_WRITE_TIMEOUT", "5s")
	v.SetDefault("CLASSMON_WS_BUFFER_SIZE", 100)
	v.SetDefault("CLASSMON_CALL_TIMEOUT", "5s")
	v.SetDefault("CLASSMON_LOG_LEVEL", "info")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the process must not start with.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("config: CLASSMON_JWT_SECRET must be set")
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("config: CLASSMON_HTTP_PORT out of range: %d", c.HTTPPort)
	}
	if c.DatabasePath == "" {
		return errors.New("config: CLASSMON_DATABASE_PATH must be set")
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= 0 {
		return errors.New("config: heartbeat interval and timeout must be positive")
	}
	if c.WSBufferSize <= 0 {
		return errors.New("config: CLASSMON_WS_BUFFER_SIZE must be positive")
	}
	if c.CallTimeout <= 0 {
		return errors.New("config: CLASSMON_CALL_TIMEOUT must be positive")
	}
	return nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTPHost, c.HTTPPort)
}
