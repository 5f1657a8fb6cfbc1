// Package config loads process configuration from the environment.
package config

import (
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/pkg/errors"
)

// Config is the full process configuration. Zero values fall back to the
// documented defaults; secrets never have defaults.
type Config struct {
	// ServiceURL is the PDS used when a login does not name one.
	ServiceURL string `env:"AUTH_SERVICE_URL,default=https://bsky.social"`

	// RefreshMargin is how much remaining token lifetime triggers a
	// proactive refresh.
	RefreshMargin time.Duration `env:"AUTH_REFRESH_MARGIN,default=5m"`
	// RefreshBackoff is the initial delay after a skipped or failed cycle.
	RefreshBackoff time.Duration `env:"AUTH_REFRESH_BACKOFF,default=30s"`
	// MaxRefreshBackoff caps the growth of the backoff delay.
	MaxRefreshBackoff time.Duration `env:"AUTH_MAX_REFRESH_BACKOFF,default=10m"`

	// StorePath selects the encrypted file store when set.
	StorePath string `env:"AUTH_STORE_PATH"`
	// StoreKey is the hex-encoded 32-byte sealing key for the file store.
	StoreKey string `env:"AUTH_STORE_KEY"`
	// RedisAddr selects the Redis store when set.
	RedisAddr string `env:"AUTH_REDIS_ADDR"`

	LogLevel string `env:"AUTH_LOG_LEVEL,default=info"`
}

// FromEnv decodes the configuration from process environment variables.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, "[FromEnv] decoding environment")
	}
	return &cfg, nil
}
