package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/moodesky/atproto-auth/internal/config"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := config.FromEnv()
	require.NoError(t, err)

	require.Equal(t, "https://bsky.social", cfg.ServiceURL)
	require.Equal(t, 5*time.Minute, cfg.RefreshMargin)
	require.Equal(t, 30*time.Second, cfg.RefreshBackoff)
	require.Equal(t, 10*time.Minute, cfg.MaxRefreshBackoff)
	require.Equal(t, "info", cfg.LogLevel)
	require.Empty(t, cfg.RedisAddr)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("AUTH_SERVICE_URL", "http://localhost:2583")
	t.Setenv("AUTH_REFRESH_MARGIN", "90s")
	t.Setenv("AUTH_STORE_PATH", "/tmp/accounts.sealed")
	t.Setenv("AUTH_LOG_LEVEL", "debug")

	cfg, err := config.FromEnv()
	require.NoError(t, err)

	require.Equal(t, "http://localhost:2583", cfg.ServiceURL)
	require.Equal(t, 90*time.Second, cfg.RefreshMargin)
	require.Equal(t, "/tmp/accounts.sealed", cfg.StorePath)
	require.Equal(t, "debug", cfg.LogLevel)
}
