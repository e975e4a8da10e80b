package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.RemoteTimeout)
	assert.Equal(t, time.Second, cfg.DownloadRetryDelay)
	assert.Equal(t, 128, cfg.ChangeCacheSize)
	assert.Equal(t, ":8183", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ATOMIC_REMOTE_TIMEOUT", "5s")
	t.Setenv("ATOMIC_CHANGE_CACHE_SIZE", "16")
	t.Setenv("ATOMIC_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.RemoteTimeout)
	assert.Equal(t, 16, cfg.ChangeCacheSize)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRejectsMalformed(t *testing.T) {
	t.Setenv("ATOMIC_CHANGE_CACHE_SIZE", "not-a-number")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ATOMIC_CHANGE_CACHE_SIZE")
}

func TestValidate(t *testing.T) {
	cfg := Config{
		ChangeCacheSize:    1,
		RemoteTimeout:      time.Second,
		DownloadRetryDelay: time.Second,
		ListenAddr:         ":0",
	}
	assert.NoError(t, cfg.Validate())

	cfg.ChangeCacheSize = 0
	assert.Error(t, cfg.Validate())
}
