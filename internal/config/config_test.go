package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, time.Hour, cfg.Security.TokenTTL)
	assert.Equal(t, 60*time.Minute, cfg.Security.SessionTimeout)
	assert.True(t, cfg.Security.OriginFailOpen)
	assert.Equal(t, 2*time.Second, cfg.Quality.SampleInterval)
	assert.Equal(t, 5, cfg.Quality.MaxReconnectAttempts)
	assert.Equal(t, 30, cfg.Quality.HistorySize)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.ICE.STUNServers)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("CONFIG_ENV", "test")

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	yaml := []byte(`
mode: debug
port: 9000
secret: unit-test-secret
security:
  token_ttl: 15m
  origin_fail_open: false
quality:
  max_reconnect_attempts: 2
ice:
  turn_servers:
    - turn:turn.clinic.example:3478
  turn_user: relay
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), yaml, 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "unit-test-secret", cfg.Secret)
	assert.Equal(t, 15*time.Minute, cfg.Security.TokenTTL)
	assert.False(t, cfg.Security.OriginFailOpen)
	assert.Equal(t, 2, cfg.Quality.MaxReconnectAttempts)
	assert.Equal(t, []string{"turn:turn.clinic.example:3478"}, cfg.ICE.TURNServers)
	assert.Equal(t, "relay", cfg.ICE.TURNUser)
	// Untouched keys keep their defaults.
	assert.Equal(t, 30, cfg.Quality.HistorySize)
}
