package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.Server.Address)
	assert.Equal(t, "herochat.db", cfg.Storage.Path)
	assert.Equal(t, "NOTICE", cfg.Logging.Level)
	assert.Equal(t, 120, cfg.Server.ReadTimeout)
	assert.Equal(t, 30, cfg.Server.WriteTimeout)
	assert.Equal(t, 60, cfg.Server.ProbeInterval)
	assert.Empty(t, cfg.Metrics.Address)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "herochatd.toml")
	data := `
[Server]
Address = "127.0.0.1:9000"
ReadTimeout = 5

[Storage]
Path = "/var/lib/herochat/relay.db"

[Logging]
Level = "DEBUG"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Address)
	assert.Equal(t, 5, cfg.Server.ReadTimeout)
	assert.Equal(t, "/var/lib/herochat/relay.db", cfg.Storage.Path)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	// Unset keys still get defaults.
	assert.Equal(t, 30, cfg.Server.WriteTimeout)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "herochatd.toml")
	data := `
[Server]
Address = "127.0.0.1:9000"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	t.Setenv("HEROCHAT_ADDRESS", "127.0.0.1:9001")
	t.Setenv("HEROCHAT_LOG_LEVEL", "ERROR")
	t.Setenv("HEROCHAT_PROBE_INTERVAL", "15")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9001", cfg.Server.Address)
	assert.Equal(t, "ERROR", cfg.Logging.Level)
	assert.Equal(t, 15, cfg.Server.ProbeInterval)
}

func TestInvalidLogLevel(t *testing.T) {
	t.Setenv("HEROCHAT_LOG_LEVEL", "LOUD")

	_, err := Load("")
	assert.Error(t, err)
}

func TestNegativeTimeoutRejected(t *testing.T) {
	t.Setenv("HEROCHAT_READ_TIMEOUT", "-1")

	_, err := Load("")
	assert.Error(t, err)
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestDeadlineHelpers(t *testing.T) {
	s := &Server{ReadTimeout: 2, WriteTimeout: 3, ProbeInterval: 4}
	assert.Equal(t, "2s", s.ReadDeadline().String())
	assert.Equal(t, "3s", s.WriteDeadline().String())
	assert.Equal(t, "4s", s.ProbePeriod().String())
}
