package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesFileAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: "127.0.0.1"
  port: 9090
database:
  host: "dbhost"
  port: 5432
  user: "app"
  password: "secret"
  name: "appdb"
  sslmode: "disable"
provisioner:
  max_attempts: 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Address())
	assert.Contains(t, cfg.Database.DSN(), "host=dbhost")
	assert.Contains(t, cfg.Database.DSN(), "dbname=appdb")

	// File value wins over the default.
	assert.Equal(t, 5, cfg.Provisioner.MaxAttempts)

	// Unset keys fall back to defaults.
	assert.Equal(t, 2*time.Second, cfg.Provisioner.BaseDelay)
	assert.Equal(t, 24*time.Hour, cfg.Provisioner.TokenTTL)
	assert.Equal(t, 3, cfg.Queue.Concurrency)
	assert.Equal(t, time.Second, cfg.Queue.PollInterval)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
