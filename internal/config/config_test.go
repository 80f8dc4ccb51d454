package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("PORT", "9999")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, "postgres", cfg.StoreBackend)
	assert.Equal(t, "local", cfg.RelayBackend)
	assert.Equal(t, 5000, cfg.MessageMaxLength)
	assert.Equal(t, []string{"admin", "instructor"}, cfg.PrivilegedRoleList())
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("jwt_secret: from-file\nrelay_backend: nats\nmessage_max_length: 10\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.JWTSecret)
	assert.Equal(t, "nats", cfg.RelayBackend)
	assert.Equal(t, 10, cfg.MessageMaxLength)
}

func TestValidateRejectsUnknownBackends(t *testing.T) {
	cfg := &Config{JWTSecret: "s", StoreBackend: "mongo", RelayBackend: "local", MessageMaxLength: 1}
	assert.Error(t, cfg.Validate())

	cfg.StoreBackend = "memory"
	cfg.RelayBackend = "kafka"
	assert.Error(t, cfg.Validate())

	cfg.RelayBackend = "redis"
	assert.NoError(t, cfg.Validate())
}
