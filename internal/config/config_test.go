package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.True(t, cfg.Maintenance.Enabled)
}

func TestYAMLThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"server:\n  port: \"9090\"\nstore:\n  driver: postgres\n  schema: econ\nrate_limit:\n  max_calls_per_minute: 30\n",
	), 0o644))

	t.Setenv("PORT", "7070")
	t.Setenv("SUBSTRATE_OPS_TOKEN_HASH", "$2a$10$fakehash")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port, "env wins over yaml")
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "econ", cfg.Store.Schema)
	assert.Equal(t, 30, cfg.RateLimit.MaxCallsPerMinute)
	assert.Equal(t, "$2a$10$fakehash", cfg.Server.OpsTokenBcryptHash)
}

func TestMissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load("/nonexistent/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Driver)
}
