package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverridesMergeOverDefaults(t *testing.T) {
	t.Setenv("TEST_AGENTBUS_REDIS_ADDR", "redis.internal:6379")

	path := filepath.Join(t.TempDir(), "agentbus.yaml")
	content := []byte(`
redis:
  addr: ${TEST_AGENTBUS_REDIS_ADDR}
workers:
  cpu:
    count: 12
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, 12, cfg.Workers["cpu"].Count)
	// untouched defaults survive the merge
	assert.Equal(t, 1, cfg.Workers["gpu"].Count)
	assert.Equal(t, 600000, cfg.Worker.TaskTimeoutMS)
}

func TestExpandEnv_MissingVarExpandsEmpty(t *testing.T) {
	out := expandEnv([]byte("value: ${TEST_AGENTBUS_UNSET_VAR}"))
	assert.Equal(t, "value: ", string(out))
}
