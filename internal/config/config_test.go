package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, "zlib_metadata.db", c.DB)
	assert.Equal(t, 10000, c.BatchSize)
}

func TestApplyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zlibmeta.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`
db                = "/data/zlib.db"
batch_size        = 500
progress_interval = "5s"
parallel          = true
log_level         = "debug"
`), 0o644))

	c := Default()
	require.NoError(t, c.ApplyFile(path))
	assert.Equal(t, "/data/zlib.db", c.DB)
	assert.Equal(t, 500, c.BatchSize)
	assert.Equal(t, 5*time.Second, c.ProgressInterval)
	assert.True(t, c.Parallel)
	assert.Equal(t, "debug", c.LogLevel)
	// Untouched attributes keep their defaults.
	assert.Equal(t, int64(100000), c.ProgressEvery)
	assert.Equal(t, 16<<20, c.MaxLineBytes)
}

func TestApplyFileErrors(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing", func(t *testing.T) {
		c := Default()
		assert.Error(t, c.ApplyFile(filepath.Join(dir, "absent.hcl")))
	})

	t.Run("bad duration", func(t *testing.T) {
		path := filepath.Join(dir, "bad.hcl")
		require.NoError(t, os.WriteFile(path, []byte(`progress_interval = "soon"`), 0o644))
		c := Default()
		err := c.ApplyFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "progress_interval")
	})

	t.Run("unknown attribute", func(t *testing.T) {
		path := filepath.Join(dir, "unknown.hcl")
		require.NoError(t, os.WriteFile(path, []byte(`journal = "off"`), 0o644))
		c := Default()
		assert.Error(t, c.ApplyFile(path))
	})
}

func TestApplyEnv(t *testing.T) {
	c := Default()
	require.NoError(t, c.ApplyEnv(envMap(map[string]string{
		"ZLIBMETA_DB":                "env.db",
		"ZLIBMETA_BATCH_SIZE":        "250",
		"ZLIBMETA_PARALLEL":          "true",
		"ZLIBMETA_PROGRESS_INTERVAL": "1m",
		"ZLIBMETA_LOG_LEVEL":         " ",
	})))
	assert.Equal(t, "env.db", c.DB)
	assert.Equal(t, 250, c.BatchSize)
	assert.True(t, c.Parallel)
	assert.Equal(t, time.Minute, c.ProgressInterval)
	assert.Equal(t, "info", c.LogLevel, "blank values are ignored")

	t.Run("invalid values are all reported", func(t *testing.T) {
		c := Default()
		err := c.ApplyEnv(envMap(map[string]string{
			"ZLIBMETA_BATCH_SIZE": "many",
			"ZLIBMETA_PARALLEL":   "maybe",
		}))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ZLIBMETA_BATCH_SIZE")
		assert.Contains(t, err.Error(), "ZLIBMETA_PARALLEL")
	})
}

func TestLoadPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zlibmeta.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`batch_size = 500
db = "file.db"`), 0o644))
	t.Setenv("ZLIBMETA_BATCH_SIZE", "42")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 42, c.BatchSize, "environment beats file")
	assert.Equal(t, "file.db", c.DB, "file beats default")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty db", func(c *Config) { c.DB = "" }},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }},
		{"negative progress", func(c *Config) { c.ProgressEvery = -1 }},
		{"zero interval", func(c *Config) { c.ProgressInterval = 0 }},
		{"zero max line", func(c *Config) { c.MaxLineBytes = 0 }},
		{"bad level", func(c *Config) { c.LogLevel = "chatty" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLevel(t *testing.T) {
	c := Default()
	c.LogLevel = "warn"
	l, err := c.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, l)
}
