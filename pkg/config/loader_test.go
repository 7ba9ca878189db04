package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("Should load defaults when no file or env is present", func(t *testing.T) {
		cfg, err := NewService().Load(t.Context(), "")
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 8000, cfg.Server.Port)
		assert.Equal(t, "/data", cfg.Data.Root)
		assert.Equal(t, 4, cfg.Dispatch.Workers)
		assert.Equal(t, 30*time.Second, cfg.Exec.Timeout)
		assert.NotEmpty(t, cfg.Formatters)
	})

	t.Run("Should merge YAML file over defaults", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "fmtd.yaml")
		content := "server:\n  port: 9010\ndispatch:\n  workers: 2\ndata:\n  root: /tmp/fmtd-data\n"
		require.NoError(t, os.WriteFile(file, []byte(content), 0o644))

		cfg, err := NewService().Load(t.Context(), file)
		require.NoError(t, err)

		assert.Equal(t, 9010, cfg.Server.Port)
		assert.Equal(t, 2, cfg.Dispatch.Workers)
		assert.Equal(t, "/tmp/fmtd-data", cfg.Data.Root)
		// Untouched keys keep their defaults.
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	})

	t.Run("Should apply FMTD_ environment overrides last", func(t *testing.T) {
		t.Setenv("FMTD_SERVER_PORT", "7777")
		t.Setenv("FMTD_EXEC_TIMEOUT", "5s")

		cfg, err := NewService().Load(t.Context(), "")
		require.NoError(t, err)

		assert.Equal(t, 7777, cfg.Server.Port)
		assert.Equal(t, 5*time.Second, cfg.Exec.Timeout)
	})

	t.Run("Should fail on invalid values", func(t *testing.T) {
		t.Setenv("FMTD_SERVER_PORT", "99999")

		_, err := NewService().Load(t.Context(), "")
		assert.Error(t, err)
	})

	t.Run("Should fail when a requested config file is missing", func(t *testing.T) {
		_, err := NewService().Load(t.Context(), filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("Should reject duplicate profile ids", func(t *testing.T) {
		err := validateFormatterTable([]FormatterConfig{
			{ID: "js-prettier"},
			{ID: "js-prettier"},
		})
		assert.ErrorContains(t, err, "duplicate formatter profile id")
	})

	t.Run("Should reject overlapping extension claims", func(t *testing.T) {
		err := validateFormatterTable([]FormatterConfig{
			{ID: "a", Extensions: []string{".js"}},
			{ID: "b", Extensions: []string{".JS"}},
		})
		assert.ErrorContains(t, err, "claimed by both")
	})
}

func TestTransformEnvKey(t *testing.T) {
	t.Run("Should map env variable names to koanf paths", func(t *testing.T) {
		assert.Equal(t, "cache.max_bytes", transformEnvKey("FMTD_CACHE_MAX_BYTES"))
		assert.Equal(t, "server.port", transformEnvKey("FMTD_SERVER_PORT"))
		assert.Equal(t, "log.level", transformEnvKey("FMTD_LOG_LEVEL"))
	})
}
