package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.NoError(t, cfg.Validate())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artdb.yaml")
	yml := `
storage:
  data_file: /var/lib/artdb/main.db
  buffer_pool_size: 256
logger:
  level: debug
telemetry:
  enabled: true
  prometheus_port: 0
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/artdb/main.db", cfg.Storage.DataFile)
	require.Equal(t, 256, cfg.Storage.BufferPoolSize)
	require.Equal(t, DefaultBTreeOrder, cfg.Storage.BTreeOrder)
	require.Equal(t, "debug", cfg.Logger.Level)
	require.Equal(t, "console", cfg.Logger.Format)
	require.True(t, cfg.Telemetry.Enabled)
	require.Zero(t, cfg.Telemetry.PrometheusPort)
	require.Equal(t, "artdb", cfg.Telemetry.ServiceName)
}

func TestParse_EmptyDocumentIsDefault(t *testing.T) {
	cfg, err := Parse(strings.NewReader("\n"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	_, err := Parse(strings.NewReader("storage:\n  page_size: 8192\n"))
	require.Error(t, err)
}

func TestParse_ReportsEveryInvalidSetting(t *testing.T) {
	_, err := Parse(strings.NewReader("storage:\n  buffer_pool_size: 0\n  btree_order: 2\n"))
	require.ErrorContains(t, err, "buffer_pool_size")
	require.ErrorContains(t, err, "btree_order")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
