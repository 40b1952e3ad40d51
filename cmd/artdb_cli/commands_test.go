package main

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/artdb/artdb/config"
	"github.com/artdb/artdb/core/database"
	"github.com/stretchr/testify/require"
)

func setupShell(t *testing.T) (*shell, *strings.Builder) {
	t.Helper()
	cfg := config.Default().Storage
	cfg.DataFile = filepath.Join(t.TempDir(), "cli.db")
	db, err := database.Open(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	out := &strings.Builder{}
	return &shell{db: db, out: out}, out
}

func run(sh *shell, out *strings.Builder, line string) string {
	out.Reset()
	sh.exec(strings.Fields(line))
	return out.String()
}

func TestShell_PutGetDelete(t *testing.T) {
	sh, out := setupShell(t)

	require.Equal(t, "OK\n", run(sh, out, "put 7 name=Alice city=Paris"))
	require.Equal(t, "7: name=\"Alice\" city=\"Paris\"\n", run(sh, out, "get 7"))
	require.Equal(t, "OK\n", run(sh, out, "del 7"))
	require.Equal(t, "NOT FOUND\n", run(sh, out, "get 7"))
}

func TestShell_ScanWithLimit(t *testing.T) {
	sh, out := setupShell(t)
	for _, line := range []string{"put 3 a=1", "put 1 a=1", "put 2 a=1"} {
		run(sh, out, line)
	}

	require.Equal(t, "1: a=\"1\"\n2: a=\"1\"\n2 record(s)\n", run(sh, out, "scan 2"))
	require.Contains(t, run(sh, out, "scan"), "3 record(s)")
}

func TestShell_ReportsUsageErrors(t *testing.T) {
	sh, out := setupShell(t)

	require.Contains(t, run(sh, out, "get"), "usage: get <id>")
	require.Contains(t, run(sh, out, "put x"), "invalid record id")
	require.Contains(t, run(sh, out, "put 1 novalue"), "invalid field")
	require.Contains(t, run(sh, out, "frobnicate"), "unknown command")
}

func TestShell_StatsAndCheck(t *testing.T) {
	sh, out := setupShell(t)
	run(sh, out, "put 1 a=b")

	stats := run(sh, out, "stats")
	require.Contains(t, stats, "records:     1")
	require.Contains(t, stats, "order 64, height 1")
	require.Equal(t, "OK\n", run(sh, out, "check"))
	require.Equal(t, "OK\n", run(sh, out, "flush"))
}

func TestShell_ExitStops(t *testing.T) {
	sh, _ := setupShell(t)
	require.True(t, sh.exec([]string{"quit"}))
	require.False(t, sh.exec([]string{"help"}))
}

func TestShell_Backup(t *testing.T) {
	sh, out := setupShell(t)
	run(sh, out, "put 1 a=b")

	dst := filepath.Join(t.TempDir(), "copy.db")
	require.Contains(t, run(sh, out, "backup "+dst), "wrote ")
	require.FileExists(t, dst)
	require.Contains(t, run(sh, out, "backup"), "usage: backup")
}
