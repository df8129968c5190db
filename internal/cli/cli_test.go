package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDaemonCLI(t *testing.T) {
	cmd := BuildDaemonCLI()

	require.NotNil(t, cmd)
	assert.Equal(t, "unitd", cmd.Use)

	names := make([]string, 0)
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.Contains(t, names, "run")

	flag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "c", flag.Shorthand)
}

func TestBuildControlCLI(t *testing.T) {
	cmd := BuildControlCLI()

	require.NotNil(t, cmd)
	assert.Equal(t, "unitctl", cmd.Use)

	names := make([]string, 0)
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	for _, want := range []string{"start", "stop", "reload", "restart", "try-restart", "isolate", "status", "list-units", "reset-failed"} {
		assert.Contains(t, names, want)
	}

	require.NotNil(t, cmd.PersistentFlags().Lookup("address"))
	require.NotNil(t, cmd.PersistentFlags().Lookup("mode"))
}

func TestJobVerbsRequireUnitArgument(t *testing.T) {
	for _, verb := range []string{"start", "stop", "restart"} {
		cmd := BuildControlCLI()
		cmd.SetArgs([]string{verb})
		cmd.SilenceUsage = true
		cmd.SilenceErrors = true
		err := cmd.Execute()
		assert.Error(t, err, "verb %s should require a unit argument", verb)
	}
}

func TestLoadConfigDefaultsWhenUnset(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "state/journal", cfg.Journal.Path)
	assert.Equal(t, "127.0.0.1:50051", cfg.Control.Listen)
	assert.Positive(t, cfg.Snapshot.IntervalSeconds)
}

func TestLoadConfigValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "unitd.yaml")
	data := `
journal:
  path: /var/lib/unitman/journal
  buffer_size: 200
  flush_interval_ms: 5
snapshot:
  path: /var/lib/unitman/snapshot
  interval_seconds: 60
metrics:
  enabled: true
  port: 9191
control:
  listen: 0.0.0.0:6001
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/unitman/journal", cfg.Journal.Path)
	assert.Equal(t, 200, cfg.Journal.BufferSize)
	assert.Equal(t, int64(5), cfg.JournalFlushInterval().Milliseconds())
	assert.Equal(t, "/var/lib/unitman/snapshot", cfg.Snapshot.Path)
	assert.Equal(t, int64(60), int64(cfg.SnapshotInterval().Seconds()))
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9191, cfg.Metrics.Port)
	assert.Equal(t, "0.0.0.0:6001", cfg.Control.Listen)
}

func TestLoadConfigPartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "unitd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("metrics:\n  enabled: true\n"), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, "state/journal", cfg.Journal.Path)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("journal: [unclosed"), 0o644))

	_, err := loadConfig(path)
	assert.Error(t, err)
}
