package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 7*24*time.Hour, cfg.Session.Retention)
	assert.Equal(t, 300*time.Second, cfg.Session.CheckpointInterval)
	assert.Equal(t, 60*time.Second, cfg.Supervisor.TickInterval)
	assert.Equal(t, 3, cfg.Supervisor.MaxAutoRecovery)
	assert.Equal(t, time.Hour, cfg.Supervisor.StuckAfter)
	assert.Equal(t, 0.1, cfg.Agents.EMAAlpha)
	assert.Equal(t, "project-coordinator", cfg.Supervisor.LeadAgent)
	assert.Equal(t, 100, cfg.Classifier.PatternCapacity)
	assert.Equal(t, 256, cfg.Streaming.Capacity)
	assert.False(t, cfg.Streaming.RedisEnabled)
	assert.Equal(t, int64(1000), cfg.Streaming.MaxLen)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autopilot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  backend: sqlite
  dsn: "file::memory:"
supervisor:
  max_auto_recovery: 5
`), 0o644))
	t.Setenv("AUTOPILOT_SUPERVISOR_LEAD_AGENT", "chief")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, 5, cfg.Supervisor.MaxAutoRecovery)
	assert.Equal(t, "chief", cfg.Supervisor.LeadAgent)
}

func TestValidateRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  backend: postgres\n"), 0o644))
	_, err := Load(path)
	assert.ErrorContains(t, err, "store.dsn")

	require.NoError(t, os.WriteFile(path, []byte("agents:\n  ema_alpha: 2\n"), 0o644))
	_, err = Load(path)
	assert.ErrorContains(t, err, "ema_alpha")
}

func TestManagerReloadNotifiesHandlers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autopilot.yaml")
	require.NoError(t, os.WriteFile(path, []byte("supervisor:\n  stuck_after: 1h\n"), 0o644))

	m, err := NewManager(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, time.Hour, m.Current().Supervisor.StuckAfter)

	var got *Config
	m.OnChange(func(cfg *Config) { got = cfg })

	m.v.Set("supervisor.stuck_after", "2h")
	m.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})

	require.NotNil(t, got)
	assert.Equal(t, 2*time.Hour, got.Supervisor.StuckAfter)
	assert.Equal(t, 2*time.Hour, m.Current().Supervisor.StuckAfter)

	got = nil
	m.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Chmod})
	assert.Nil(t, got)
}
