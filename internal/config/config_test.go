package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/patchd/internal/model"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir(), "")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoad_ExplicitMissingFileFails(t *testing.T) {
	_, err := Load(t.TempDir(), "/nonexistent/patchd.yaml")
	assert.Error(t, err)
}

func TestLoad_MergesOverDefaults(t *testing.T) {
	root := t.TempDir()
	content := `
engine:
  gate_timeout_sec: 5
history:
  driver: sqlite
gates:
  lint:
    command: "make lint"
`
	require.NoError(t, os.WriteFile(filepath.Join(root, FileName), []byte(content), 0644))

	cfg, err := Load(root, "")
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Engine.GateTimeoutSec)
	assert.Equal(t, 300, cfg.Engine.StepTimeoutSec, "unset fields keep defaults")
	assert.Equal(t, HistoryDriverSQLite, cfg.History.Driver)
	assert.Equal(t, filepath.Join("history", "history.db"), cfg.History.Path)
	assert.Equal(t, "make lint", cfg.Gates["lint"].Command)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvHistoryDriver, "SQLITE")

	cfg, err := Load(t.TempDir(), "")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, HistoryDriverSQLite, cfg.History.Driver)
}

func TestLoad_InvalidYAML(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, FileName), []byte("engine: [broken"), 0644))

	_, err := Load(root, "")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.Config)
		ok     bool
	}{
		{"defaults", func(*model.Config) {}, true},
		{"zero gate timeout", func(c *model.Config) { c.Engine.GateTimeoutSec = 0 }, false},
		{"empty shell", func(c *model.Config) { c.Engine.Shell = " " }, false},
		{"bad driver", func(c *model.Config) { c.History.Driver = "postgres" }, false},
		{"bad cron", func(c *model.Config) { c.Watcher.ReconcileCron = "every so often" }, false},
		{"empty gate command", func(c *model.Config) {
			c.Gates = map[string]model.GateConfig{"build": {}}
		}, false},
		{"unknown canonical kind", func(c *model.Config) {
			c.Normalizer.Canonical = []model.CanonicalStepConfig{{Kind: "teardown", Marker: "x"}}
		}, false},
		{"optional without flag", func(c *model.Config) {
			c.Normalizer.Canonical = []model.CanonicalStepConfig{{Kind: "optional", Marker: "x"}}
		}, false},
		{"closing with artifact", func(c *model.Config) {
			c.Normalizer.Canonical = []model.CanonicalStepConfig{{Kind: "closing", Marker: "x", Artifact: "out/report.json"}}
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := Validate(cfg)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestLayout(t *testing.T) {
	l := NewLayout("/srv/ws")
	assert.Equal(t, "/srv/ws/pending", l.Pending())
	assert.Equal(t, "/srv/ws/locks/worker.lock", l.WorkerLock())
	assert.Equal(t, "/srv/ws/history/history.jsonl", l.Resolve("history/history.jsonl"))
	assert.Equal(t, "/abs/h.db", l.Resolve("/abs/h.db"))
	assert.Len(t, l.Dirs(), 6)
}
