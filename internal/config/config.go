// Package config loads, defaults and validates the workspace configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/patchd/internal/model"
)

const (
	FileName = "config.yaml"

	EnvLogLevel      = "PATCHD_LOG_LEVEL"
	EnvHistoryDriver = "PATCHD_HISTORY_DRIVER"

	HistoryDriverFile   = "file"
	HistoryDriverSQLite = "sqlite"
)

var validCanonicalKinds = map[string]bool{
	"bootstrap": true,
	"health":    true,
	"assertion": true,
	"optional":  true,
	"closing":   true,
}

// Defaults returns the configuration used when no file is present.
func Defaults() model.Config {
	return model.Config{
		Workspace: model.WorkspaceConfig{ProjectRoot: "."},
		Engine: model.EngineConfig{
			GateTimeoutSec: 60,
			StepTimeoutSec: 300,
			Shell:          "/bin/sh",
			MaxOutputBytes: 4096,
			WriteSummaries: true,
		},
		Watcher: model.WatcherConfig{
			DebounceMs:    500,
			ReconcileCron: "@every 1m",
			StatusCron:    "@every 30s",
		},
		History: model.HistoryConfig{
			Driver: HistoryDriverFile,
			Path:   filepath.Join("history", "history.jsonl"),
		},
		Status: model.StatusConfig{
			RecentEvents:  10,
			StaleAfterMin: 60,
		},
		Logging: model.LoggingConfig{
			Level:   "info",
			Console: true,
			File:    filepath.Join("logs", "patchd.log"),
		},
		Daemon: model.DaemonConfig{ShutdownTimeoutSec: 10},
	}
}

// Load reads the config for the workspace at root. An empty path means
// root/config.yaml; a missing default file yields Defaults(). An explicit
// path that does not exist is an error.
func Load(root, path string) (model.Config, error) {
	cfg := Defaults()

	explicit := path != ""
	if !explicit {
		path = filepath.Join(root, FileName)
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yamlv3.Unmarshal(data, &cfg); err != nil {
			return model.Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return model.Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(&cfg)
	if cfg.History.Driver == HistoryDriverSQLite && cfg.History.Path == Defaults().History.Path {
		cfg.History.Path = filepath.Join("history", "history.db")
	}

	if err := Validate(cfg); err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *model.Config) {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvHistoryDriver)); v != "" {
		cfg.History.Driver = strings.ToLower(v)
	}
}

// Validate reports every problem in cfg at once.
func Validate(cfg model.Config) error {
	var errs []error

	if cfg.Engine.GateTimeoutSec <= 0 {
		errs = append(errs, fmt.Errorf("engine.gate_timeout_sec must be > 0, got %d", cfg.Engine.GateTimeoutSec))
	}
	if cfg.Engine.StepTimeoutSec <= 0 {
		errs = append(errs, fmt.Errorf("engine.step_timeout_sec must be > 0, got %d", cfg.Engine.StepTimeoutSec))
	}
	if strings.TrimSpace(cfg.Engine.Shell) == "" {
		errs = append(errs, errors.New("engine.shell must not be empty"))
	}
	if cfg.Engine.MaxOutputBytes < 0 {
		errs = append(errs, fmt.Errorf("engine.max_output_bytes must be >= 0, got %d", cfg.Engine.MaxOutputBytes))
	}
	if cfg.Watcher.DebounceMs < 0 {
		errs = append(errs, fmt.Errorf("watcher.debounce_ms must be >= 0, got %d", cfg.Watcher.DebounceMs))
	}
	parser := CronParser()
	for name, spec := range map[string]string{
		"watcher.reconcile_cron": cfg.Watcher.ReconcileCron,
		"watcher.status_cron":    cfg.Watcher.StatusCron,
	} {
		if spec == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	switch cfg.History.Driver {
	case HistoryDriverFile, HistoryDriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("history.driver must be %q or %q, got %q", HistoryDriverFile, HistoryDriverSQLite, cfg.History.Driver))
	}
	if strings.TrimSpace(cfg.History.Path) == "" {
		errs = append(errs, errors.New("history.path must not be empty"))
	}
	if cfg.Status.RecentEvents < 0 {
		errs = append(errs, fmt.Errorf("status.recent_events must be >= 0, got %d", cfg.Status.RecentEvents))
	}
	if cfg.Daemon.ShutdownTimeoutSec <= 0 {
		errs = append(errs, fmt.Errorf("daemon.shutdown_timeout_sec must be > 0, got %d", cfg.Daemon.ShutdownTimeoutSec))
	}
	for name, g := range cfg.Gates {
		if strings.TrimSpace(g.Command) == "" {
			errs = append(errs, fmt.Errorf("gates.%s.command must not be empty", name))
		}
		if g.TimeoutSec < 0 {
			errs = append(errs, fmt.Errorf("gates.%s.timeout_sec must be >= 0", name))
		}
	}
	for i, c := range cfg.Normalizer.Canonical {
		if !validCanonicalKinds[c.Kind] {
			errs = append(errs, fmt.Errorf("normalizer.canonical[%d].kind %q is not one of bootstrap|health|assertion|optional|closing", i, c.Kind))
		}
		if strings.TrimSpace(c.Marker) == "" {
			errs = append(errs, fmt.Errorf("normalizer.canonical[%d].marker must not be empty", i))
		}
		if c.Kind == "optional" && c.Flag == "" {
			errs = append(errs, fmt.Errorf("normalizer.canonical[%d]: optional steps need a flag", i))
		}
		if c.Kind == "closing" && c.Artifact == "" {
			errs = append(errs, fmt.Errorf("normalizer.canonical[%d]: closing steps need an artifact", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// CronParser accepts five-field specs and descriptors such as "@every 1m".
func CronParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// GateTimeout is the engine-wide default gate timeout.
func GateTimeout(cfg model.Config) time.Duration {
	return time.Duration(cfg.Engine.GateTimeoutSec) * time.Second
}

// StepTimeout is the engine-wide default step timeout.
func StepTimeout(cfg model.Config) time.Duration {
	return time.Duration(cfg.Engine.StepTimeoutSec) * time.Second
}
