// Package model defines the data structures for patchd's configuration, descriptors, and history.
package model

type Config struct {
	Workspace  WorkspaceConfig       `yaml:"workspace"`
	Engine     EngineConfig          `yaml:"engine"`
	Watcher    WatcherConfig         `yaml:"watcher"`
	History    HistoryConfig         `yaml:"history"`
	Status     StatusConfig          `yaml:"status"`
	Logging    LoggingConfig         `yaml:"logging"`
	Daemon     DaemonConfig          `yaml:"daemon"`
	Gates      map[string]GateConfig `yaml:"gates,omitempty"`
	Normalizer NormalizerConfig      `yaml:"normalizer"`
}

type WorkspaceConfig struct {
	// ProjectRoot is the working directory for gates and steps. Relative
	// paths resolve against the workspace root.
	ProjectRoot string `yaml:"project_root"`
}

type EngineConfig struct {
	GateTimeoutSec int    `yaml:"gate_timeout_sec"`
	StepTimeoutSec int    `yaml:"step_timeout_sec"`
	Shell          string `yaml:"shell"`
	MaxOutputBytes int    `yaml:"max_output_bytes"`
	WriteSummaries bool   `yaml:"write_summaries"`
}

type WatcherConfig struct {
	DebounceMs    int    `yaml:"debounce_ms"`
	ReconcileCron string `yaml:"reconcile_cron"`
	StatusCron    string `yaml:"status_cron"`
}

type HistoryConfig struct {
	Driver string `yaml:"driver"` // "file" | "sqlite"
	Path   string `yaml:"path"`
}

type StatusConfig struct {
	RecentEvents  int `yaml:"recent_events"`
	StaleAfterMin int `yaml:"stale_after_min"`
}

type LoggingConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
	File    string `yaml:"file"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

// GateConfig defines a named gate backed by a shell command.
type GateConfig struct {
	Command    string `yaml:"command"`
	TimeoutSec int    `yaml:"timeout_sec,omitempty"`
	Workdir    string `yaml:"workdir,omitempty"`
}

type NormalizerConfig struct {
	Canonical []CanonicalStepConfig `yaml:"canonical,omitempty"`
}

// CanonicalStepConfig describes one canonical step of the normalizer profile.
type CanonicalStepConfig struct {
	Kind     string `yaml:"kind"` // bootstrap|health|assertion|optional|closing
	Marker   string `yaml:"marker"`
	Command  string `yaml:"command"`
	Flag     string `yaml:"flag,omitempty"`
	Artifact string `yaml:"artifact,omitempty"`
}
