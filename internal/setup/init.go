// Package setup initializes a patchd workspace.
package setup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/patchd/internal/config"
	"github.com/msageha/patchd/internal/model"
	atomicyaml "github.com/msageha/patchd/internal/yaml"
	"github.com/msageha/patchd/templates"
)

// ErrAlreadyInitialized is returned when the workspace already has a config.
var ErrAlreadyInitialized = errors.New("workspace already initialized")

type Options struct {
	// ProjectRoot is written to workspace.project_root. Empty keeps ".".
	ProjectRoot string
	// Phases creates pending/phase-{n} for each entry.
	Phases []int
	// Force overwrites an existing config.yaml.
	Force bool
}

// Run creates the workspace layout under root and writes config.yaml.
// Existing directories and descriptors are left alone.
func Run(root string, opts Options) error {
	layout := config.NewLayout(root)

	if _, err := os.Stat(layout.ConfigFile()); err == nil && !opts.Force {
		return fmt.Errorf("%s: %w", layout.ConfigFile(), ErrAlreadyInitialized)
	}

	for _, d := range layout.Dirs() {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}
	for _, n := range opts.Phases {
		if n < 0 {
			return fmt.Errorf("invalid phase %d", n)
		}
		dir := filepath.Join(layout.Pending(), fmt.Sprintf("phase-%d", n))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	cfg, err := generateConfig(opts.ProjectRoot)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}
	if err := atomicyaml.AtomicWrite(layout.ConfigFile(), cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return nil
}

func generateConfig(projectRoot string) (model.Config, error) {
	data, err := fs.ReadFile(templates.FS, config.FileName)
	if err != nil {
		return model.Config{}, fmt.Errorf("read config template: %w", err)
	}
	cfg := config.Defaults()
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config template: %w", err)
	}
	if projectRoot != "" {
		cfg.Workspace.ProjectRoot = projectRoot
	}
	return cfg, nil
}
