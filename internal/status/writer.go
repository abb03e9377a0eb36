package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/msageha/patchd/internal/yaml"
)

const (
	SnapshotJSON = "snapshot.json"
	SnapshotYAML = "snapshot.yaml"
	DashboardMD  = "dashboard.md"
)

// Writer persists snapshots into the status directory.
type Writer struct {
	dir string
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// Write replaces snapshot.json, snapshot.yaml and dashboard.md. Each file
// is written atomically; readers see either the old or the new version.
func (w *Writer) Write(snap *Snapshot) error {
	if err := yaml.AtomicWriteJSON(filepath.Join(w.dir, SnapshotJSON), snap); err != nil {
		return fmt.Errorf("write snapshot json: %w", err)
	}
	if err := yaml.AtomicWrite(filepath.Join(w.dir, SnapshotYAML), snap); err != nil {
		return fmt.Errorf("write snapshot yaml: %w", err)
	}
	md, err := RenderDashboard(snap)
	if err != nil {
		return err
	}
	if err := yaml.AtomicWriteText(filepath.Join(w.dir, DashboardMD), md); err != nil {
		return fmt.Errorf("write dashboard: %w", err)
	}
	return nil
}

// LoadSnapshot reads the last snapshot.json written to dir.
func LoadSnapshot(dir string) (*Snapshot, error) {
	path := filepath.Join(dir, SnapshotJSON)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.CheckHeader(data, yaml.FileTypeStatusSnapshot); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &snap, nil
}
