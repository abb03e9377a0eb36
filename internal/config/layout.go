package config

import (
	"path/filepath"
)

// Layout resolves the fixed workspace directories under Root.
type Layout struct {
	Root string
}

func NewLayout(root string) Layout {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return Layout{Root: root}
}

func (l Layout) Pending() string    { return filepath.Join(l.Root, "pending") }
func (l Layout) StatusDir() string  { return filepath.Join(l.Root, "status") }
func (l Layout) Summaries() string  { return filepath.Join(l.Root, "summaries") }
func (l Layout) Locks() string      { return filepath.Join(l.Root, "locks") }
func (l Layout) Logs() string       { return filepath.Join(l.Root, "logs") }
func (l Layout) HistoryDir() string { return filepath.Join(l.Root, "history") }

func (l Layout) WorkerLock() string { return filepath.Join(l.Locks(), "worker.lock") }
func (l Layout) Socket() string     { return filepath.Join(l.Locks(), "patchd.sock") }
func (l Layout) ConfigFile() string { return filepath.Join(l.Root, FileName) }
func (l Layout) NormalizeReport() string {
	return filepath.Join(l.StatusDir(), "normalize-report.json")
}

// Resolve returns p unchanged when absolute, otherwise joined onto Root.
func (l Layout) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(l.Root, p)
}

// Dirs lists the directories created by init.
func (l Layout) Dirs() []string {
	return []string{
		l.Pending(),
		l.HistoryDir(),
		l.StatusDir(),
		l.Summaries(),
		l.Locks(),
		l.Logs(),
	}
}
