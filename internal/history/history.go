// Package history is the append-only record of execution and rollback
// outcomes. Entries are never edited or removed.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/msageha/patchd/internal/logx"
	"github.com/msageha/patchd/internal/model"
)

type History interface {
	// Append stores e and returns it with Seq and At assigned.
	Append(ctx context.Context, e model.Entry) (model.Entry, error)
	// Entries returns every entry in append order.
	Entries(ctx context.Context) ([]model.Entry, error)
	Close() error
}

// Config selects a backend. Path is already resolved against the workspace.
type Config struct {
	Driver string // "file" | "sqlite"
	Path   string
}

// Open initializes the configured backend.
func Open(cfg Config, log logx.Logger) (History, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("history path is required")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "file":
		return openFile(cfg.Path, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg.Path, log)
	default:
		return nil, fmt.Errorf("unknown history driver: %s", cfg.Driver)
	}
}

// AppendExecution is shorthand for appending an execution entry.
func AppendExecution(ctx context.Context, h History, rec *model.ExecutionRecord) (model.Entry, error) {
	return h.Append(ctx, model.Entry{Kind: model.EntryExecution, Execution: rec})
}

// AppendRollback is shorthand for appending a rollback entry.
func AppendRollback(ctx context.Context, h History, rec *model.RollbackRecord) (model.Entry, error) {
	return h.Append(ctx, model.Entry{Kind: model.EntryRollback, Rollback: rec})
}

// Index is a read-side view over a snapshot of entries.
type Index struct {
	entries []model.Entry
}

func NewIndex(entries []model.Entry) *Index {
	return &Index{entries: entries}
}

// Load reads every entry from h into an Index.
func Load(ctx context.Context, h History) (*Index, error) {
	entries, err := h.Entries(ctx)
	if err != nil {
		return nil, err
	}
	return NewIndex(entries), nil
}

func (ix *Index) Entries() []model.Entry { return ix.entries }

// LatestExecution returns the newest execution record matching ref (full id
// or short code).
func (ix *Index) LatestExecution(ref string) (*model.ExecutionRecord, bool) {
	for i := len(ix.entries) - 1; i >= 0; i-- {
		e := ix.entries[i]
		if e.Execution != nil && model.MatchesID(ref, e.Execution.PatchID, e.Execution.ShortID) {
			return e.Execution, true
		}
	}
	return nil, false
}

// RolledBack reports whether the execution run has a successful rollback.
func (ix *Index) RolledBack(runID string) bool {
	for _, e := range ix.entries {
		if e.Rollback != nil && e.Rollback.Success && e.Rollback.TargetRunID == runID {
			return true
		}
	}
	return false
}

// Status is the effective status of ref: the latest execution's status,
// or rolled_back when that run was compensated. ok is false when ref has
// never run.
func (ix *Index) Status(ref string) (model.Status, bool) {
	rec, ok := ix.LatestExecution(ref)
	if !ok {
		return "", false
	}
	if rec.Success && ix.RolledBack(rec.RunID) {
		return model.StatusRolledBack, true
	}
	return rec.Status, true
}

// Succeeded reports whether ref's latest run succeeded and still stands.
func (ix *Index) Succeeded(ref string) bool {
	st, ok := ix.Status(ref)
	return ok && st == model.StatusCompleted
}

// Recent returns up to n of the newest entries, newest first.
func (ix *Index) Recent(n int) []model.Entry {
	if n <= 0 {
		return nil
	}
	out := make([]model.Entry, 0, n)
	for i := len(ix.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, ix.entries[i])
	}
	return out
}
