package history

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/patchd/internal/logx"
	"github.com/msageha/patchd/internal/model"
)

func backends(t *testing.T) map[string]Config {
	dir := t.TempDir()
	return map[string]Config{
		"file":   {Driver: "file", Path: filepath.Join(dir, "history.jsonl")},
		"sqlite": {Driver: "sqlite", Path: filepath.Join(dir, "history.db")},
	}
}

func exec(id, short string, status model.Status) *model.ExecutionRecord {
	return &model.ExecutionRecord{
		RunID:   id + "-run",
		PatchID: id,
		ShortID: short,
		Status:  status,
		Success: status == model.StatusCompleted,
	}
}

func TestHistory_AppendAndReopen(t *testing.T) {
	for name, cfg := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h, err := Open(cfg, logx.Nop())
			require.NoError(t, err)

			e1, err := AppendExecution(ctx, h, exec("patch-v1.0.0(P1.0.0)_a", "P1.0.0", model.StatusCompleted))
			require.NoError(t, err)
			e2, err := AppendRollback(ctx, h, &model.RollbackRecord{
				RunID: "rb-1", PatchID: "patch-v1.0.0(P1.0.0)_a", TargetRunID: e1.Execution.RunID, Success: true,
			})
			require.NoError(t, err)
			assert.Equal(t, int64(1), e1.Seq)
			assert.Equal(t, int64(2), e2.Seq)
			assert.False(t, e1.At.IsZero())
			require.NoError(t, h.Close())

			h, err = Open(cfg, logx.Nop())
			require.NoError(t, err)
			defer h.Close()

			e3, err := AppendExecution(ctx, h, exec("P2.0.0", "P2.0.0", model.StatusFailed))
			require.NoError(t, err)
			assert.Equal(t, int64(3), e3.Seq, "sequence continues across reopen")

			entries, err := h.Entries(ctx)
			require.NoError(t, err)
			require.Len(t, entries, 3)
			assert.Equal(t, model.EntryExecution, entries[0].Kind)
			assert.Equal(t, model.EntryRollback, entries[1].Kind)
			assert.Equal(t, "rb-1", entries[1].Rollback.RunID)
			assert.Equal(t, model.StatusFailed, entries[2].Status())
		})
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "postgres", Path: filepath.Join(t.TempDir(), "h")}, logx.Nop())
	assert.Error(t, err)
}

func TestFileHistory_SkipsTornLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	good := `{"seq":1,"kind":"execution","at":"2026-01-01T00:00:00Z","execution":{"run_id":"r","patch_id":"P1.0.0","status":"completed","success":true}}`
	require.NoError(t, os.WriteFile(path, []byte(good+"\n"+`{"seq":2,"kind":"exec`), 0644))

	h, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer h.Close()

	entries, err := h.Entries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "P1.0.0", entries[0].PatchID())

	_, err = AppendExecution(context.Background(), h, exec("P1.1.0", "P1.1.0", model.StatusCompleted))
	require.NoError(t, err)
	entries, err = h.Entries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(2), entries[1].Seq)
}

// shortWriter writes half of the first line it is given, then fails.
type shortWriter struct {
	f      *os.File
	failed bool
}

func (w *shortWriter) Write(p []byte) (int, error) {
	if w.failed {
		return w.f.Write(p)
	}
	w.failed = true
	n, _ := w.f.Write(p[:len(p)/2])
	return n, errors.New("disk full")
}

func TestFileHistory_FailedWriteDoesNotTearNextAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	h, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer h.Close()

	fh := h.(*fileHistory)
	fh.w = &shortWriter{f: fh.f}

	_, err = AppendExecution(context.Background(), h, exec("P1.0.0", "P1.0.0", model.StatusCompleted))
	require.Error(t, err)
	_, err = AppendExecution(context.Background(), h, exec("P1.1.0", "P1.1.0", model.StatusCompleted))
	require.NoError(t, err)

	entries, err := h.Entries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "P1.1.0", entries[0].PatchID())
	assert.Equal(t, int64(1), entries[0].Seq)
}

func TestSQLiteHistory_RejectsUpdates(t *testing.T) {
	h, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "h.db")}, logx.Nop())
	require.NoError(t, err)
	defer h.Close()

	_, err = AppendExecution(context.Background(), h, exec("P1.0.0", "P1.0.0", model.StatusCompleted))
	require.NoError(t, err)

	db := h.(*sqliteHistory).db
	_, err = db.Exec(`UPDATE entries SET status = 'failed'`)
	assert.Error(t, err)
	_, err = db.Exec(`DELETE FROM entries`)
	assert.Error(t, err)
}

func TestIndex(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := []model.Entry{
		{Seq: 1, At: at, Kind: model.EntryExecution, Execution: exec("patch-v1.0.0(P1.0.0)_a", "P1.0.0", model.StatusFailed)},
		{Seq: 2, At: at, Kind: model.EntryExecution, Execution: &model.ExecutionRecord{
			RunID: "second", PatchID: "patch-v1.0.0(P1.0.0)_a", ShortID: "P1.0.0",
			Status: model.StatusCompleted, Success: true,
		}},
		{Seq: 3, At: at, Kind: model.EntryExecution, Execution: exec("P2.0.0", "P2.0.0", model.StatusCompleted)},
		{Seq: 4, At: at, Kind: model.EntryRollback, Rollback: &model.RollbackRecord{
			PatchID: "P2.0.0", TargetRunID: "P2.0.0-run", Success: true,
		}},
	}
	ix := NewIndex(entries)

	rec, ok := ix.LatestExecution("P1.0.0")
	require.True(t, ok)
	assert.Equal(t, "second", rec.RunID)

	assert.True(t, ix.Succeeded("P1.0.0"))
	assert.True(t, ix.Succeeded("patch-v1.0.0(P1.0.0)_a"))
	assert.False(t, ix.Succeeded("P2.0.0"), "rolled back runs no longer satisfy dependencies")
	assert.False(t, ix.Succeeded("P9.9.9"))

	st, ok := ix.Status("P2.0.0")
	assert.True(t, ok)
	assert.Equal(t, model.StatusRolledBack, st)

	recent := ix.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, int64(4), recent[0].Seq)
	assert.Equal(t, int64(3), recent[1].Seq)
	assert.Nil(t, ix.Recent(0))
}
