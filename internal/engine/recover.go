package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/msageha/patchd/internal/descriptor"
	"github.com/msageha/patchd/internal/history"
	"github.com/msageha/patchd/internal/logx"
	"github.com/msageha/patchd/internal/model"
	"github.com/msageha/patchd/internal/store"
)

// Recover fails every claim left in a claimed area by a previous worker.
// The interrupted run may have applied some steps, so each record requires
// rollback. Nothing is retried automatically. A claim whose run was already
// recorded only missed its archive move; it is moved to the area matching
// that record and nothing is appended.
func (e *Engine) Recover(ctx context.Context) ([]*model.ExecutionRecord, error) {
	orphans, err := e.store.Orphans(ctx)
	if err != nil {
		return nil, fmt.Errorf("list orphans: %w", err)
	}
	ix, err := history.Load(ctx, e.history)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	var out []*model.ExecutionRecord
	for _, c := range orphans {
		if done := settledRun(ix, c); done != nil {
			if err := e.archive(ctx, c, done.Success); err != nil {
				return out, fmt.Errorf("archive recorded claim %s: %w", c.Name, err)
			}
			e.log.Info("finished archiving recorded run",
				logx.String("patch", done.PatchID), logx.String("run", done.RunID), logx.String("path", c.Path))
			e.summarize(done)
			continue
		}
		now := e.now()
		rec := &model.ExecutionRecord{
			RunID:            e.newRunID(),
			PatchID:          strings.TrimSuffix(c.Name, filepath.Ext(c.Name)),
			Phase:            c.Phase,
			Path:             c.Path,
			StartTime:        now,
			EndTime:          now,
			Status:           model.StatusFailed,
			RollbackRequired: true,
		}
		if c.Parsed {
			rec.ShortID = c.ID.Short()
		}
		if d, err := descriptor.Load(c.Path); err == nil {
			rec.PatchID, rec.ShortID = d.ID, d.ShortID()
		}
		cause := &model.InterruptedError{Path: c.Path}
		rec.ErrorKind = model.KindOf(cause)
		rec.Error = cause.Error()

		if _, err := history.AppendExecution(ctx, e.history, rec); err != nil {
			return out, fmt.Errorf("record orphan %s: %w", c.Name, err)
		}
		if _, err := e.store.Fail(ctx, c); err != nil {
			return out, fmt.Errorf("archive orphan %s: %w", c.Name, err)
		}
		e.log.Warn("recovered interrupted claim", logx.String("patch", rec.PatchID), logx.String("path", c.Path))
		e.summarize(rec)
		out = append(out, rec)
	}
	return out, nil
}

// settledRun returns the terminal record of the run that claimed c, if the
// newest execution at c's claimed path ended after the file was written.
func settledRun(ix *history.Index, c store.Claim) *model.ExecutionRecord {
	entries := ix.Entries()
	for i := len(entries) - 1; i >= 0; i-- {
		rec := entries[i].Execution
		if rec == nil || rec.Path != c.Path {
			continue
		}
		terminal := rec.Status == model.StatusCompleted || rec.Status == model.StatusFailed
		if !terminal || rec.EndTime.Before(c.ModTime) {
			return nil
		}
		return rec
	}
	return nil
}
