// Package rollback runs the compensating steps of a completed patch.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/patchd/internal/descriptor"
	"github.com/msageha/patchd/internal/history"
	"github.com/msageha/patchd/internal/logx"
	"github.com/msageha/patchd/internal/model"
	"github.com/msageha/patchd/internal/step"
	"github.com/msageha/patchd/internal/store"
)

// Locator finds archived descriptor files.
type Locator interface {
	Find(ctx context.Context, match func(store.Item, *model.Descriptor) bool, areas ...store.Area) ([]store.Item, error)
}

type Manager struct {
	history     history.History
	locator     Locator
	steps       step.Runner
	stepTimeout time.Duration
	log         logx.Logger

	now      func() time.Time
	newRunID func() string
}

func NewManager(h history.History, loc Locator, steps step.Runner, stepTimeout time.Duration, log logx.Logger) *Manager {
	if stepTimeout <= 0 {
		stepTimeout = 5 * time.Minute
	}
	return &Manager{
		history:     h,
		locator:     loc,
		steps:       steps,
		stepTimeout: stepTimeout,
		log:         log.Component("rollback"),
		now:         time.Now,
		newRunID:    func() string { return uuid.Must(uuid.NewV7()).String() },
	}
}

// RollbackPatch compensates the latest run of patchID (full id or short
// code). The run must have completed and not been rolled back already. A
// RollbackRecord is appended whatever the outcome; a failed compensation is
// returned as *model.RollbackFailure alongside the record.
func (m *Manager) RollbackPatch(ctx context.Context, patchID string) (*model.RollbackRecord, error) {
	ix, err := history.Load(ctx, m.history)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	target, ok := ix.LatestExecution(patchID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, patchID)
	}
	if err := model.ValidateTransition(target.Status, model.StatusRolledBack); err != nil {
		return nil, fmt.Errorf("%w: %s is %s", model.ErrNotRollbackable, target.PatchID, target.Status)
	}
	if ix.RolledBack(target.RunID) {
		return nil, fmt.Errorf("%w: %s is already rolled back", model.ErrNotRollbackable, target.PatchID)
	}

	d, err := m.locate(ctx, target)
	if err != nil {
		return nil, err
	}

	rec := &model.RollbackRecord{
		RunID:       m.newRunID(),
		PatchID:     target.PatchID,
		ShortID:     target.ShortID,
		TargetRunID: target.RunID,
		StartTime:   m.now(),
	}
	log := m.log.With(logx.String("patch", target.PatchID), logx.String("run", rec.RunID))
	log.Info("rollback started", logx.Int("steps", len(d.RollbackPlan)))

	timeout := m.stepTimeout
	if d.StepTimeoutSec > 0 {
		timeout = time.Duration(d.StepTimeoutSec) * time.Second
	}
	results, runErr := step.Sequence(context.WithoutCancel(ctx), m.steps, d.RollbackPlan, timeout)
	rec.StepResults = results
	rec.EndTime = m.now()
	rec.Duration = rec.EndTime.Sub(rec.StartTime)

	var failure error
	if runErr != nil {
		var sf *model.StepFailure
		idx := len(results) - 1
		if errors.As(runErr, &sf) {
			idx = sf.Index
			runErr = sf.Err
		}
		failure = &model.RollbackFailure{PatchID: target.PatchID, Index: idx, Err: runErr}
		rec.Error = failure.Error()
	} else {
		rec.Success = true
	}

	if _, err := history.AppendRollback(context.WithoutCancel(ctx), m.history, rec); err != nil {
		return rec, fmt.Errorf("record rollback: %w", errors.Join(err, failure))
	}
	if failure != nil {
		log.Error("rollback failed", logx.Err(failure))
		return rec, failure
	}
	log.Info("rollback completed", logx.Duration("took", rec.Duration))
	return rec, nil
}

// locate reads the archived descriptor of target. The completed area is
// searched first.
func (m *Manager) locate(ctx context.Context, target *model.ExecutionRecord) (*model.Descriptor, error) {
	items, err := m.locator.Find(ctx, func(_ store.Item, d *model.Descriptor) bool {
		return d.ID == target.PatchID
	}, store.AreaCompleted, store.AreaFailed)
	if err != nil {
		return nil, fmt.Errorf("locate descriptor: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no archived descriptor for %s", model.ErrNotFound, target.PatchID)
	}
	// Several archives of one id: take the newest in the first area searched.
	it := items[0]
	for _, cand := range items[1:] {
		if cand.Area == it.Area && cand.ModTime.After(it.ModTime) {
			it = cand
		}
	}
	d, err := descriptor.Load(it.Path)
	if err != nil {
		return nil, err
	}
	return d, nil
}
