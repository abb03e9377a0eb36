// Package engine drives descriptors from pending to completed or failed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/patchd/internal/descriptor"
	"github.com/msageha/patchd/internal/gate"
	"github.com/msageha/patchd/internal/history"
	"github.com/msageha/patchd/internal/logx"
	"github.com/msageha/patchd/internal/model"
	"github.com/msageha/patchd/internal/resolver"
	"github.com/msageha/patchd/internal/step"
	"github.com/msageha/patchd/internal/store"
)

type Options struct {
	Store   store.QueueStore
	History history.History
	Gates   gate.Resolver
	Steps   step.Runner

	GateTimeout time.Duration
	StepTimeout time.Duration

	// SummaryDir receives a markdown summary per run. Empty disables.
	SummaryDir string

	Log logx.Logger
}

// Engine is the single logical worker. Descriptors run one at a time.
type Engine struct {
	store    store.QueueStore
	history  history.History
	resolver *resolver.DependencyResolver
	gates    *gate.Runner
	steps    step.Runner

	gateTimeout time.Duration
	stepTimeout time.Duration
	summaryDir  string

	log   logx.Logger
	group singleflight.Group

	now      func() time.Time
	newRunID func() string
}

func New(opts Options) *Engine {
	gt, st := opts.GateTimeout, opts.StepTimeout
	if gt <= 0 {
		gt = time.Minute
	}
	if st <= 0 {
		st = 5 * time.Minute
	}
	return &Engine{
		store:       opts.Store,
		history:     opts.History,
		resolver:    resolver.New(opts.History, opts.Log),
		gates:       gate.NewRunner(opts.Gates, opts.Log),
		steps:       opts.Steps,
		gateTimeout: gt,
		stepTimeout: st,
		summaryDir:  opts.SummaryDir,
		log:         opts.Log.Component("engine"),
		now:         time.Now,
		newRunID:    func() string { return uuid.Must(uuid.NewV7()).String() },
	}
}

// ExecutePatch claims the pending descriptor at path and runs it to a
// terminal state. Descriptor-level failures are reported in the record, not
// as an error. An error means the descriptor was not run (already claimed)
// or its outcome could not be persisted.
func (e *Engine) ExecutePatch(ctx context.Context, path string) (*model.ExecutionRecord, error) {
	claim, err := e.store.Acquire(ctx, path)
	if err != nil {
		return nil, err
	}
	// Once claimed the run is never abandoned halfway; only the per-gate and
	// per-step deadlines bound it.
	runCtx := context.WithoutCancel(ctx)

	rec := e.run(runCtx, claim)
	if err := e.settle(runCtx, claim, rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// run walks the state machine for one claimed descriptor.
func (e *Engine) run(ctx context.Context, claim store.Claim) *model.ExecutionRecord {
	rec := &model.ExecutionRecord{
		RunID:     e.newRunID(),
		PatchID:   strings.TrimSuffix(claim.Name, filepath.Ext(claim.Name)),
		Phase:     claim.Phase,
		Path:      claim.Path,
		StartTime: e.now(),
		Status:    model.StatusPending,
	}
	if claim.Parsed {
		rec.ShortID = claim.ID.Short()
	}
	log := e.log.With(logx.String("run", rec.RunID), logx.String("file", claim.Name))

	d, err := descriptor.Load(claim.Path)
	if err != nil {
		return e.fail(rec, err, log)
	}
	rec.PatchID = d.ID
	rec.ShortID = d.ShortID()
	log = log.With(logx.String("patch", d.ID))

	if _, err := e.resolver.Resolve(ctx, d.Dependencies); err != nil {
		return e.fail(rec, err, log)
	}

	if err := e.advance(rec, model.StatusRunning); err != nil {
		return e.fail(rec, err, log)
	}
	log.Info("patch running")

	gateTimeout := e.gateTimeout
	if d.GateTimeoutSec > 0 {
		gateTimeout = time.Duration(d.GateTimeoutSec) * time.Second
	}
	stepTimeout := e.stepTimeout
	if d.StepTimeoutSec > 0 {
		stepTimeout = time.Duration(d.StepTimeoutSec) * time.Second
	}

	pre, err := e.gates.RunStage(ctx, model.GateStagePre, d.PreGateNames(), gateTimeout)
	rec.GateResults = append(rec.GateResults, pre...)
	if err != nil {
		return e.fail(rec, err, log)
	}

	steps, err := step.Sequence(ctx, e.steps, d.MutationSteps(), stepTimeout)
	rec.StepResults = steps
	if err != nil {
		rec.RollbackRequired = len(steps) > 0
		return e.fail(rec, err, log)
	}

	post, err := e.gates.RunStage(ctx, model.GateStagePost, d.PostGateNames(), gateTimeout)
	rec.GateResults = append(rec.GateResults, post...)
	if err != nil {
		rec.RollbackRequired = len(steps) > 0
		return e.fail(rec, err, log)
	}

	if err := e.advance(rec, model.StatusCompleted); err != nil {
		return e.fail(rec, err, log)
	}
	rec.Success = true
	e.stamp(rec)
	log.Info("patch completed", logx.Duration("took", rec.Duration),
		logx.Int("gates", len(rec.GateResults)), logx.Int("steps", len(rec.StepResults)))
	return rec
}

func (e *Engine) advance(rec *model.ExecutionRecord, to model.Status) error {
	if err := model.ValidateTransition(rec.Status, to); err != nil {
		return err
	}
	rec.Status = to
	return nil
}

func (e *Engine) fail(rec *model.ExecutionRecord, cause error, log logx.Logger) *model.ExecutionRecord {
	if err := model.ValidateTransition(rec.Status, model.StatusFailed); err != nil {
		cause = errors.Join(cause, err)
	}
	rec.Status = model.StatusFailed
	rec.Success = false
	rec.ErrorKind = model.KindOf(cause)
	rec.Error = cause.Error()
	e.stamp(rec)
	log.Warn("patch failed", logx.String("kind", string(rec.ErrorKind)), logx.Err(cause),
		logx.Bool("rollback_required", rec.RollbackRequired))
	return rec
}

func (e *Engine) stamp(rec *model.ExecutionRecord) {
	rec.EndTime = e.now()
	rec.Duration = rec.EndTime.Sub(rec.StartTime)
}

// settle appends the record and then moves the claim to its terminal area.
// If either step fails the claim stays put and is picked up by Recover.
func (e *Engine) settle(ctx context.Context, claim store.Claim, rec *model.ExecutionRecord) error {
	if _, err := history.AppendExecution(ctx, e.history, rec); err != nil {
		e.log.Error("history append failed; claim left for recovery",
			logx.String("patch", rec.PatchID), logx.Err(err))
		return fmt.Errorf("record %s: %w", rec.PatchID, err)
	}

	if err := e.archive(ctx, claim, rec.Success); err != nil {
		return fmt.Errorf("archive %s: %w", rec.PatchID, err)
	}

	e.summarize(rec)
	return nil
}

func (e *Engine) summarize(rec *model.ExecutionRecord) {
	if e.summaryDir == "" {
		return
	}
	if err := WriteSummary(e.summaryDir, rec); err != nil {
		e.log.Warn("write summary", logx.String("patch", rec.PatchID), logx.Err(err))
	}
}

func (e *Engine) archive(ctx context.Context, claim store.Claim, success bool) error {
	var (
		dst string
		err error
	)
	if success {
		dst, err = e.store.Complete(ctx, claim)
	} else {
		dst, err = e.store.Fail(ctx, claim)
	}
	if err != nil {
		return err
	}
	e.log.Debug("descriptor archived", logx.String("path", claim.Path), logx.String("to", dst))
	return nil
}
