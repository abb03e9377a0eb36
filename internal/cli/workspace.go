package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/msageha/patchd/internal/config"
	"github.com/msageha/patchd/internal/engine"
	"github.com/msageha/patchd/internal/gate"
	"github.com/msageha/patchd/internal/history"
	"github.com/msageha/patchd/internal/lock"
	"github.com/msageha/patchd/internal/logx"
	"github.com/msageha/patchd/internal/model"
	"github.com/msageha/patchd/internal/rollback"
	"github.com/msageha/patchd/internal/status"
	"github.com/msageha/patchd/internal/step"
	"github.com/msageha/patchd/internal/store"
	"github.com/msageha/patchd/internal/uds"
)

// workspace is everything a command needs, opened from the global flags.
type workspace struct {
	layout config.Layout
	cfg    model.Config
	log    logx.Logger
	store  *store.FSStore
	hist   history.History

	closers []io.Closer
}

// openWorkspace loads config and logging and opens the history. A missing
// workspace or bad config is an invocation error.
func openWorkspace(opts *RootOptions) (*workspace, error) {
	layout := config.NewLayout(opts.Root)
	if info, err := os.Stat(layout.Pending()); err != nil || !info.IsDir() {
		return nil, NewExitError(ExitCommandError,
			fmt.Sprintf("no workspace at %s (missing pending/; run `patchd init`)", layout.Root))
	}

	cfg, err := config.Load(layout.Root, opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if opts.Verbose {
		cfg.Logging.Level = "debug"
	}

	log, logCloser, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    layout.Resolve(cfg.Logging.File),
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open log", err)
	}
	ws := &workspace{layout: layout, cfg: cfg, log: log, store: store.NewFSStore(layout.Pending())}
	ws.closers = append(ws.closers, logCloser)

	h, err := history.Open(history.Config{Driver: cfg.History.Driver, Path: layout.Resolve(cfg.History.Path)}, log)
	if err != nil {
		ws.Close()
		return nil, WrapExitError(ExitCommandError, "open history", err)
	}
	ws.hist = h
	ws.closers = append([]io.Closer{h}, ws.closers...)
	return ws, nil
}

func (w *workspace) Close() {
	for _, c := range w.closers {
		_ = c.Close()
	}
	w.closers = nil
}

func (w *workspace) projectRoot() string {
	return w.layout.Resolve(w.cfg.Workspace.ProjectRoot)
}

func (w *workspace) steps() *step.ShellRunner {
	return step.NewShellRunner(w.cfg.Engine.Shell, w.projectRoot(), w.cfg.Engine.MaxOutputBytes)
}

func (w *workspace) engine() *engine.Engine {
	opts := engine.Options{
		Store:       w.store,
		History:     w.hist,
		Gates:       gate.NewRegistry(w.cfg.Gates, w.cfg.Engine.Shell, w.projectRoot(), w.cfg.Engine.MaxOutputBytes),
		Steps:       w.steps(),
		GateTimeout: config.GateTimeout(w.cfg),
		StepTimeout: config.StepTimeout(w.cfg),
		Log:         w.log,
	}
	if w.cfg.Engine.WriteSummaries {
		opts.SummaryDir = w.layout.Summaries()
	}
	return engine.New(opts)
}

func (w *workspace) rollback() *rollback.Manager {
	return rollback.NewManager(w.hist, w.store, w.steps(), config.StepTimeout(w.cfg), w.log)
}

func (w *workspace) aggregator(watcher func() bool) *status.Aggregator {
	return status.NewAggregator(w.store, w.hist, status.Options{
		RecentEvents: w.cfg.Status.RecentEvents,
		StaleAfter:   time.Duration(w.cfg.Status.StaleAfterMin) * time.Minute,
		Watcher:      watcher,
	})
}

// watcherAlive pings the control socket of a running watch process.
func (w *workspace) watcherAlive() bool {
	return uds.Alive(w.layout.Socket(), 500*time.Millisecond)
}

// lockWorker takes the single-worker lock. A held lock is an invocation
// error.
func (w *workspace) lockWorker(purpose string) (*lock.FileLock, error) {
	fl := lock.New(w.layout.WorkerLock(), purpose)
	if err := fl.TryLock(); err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return nil, WrapExitError(ExitCommandError, "another worker is running", err)
		}
		return nil, WrapExitError(ExitCommandError, "worker lock", err)
	}
	return fl, nil
}
