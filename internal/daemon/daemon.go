// Package daemon runs the watch mode: it drains the queue whenever
// descriptors arrive and keeps the status snapshot current.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/msageha/patchd/internal/config"
	"github.com/msageha/patchd/internal/engine"
	"github.com/msageha/patchd/internal/lock"
	"github.com/msageha/patchd/internal/logx"
	"github.com/msageha/patchd/internal/model"
	"github.com/msageha/patchd/internal/status"
	"github.com/msageha/patchd/internal/uds"
)

// ErrShutdownTimeout is returned when in-flight work outlives the shutdown
// timeout. The claimed descriptor is recovered on the next start.
var ErrShutdownTimeout = errors.New("shutdown timed out")

// Drainer is the engine surface the daemon needs.
type Drainer interface {
	Drain(ctx context.Context) (engine.DrainReport, error)
	Recover(ctx context.Context) ([]*model.ExecutionRecord, error)
}

// Source emits pending descriptor paths until ctx is done.
type Source interface {
	Run(ctx context.Context, notify func(path string)) error
}

type Options struct {
	Engine   Drainer
	Source   Source
	Status   *status.Aggregator
	Writer   *status.Writer
	Lock     *lock.FileLock
	Socket   string
	Debounce time.Duration
	// ReconcileCron triggers a full drain on a schedule, covering events
	// the watcher missed. Empty disables it.
	ReconcileCron   string
	StatusCron      string
	ShutdownTimeout time.Duration
	Log             logx.Logger
	// OnReport is called after every drain.
	OnReport func(engine.DrainReport)
}

type Daemon struct {
	opts    Options
	log     logx.Logger
	trigger chan struct{}

	stop     chan struct{}
	shutdown sync.Once

	mu     sync.Mutex
	drains int
}

func New(opts Options) (*Daemon, error) {
	if opts.Engine == nil || opts.Source == nil {
		return nil, errors.New("daemon: engine and source are required")
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return &Daemon{
		opts:    opts,
		log:     opts.Log.Component("daemon"),
		trigger: make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}, nil
}

// Trigger schedules a drain. Triggers arriving while one is pending are
// folded into it.
func (d *Daemon) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is done or Shutdown is called. Recovery of orphaned
// claims happens before the first drain.
func (d *Daemon) Run(ctx context.Context) error {
	if d.opts.Lock != nil {
		if err := d.opts.Lock.TryLock(); err != nil {
			return fmt.Errorf("worker lock: %w", err)
		}
		defer func() { _ = d.opts.Lock.Unlock() }()
	}
	d.log.Info("watcher starting", logx.Int("pid", os.Getpid()))

	recovered, err := d.opts.Engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	for _, rec := range recovered {
		d.log.Warn("recovered interrupted run", logx.String("patch", rec.PatchID))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	sched, err := d.schedule()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.opts.Source.Run(gctx, func(string) { d.Trigger() })
	})
	g.Go(func() error { return d.drainLoop(gctx) })
	g.Go(func() error {
		sched.Start()
		<-gctx.Done()
		<-sched.Stop().Done()
		return nil
	})
	if d.opts.Socket != "" {
		srv := uds.NewServer(d.opts.Socket, d.opts.Log)
		d.registerHandlers(srv, time.Now())
		g.Go(func() error { return srv.Serve(gctx) })
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return d.finish(err)
	case <-ctx.Done():
	}
	d.log.Info("shutdown started")
	select {
	case err := <-done:
		return d.finish(err)
	case <-time.After(d.opts.ShutdownTimeout):
		d.log.Warn("shutdown timeout, abandoning in-flight work", logx.Duration("timeout", d.opts.ShutdownTimeout))
		return ErrShutdownTimeout
	}
}

func (d *Daemon) finish(err error) error {
	if err != nil && !errors.Is(err, context.Canceled) {
		d.log.Error("watcher stopped", logx.Err(err))
		return err
	}
	d.log.Info("watcher stopped")
	return nil
}

// Shutdown stops Run. It is safe to call more than once and before Run.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() { close(d.stop) })
}

func (d *Daemon) schedule() (*cron.Cron, error) {
	c := cron.New(cron.WithParser(config.CronParser()))
	if spec := d.opts.ReconcileCron; spec != "" {
		if _, err := c.AddFunc(spec, d.Trigger); err != nil {
			return nil, fmt.Errorf("reconcile schedule %q: %w", spec, err)
		}
	}
	if spec := d.opts.StatusCron; spec != "" && d.opts.Status != nil {
		if _, err := c.AddFunc(spec, func() { d.writeStatus(context.Background()) }); err != nil {
			return nil, fmt.Errorf("status schedule %q: %w", spec, err)
		}
	}
	return c, nil
}

// drainLoop waits for triggers. Each trigger is held for the debounce
// window so a burst of writes becomes one drain, and the limiter keeps
// back-to-back drains at least one window apart.
func (d *Daemon) drainLoop(ctx context.Context) error {
	window := d.opts.Debounce
	limit := rate.Inf
	if window > 0 {
		limit = rate.Every(window)
	}
	limiter := rate.NewLimiter(limit, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.trigger:
		}
		if window > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(window):
			}
			// Fold triggers that arrived during the window.
			select {
			case <-d.trigger:
			default:
			}
		}
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		d.drainOnce(ctx)
	}
}

func (d *Daemon) drainOnce(ctx context.Context) {
	report, err := d.opts.Engine.Drain(ctx)
	d.mu.Lock()
	d.drains++
	d.mu.Unlock()
	if err != nil && !errors.Is(err, context.Canceled) {
		d.log.Error("drain failed", logx.Err(err))
	}
	if len(report.Records) > 0 {
		d.log.Info("drain finished",
			logx.Int("processed", len(report.Records)),
			logx.Int("succeeded", report.Succeeded()),
			logx.Int("failed", len(report.Failed())),
		)
	}
	for _, rec := range report.Failed() {
		d.log.Warn(status.FailureLine(rec.PatchID, string(rec.ErrorKind), rec.Error))
	}
	if d.opts.OnReport != nil {
		d.opts.OnReport(report)
	}
	d.writeStatus(ctx)
}

// Drains returns the number of completed drain passes.
func (d *Daemon) Drains() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.drains
}

func (d *Daemon) writeStatus(ctx context.Context) {
	if d.opts.Status == nil || d.opts.Writer == nil {
		return
	}
	snap, err := d.opts.Status.Snapshot(context.WithoutCancel(ctx))
	if err != nil {
		d.log.Warn("status snapshot failed", logx.Err(err))
		return
	}
	if err := d.opts.Writer.Write(snap); err != nil {
		d.log.Warn("status write failed", logx.Err(err))
	}
}

func (d *Daemon) registerHandlers(srv *uds.Server, started time.Time) {
	srv.Handle(uds.CommandPing, func(context.Context, json.RawMessage) (any, error) {
		return uds.PingReply{PID: os.Getpid(), Started: started, Drains: d.Drains()}, nil
	})
	srv.Handle(uds.CommandScan, func(context.Context, json.RawMessage) (any, error) {
		d.Trigger()
		return uds.ScanReply{Scheduled: true}, nil
	})
	srv.Handle(uds.CommandStatus, func(ctx context.Context, _ json.RawMessage) (any, error) {
		if d.opts.Status == nil {
			return nil, errors.New("status unavailable")
		}
		return d.opts.Status.Snapshot(ctx)
	})
}
