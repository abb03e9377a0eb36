package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/msageha/patchd/internal/logx"
	"github.com/msageha/patchd/internal/model"
	"github.com/msageha/patchd/internal/step"
)

// Resolver looks up gates by name.
type Resolver interface {
	Resolve(name string) (Gate, time.Duration)
}

type Runner struct {
	gates Resolver
	log   logx.Logger
}

func NewRunner(gates Resolver, log logx.Logger) *Runner {
	return &Runner{gates: gates, log: log.Component("gate")}
}

// RunStage runs names strictly in order. Each gate gets its own deadline:
// the gate's timeout, else defaultTimeout. The first failing gate stops the
// stage and is returned as *model.GateFailure; every gate that ran has a
// result.
func (r *Runner) RunStage(ctx context.Context, stage model.GateStage, names []string, defaultTimeout time.Duration) ([]model.GateResult, error) {
	results := make([]model.GateResult, 0, len(names))
	for _, name := range names {
		g, timeout := r.gates.Resolve(name)
		if timeout <= 0 {
			timeout = defaultTimeout
		}

		passed, msg, dur := r.runOne(ctx, g, timeout)
		results = append(results, model.GateResult{
			Name:     name,
			Stage:    stage,
			Passed:   passed,
			Message:  msg,
			Duration: dur,
		})

		if !passed {
			r.log.Warn("gate failed",
				logx.String("stage", string(stage)), logx.String("gate", name),
				logx.String("message", msg), logx.Duration("took", dur))
			return results, &model.GateFailure{Stage: stage, Gate: name, Message: msg}
		}
		r.log.Debug("gate passed",
			logx.String("stage", string(stage)), logx.String("gate", name), logx.Duration("took", dur))
	}
	return results, nil
}

func (r *Runner) runOne(ctx context.Context, g Gate, timeout time.Duration) (bool, string, time.Duration) {
	gctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	type outcome struct {
		ok  bool
		err error
	}
	// A gate that ignores its context must not hang the stage.
	done := make(chan outcome, 1)
	go func() {
		ok, err := g.Run(gctx)
		done <- outcome{ok, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-gctx.Done():
		out = outcome{false, gctx.Err()}
	}
	dur := time.Since(start)

	if errors.Is(out.err, context.DeadlineExceeded) || errors.Is(out.err, step.ErrTimeout) ||
		(!out.ok && errors.Is(gctx.Err(), context.DeadlineExceeded)) {
		return false, fmt.Sprintf("timed out after %s", timeout), dur
	}
	switch {
	case out.ok && out.err == nil:
		return true, "passed", dur
	case out.err != nil:
		return false, out.err.Error(), dur
	default:
		return false, "failed", dur
	}
}
