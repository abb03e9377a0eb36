package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/msageha/patchd/internal/logx"
	"github.com/msageha/patchd/internal/model"
)

// DrainReport summarizes one pass over the pending queue.
type DrainReport struct {
	Records []*model.ExecutionRecord
	Skipped int // claimed by someone else between scan and acquire
	Errors  []error
}

func (r DrainReport) Succeeded() int {
	n := 0
	for _, rec := range r.Records {
		if rec.Success {
			n++
		}
	}
	return n
}

func (r DrainReport) Failed() []*model.ExecutionRecord {
	var out []*model.ExecutionRecord
	for _, rec := range r.Records {
		if !rec.Success {
			out = append(out, rec)
		}
	}
	return out
}

// Drain processes every pending descriptor in scan order. Concurrent calls
// share one pass. Dependencies are checked against history at the moment
// each descriptor runs; the queue is never reordered to satisfy them.
func (e *Engine) Drain(ctx context.Context) (DrainReport, error) {
	v, err, shared := e.group.Do("drain", func() (any, error) {
		return e.drain(ctx)
	})
	if shared {
		e.log.Debug("drain coalesced")
	}
	if err != nil {
		return DrainReport{}, err
	}
	return v.(DrainReport), nil
}

func (e *Engine) drain(ctx context.Context) (DrainReport, error) {
	var report DrainReport

	items, err := e.store.Scan(ctx)
	if err != nil {
		return report, fmt.Errorf("scan: %w", err)
	}
	if len(items) == 0 {
		return report, nil
	}
	e.log.Info("drain started", logx.Int("pending", len(items)))

	for _, it := range items {
		if ctx.Err() != nil {
			e.log.Info("drain interrupted", logx.Int("remaining", len(items)-len(report.Records)-report.Skipped))
			break
		}
		rec, err := e.ExecutePatch(ctx, it.Path)
		if rec != nil {
			report.Records = append(report.Records, rec)
		}
		switch {
		case err == nil:
		case errors.Is(err, model.ErrAlreadyClaimed):
			report.Skipped++
		default:
			report.Errors = append(report.Errors, err)
		}
	}

	e.log.Info("drain finished",
		logx.Int("succeeded", report.Succeeded()),
		logx.Int("failed", len(report.Failed())),
		logx.Int("skipped", report.Skipped))
	return report, nil
}
