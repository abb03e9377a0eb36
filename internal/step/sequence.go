package step

import (
	"context"
	"time"

	"github.com/msageha/patchd/internal/model"
)

// Sequence runs ops in order, each under its own timeout, and stops at the
// first failure. It returns a result for every operation that ran and a
// *model.StepFailure for the failing one.
func Sequence(ctx context.Context, r Runner, ops []string, timeout time.Duration) ([]model.StepResult, error) {
	results := make([]model.StepResult, 0, len(ops))
	for i, op := range ops {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		res, err := r.Run(stepCtx, op)
		cancel()

		sr := model.StepResult{
			Index:     i,
			Operation: op,
			Passed:    err == nil,
			Duration:  time.Since(start),
		}
		if err != nil {
			sr.Message = err.Error()
		} else if res.Output != "" {
			sr.Message = lastLine(res.Output)
		}
		results = append(results, sr)

		if err != nil {
			return results, &model.StepFailure{Index: i, Operation: op, Err: err}
		}
	}
	return results, nil
}
