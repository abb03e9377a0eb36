// Package resolver checks patch dependencies against history.
package resolver

import (
	"context"
	"fmt"

	"github.com/msageha/patchd/internal/history"
	"github.com/msageha/patchd/internal/logx"
	"github.com/msageha/patchd/internal/model"
)

// Result lists which dependencies are missing. Missing keeps declaration
// order.
type Result struct {
	Satisfied bool
	Missing   []string
}

// DependencyResolver reports a dependency as met only when history holds a
// successful run for it that has not been rolled back.
type DependencyResolver struct {
	history history.History
	log     logx.Logger
}

func New(h history.History, log logx.Logger) *DependencyResolver {
	return &DependencyResolver{history: h, log: log.Component("resolver")}
}

// Resolve returns *model.MissingDependencyError when any dependency is
// unmet. There is no retry; a later drain may succeed once history changes.
func (r *DependencyResolver) Resolve(ctx context.Context, deps []string) (Result, error) {
	if len(deps) == 0 {
		return Result{Satisfied: true}, nil
	}
	ix, err := history.Load(ctx, r.history)
	if err != nil {
		return Result{}, fmt.Errorf("load history: %w", err)
	}
	return Check(ix, deps)
}

// Check resolves deps against an already loaded index.
func Check(ix *history.Index, deps []string) (Result, error) {
	var missing []string
	seen := make(map[string]bool, len(deps))
	for _, dep := range deps {
		if seen[dep] {
			continue
		}
		seen[dep] = true
		if !ix.Succeeded(dep) {
			missing = append(missing, dep)
		}
	}
	if len(missing) > 0 {
		return Result{Missing: missing}, &model.MissingDependencyError{IDs: missing}
	}
	return Result{Satisfied: true}, nil
}
