package model

import "time"

// GateResult is the outcome of one executed gate.
type GateResult struct {
	Name     string        `json:"name" yaml:"name"`
	Stage    GateStage     `json:"stage" yaml:"stage"`
	Passed   bool          `json:"passed" yaml:"passed"`
	Message  string        `json:"message,omitempty" yaml:"message,omitempty"`
	Duration time.Duration `json:"duration_ns" yaml:"duration_ns"`
}

// StepResult is the outcome of one executed mutation or rollback step.
type StepResult struct {
	Index     int           `json:"index" yaml:"index"`
	Operation string        `json:"operation" yaml:"operation"`
	Passed    bool          `json:"passed" yaml:"passed"`
	Message   string        `json:"message,omitempty" yaml:"message,omitempty"`
	Duration  time.Duration `json:"duration_ns" yaml:"duration_ns"`
}

// ExecutionRecord is the immutable outcome of one descriptor run.
type ExecutionRecord struct {
	RunID            string        `json:"run_id" yaml:"run_id"`
	PatchID          string        `json:"patch_id" yaml:"patch_id"`
	ShortID          string        `json:"short_id,omitempty" yaml:"short_id,omitempty"`
	Phase            string        `json:"phase,omitempty" yaml:"phase,omitempty"`
	Path             string        `json:"path,omitempty" yaml:"path,omitempty"`
	StartTime        time.Time     `json:"start_time" yaml:"start_time"`
	EndTime          time.Time     `json:"end_time" yaml:"end_time"`
	Duration         time.Duration `json:"duration_ns" yaml:"duration_ns"`
	Status           Status        `json:"status" yaml:"status"`
	Success          bool          `json:"success" yaml:"success"`
	RollbackRequired bool          `json:"rollback_required" yaml:"rollback_required"`
	ErrorKind        ErrorKind     `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	Error            string        `json:"error,omitempty" yaml:"error,omitempty"`
	GateResults      []GateResult  `json:"gate_results,omitempty" yaml:"gate_results,omitempty"`
	StepResults      []StepResult  `json:"step_results,omitempty" yaml:"step_results,omitempty"`
}

// GateResultMap returns gate name → result for the recorded gates.
func (r *ExecutionRecord) GateResultMap() map[string]GateResult {
	m := make(map[string]GateResult, len(r.GateResults))
	for _, g := range r.GateResults {
		m[g.Name] = g
	}
	return m
}

// RollbackRecord is appended when an operator rolls a patch back. It never
// replaces the ExecutionRecord it compensates.
type RollbackRecord struct {
	RunID       string        `json:"run_id" yaml:"run_id"`
	PatchID     string        `json:"patch_id" yaml:"patch_id"`
	ShortID     string        `json:"short_id,omitempty" yaml:"short_id,omitempty"`
	TargetRunID string        `json:"target_run_id" yaml:"target_run_id"`
	StartTime   time.Time     `json:"start_time" yaml:"start_time"`
	EndTime     time.Time     `json:"end_time" yaml:"end_time"`
	Duration    time.Duration `json:"duration_ns" yaml:"duration_ns"`
	Success     bool          `json:"success" yaml:"success"`
	Error       string        `json:"error,omitempty" yaml:"error,omitempty"`
	StepResults []StepResult  `json:"step_results,omitempty" yaml:"step_results,omitempty"`
}

type EntryKind string

const (
	EntryExecution EntryKind = "execution"
	EntryRollback  EntryKind = "rollback"
)

// Entry is one element of the append-only history.
type Entry struct {
	Seq       int64            `json:"seq" yaml:"seq"`
	Kind      EntryKind        `json:"kind" yaml:"kind"`
	At        time.Time        `json:"at" yaml:"at"`
	Execution *ExecutionRecord `json:"execution,omitempty" yaml:"execution,omitempty"`
	Rollback  *RollbackRecord  `json:"rollback,omitempty" yaml:"rollback,omitempty"`
}

// PatchID returns the patch id of whichever record the entry carries.
func (e Entry) PatchID() string {
	switch {
	case e.Execution != nil:
		return e.Execution.PatchID
	case e.Rollback != nil:
		return e.Rollback.PatchID
	}
	return ""
}

// ShortID returns the short code of whichever record the entry carries.
func (e Entry) ShortID() string {
	switch {
	case e.Execution != nil:
		return e.Execution.ShortID
	case e.Rollback != nil:
		return e.Rollback.ShortID
	}
	return ""
}

// Status returns the descriptor status this entry establishes.
func (e Entry) Status() Status {
	switch {
	case e.Execution != nil:
		return e.Execution.Status
	case e.Rollback != nil && e.Rollback.Success:
		return StatusRolledBack
	}
	return ""
}
