package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a descriptor-level failure.
type ErrorKind string

const (
	KindParse             ErrorKind = "DescriptorParseError"
	KindMissingDependency ErrorKind = "MissingDependencyError"
	KindGateFailure       ErrorKind = "GateFailure"
	KindMutationStep      ErrorKind = "MutationStepFailure"
	KindRollback          ErrorKind = "RollbackFailure"
	KindInterrupted       ErrorKind = "Interrupted"
	KindInternal          ErrorKind = "InternalError"
)

var (
	ErrAlreadyClaimed  = errors.New("descriptor already claimed")
	ErrNotFound        = errors.New("patch not found in history")
	ErrNotRollbackable = errors.New("patch is not in a rollbackable state")
)

// ParseError reports a malformed descriptor. It is fatal to that descriptor.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse descriptor %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// MissingDependencyError lists dependency ids without a successful run.
type MissingDependencyError struct {
	IDs []string
}

func (e *MissingDependencyError) Error() string {
	return "missing dependencies: " + strings.Join(e.IDs, ", ")
}

// GateFailure reports the first failing gate of a stage.
type GateFailure struct {
	Stage   GateStage
	Gate    string
	Message string
}

func (e *GateFailure) Error() string {
	return fmt.Sprintf("%s-gate %q failed: %s", e.Stage, e.Gate, e.Message)
}

// StepFailure reports the first failing mutation step.
type StepFailure struct {
	Index     int
	Operation string
	Err       error
}

func (e *StepFailure) Error() string {
	return fmt.Sprintf("step %d failed: %v", e.Index, e.Err)
}

func (e *StepFailure) Unwrap() error { return e.Err }

// RollbackFailure reports the first failing compensating step.
type RollbackFailure struct {
	PatchID string
	Index   int
	Err     error
}

func (e *RollbackFailure) Error() string {
	return fmt.Sprintf("rollback of %s failed at step %d: %v", e.PatchID, e.Index, e.Err)
}

func (e *RollbackFailure) Unwrap() error { return e.Err }

// InterruptedError marks a claim found orphaned after a crash.
type InterruptedError struct {
	Path string
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("run interrupted before completion: %s", e.Path)
}

// KindOf classifies err. Unknown errors are reported as KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var (
		pe *ParseError
		me *MissingDependencyError
		ge *GateFailure
		se *StepFailure
		re *RollbackFailure
		ie *InterruptedError
	)
	switch {
	case errors.As(err, &pe):
		return KindParse
	case errors.As(err, &me):
		return KindMissingDependency
	case errors.As(err, &ge):
		return KindGateFailure
	case errors.As(err, &se):
		return KindMutationStep
	case errors.As(err, &re):
		return KindRollback
	case errors.As(err, &ie):
		return KindInterrupted
	}
	return KindInternal
}
