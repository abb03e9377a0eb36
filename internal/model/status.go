package model

import "fmt"

// Status is the lifecycle position of one patch run.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

type GateStage string

const (
	GateStagePre  GateStage = "pre"
	GateStagePost GateStage = "post"
)

// TransitionError rejects a status change the lifecycle does not allow.
type TransitionError struct {
	From, To Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// ValidateTransition allows pending -> running -> completed|failed, an
// early pending -> failed for runs stopped before their gates, and
// completed -> rolled_back, which history records as a separate event.
func ValidateTransition(from, to Status) error {
	var ok bool
	switch from {
	case StatusPending:
		ok = to == StatusRunning || to == StatusFailed
	case StatusRunning:
		ok = to == StatusCompleted || to == StatusFailed
	case StatusCompleted:
		ok = to == StatusRolledBack
	case StatusFailed, StatusRolledBack:
	default:
		return fmt.Errorf("unknown status %q", from)
	}
	if !ok {
		return &TransitionError{From: from, To: to}
	}
	return nil
}
