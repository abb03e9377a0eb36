package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/msageha/patchd/internal/model"
	"github.com/msageha/patchd/internal/status"
)

// Exit codes.
const (
	ExitSuccess      = 0 // no failures
	ExitFailure      = 1 // at least one patch or rollback failed
	ExitCommandError = 2 // bad arguments, missing workspace, lock held, config error
)

// ExitError carries the process exit code for an error.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode maps err to a process exit code. Errors without an explicit
// code are invocation errors, which is what cobra returns for bad flags.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitCommandError
}

// printFailures writes one FAILED line per failed record.
func printFailures(w io.Writer, recs []*model.ExecutionRecord) {
	for _, rec := range recs {
		fmt.Fprintln(w, status.FailureLine(rec.PatchID, string(rec.ErrorKind), rec.Error))
	}
}
