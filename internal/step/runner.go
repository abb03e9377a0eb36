// Package step executes opaque operations through a shell.
package step

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// ErrTimeout is returned when an operation exceeds its deadline.
var ErrTimeout = errors.New("timed out")

// Result describes one finished operation.
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

// Runner executes a single operation. A nil error means the operation
// succeeded.
type Runner interface {
	Run(ctx context.Context, op string) (Result, error)
}

// ExitError is a non-zero exit.
type ExitError struct {
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return fmt.Sprintf("exit status %d: %s", e.Code, lastLine(e.Output))
}

// ShellRunner runs each operation as `Shell -c op` in Dir.
type ShellRunner struct {
	Shell     string
	Dir       string
	Env       []string
	MaxOutput int
}

func NewShellRunner(shell, dir string, maxOutput int) *ShellRunner {
	if shell == "" {
		shell = "/bin/sh"
	}
	return &ShellRunner{Shell: shell, Dir: dir, MaxOutput: maxOutput}
}

func (r *ShellRunner) Run(ctx context.Context, op string) (Result, error) {
	start := time.Now()
	if strings.TrimSpace(op) == "" {
		return Result{}, errors.New("empty operation")
	}
	if err := ctx.Err(); err != nil {
		return Result{}, timeoutOr(err)
	}

	cmd := exec.Command(r.Shell, "-c", op)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), r.Env...)
	// Own process group so a timeout kills the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return Result{Duration: time.Since(start)}, fmt.Errorf("start %q: %w", op, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var err error
	select {
	case <-ctx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return Result{ExitCode: -1, Output: r.clip(out.String()), Duration: time.Since(start)}, timeoutOr(ctx.Err())
	case err = <-done:
	}

	res := Result{Output: r.clip(out.String()), Duration: time.Since(start)}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, &ExitError{Code: res.ExitCode, Output: res.Output}
		}
		return res, fmt.Errorf("run %q: %w", op, err)
	}
	return res, nil
}

func (r *ShellRunner) clip(s string) string {
	if r.MaxOutput <= 0 || len(s) <= r.MaxOutput {
		return s
	}
	// Keep the tail; failures usually print last.
	return "..." + s[len(s)-r.MaxOutput:]
}

func timeoutOr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
