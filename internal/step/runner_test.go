package step

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/patchd/internal/model"
)

func TestShellRunner_Success(t *testing.T) {
	dir := t.TempDir()
	r := NewShellRunner("/bin/sh", dir, 0)

	res, err := r.Run(context.Background(), "echo hello > out.txt && echo done")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "done\n", res.Output)

	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

func TestShellRunner_ExitCode(t *testing.T) {
	r := NewShellRunner("", t.TempDir(), 0)

	res, err := r.Run(context.Background(), "echo broken >&2; exit 3")
	require.Error(t, err)
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.Code)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, err.Error(), "broken")
}

func TestShellRunner_Timeout(t *testing.T) {
	r := NewShellRunner("/bin/sh", t.TempDir(), 0)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Run(ctx, "sleep 10")
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestShellRunner_ClipsOutput(t *testing.T) {
	r := NewShellRunner("/bin/sh", t.TempDir(), 8)
	res, err := r.Run(context.Background(), "printf '0123456789abcdef'")
	require.NoError(t, err)
	assert.Equal(t, "...89abcdef", res.Output)
}

func TestShellRunner_EmptyOperation(t *testing.T) {
	_, err := NewShellRunner("/bin/sh", t.TempDir(), 0).Run(context.Background(), "  ")
	assert.Error(t, err)
}

// recordingRunner fails any op containing "fail".
type recordingRunner struct {
	ran []string
}

func (r *recordingRunner) Run(_ context.Context, op string) (Result, error) {
	r.ran = append(r.ran, op)
	if strings.Contains(op, "fail") {
		return Result{ExitCode: 1}, &ExitError{Code: 1}
	}
	return Result{}, nil
}

func TestSequence_StopsAtFirstFailure(t *testing.T) {
	r := &recordingRunner{}
	results, err := Sequence(context.Background(), r, []string{"a", "fail-b", "c"}, time.Second)

	require.Error(t, err)
	var sf *model.StepFailure
	require.True(t, errors.As(err, &sf))
	assert.Equal(t, 1, sf.Index)
	assert.Equal(t, model.KindMutationStep, model.KindOf(err))
	assert.Equal(t, []string{"a", "fail-b"}, r.ran)
	require.Len(t, results, 2)
	assert.True(t, results[0].Passed)
	assert.False(t, results[1].Passed)
}

func TestSequence_AllPass(t *testing.T) {
	r := &recordingRunner{}
	results, err := Sequence(context.Background(), r, []string{"a", "b"}, time.Second)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}
