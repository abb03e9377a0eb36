package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/patchd/internal/config"
	"github.com/msageha/patchd/internal/lock"
)

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var out, errb bytes.Buffer
	code := Execute("test", args, &out, &errb)
	return code, out.String(), errb.String()
}

func newWorkspace(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	code, _, stderr := run(t, "init", root, "--phase", "1")
	require.Equal(t, ExitSuccess, code, stderr)
	return root
}

func writeDescriptor(t *testing.T, root, name, body string) {
	t.Helper()
	path := filepath.Join(root, "pending", "phase-1", name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
}

func TestRootCommand_Commands(t *testing.T) {
	cmd := NewRootCommand("test")
	for _, name := range []string{"init", "run", "watch", "status", "normalize", "rollback", "version"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}
	for _, flag := range []string{"root", "config", "log-level", "verbose"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), flag)
	}
}

func TestVersion(t *testing.T) {
	code, out, _ := run(t, "version")
	assert.Equal(t, ExitSuccess, code)
	assert.Equal(t, "patchd test\n", out)
}

func TestRun_MissingWorkspace(t *testing.T) {
	code, _, stderr := run(t, "run", "--root", filepath.Join(t.TempDir(), "nowhere"))
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "no workspace")
}

func TestRun_BadArgs(t *testing.T) {
	code, _, _ := run(t, "run", "extra")
	assert.Equal(t, ExitCommandError, code)
}

func TestRun_SuccessThenRollback(t *testing.T) {
	root := newWorkspace(t)
	writeDescriptor(t, root, "P1.0.0.json", `{
  "id": "P1.0.0",
  "mutations": ["echo applied > marker.txt"],
  "postGates": ["exists:marker.txt"],
  "rollbackPlan": ["rm marker.txt"]
}`)

	code, out, stderr := run(t, "run", "--root", root)
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, out, "1 patch(es) completed")
	assert.FileExists(t, filepath.Join(root, "marker.txt"))
	assert.FileExists(t, filepath.Join(root, "pending", "phase-1", ".completed", "P1.0.0.json"))
	assert.FileExists(t, filepath.Join(root, "summaries", "summary-P1.0.0.md"))
	assert.FileExists(t, filepath.Join(root, "status", "snapshot.json"))

	code, out, stderr = run(t, "rollback", "P1.0.0", "--root", root)
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, out, "rolled back P1.0.0")
	assert.NoFileExists(t, filepath.Join(root, "marker.txt"))

	code, _, stderr = run(t, "rollback", "P1.0.0", "--root", root)
	assert.Equal(t, ExitCommandError, code, "second rollback is not allowed")
	assert.Contains(t, stderr, "not in a rollbackable state")
}

func TestRun_FailurePrintsLineAndExitsOne(t *testing.T) {
	root := newWorkspace(t)
	writeDescriptor(t, root, "P1.1.0.json", `{"id": "P1.1.0", "dependencies": ["P9.9.9"], "mutations": ["touch never.txt"]}`)

	code, out, _ := run(t, "run", "--root", root)
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, out, "FAILED P1.1.0 MissingDependencyError: missing dependencies: P9.9.9")
	assert.NoFileExists(t, filepath.Join(root, "never.txt"))

	code, out, _ = run(t, "status", "--root", root)
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, out, "FAILED P1.1.0 MissingDependencyError")
}

func TestRun_LockHeld(t *testing.T) {
	root := newWorkspace(t)
	fl := lock.New(config.NewLayout(root).WorkerLock(), "watch")
	require.NoError(t, fl.TryLock())
	defer fl.Unlock()

	code, _, stderr := run(t, "run", "--root", root)
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "another worker is running")
}

func TestStatus_RawAndCached(t *testing.T) {
	root := newWorkspace(t)
	writeDescriptor(t, root, "P1.2.0.json", `{"id": "P1.2.0"}`)

	code, out, stderr := run(t, "status", "raw", "--root", root, "--write")
	require.Equal(t, ExitSuccess, code, stderr)
	var snap map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, "stopped", snap["watcher"])

	code, out, stderr = run(t, "status", "snapshot", "--root", root, "--cached")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, out, "pending=1")

	code, _, _ = run(t, "status", "xml", "--root", root)
	assert.Equal(t, ExitCommandError, code)
}

func TestNormalize_PendingDescriptors(t *testing.T) {
	root := newWorkspace(t)
	writeDescriptor(t, root, "P1.3.0.json", `{"id": "P1.3.0", "postMutationBuild": ["npx tsc --noEmit"]}`)

	code, out, stderr := run(t, "normalize", "--root", root)
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, out, "UPDATED")
	assert.FileExists(t, filepath.Join(root, "status", "normalize-report.json"))

	code, out, _ = run(t, "normalize", "--root", root)
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "UNCHANGED")

	code, out, _ = run(t, "normalize", "--root", root, filepath.Join(root, "missing.json"))
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, out, "MISSING")
}

func TestInit_Twice(t *testing.T) {
	root := newWorkspace(t)
	code, _, stderr := run(t, "init", root)
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "--force")
}
