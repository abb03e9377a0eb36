package yaml

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yamlv3 "gopkg.in/yaml.v3"
)

func TestAtomicWrite_CreatesDirsAndEncodesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status", "snapshot.yaml")
	require.NoError(t, AtomicWrite(path, map[string]any{"watcher": "running", "pending": 3}))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, yamlv3.Unmarshal(content, &got))
	assert.Equal(t, "running", got["watcher"])
	assert.Equal(t, 3, got["pending"])

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())
}

func TestAtomicWriteJSON_IndentedWithNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "normalize-report.json")
	require.NoError(t, AtomicWriteJSON(path, map[string]int{"updated": 2}))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"updated\": 2\n}\n", string(content))
}

func TestAtomicWriteJSON_EncodeErrorLeavesTargetAlone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0644))

	err := AtomicWriteJSON(path, map[string]any{"bad": make(chan int)})
	require.Error(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(content))
}

func TestReplace_RejectsInvalidContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.yaml")

	err := replace(path, []byte(":\n  broken: [\n"), checkYAML)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing to write")

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Error(t, replace(path, []byte("{"), checkJSON))
}

func TestReplace_KeepsPermissionsAndLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "P6.6.000.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":"P6.6.000"}`), 0600))

	require.NoError(t, AtomicWriteText(path, []byte(`{"id":"P6.6.000","mutations":[]}`)))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".tmp-"), "leftover temp file %s", e.Name())
	}
}

func TestWriteIfChanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "descriptor.json")
	content := []byte(`{"postMutationBuild":["yarn build"]}` + "\n")

	wrote, err := WriteIfChanged(path, content)
	require.NoError(t, err)
	assert.True(t, wrote)

	before, err := os.Stat(path)
	require.NoError(t, err)

	wrote, err = WriteIfChanged(path, content)
	require.NoError(t, err)
	assert.False(t, wrote)

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, os.SameFile(before, after), "unchanged content must not replace the inode")

	wrote, err = WriteIfChanged(path, []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, wrote)
	var got map[string]any
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Empty(t, got)
}
