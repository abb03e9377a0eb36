package descriptor

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/patchd/internal/model"
)

const sampleJSON = `// generated by the patch authoring tool
{
  "id": "patch-v1.6.552(P6.6.000)_navigator-route-consolidation",
  "dependencies": ["P6.5.002"],
  // gates run before mutation
  "preGates": ["build"],
  "mutations": {"shell": ["echo one", "echo two"]},
  "postMutationBuild": ["npm run build"],
  "successCriteria": ["test"],
  "rollbackPlan": ["git checkout -- ."],
  "notes": "url: http://example.invalid/x"
}
`

func TestParse_CommentedJSON(t *testing.T) {
	d, err := Parse("patch.json", []byte(sampleJSON))
	require.NoError(t, err)

	assert.Equal(t, "patch-v1.6.552(P6.6.000)_navigator-route-consolidation", d.ID)
	assert.Equal(t, "P6.6.000", d.ShortID())
	assert.Equal(t, 6, d.Phase)
	assert.Equal(t, 6, d.Step)
	assert.Equal(t, 0, d.Attempt)
	assert.Equal(t, []string{"P6.5.002"}, d.Dependencies)
	assert.Equal(t, []string{"echo one", "echo two", "npm run build"}, d.MutationSteps())
	assert.Equal(t, []string{"test"}, d.PostGateNames())
	assert.Equal(t, "url: http://example.invalid/x", d.Notes, "inline // inside strings is kept")
	assert.Equal(t, model.StatusPending, d.Status)
}

func TestParse_YAML(t *testing.T) {
	content := `
id: P2.1.003
preGates: [build]
mutations:
  - make migrate
postGates: [test]
`
	d, err := Parse("x.yaml", []byte(content))
	require.NoError(t, err)
	assert.Equal(t, 2, d.Phase)
	assert.Equal(t, 1, d.Step)
	assert.Equal(t, 3, d.Attempt)
	assert.Equal(t, []string{"make migrate"}, d.MutationSteps())
}

func TestParse_IDFromFileName(t *testing.T) {
	d, err := Parse("/q/pending/phase-3/alice/P3.0.001.json", []byte(`{"mutations": []}`))
	require.NoError(t, err)
	assert.Equal(t, "P3.0.001", d.ID)
	assert.Equal(t, 3, d.Phase)
}

func TestParse_Errors(t *testing.T) {
	tests := map[string]string{
		"malformed":        `{"id": `,
		"bad step list":    `{"id": "P1.0.0", "mutations": 42}`,
		"empty dependency": `{"id": "P1.0.0", "dependencies": [""]}`,
		"negative timeout": `{"id": "P1.0.0", "gateTimeoutSec": -1}`,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse("bad.json", []byte(content))
			require.Error(t, err)
			var pe *model.ParseError
			assert.True(t, errors.As(err, &pe))
			assert.Equal(t, model.KindParse, model.KindOf(err))
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "gone.json"))
	assert.Equal(t, model.KindParse, model.KindOf(err))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "P1.0.0.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"preGates":["build"]}`), 0644))

	d, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "P1.0.0", d.ID)
	assert.Equal(t, []string{"build"}, d.PreGateNames())
}

func TestIsDescriptorFile(t *testing.T) {
	assert.True(t, IsDescriptorFile("a/P1.0.0.json"))
	assert.True(t, IsDescriptorFile("P1.0.0.YML"))
	assert.False(t, IsDescriptorFile(".patchd-tmp-123"))
	assert.False(t, IsDescriptorFile(".hidden.json"))
	assert.False(t, IsDescriptorFile("README.md"))
	assert.False(t, IsDescriptorFile("P1.json.bak"))
}

func TestStripComments_PreservesLineCount(t *testing.T) {
	in := []byte("// a\n{\n  // b\n}\n")
	out := StripComments(in)
	assert.Equal(t, "\n{\n\n}\n", string(out))
}
