// Package descriptor reads patch descriptor files.
package descriptor

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/patchd/internal/model"
)

var extensions = map[string]bool{
	".json": true,
	".yaml": true,
	".yml":  true,
}

// IsDescriptorFile reports whether name looks like a descriptor file.
// Hidden files (including atomic-write temp files) never qualify.
func IsDescriptorFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return extensions[strings.ToLower(filepath.Ext(base))]
}

// Load reads and parses the descriptor at path. Any failure is returned as
// *model.ParseError.
func Load(path string) (*model.Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &model.ParseError{Path: path, Err: err}
	}
	return Parse(path, data)
}

// Parse decodes data as JSON or YAML depending on the extension of name.
// When the document has no id the file name is used. Phase, step and attempt
// are filled from the id when absent.
func Parse(name string, data []byte) (*model.Descriptor, error) {
	var d model.Descriptor
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		if err := yamlv3.Unmarshal(data, &d); err != nil {
			return nil, &model.ParseError{Path: name, Err: err}
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(StripComments(data)))
		if err := dec.Decode(&d); err != nil {
			return nil, &model.ParseError{Path: name, Err: err}
		}
	}

	if strings.TrimSpace(d.ID) == "" {
		d.ID = strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	}
	if id, err := model.ParsePatchID(d.ID); err == nil {
		if d.Phase == 0 {
			d.Phase = id.Phase
		}
		if d.Step == 0 {
			d.Step = id.Step
		}
		if d.Attempt == 0 {
			d.Attempt = id.Attempt
		}
	}
	if err := validate(&d); err != nil {
		return nil, &model.ParseError{Path: name, Err: err}
	}
	d.Status = model.StatusPending
	return &d, nil
}

func validate(d *model.Descriptor) error {
	for i, dep := range d.Dependencies {
		if strings.TrimSpace(dep) == "" {
			return fmt.Errorf("dependencies[%d] is empty", i)
		}
	}
	for i, g := range d.PreGateNames() {
		if strings.TrimSpace(g) == "" {
			return fmt.Errorf("pre-gate %d is empty", i)
		}
	}
	for i, g := range d.PostGateNames() {
		if strings.TrimSpace(g) == "" {
			return fmt.Errorf("post-gate %d is empty", i)
		}
	}
	if d.GateTimeoutSec < 0 || d.StepTimeoutSec < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// StripComments drops lines whose first non-blank characters are "//".
// Line count is preserved so decoder offsets still point at the right line.
func StripComments(data []byte) []byte {
	if !bytes.Contains(data, []byte("//")) {
		return data
	}
	var out bytes.Buffer
	out.Grow(len(data))
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), len(data)+1)
	for sc.Scan() {
		line := sc.Bytes()
		if !bytes.HasPrefix(bytes.TrimSpace(line), []byte("//")) {
			out.Write(line)
		}
		out.WriteByte('\n')
	}
	return out.Bytes()
}
