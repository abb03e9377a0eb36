package model

import (
	"bytes"
	"encoding/json"
	"fmt"

	yamlv3 "gopkg.in/yaml.v3"
)

// Descriptor is a declarative patch job read from the pending area.
type Descriptor struct {
	ID           string   `json:"id" yaml:"id"`
	Version      string   `json:"version,omitempty" yaml:"version,omitempty"`
	Phase        int      `json:"phase,omitempty" yaml:"phase,omitempty"`
	Step         int      `json:"step,omitempty" yaml:"step,omitempty"`
	Attempt      int      `json:"attempt,omitempty" yaml:"attempt,omitempty"`
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	PreGates        []string `json:"preGates,omitempty" yaml:"preGates,omitempty"`
	ValidationGates []string `json:"validationGates,omitempty" yaml:"validationGates,omitempty"`

	Mutations         StepList `json:"mutations,omitempty" yaml:"mutations,omitempty"`
	PostMutationBuild StepList `json:"postMutationBuild,omitempty" yaml:"postMutationBuild,omitempty"`

	PostGates       []string `json:"postGates,omitempty" yaml:"postGates,omitempty"`
	SuccessCriteria []string `json:"successCriteria,omitempty" yaml:"successCriteria,omitempty"`

	RollbackPlan StepList `json:"rollbackPlan,omitempty" yaml:"rollbackPlan,omitempty"`

	GateTimeoutSec int      `json:"gateTimeoutSec,omitempty" yaml:"gateTimeoutSec,omitempty"`
	StepTimeoutSec int      `json:"stepTimeoutSec,omitempty" yaml:"stepTimeoutSec,omitempty"`
	Flags          []string `json:"flags,omitempty" yaml:"flags,omitempty"`

	Task     string   `json:"task,omitempty" yaml:"task,omitempty"`
	Priority string   `json:"priority,omitempty" yaml:"priority,omitempty"`
	Notes    string   `json:"notes,omitempty" yaml:"notes,omitempty"`
	Branch   string   `json:"branch,omitempty" yaml:"branch,omitempty"`
	Phases   []string `json:"phases,omitempty" yaml:"phases,omitempty"`

	// Status is owned by the engine and never read from descriptor files.
	Status Status `json:"-" yaml:"-"`
}

// PreGateNames returns preGates followed by legacy validationGates.
func (d *Descriptor) PreGateNames() []string {
	return concat(d.PreGates, d.ValidationGates)
}

// PostGateNames returns postGates followed by successCriteria.
func (d *Descriptor) PostGateNames() []string {
	return concat(d.PostGates, d.SuccessCriteria)
}

// MutationSteps returns mutations followed by postMutationBuild.
func (d *Descriptor) MutationSteps() []string {
	return concat(d.Mutations, d.PostMutationBuild)
}

// ShortID returns the short code of the descriptor id, or "" when the id
// does not follow the patch naming scheme.
func (d *Descriptor) ShortID() string {
	id, err := ParsePatchID(d.ID)
	if err != nil {
		return ""
	}
	return id.Short()
}

func concat(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

// StepList is an ordered list of opaque operations. Descriptor files may
// write it as a plain array or as an object with a "shell" (or "commands")
// array.
type StepList []string

type stepListObject struct {
	Shell    []string `json:"shell" yaml:"shell"`
	Commands []string `json:"commands" yaml:"commands"`
}

func (s *StepList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*s = nil
		return nil
	case data[0] == '[':
		var steps []string
		if err := json.Unmarshal(data, &steps); err != nil {
			return fmt.Errorf("step list: %w", err)
		}
		*s = steps
		return nil
	case data[0] == '{':
		var obj stepListObject
		if err := json.Unmarshal(data, &obj); err != nil {
			return fmt.Errorf("step list: %w", err)
		}
		*s = concat(obj.Shell, obj.Commands)
		return nil
	default:
		return fmt.Errorf("step list: expected array or object, got %s", string(data[:1]))
	}
}

func (s *StepList) UnmarshalYAML(value *yamlv3.Node) error {
	switch value.Kind {
	case yamlv3.SequenceNode:
		var steps []string
		if err := value.Decode(&steps); err != nil {
			return fmt.Errorf("step list: %w", err)
		}
		*s = steps
		return nil
	case yamlv3.MappingNode:
		var obj stepListObject
		if err := value.Decode(&obj); err != nil {
			return fmt.Errorf("step list: %w", err)
		}
		*s = concat(obj.Shell, obj.Commands)
		return nil
	case yamlv3.ScalarNode:
		if value.Tag == "!!null" {
			*s = nil
			return nil
		}
	}
	return fmt.Errorf("step list: expected sequence or mapping at line %d", value.Line)
}
