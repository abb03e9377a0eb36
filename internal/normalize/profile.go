// Package normalize rewrites descriptor step lists into canonical order.
package normalize

import (
	"errors"
	"fmt"
	"strings"

	"github.com/msageha/patchd/internal/model"
)

// Kind orders canonical steps. Lower kinds come first.
type Kind int

const (
	KindBootstrap Kind = iota
	KindHealth
	KindAssertion
	KindOptional
	KindClosing
)

var kindNames = map[string]Kind{
	"bootstrap": KindBootstrap,
	"health":    KindHealth,
	"assertion": KindAssertion,
	"optional":  KindOptional,
	"closing":   KindClosing,
}

func (k Kind) String() string {
	for name, v := range kindNames {
		if v == k {
			return name
		}
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func ParseKind(s string) (Kind, error) {
	k, ok := kindNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("unknown canonical kind %q", s)
	}
	return k, nil
}

// Canonical is a fixed-identity step recognized by Marker.
type Canonical struct {
	Kind    Kind
	Marker  string
	Command string
	// Flag enables an optional step.
	Flag string
	// Artifact is the output path of a closing step. The step is only
	// appended when this path is not already present in the list.
	Artifact string
}

// Profile is the ordered set of canonical steps.
type Profile struct {
	Steps []Canonical
}

// Validate checks that every command carries its own marker; otherwise a
// second pass would not recognize the inserted step and would duplicate it.
func (p Profile) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for i, c := range p.Steps {
		switch {
		case c.Marker == "":
			errs = append(errs, fmt.Errorf("step %d: empty marker", i))
		case !strings.Contains(c.Command, c.Marker):
			errs = append(errs, fmt.Errorf("step %d: command does not contain marker %q", i, c.Marker))
		case seen[c.Marker]:
			errs = append(errs, fmt.Errorf("step %d: duplicate marker %q", i, c.Marker))
		}
		seen[c.Marker] = true
		if c.Kind == KindOptional && c.Flag == "" {
			errs = append(errs, fmt.Errorf("step %d: optional step without flag", i))
		}
		if c.Kind < KindBootstrap || c.Kind > KindClosing {
			errs = append(errs, fmt.Errorf("step %d: invalid kind %d", i, int(c.Kind)))
		}
	}
	return errors.Join(errs...)
}

// ProfileFromConfig builds a profile from configuration. An empty list
// yields DefaultProfile.
func ProfileFromConfig(cfg model.NormalizerConfig) (Profile, error) {
	if len(cfg.Canonical) == 0 {
		return DefaultProfile(), nil
	}
	p := Profile{Steps: make([]Canonical, 0, len(cfg.Canonical))}
	for i, c := range cfg.Canonical {
		k, err := ParseKind(c.Kind)
		if err != nil {
			return Profile{}, fmt.Errorf("canonical[%d]: %w", i, err)
		}
		p.Steps = append(p.Steps, Canonical{
			Kind:     k,
			Marker:   c.Marker,
			Command:  c.Command,
			Flag:     c.Flag,
			Artifact: c.Artifact,
		})
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// DefaultProfile is the validation pipeline used by the phase 6 patches.
func DefaultProfile() Profile {
	return Profile{Steps: []Canonical{
		{
			Kind:    KindBootstrap,
			Marker:  "ensure-validation-dirs",
			Command: "bash -c 'mkdir -p validation/{logs,status,test-results,maestro,visual}' # ensure-validation-dirs",
		},
		{
			Kind:    KindBootstrap,
			Marker:  "ultra-runtime",
			Command: "bash scripts/ultra-runtime-validation.sh",
		},
		{
			Kind:    KindHealth,
			Marker:  "ensure-expo",
			Command: "node scripts/admin/ensure-expo.cjs",
		},
		{
			Kind:    KindHealth,
			Marker:  "expo-health",
			Command: "curl -sSf http://127.0.0.1:8081/status >/dev/null # expo-health",
		},
		{
			Kind:    KindAssertion,
			Marker:  "route-assert",
			Command: "node scripts/validation/route-assert.cjs",
		},
		{
			Kind:    KindOptional,
			Marker:  "gen-route-map",
			Command: "node scripts/tools/gen-route-map.cjs",
			Flag:    "route-map",
		},
		{
			Kind:     KindClosing,
			Marker:   "jest-smoke",
			Command:  "npx jest --runInBand --outputFile=validation/test-results/jest-results.json # jest-smoke",
			Artifact: "validation/test-results/jest-results.json",
		},
		{
			Kind:     KindClosing,
			Marker:   " maestro test ",
			Command:  "npx maestro test validation/maestro --format junit --output validation/test-results/maestro.xml || true",
			Artifact: "validation/test-results/maestro.xml",
		},
		{
			Kind:     KindClosing,
			Marker:   " detox test ",
			Command:  "DETOX_RESULTS_DIR=validation/visual npx detox test --record-logs all || true",
			Artifact: "validation/visual",
		},
	}}
}
