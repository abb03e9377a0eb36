package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// PatchID is the parsed form of a descriptor id such as
// "patch-v1.6.552(P6.6.000)_navigator-route-consolidation" or the bare
// short code "P6.6.000".
type PatchID struct {
	Raw     string
	Version [3]int
	Phase   int
	Step    int
	Attempt int
	Slug    string

	short string
}

var (
	fullIDRegex  = regexp.MustCompile(`^patch-v(\d+)\.(\d+)\.(\d+)\((P(\d+)\.(\d+)\.(\d+))\)(?:_([A-Za-z0-9._-]+))?$`)
	shortIDRegex = regexp.MustCompile(`^(P(\d+)\.(\d+)\.(\d+))$`)
)

// ParsePatchID parses a full id or short code. File extensions are ignored.
func ParsePatchID(s string) (PatchID, error) {
	raw := strings.TrimSpace(s)
	for _, ext := range []string{".json", ".yaml", ".yml"} {
		raw = strings.TrimSuffix(raw, ext)
	}

	if m := fullIDRegex.FindStringSubmatch(raw); m != nil {
		id := PatchID{Raw: raw, short: m[4], Slug: m[8]}
		for i := 0; i < 3; i++ {
			id.Version[i] = atoi(m[1+i])
		}
		id.Phase, id.Step, id.Attempt = atoi(m[5]), atoi(m[6]), atoi(m[7])
		return id, nil
	}
	if m := shortIDRegex.FindStringSubmatch(raw); m != nil {
		return PatchID{
			Raw:     raw,
			short:   m[1],
			Phase:   atoi(m[2]),
			Step:    atoi(m[3]),
			Attempt: atoi(m[4]),
		}, nil
	}
	return PatchID{}, fmt.Errorf("invalid patch id: %q", s)
}

// Short returns the "P{phase}.{step}.{attempt}" code with digits as written.
func (id PatchID) Short() string {
	return id.short
}

// Less orders ids by phase, step, attempt, then version.
func (id PatchID) Less(other PatchID) bool {
	if id.Phase != other.Phase {
		return id.Phase < other.Phase
	}
	if id.Step != other.Step {
		return id.Step < other.Step
	}
	if id.Attempt != other.Attempt {
		return id.Attempt < other.Attempt
	}
	for i := 0; i < 3; i++ {
		if id.Version[i] != other.Version[i] {
			return id.Version[i] < other.Version[i]
		}
	}
	return id.Raw < other.Raw
}

// ShortCode returns the short code of s, or s itself when it does not parse.
func ShortCode(s string) string {
	id, err := ParsePatchID(s)
	if err != nil {
		return s
	}
	return id.Short()
}

// MatchesID reports whether ref (full id or short code) names the patch
// whose full id is patchID and short code is shortID.
func MatchesID(ref, patchID, shortID string) bool {
	if ref == "" {
		return false
	}
	return ref == patchID || (shortID != "" && ref == shortID)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
