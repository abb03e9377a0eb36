package normalize

import (
	"slices"
	"strings"
)

// Document is the part of a descriptor the normalizer reads and rewrites.
type Document struct {
	Mutations         []string
	PostMutationBuild []string
	Flags             []string
}

// Options adjust a single normalization.
type Options struct {
	// Flags enable optional steps in addition to the descriptor's own flags.
	Flags []string
}

// Normalize returns d with canonical post-mutation order:
//
//  1. every step containing a canonical marker is removed;
//  2. one instance of each canonical step is emitted, bootstrap, health,
//     assertion, then enabled optional steps, in profile order;
//  3. the remaining patch-specific steps follow in their original order;
//  4. each closing step is appended unless its artifact path already
//     appears verbatim in the list.
//
// Assertion steps are also removed from mutations. Because removal is total
// before reinsertion, Normalize(Normalize(d)) == Normalize(d).
func Normalize(d Document, p Profile, opts Options) Document {
	enabled := make(map[string]bool)
	for _, f := range d.Flags {
		enabled[f] = true
	}
	for _, f := range opts.Flags {
		enabled[f] = true
	}

	out := Document{Flags: d.Flags}
	if d.Mutations != nil {
		out.Mutations = strip(d.Mutations, p.markers(func(c Canonical) bool { return c.Kind == KindAssertion }))
	}

	rest := strip(d.PostMutationBuild, p.markers(func(Canonical) bool { return true }))

	post := make([]string, 0, len(p.Steps)+len(rest))
	for kind := KindBootstrap; kind <= KindOptional; kind++ {
		for _, c := range p.Steps {
			if c.Kind != kind {
				continue
			}
			if kind == KindOptional && !enabled[c.Flag] {
				continue
			}
			post = append(post, c.Command)
		}
	}
	post = append(post, rest...)
	for _, c := range p.Steps {
		if c.Kind != KindClosing {
			continue
		}
		if c.Artifact != "" && containsVerbatim(post, c.Artifact) {
			continue
		}
		post = append(post, c.Command)
	}
	out.PostMutationBuild = post
	return out
}

// Equal reports whether two documents have the same step lists.
func (d Document) Equal(o Document) bool {
	return slices.Equal(d.Mutations, o.Mutations) && slices.Equal(d.PostMutationBuild, o.PostMutationBuild)
}

func (p Profile) markers(keep func(Canonical) bool) []string {
	var out []string
	for _, c := range p.Steps {
		if keep(c) {
			out = append(out, c.Marker)
		}
	}
	return out
}

func strip(steps, markers []string) []string {
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		if !hasAny(s, markers) {
			out = append(out, s)
		}
	}
	return out
}

func hasAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func containsVerbatim(steps []string, needle string) bool {
	for _, s := range steps {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}
