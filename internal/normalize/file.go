package normalize

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/msageha/patchd/internal/logx"
	"github.com/msageha/patchd/internal/yaml"
)

// FileStatus is the per-file outcome of a normalization run.
type FileStatus string

const (
	StatusUpdated    FileStatus = "UPDATED"
	StatusUnchanged  FileStatus = "UNCHANGED"
	StatusMissing    FileStatus = "MISSING"
	StatusParseError FileStatus = "PARSE_ERROR"
	StatusWriteError FileStatus = "WRITE_ERROR"
)

// FileResult reports one file.
type FileResult struct {
	File    string     `json:"file" yaml:"file"`
	Status  FileStatus `json:"status" yaml:"status"`
	Error   string     `json:"error,omitempty" yaml:"error,omitempty"`
	Removed int        `json:"removed,omitempty" yaml:"removed,omitempty"`
	Added   int        `json:"added,omitempty" yaml:"added,omitempty"`
}

// Report summarizes a normalization run over several files.
type Report struct {
	yaml.SchemaHeader `yaml:",inline"`
	GeneratedAt       time.Time    `json:"generated_at" yaml:"generated_at"`
	DryRun            bool         `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`
	Results           []FileResult `json:"results" yaml:"results"`
}

// Counts returns the number of results per status.
func (r Report) Counts() map[FileStatus]int {
	out := make(map[FileStatus]int)
	for _, res := range r.Results {
		out[res.Status]++
	}
	return out
}

// HasErrors reports whether any file could not be read, parsed or written.
func (r Report) HasErrors() bool {
	for _, res := range r.Results {
		switch res.Status {
		case StatusMissing, StatusParseError, StatusWriteError:
			return true
		}
	}
	return false
}

// FileOptions controls NormalizeFile.
type FileOptions struct {
	Options
	DryRun bool
}

// Normalizer applies a profile to descriptor files.
type Normalizer struct {
	profile Profile
	log     logx.Logger
	now     func() time.Time
}

func New(p Profile, log logx.Logger) *Normalizer {
	return &Normalizer{profile: p, log: log.Component("normalize"), now: time.Now}
}

// NormalizeFile rewrites one descriptor. A file whose steps are already
// canonical is left untouched.
func (n *Normalizer) NormalizeFile(path string, opts FileOptions) FileResult {
	res := FileResult{File: path}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		res.Status = StatusMissing
		return res
	}
	if err != nil {
		res.Status = StatusParseError
		res.Error = err.Error()
		return res
	}

	c, err := newCodec(path, data)
	if err != nil {
		res.Status = StatusParseError
		res.Error = err.Error()
		return res
	}
	before, err := c.Document()
	if err != nil {
		res.Status = StatusParseError
		res.Error = err.Error()
		return res
	}

	after := Normalize(before, n.profile, opts.Options)
	if before.Equal(after) {
		res.Status = StatusUnchanged
		return res
	}
	res.Removed, res.Added = diffCounts(before, after)

	content, err := c.Encode(after)
	if err != nil {
		res.Status = StatusWriteError
		res.Error = err.Error()
		return res
	}
	res.Status = StatusUpdated
	if opts.DryRun {
		return res
	}
	if _, err := yaml.WriteIfChanged(path, content); err != nil {
		res.Status = StatusWriteError
		res.Error = err.Error()
	}
	return res
}

// NormalizeFiles normalizes every path and returns a report. It stops early
// only when ctx is cancelled.
func (n *Normalizer) NormalizeFiles(ctx context.Context, paths []string, opts FileOptions) (Report, error) {
	rep := Report{
		SchemaHeader: yaml.NewHeader(yaml.FileTypeNormalizeReport),
		GeneratedAt:  n.now().UTC(),
		DryRun:       opts.DryRun,
		Results:      make([]FileResult, 0, len(paths)),
	}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		res := n.NormalizeFile(p, opts)
		fields := []logx.Field{logx.String("file", p), logx.String("status", string(res.Status))}
		switch res.Status {
		case StatusUpdated, StatusUnchanged:
			n.log.Info("normalized", fields...)
		default:
			n.log.Warn("normalize failed", append(fields, logx.String("error", res.Error))...)
		}
		rep.Results = append(rep.Results, res)
	}
	return rep, nil
}

// WriteReport stores the report as JSON.
func WriteReport(path string, rep Report) error {
	if err := yaml.AtomicWriteJSON(path, rep); err != nil {
		return fmt.Errorf("write normalize report: %w", err)
	}
	return nil
}

func diffCounts(before, after Document) (removed, added int) {
	count := func(list []string) map[string]int {
		m := make(map[string]int, len(list))
		for _, s := range list {
			m[s]++
		}
		return m
	}
	b := count(append(append([]string(nil), before.Mutations...), before.PostMutationBuild...))
	a := count(append(append([]string(nil), after.Mutations...), after.PostMutationBuild...))
	for s, nb := range b {
		if na := a[s]; nb > na {
			removed += nb - na
		}
	}
	for s, na := range a {
		if nb := b[s]; na > nb {
			added += na - nb
		}
	}
	return removed, added
}
