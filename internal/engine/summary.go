package engine

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/msageha/patchd/internal/model"
	atomicyaml "github.com/msageha/patchd/internal/yaml"
	"github.com/msageha/patchd/templates"
)

var summaryTmpl = template.Must(template.ParseFS(templates.FS, "summary.md.tmpl"))

type summaryData struct {
	PatchID          string
	RunID            string
	Status           model.Status
	Start            string
	End              string
	Duration         time.Duration
	ErrorKind        model.ErrorKind
	Error            string
	RollbackRequired bool
	Gates            []model.GateResult
	Steps            []model.StepResult
}

// RenderSummary renders the markdown summary of one run.
func RenderSummary(rec *model.ExecutionRecord) ([]byte, error) {
	data := summaryData{
		PatchID:          rec.PatchID,
		RunID:            rec.RunID,
		Status:           rec.Status,
		Start:            rec.StartTime.UTC().Format(time.RFC3339),
		End:              rec.EndTime.UTC().Format(time.RFC3339),
		Duration:         rec.Duration.Round(time.Millisecond),
		ErrorKind:        rec.ErrorKind,
		Error:            singleLine(rec.Error),
		RollbackRequired: rec.RollbackRequired,
		Gates:            append([]model.GateResult(nil), rec.GateResults...),
		Steps:            append([]model.StepResult(nil), rec.StepResults...),
	}
	for i := range data.Gates {
		data.Gates[i].Message = singleLine(data.Gates[i].Message)
		data.Gates[i].Duration = data.Gates[i].Duration.Round(time.Millisecond)
	}
	for i := range data.Steps {
		data.Steps[i].Duration = data.Steps[i].Duration.Round(time.Millisecond)
	}

	var buf bytes.Buffer
	if err := summaryTmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render summary: %w", err)
	}
	return buf.Bytes(), nil
}

// SummaryPath is dir/summary-{id}.md with path separators replaced.
func SummaryPath(dir, patchID string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", " ", "_").Replace(patchID)
	return filepath.Join(dir, "summary-"+name+".md")
}

func WriteSummary(dir string, rec *model.ExecutionRecord) error {
	content, err := RenderSummary(rec)
	if err != nil {
		return err
	}
	return atomicyaml.AtomicWriteText(SummaryPath(dir, rec.PatchID), content)
}

func singleLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", "\\|")
}
