package status

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/template"
	"time"

	"github.com/msageha/patchd/templates"
)

// Format selects a renderer.
type Format string

const (
	FormatSnapshot Format = "snapshot"
	FormatDetailed Format = "detailed"
	FormatRaw      Format = "raw"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatSnapshot, nil
	case FormatSnapshot, FormatDetailed, FormatRaw:
		return f, nil
	}
	return "", fmt.Errorf("unknown status format %q (want snapshot, detailed or raw)", s)
}

var dashboardTmpl = template.Must(template.ParseFS(templates.FS, "dashboard.md.tmpl"))

// Render writes snap to w in the given format.
func Render(w io.Writer, snap *Snapshot, f Format) error {
	switch f {
	case FormatDetailed:
		b, err := RenderDashboard(snap)
		if err != nil {
			return err
		}
		_, err = w.Write(b)
		return err
	case FormatRaw:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	default:
		return RenderSnapshot(w, snap)
	}
}

// RenderSnapshot writes the compact text form.
func RenderSnapshot(w io.Writer, snap *Snapshot) error {
	var b strings.Builder
	t := snap.Totals
	fmt.Fprintf(&b, "Watcher: %s\n", snap.Watcher)
	fmt.Fprintf(&b, "Totals: pending=%d claimed=%d completed=%d failed=%d rolled_back=%d\n",
		t.Pending, t.Claimed, t.Completed, t.Failed, t.RolledBack)

	if len(snap.Phases) > 0 {
		fmt.Fprintf(&b, "\n  %-12s  %7s  %7s  %9s  %6s\n", "PHASE", "PENDING", "CLAIMED", "COMPLETED", "FAILED")
		for _, p := range snap.Phases {
			fmt.Fprintf(&b, "  %-12s  %7d  %7d  %9d  %6d\n", p.Phase, p.Pending, p.Claimed, p.Completed, p.Failed)
		}
	}
	if len(snap.Stale) > 0 {
		b.WriteString("\nStale:\n")
		for _, s := range snap.Stale {
			fmt.Fprintf(&b, "  %s pending for %s\n", s.ID, s.Age)
		}
	}
	if len(snap.Failures) > 0 {
		b.WriteString("\n")
		for _, f := range snap.Failures {
			b.WriteString(FailureLine(f.ID, string(f.ErrorKind), f.Message))
			b.WriteByte('\n')
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// FailureLine is the one-line failure report printed by run and status.
func FailureLine(id, kind, message string) string {
	return fmt.Sprintf("FAILED %s %s: %s", id, kind, firstLine(message))
}

type dashboardEvent struct {
	Seq      int64
	At       string
	PatchID  string
	Kind     string
	Status   string
	Duration time.Duration
}

type dashboardView struct {
	*Snapshot
	GeneratedAt string
	Recent      []dashboardEvent
}

// RenderDashboard renders the markdown dashboard.
func RenderDashboard(snap *Snapshot) ([]byte, error) {
	view := dashboardView{
		Snapshot:    snap,
		GeneratedAt: snap.GeneratedAt.UTC().Format(time.RFC3339),
	}
	for _, e := range snap.Recent {
		view.Recent = append(view.Recent, dashboardEvent{
			Seq:      e.Seq,
			At:       e.At.UTC().Format(time.RFC3339),
			PatchID:  e.PatchID,
			Kind:     string(e.Kind),
			Status:   string(e.Status),
			Duration: e.Duration.Round(time.Millisecond),
		})
	}
	var buf bytes.Buffer
	if err := dashboardTmpl.Execute(&buf, view); err != nil {
		return nil, fmt.Errorf("render dashboard: %w", err)
	}
	return buf.Bytes(), nil
}
