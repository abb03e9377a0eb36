// Package status aggregates queue and history state into snapshots.
package status

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/msageha/patchd/internal/descriptor"
	"github.com/msageha/patchd/internal/history"
	"github.com/msageha/patchd/internal/model"
	"github.com/msageha/patchd/internal/store"
	"github.com/msageha/patchd/internal/yaml"
)

// Watcher states shown in snapshots.
const (
	WatcherRunning = "running"
	WatcherStopped = "stopped"
	WatcherUnknown = "unknown"
)

type Counts struct {
	Pending    int `json:"pending" yaml:"pending"`
	Claimed    int `json:"claimed" yaml:"claimed"`
	Completed  int `json:"completed" yaml:"completed"`
	Failed     int `json:"failed" yaml:"failed"`
	RolledBack int `json:"rolled_back" yaml:"rolled_back"`
}

type PhaseCounts struct {
	Phase string `json:"phase" yaml:"phase"`
	Counts `yaml:",inline"`
}

// Failure is a descriptor sitting in a failed area.
type Failure struct {
	ID               string          `json:"id" yaml:"id"`
	Phase            string          `json:"phase" yaml:"phase"`
	Path             string          `json:"path" yaml:"path"`
	ErrorKind        model.ErrorKind `json:"error_kind" yaml:"error_kind"`
	Message          string          `json:"message,omitempty" yaml:"message,omitempty"`
	RollbackRequired bool            `json:"rollback_required" yaml:"rollback_required"`
}

// Stale is a pending descriptor older than the stale threshold.
type Stale struct {
	ID    string        `json:"id" yaml:"id"`
	Path  string        `json:"path" yaml:"path"`
	Age   time.Duration `json:"age_ns" yaml:"age_ns"`
	Since time.Time     `json:"since" yaml:"since"`
}

type Event struct {
	Seq      int64           `json:"seq" yaml:"seq"`
	At       time.Time       `json:"at" yaml:"at"`
	PatchID  string          `json:"patch_id" yaml:"patch_id"`
	Kind     model.EntryKind `json:"kind" yaml:"kind"`
	Status   model.Status    `json:"status" yaml:"status"`
	Duration time.Duration   `json:"duration_ns" yaml:"duration_ns"`
}

// Snapshot is a point-in-time view of the workspace.
type Snapshot struct {
	yaml.SchemaHeader `yaml:",inline"`
	GeneratedAt       time.Time     `json:"generated_at" yaml:"generated_at"`
	Watcher           string        `json:"watcher" yaml:"watcher"`
	Totals            Counts        `json:"totals" yaml:"totals"`
	Phases            []PhaseCounts `json:"phases" yaml:"phases"`
	Failures          []Failure     `json:"failures" yaml:"failures"`
	Stale             []Stale       `json:"stale" yaml:"stale"`
	Recent            []Event       `json:"recent" yaml:"recent"`
}

// Lister lists queue items by area.
type Lister interface {
	List(ctx context.Context, area store.Area) ([]store.Item, error)
}

type Options struct {
	RecentEvents int
	StaleAfter   time.Duration
	// Watcher reports whether a watcher is running. Nil means unknown.
	Watcher func() bool
}

// Aggregator builds snapshots. It never writes to the store or history.
type Aggregator struct {
	store Lister
	hist  history.History
	opts  Options
	now   func() time.Time
}

func NewAggregator(s Lister, h history.History, opts Options) *Aggregator {
	if opts.RecentEvents <= 0 {
		opts.RecentEvents = 10
	}
	return &Aggregator{store: s, hist: h, opts: opts, now: time.Now}
}

// Snapshot reads the current state.
func (a *Aggregator) Snapshot(ctx context.Context) (*Snapshot, error) {
	ix, err := history.Load(ctx, a.hist)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	now := a.now()

	snap := &Snapshot{
		SchemaHeader: yaml.NewHeader(yaml.FileTypeStatusSnapshot),
		GeneratedAt:  now.UTC(),
		Watcher:      a.watcherState(),
		Phases:       []PhaseCounts{},
		Failures:     []Failure{},
		Stale:        []Stale{},
		Recent:       []Event{},
	}

	phases := make(map[string]*Counts)
	phase := func(name string) *Counts {
		c, ok := phases[name]
		if !ok {
			c = &Counts{}
			phases[name] = c
		}
		return c
	}

	for _, area := range []store.Area{store.AreaPending, store.AreaClaimed, store.AreaCompleted, store.AreaFailed} {
		items, err := a.store.List(ctx, area)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", area, err)
		}
		for _, it := range items {
			c := phase(it.Phase)
			id := itemID(it)
			switch area {
			case store.AreaPending:
				c.Pending++
				if a.opts.StaleAfter > 0 && !it.ModTime.IsZero() {
					if age := now.Sub(it.ModTime); age > a.opts.StaleAfter {
						snap.Stale = append(snap.Stale, Stale{ID: id, Path: it.Path, Age: age.Round(time.Second), Since: it.ModTime.UTC()})
					}
				}
			case store.AreaClaimed:
				c.Claimed++
			case store.AreaCompleted:
				id = archivedID(it)
				if st, ok := ix.Status(id); ok && st == model.StatusRolledBack {
					c.RolledBack++
				} else {
					c.Completed++
				}
			case store.AreaFailed:
				id = archivedID(it)
				c.Failed++
				snap.Failures = append(snap.Failures, failureFor(it, id, ix))
			}
		}
	}

	names := make([]string, 0, len(phases))
	for name := range phases {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return phaseLess(names[i], names[j]) })
	for _, name := range names {
		c := *phases[name]
		snap.Phases = append(snap.Phases, PhaseCounts{Phase: name, Counts: c})
		snap.Totals.Pending += c.Pending
		snap.Totals.Claimed += c.Claimed
		snap.Totals.Completed += c.Completed
		snap.Totals.Failed += c.Failed
		snap.Totals.RolledBack += c.RolledBack
	}

	for _, e := range ix.Recent(a.opts.RecentEvents) {
		snap.Recent = append(snap.Recent, eventFor(e))
	}
	return snap, nil
}

func (a *Aggregator) watcherState() string {
	if a.opts.Watcher == nil {
		return WatcherUnknown
	}
	if a.opts.Watcher() {
		return WatcherRunning
	}
	return WatcherStopped
}

func itemID(it store.Item) string {
	if it.Parsed {
		return it.ID.Raw
	}
	name := it.Name
	for _, ext := range []string{".json", ".yaml", ".yml"} {
		name = strings.TrimSuffix(name, ext)
	}
	return name
}

// archivedID is the id an archived descriptor ran under: the document's id,
// else its file name without the collision suffix.
func archivedID(it store.Item) string {
	name := store.OriginalName(it.Name)
	if data, err := os.ReadFile(it.Path); err == nil {
		if d, err := descriptor.Parse(name, data); err == nil {
			return d.ID
		}
	}
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func failureFor(it store.Item, id string, ix *history.Index) Failure {
	f := Failure{ID: id, Phase: it.Phase, Path: it.Path, ErrorKind: model.KindInternal}
	rec, ok := ix.LatestExecution(id)
	if !ok {
		f.Message = "no execution record"
		return f
	}
	f.ErrorKind = rec.ErrorKind
	f.Message = firstLine(rec.Error)
	f.RollbackRequired = rec.RollbackRequired
	return f
}

func eventFor(e model.Entry) Event {
	ev := Event{Seq: e.Seq, At: e.At, PatchID: e.PatchID(), Kind: e.Kind, Status: e.Status()}
	switch {
	case e.Execution != nil:
		ev.Duration = e.Execution.Duration
	case e.Rollback != nil:
		ev.Duration = e.Rollback.Duration
		if !e.Rollback.Success {
			ev.Status = model.StatusFailed
		}
	}
	return ev
}

// phaseLess orders phases by their dotted number, so "phase-6.9" comes
// before "phase-6.10" and "phase-10". Other names sort after, by name.
func phaseLess(a, b string) bool {
	na, oka := phaseNumber(a)
	nb, okb := phaseNumber(b)
	switch {
	case oka && okb:
		if c := slices.Compare(na, nb); c != 0 {
			return c < 0
		}
	case oka != okb:
		return oka
	}
	return a < b
}

func phaseNumber(name string) ([]int, bool) {
	rest, ok := strings.CutPrefix(name, "phase-")
	if !ok || rest == "" {
		return nil, false
	}
	parts := strings.Split(rest, ".")
	nums := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, false
		}
		nums[i] = n
	}
	return nums, true
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
