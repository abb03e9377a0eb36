package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/patchd/internal/gate"
	"github.com/msageha/patchd/internal/history"
	"github.com/msageha/patchd/internal/logx"
	"github.com/msageha/patchd/internal/model"
	"github.com/msageha/patchd/internal/step"
	"github.com/msageha/patchd/internal/store"
)

// fakeSteps records operations and fails any containing "FAIL".
type fakeSteps struct {
	mu  sync.Mutex
	ran []string
}

func (f *fakeSteps) Run(_ context.Context, op string) (step.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, op)
	if strings.Contains(op, "FAIL") {
		return step.Result{ExitCode: 1}, &step.ExitError{Code: 1, Output: "boom"}
	}
	return step.Result{}, nil
}

func (f *fakeSteps) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ran)
}

type harness struct {
	root    string
	pending string
	store   *store.FSStore
	history history.History
	steps   *fakeSteps
	gates   *gate.Registry
	gateRan []string
	engine  *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		root:    root,
		pending: filepath.Join(root, "pending"),
		steps:   &fakeSteps{},
	}
	require.NoError(t, os.MkdirAll(h.pending, 0755))
	h.store = store.NewFSStore(h.pending)

	hist, err := history.Open(history.Config{Driver: "file", Path: filepath.Join(root, "history", "history.jsonl")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { hist.Close() })
	h.history = hist

	h.gates = gate.NewRegistry(nil, "/bin/sh", root, 0)
	for _, name := range []string{"build", "typecheck", "test", "lint"} {
		h.addGate(name, true)
	}
	h.addGate("broken", false)

	h.engine = h.newEngine(h.store)
	return h
}

func (h *harness) newEngine(qs store.QueueStore) *Engine {
	return New(Options{
		Store:       qs,
		History:     h.history,
		Gates:       h.gates,
		Steps:       h.steps,
		GateTimeout: time.Second,
		StepTimeout: time.Second,
		SummaryDir:  filepath.Join(h.root, "summaries"),
		Log:         logx.Nop(),
	})
}

func (h *harness) addGate(name string, ok bool) {
	h.gates.Register(gate.Func{GateName: name, Check: func(context.Context) (bool, error) {
		h.gateRan = append(h.gateRan, name)
		if !ok {
			return false, errors.New("gate said no")
		}
		return true, nil
	}})
}

func (h *harness) put(t *testing.T, rel, content string) string {
	t.Helper()
	p := filepath.Join(h.pending, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func (h *harness) succeed(t *testing.T, id, short string) {
	t.Helper()
	_, err := history.AppendExecution(context.Background(), h.history, &model.ExecutionRecord{
		RunID: "seed-" + short, PatchID: id, ShortID: short, Status: model.StatusCompleted, Success: true,
	})
	require.NoError(t, err)
}

const p66 = `{
  "id": "patch-v1.6.552(P6.6.000)_navigator-route-consolidation",
  "dependencies": ["P6.5.002"],
  "preGates": ["build", "typecheck"],
  "mutations": {"shell": ["consolidate routes", "update imports"]},
  "postMutationBuild": ["npm run build"],
  "postGates": ["%POST%"],
  "rollbackPlan": ["git checkout -- src/navigation"]
}`

func TestExecutePatch_P66Success(t *testing.T) {
	h := newHarness(t)
	h.succeed(t, "patch-v1.6.551(P6.5.002)_tokens", "P6.5.002")
	path := h.put(t, "phase-6/alice/patch-v1.6.552(P6.6.000)_navigator-route-consolidation.json",
		strings.Replace(p66, "%POST%", "test", 1))

	rec, err := h.engine.ExecutePatch(context.Background(), path)
	require.NoError(t, err)

	assert.True(t, rec.Success)
	assert.Equal(t, model.StatusCompleted, rec.Status)
	assert.Equal(t, "P6.6.000", rec.ShortID)
	assert.Equal(t, "phase-6", rec.Phase)
	assert.False(t, rec.RollbackRequired)
	assert.NotEmpty(t, rec.RunID)
	assert.False(t, rec.EndTime.Before(rec.StartTime))
	assert.Equal(t, []string{"build", "typecheck", "test"}, h.gateRan)
	assert.Equal(t, []string{"consolidate routes", "update imports", "npm run build"}, h.steps.ran)

	gates := rec.GateResultMap()
	assert.Equal(t, model.GateStagePre, gates["build"].Stage)
	assert.Equal(t, model.GateStagePost, gates["test"].Stage)

	assert.FileExists(t, filepath.Join(h.pending, "phase-6", ".completed", "alice", filepath.Base(path)))
	assert.NoFileExists(t, path)
	assert.FileExists(t, SummaryPath(filepath.Join(h.root, "summaries"), rec.PatchID))

	entries, err := h.history.Entries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, rec.RunID, entries[1].Execution.RunID)
}

func TestExecutePatch_P66PostGateFailure(t *testing.T) {
	h := newHarness(t)
	h.succeed(t, "P6.5.002", "P6.5.002")
	path := h.put(t, "phase-6/alice/patch-v1.6.552(P6.6.000)_navigator-route-consolidation.json",
		strings.Replace(p66, "%POST%", "broken", 1))

	rec, err := h.engine.ExecutePatch(context.Background(), path)
	require.NoError(t, err)

	assert.False(t, rec.Success)
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Equal(t, model.KindGateFailure, rec.ErrorKind)
	assert.Contains(t, rec.Error, "broken")
	assert.True(t, rec.RollbackRequired, "mutations ran before the failing gate")
	assert.Len(t, rec.StepResults, 3)
	assert.FileExists(t, filepath.Join(h.pending, "phase-6", ".failed", "alice", filepath.Base(path)))
}

func TestExecutePatch_MissingDependencyRunsNothing(t *testing.T) {
	h := newHarness(t)
	path := h.put(t, "phase-6/patch-v1.6.552(P6.6.000)_x.json", strings.Replace(p66, "%POST%", "test", 1))

	rec, err := h.engine.ExecutePatch(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, model.KindMissingDependency, rec.ErrorKind)
	assert.Contains(t, rec.Error, "P6.5.002")
	assert.Empty(t, h.gateRan, "no gate may run")
	assert.Zero(t, h.steps.count(), "no step may run")
	assert.Empty(t, rec.GateResults)
	assert.False(t, rec.RollbackRequired)
}

func TestExecutePatch_PreGateFailureSkipsMutation(t *testing.T) {
	h := newHarness(t)
	path := h.put(t, "phase-1/P1.0.0.json", `{"preGates": ["build", "broken", "lint"], "mutations": ["a"]}`)

	rec, err := h.engine.ExecutePatch(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, model.KindGateFailure, rec.ErrorKind)
	assert.Equal(t, []string{"build", "broken"}, h.gateRan)
	assert.Zero(t, h.steps.count())
	assert.False(t, rec.RollbackRequired)
}

func TestExecutePatch_StepFailureStopsEverything(t *testing.T) {
	h := newHarness(t)
	path := h.put(t, "phase-1/P1.0.0.json",
		`{"mutations": ["one", "two FAIL", "three"], "postMutationBuild": ["build it"], "postGates": ["test"]}`)

	rec, err := h.engine.ExecutePatch(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, model.KindMutationStep, rec.ErrorKind)
	assert.Equal(t, []string{"one", "two FAIL"}, h.steps.ran)
	assert.Empty(t, h.gateRan, "post gates are skipped")
	assert.True(t, rec.RollbackRequired)
}

func TestExecutePatch_ParseError(t *testing.T) {
	h := newHarness(t)
	path := h.put(t, "phase-1/P1.0.0.json", `{"mutations": [`)

	rec, err := h.engine.ExecutePatch(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, model.KindParse, rec.ErrorKind)
	assert.Equal(t, "P1.0.0", rec.PatchID)
	assert.FileExists(t, filepath.Join(h.pending, "phase-1", ".failed", "P1.0.0.json"))
}

func TestExecutePatch_AlreadyClaimed(t *testing.T) {
	h := newHarness(t)
	path := h.put(t, "phase-1/P1.0.0.json", `{}`)
	_, err := h.store.Acquire(context.Background(), path)
	require.NoError(t, err)

	rec, err := h.engine.ExecutePatch(context.Background(), path)
	assert.Nil(t, rec)
	assert.True(t, errors.Is(err, model.ErrAlreadyClaimed))
}

func TestDrain_SortedAndNoReordering(t *testing.T) {
	h := newHarness(t)
	// P1.1.0 depends on P1.2.0, which sorts after it: it must fail.
	h.put(t, "phase-1/bob/P1.2.0.json", `{"mutations": ["b"]}`)
	h.put(t, "phase-1/alice/P1.1.0.json", `{"dependencies": ["P1.2.0"], "mutations": ["a"]}`)
	h.put(t, "phase-1/P1.0.0.json", `{"mutations": ["z"]}`)
	h.put(t, "phase-1/P1.3.0.json", `{"dependencies": ["P1.0.0"], "mutations": ["c"]}`)

	report, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Records, 4)

	order := make([]string, len(report.Records))
	for i, r := range report.Records {
		order[i] = r.PatchID
	}
	assert.Equal(t, []string{"P1.0.0", "P1.1.0", "P1.2.0", "P1.3.0"}, order)
	assert.Equal(t, 3, report.Succeeded())
	require.Len(t, report.Failed(), 1)
	assert.Equal(t, "P1.1.0", report.Failed()[0].PatchID)
	assert.Equal(t, []string{"z", "b", "c"}, h.steps.ran)

	again, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Empty(t, again.Records, "terminal descriptors are never re-run")
}

func TestDrain_ConcurrentCallsRunEachDescriptorOnce(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"P1.0.0", "P1.1.0", "P1.2.0", "P1.3.0", "P1.4.0"} {
		h.put(t, "phase-1/"+id+".json", `{"mutations": ["`+id+`"]}`)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Drain(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entries, err := h.history.Entries(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 5)
	assert.Equal(t, 5, h.steps.count())
}

func TestHistory_StatusesAreTerminalOnly(t *testing.T) {
	h := newHarness(t)
	h.put(t, "phase-1/P1.0.0.json", `{"mutations": ["ok"]}`)
	h.put(t, "phase-1/P1.1.0.json", `{"mutations": ["FAIL"]}`)

	_, err := h.engine.Drain(context.Background())
	require.NoError(t, err)

	entries, err := h.history.Entries(context.Background())
	require.NoError(t, err)
	for _, e := range entries {
		st := e.Execution.Status
		assert.True(t, st == model.StatusCompleted || st == model.StatusFailed, "unexpected status %s", st)
		assert.Equal(t, st == model.StatusCompleted, e.Execution.Success)
	}
}

func TestRecover_FailsOrphansAsInterrupted(t *testing.T) {
	h := newHarness(t)
	path := h.put(t, "phase-2/carol/P2.0.0.json", `{"id": "patch-v2.0.0(P2.0.0)_orphan"}`)
	claim, err := h.store.Acquire(context.Background(), path)
	require.NoError(t, err)

	recs, err := h.engine.Recover(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)

	rec := recs[0]
	assert.Equal(t, "patch-v2.0.0(P2.0.0)_orphan", rec.PatchID)
	assert.Equal(t, model.KindInterrupted, rec.ErrorKind)
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.True(t, rec.RollbackRequired)
	assert.NoFileExists(t, claim.Path)
	assert.FileExists(t, filepath.Join(h.pending, "phase-2", ".failed", "carol", "P2.0.0.json"))

	again, err := h.engine.Recover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, again)
}

// flakyStore fails the first Complete, as a crash between the history
// append and the archive move would.
type flakyStore struct {
	*store.FSStore
	failed bool
}

func (s *flakyStore) Complete(ctx context.Context, c store.Claim) (string, error) {
	if !s.failed {
		s.failed = true
		return "", errors.New("rename: input/output error")
	}
	return s.FSStore.Complete(ctx, c)
}

func TestRecover_FinishesArchiveOfRecordedRun(t *testing.T) {
	h := newHarness(t)
	h.engine = h.newEngine(&flakyStore{FSStore: h.store})
	h.put(t, "phase-1/P1.0.0.json", `{"mutations": ["ok"]}`)

	report, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Errors, 1)

	orphans, err := h.store.Orphans(context.Background())
	require.NoError(t, err)
	require.Len(t, orphans, 1)

	recs, err := h.engine.Recover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.FileExists(t, filepath.Join(h.pending, "phase-1", ".completed", "P1.0.0.json"))

	ix, err := history.Load(context.Background(), h.history)
	require.NoError(t, err)
	assert.True(t, ix.Succeeded("P1.0.0"))
	assert.Len(t, ix.Entries(), 1)
	assertNoRunAfterSuccess(t, ix.Entries())
}

func TestRecover_FailedRunMissingArchiveGoesToFailed(t *testing.T) {
	h := newHarness(t)
	path := h.put(t, "phase-1/P1.0.0.json", `{}`)
	claim, err := h.store.Acquire(context.Background(), path)
	require.NoError(t, err)
	_, err = history.AppendExecution(context.Background(), h.history, &model.ExecutionRecord{
		RunID: "r1", PatchID: "P1.0.0", Path: claim.Path, Status: model.StatusFailed,
		ErrorKind: model.KindMutationStep, EndTime: time.Now().Add(time.Second),
	})
	require.NoError(t, err)

	recs, err := h.engine.Recover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.FileExists(t, filepath.Join(h.pending, "phase-1", ".failed", "P1.0.0.json"))

	entries, err := h.history.Entries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.KindMutationStep, entries[0].Execution.ErrorKind)
}

func TestRecover_OldRecordAtSamePathDoesNotCoverNewClaim(t *testing.T) {
	h := newHarness(t)
	path := h.put(t, "phase-1/P1.0.0.json", `{}`)
	claim, err := h.store.Acquire(context.Background(), path)
	require.NoError(t, err)
	_, err = history.AppendExecution(context.Background(), h.history, &model.ExecutionRecord{
		RunID: "old", PatchID: "P1.0.0", Path: claim.Path, Status: model.StatusCompleted, Success: true,
		EndTime: claim.ModTime.Add(-time.Hour),
	})
	require.NoError(t, err)

	recs, err := h.engine.Recover(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.KindInterrupted, recs[0].ErrorKind)
	assert.FileExists(t, filepath.Join(h.pending, "phase-1", ".failed", "P1.0.0.json"))
}

func TestHistory_NoRunFollowsStandingSuccess(t *testing.T) {
	h := newHarness(t)
	h.engine = h.newEngine(&flakyStore{FSStore: h.store})
	h.put(t, "phase-1/P1.0.0.json", `{"mutations": ["ok"]}`)
	h.put(t, "phase-1/P1.1.0.json", `{"dependencies": ["P1.0.0"], "mutations": ["ok"]}`)
	h.put(t, "phase-1/P1.2.0.json", `{"mutations": ["FAIL"]}`)
	orphan := h.put(t, "phase-2/P2.0.0.json", `{}`)
	_, err := h.store.Acquire(context.Background(), orphan)
	require.NoError(t, err)

	_, err = h.engine.Drain(context.Background())
	require.NoError(t, err)
	_, err = h.engine.Recover(context.Background())
	require.NoError(t, err)
	_, err = h.engine.Drain(context.Background())
	require.NoError(t, err)

	entries, err := h.history.Entries(context.Background())
	require.NoError(t, err)
	assertNoRunAfterSuccess(t, entries)

	orphans, err := h.store.Orphans(context.Background())
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

// assertNoRunAfterSuccess checks that once a patch has a completed run, the
// only thing that may follow for that patch is a rollback of it.
func assertNoRunAfterSuccess(t *testing.T, entries []model.Entry) {
	t.Helper()
	standing := map[string]string{}
	for _, e := range entries {
		switch {
		case e.Rollback != nil:
			if e.Rollback.Success {
				for id, run := range standing {
					if run == e.Rollback.TargetRunID {
						delete(standing, id)
					}
				}
			}
		case e.Execution != nil:
			id := e.Execution.PatchID
			if run, ok := standing[id]; ok {
				assert.Failf(t, "run after success", "%s: %s after completed run %s", id, e.Execution.Status, run)
			}
			if e.Execution.Status == model.StatusCompleted {
				standing[id] = e.Execution.RunID
			}
		}
	}
}

func TestRenderSummary(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &model.ExecutionRecord{
		RunID: "run-1", PatchID: "P1.0.0", Status: model.StatusFailed,
		StartTime: start, EndTime: start.Add(1500 * time.Millisecond), Duration: 1500 * time.Millisecond,
		ErrorKind: model.KindGateFailure, Error: "post-gate \"test\" failed: a|b",
		GateResults: []model.GateResult{{Name: "test", Stage: model.GateStagePost, Message: "a|b"}},
	}
	out, err := RenderSummary(rec)
	require.NoError(t, err)

	s := string(out)
	assert.Contains(t, s, "# P1.0.0")
	assert.Contains(t, s, "| post | test | FAIL |")
	assert.Contains(t, s, `a\|b`)
	assert.Contains(t, s, "(no steps run)")
	assert.Equal(t, "a|b", rec.GateResults[0].Message, "record is not modified")
}
