package runsvc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aamat-dev/crew-ia/internal/config"
	"github.com/aamat-dev/crew-ia/internal/executor"
	"github.com/aamat-dev/crew-ia/internal/persist"
	"github.com/aamat-dev/crew-ia/internal/plan"
	"github.com/aamat-dev/crew-ia/internal/runfs"
	"github.com/aamat-dev/crew-ia/internal/worker"
)

const testPlan = `{
  "title": "Report",
  "plan": [
    {"id": "A", "title": "Collect"},
    {"id": "B", "title": "Analyze", "deps": "A"},
    {"id": "C", "title": "Write", "deps": ["B"]}
  ]
}`

func newTestService(t *testing.T) (*Service, *persist.Fanout) {
	t.Helper()
	dir := t.TempDir()
	plansDir := filepath.Join(dir, "plans")
	if err := os.MkdirAll(plansDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(plansDir, "report.json"), []byte(testPlan), 0o644); err != nil {
		t.Fatal(err)
	}

	runs, err := runfs.New(filepath.Join(dir, "runs"))
	if err != nil {
		t.Fatal(err)
	}
	store := persist.NewFanout(runs)
	runner := worker.NewRunner()
	runner.Register(worker.NewEchoProvider("echo"), config.ProviderConfig{Model: "echo-1", MaxAttempts: 1})

	exec := executor.New(executor.Config{Primary: "echo"}, store, runs, runner)
	return New(exec, plan.NewRegistry(plansDir)), store
}

func waitResult(t *testing.T, s *Service, runID string) *executor.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := s.Wait(ctx, runID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	return res
}

func TestStartAndWait(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	var mu sync.Mutex
	var finished []string
	s.OnFinish(func(res *executor.Result) {
		mu.Lock()
		finished = append(finished, res.RunID)
		mu.Unlock()
	})

	runID, err := s.Start(ctx, "report", false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if runID == "" {
		t.Fatal("expected a run id")
	}

	st, err := s.Status(ctx, runID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(st.Nodes) != 3 {
		t.Errorf("expected node records right after start, got %d", len(st.Nodes))
	}
	if st.Run.Meta["plan_id"] != "report" {
		t.Errorf("expected plan id in meta, got %v", st.Run.Meta)
	}

	res := waitResult(t, s, runID)
	if res.Status != persist.RunCompleted {
		t.Fatalf("expected completed, got %s", res.Status)
	}
	st, _ = s.Status(ctx, runID)
	if st.Run.Status != persist.RunCompleted {
		t.Errorf("expected stored run completed, got %s", st.Run.Status)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(finished) != 1 || finished[0] != runID {
		t.Errorf("expected finish notification, got %v", finished)
	}
}

func TestStartUnknownPlan(t *testing.T) {
	s, _ := newTestService(t)
	if _, err := s.Start(context.Background(), "missing", false); !errors.Is(err, plan.ErrPlanNotFound) {
		t.Fatalf("expected ErrPlanNotFound, got %v", err)
	}
}

func TestPausedRunAcceptsSkipAndOverride(t *testing.T) {
	s, store := newTestService(t)
	ctx := context.Background()
	g, err := s.plans.Load("report")
	if err != nil {
		t.Fatal(err)
	}

	runID, err := s.StartGraph(ctx, g, StartOptions{Paused: true})
	if err != nil {
		t.Fatal(err)
	}
	st, _ := s.Status(ctx, runID)
	if st.Run.Status != persist.RunPaused {
		t.Errorf("expected paused run, got %s", st.Run.Status)
	}

	if err := s.Skip(ctx, runID, "B"); err != nil {
		t.Fatalf("skip: %v", err)
	}
	if err := s.Override(ctx, runID, "C", map[string]any{"model": "bigger"}); err != nil {
		t.Fatalf("override: %v", err)
	}
	if err := s.Skip(ctx, runID, "nope"); !errors.Is(err, plan.ErrUnknownNode) {
		t.Errorf("expected ErrUnknownNode, got %v", err)
	}
	if err := s.Override(ctx, runID, "nope", nil); !errors.Is(err, plan.ErrUnknownNode) {
		t.Errorf("expected ErrUnknownNode, got %v", err)
	}

	if err := s.Resume(ctx, runID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	res := waitResult(t, s, runID)
	if res.Nodes["B"] != persist.NodeSkipped || res.Nodes["C"] != persist.NodeCompleted {
		t.Fatalf("unexpected statuses %v", res.Nodes)
	}

	found := false
	for _, a := range store.ListArtifactsForNode(ctx, runID, "C") {
		if a.Kind == persist.ArtifactSidecar && strings.Contains(a.Content, `"model":"bigger"`) {
			found = true
		}
	}
	if !found {
		t.Error("expected C to run with the overridden model")
	}
}

func TestPauseResumeEvents(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	g, _ := s.plans.Load("report")

	runID, _ := s.StartGraph(ctx, g, StartOptions{Paused: true})
	if err := s.Pause(ctx, runID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	st, _ := s.Status(ctx, runID)
	if st.Run.Status != persist.RunPaused {
		t.Errorf("expected paused, got %s", st.Run.Status)
	}
	if err := s.Resume(ctx, runID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitResult(t, s, runID)

	if err := s.Pause(ctx, runID); !errors.Is(err, ErrRunFinished) {
		t.Errorf("expected ErrRunFinished after completion, got %v", err)
	}
}

func TestCancelMarksRunImmediately(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	g, _ := s.plans.Load("report")

	runID, _ := s.StartGraph(ctx, g, StartOptions{Paused: true})
	if err := s.Cancel(ctx, runID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	st, _ := s.Status(ctx, runID)
	if st.Run.Status != persist.RunCanceled || st.Run.EndedAt == nil {
		t.Errorf("expected canceled run right away, got %+v", st.Run)
	}

	res := waitResult(t, s, runID)
	if res.Status != persist.RunCanceled {
		t.Errorf("expected executor to observe cancellation, got %s", res.Status)
	}
	st, _ = s.Status(ctx, runID)
	if st.Run.Status != persist.RunCanceled {
		t.Errorf("expected run to stay canceled, got %s", st.Run.Status)
	}
}

func TestCancelDuringFinishListeners(t *testing.T) {
	s, store := newTestService(t)
	ctx := context.Background()

	entered := make(chan string, 1)
	release := make(chan struct{})
	s.OnFinish(func(res *executor.Result) {
		entered <- res.RunID
		<-release
	})

	runID, err := s.Start(ctx, "report", false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("finish listener never ran")
	}

	err = s.Cancel(ctx, runID)
	close(release)
	if !errors.Is(err, ErrRunFinished) {
		t.Fatalf("expected ErrRunFinished, got %v", err)
	}
	waitResult(t, s, runID)

	st, _ := s.Status(ctx, runID)
	if st.Run.Status != persist.RunCompleted {
		t.Errorf("expected run to stay completed, got %s", st.Run.Status)
	}
	events, err := store.Backends()[0].(*runfs.Dir).ListEvents(runID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var completed bool
	for _, ev := range events {
		switch ev.Type {
		case persist.EventRunCompleted:
			completed = true
		case persist.EventRunCanceled:
			t.Errorf("unexpected run.canceled event after completion")
		}
	}
	if !completed {
		t.Error("expected run.completed event")
	}
}

func TestUnknownRun(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	for name, err := range map[string]error{
		"pause":  s.Pause(ctx, "x"),
		"resume": s.Resume(ctx, "x"),
		"skip":   s.Skip(ctx, "x", "A"),
		"cancel": s.Cancel(ctx, "x"),
	} {
		if !errors.Is(err, ErrUnknownRun) {
			t.Errorf("%s: expected ErrUnknownRun, got %v", name, err)
		}
	}
	if _, err := s.Status(ctx, "x"); !errors.Is(err, ErrUnknownRun) {
		t.Errorf("status: expected ErrUnknownRun, got %v", err)
	}
	if err := s.Resubmit(ctx, "x", "report"); !errors.Is(err, ErrUnknownRun) {
		t.Errorf("resubmit: expected ErrUnknownRun, got %v", err)
	}
}

func TestResubmitSkipsCompletedNodes(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	runID, _ := s.Start(ctx, "report", false)
	waitResult(t, s, runID)

	if err := s.Resubmit(ctx, runID, "report"); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	res := waitResult(t, s, runID)
	if res.Status != persist.RunCompleted || res.SkippedCount != 3 {
		t.Fatalf("expected all nodes skipped, got %s / %d", res.Status, res.SkippedCount)
	}
}

func TestStartRejectsActiveRunID(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	g, _ := s.plans.Load("report")

	runID, _ := s.StartGraph(ctx, g, StartOptions{Paused: true})
	if _, err := s.StartGraph(ctx, g, StartOptions{RunID: runID}); !errors.Is(err, ErrRunActive) {
		t.Fatalf("expected ErrRunActive, got %v", err)
	}
	if ids := s.Active(); len(ids) != 1 {
		t.Errorf("expected one active run, got %v", ids)
	}

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.Shutdown(sctx)
	if ids := s.Active(); len(ids) != 0 {
		t.Errorf("expected no active runs after shutdown, got %v", ids)
	}
}

func TestStartOptionsSkipAndOverride(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	g, _ := s.plans.Load("report")

	if _, err := s.StartGraph(ctx, g, StartOptions{Skip: []string{"Z"}}); !errors.Is(err, plan.ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got %v", err)
	}

	runID, err := s.StartGraph(ctx, g, StartOptions{Skip: []string{"A"}})
	if err != nil {
		t.Fatal(err)
	}
	res := waitResult(t, s, runID)
	if res.Nodes["A"] != persist.NodeSkipped || res.Nodes["C"] != persist.NodeCompleted {
		t.Fatalf("unexpected statuses %v", res.Nodes)
	}

	// Same run id again resumes: only the overridden node executes.
	g, _ = s.plans.Load("report")
	if _, err := s.StartGraph(ctx, g, StartOptions{RunID: runID, Override: []string{"C"}}); err != nil {
		t.Fatal(err)
	}
	res = waitResult(t, s, runID)
	if res.Nodes["C"] != persist.NodeCompleted || res.Nodes["B"] != persist.NodeSkipped {
		t.Fatalf("unexpected statuses on resume %v", res.Nodes)
	}
}
