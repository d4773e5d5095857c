// Package executor runs a plan graph wave by wave. A node is admitted once
// every dependency has completed; nodes of one wave run concurrently and the
// next wave is computed only after all of them finished.
package executor

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/aamat-dev/crew-ia/internal/config"
	"github.com/aamat-dev/crew-ia/internal/persist"
	"github.com/aamat-dev/crew-ia/internal/plan"
	"github.com/aamat-dev/crew-ia/internal/runfs"
	"github.com/aamat-dev/crew-ia/internal/worker"
)

// Invoker runs a worker request against a provider chain.
type Invoker interface {
	Invoke(ctx context.Context, req worker.Request, primary string, fallback []string) (*worker.Response, error)
}

var _ Invoker = (*worker.Runner)(nil)

type Config struct {
	MaxRetries  int
	BackoffBase time.Duration
	Primary     string
	Fallback    []string
}

func ConfigFrom(cfg *config.Config) Config {
	return Config{
		MaxRetries:  cfg.Executor.MaxRetries,
		BackoffBase: cfg.Executor.BackoffBase(),
		Primary:     cfg.Worker.Primary,
		Fallback:    cfg.Worker.Fallback,
	}
}

type Executor struct {
	cfg     Config
	store   *persist.Fanout
	runs    *runfs.Dir
	invoker Invoker
	manager Manager
	sleep   func(ctx context.Context, d time.Duration) error
}

type Option func(*Executor)

func WithManager(m Manager) Option {
	return func(e *Executor) { e.manager = m }
}

// New returns an executor. runs holds summaries and run locks and may be nil
// when neither is wanted.
func New(cfg Config, store *persist.Fanout, runs *runfs.Dir, invoker Invoker, opts ...Option) *Executor {
	e := &Executor{
		cfg:     cfg,
		store:   store,
		runs:    runs,
		invoker: invoker,
		sleep:   sleepCtx,
	}
	if invoker != nil {
		e.manager = &WorkerManager{Invoker: invoker, Primary: cfg.Primary, Fallback: cfg.Fallback}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Store() *persist.Fanout {
	return e.store
}

// runState is owned by one Run call.
type runState struct {
	order    []string
	pending  map[string]bool
	done     map[string]bool // completed or skipped
	status   map[string]persist.NodeStatus
	replayed int
	canceled bool
}

func newRunState(g *plan.Graph) *runState {
	st := &runState{
		order:   g.IDs(),
		pending: make(map[string]bool, g.Len()),
		done:    make(map[string]bool, g.Len()),
		status:  make(map[string]persist.NodeStatus, g.Len()),
	}
	for _, id := range st.order {
		st.pending[id] = true
	}
	return st
}

// ready returns pending nodes whose dependencies are all done, in
// declaration order.
func (st *runState) ready(g *plan.Graph) []*plan.Node {
	var out []*plan.Node
	for _, id := range st.order {
		if !st.pending[id] {
			continue
		}
		n, ok := g.Node(id)
		if !ok {
			continue
		}
		admit := true
		for _, d := range n.Deps {
			if !st.done[d] {
				admit = false
				break
			}
		}
		if admit {
			out = append(out, n)
		}
	}
	return out
}

func (st *runState) record(id string, out outcome) {
	delete(st.pending, id)
	st.status[id] = out.status
	st.replayed += out.replayed
	switch out.status {
	case persist.NodeCompleted, persist.NodeSkipped:
		st.done[id] = true
	case persist.NodeCanceled:
		st.canceled = true
	}
}

func (st *runState) pendingIDs() []string {
	var out []string
	for _, id := range st.order {
		if st.pending[id] {
			out = append(out, id)
		}
	}
	return out
}

// Run executes g under runID. Node failures are reported in the result, not
// as an error; errors are returned only when the run cannot start.
func (e *Executor) Run(ctx context.Context, g *plan.Graph, runID string, opts Options) (*Result, error) {
	if g == nil {
		return nil, ErrNilGraph
	}
	if runID == "" {
		return nil, ErrEmptyRunID
	}
	if e.runs != nil {
		unlock, err := e.runs.Lock(runID)
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	// Records must land even after the run context is canceled.
	pctx := context.WithoutCancel(ctx)
	run := e.startRun(ctx, pctx, g, runID, opts)

	st := newRunState(g)
	for wave := 1; len(st.pending) > 0; wave++ {
		if ctx.Err() != nil {
			st.canceled = true
			break
		}
		ready := st.ready(g)
		if len(ready) == 0 {
			break
		}

		ids := make([]string, len(ready))
		for i, n := range ready {
			ids[i] = n.ID
		}
		slog.Info("executing wave", "run", runID, "wave", wave, "nodes", ids)

		outcomes := make([]outcome, len(ready))
		var wg sync.WaitGroup
		for i, node := range ready {
			wg.Add(1)
			go func() {
				defer wg.Done()
				outcomes[i] = e.executeNode(ctx, pctx, g, runID, node, opts)
			}()
		}
		wg.Wait()

		for i, node := range ready {
			st.record(node.ID, outcomes[i])
		}
	}

	e.settlePending(pctx, g, runID, st)

	res := newResult(runID, st)
	e.finishRun(pctx, run, res)
	return res, nil
}

func (e *Executor) startRun(ctx, pctx context.Context, g *plan.Graph, runID string, opts Options) *persist.Run {
	meta := make(map[string]string, len(opts.Meta)+1)
	run := &persist.Run{
		ID:        runID,
		Title:     g.Title,
		Status:    persist.RunRunning,
		StartedAt: time.Now().UTC(),
		Meta:      meta,
	}
	if prev := e.store.GetRun(pctx, runID); prev != nil {
		maps.Copy(meta, prev.Meta)
		run.StartedAt = prev.StartedAt
		if run.Title == "" {
			run.Title = prev.Title
		}
		if prev.Status.Terminal() && ctx.Err() == nil {
			slog.Info("reopening finished run", "run", runID, "previous_status", prev.Status)
			e.store.ReopenRun(pctx, runID)
		}
	}
	maps.Copy(meta, opts.Meta)
	if opts.DryRun {
		meta["dry_run"] = "true"
	}
	if opts.Gate != nil && !opts.Gate.IsSet() {
		run.Status = persist.RunPaused
	}

	e.store.SaveRun(pctx, run)
	ev := persist.NewEvent(runID, "", persist.EventRunStarted, run.Title)
	ev.Fields = map[string]any{"nodes": g.Len(), "dry_run": opts.DryRun}
	e.store.SaveEvent(pctx, ev)
	slog.Info("run started", "run", runID, "title", run.Title, "nodes", g.Len(), "dry_run", opts.DryRun)
	return run
}

// settlePending gives every node left pending a terminal record: canceled
// when the run was canceled, failed as unreachable otherwise.
func (e *Executor) settlePending(ctx context.Context, g *plan.Graph, runID string, st *runState) {
	for _, id := range st.pendingIDs() {
		node, _ := g.Node(id)
		rec := &persist.NodeRecord{RunID: runID, NodeID: id, Status: persist.NodeFailed}
		if node != nil {
			rec.Title = node.Title
		}

		if st.canceled {
			if prev := e.store.GetNode(ctx, runID, id); prev != nil && prev.Status == persist.NodeCompleted {
				delete(st.pending, id)
				st.status[id] = persist.NodeCanceled
				continue
			}
			rec.Status = persist.NodeCanceled
			e.finalizeNode(ctx, rec, "run canceled")
		} else {
			rec.Error = "unreachable: dependency " + blockingDep(node, st) + " did not complete"
			slog.Warn("node unreachable", "run", runID, "node", id, "reason", rec.Error)
			e.finalizeNode(ctx, rec, rec.Error)
		}
		delete(st.pending, id)
		st.status[id] = rec.Status
	}
}

func blockingDep(node *plan.Node, st *runState) string {
	if node == nil {
		return "?"
	}
	for _, d := range node.Deps {
		if !st.done[d] {
			return d
		}
	}
	return "?"
}

func (e *Executor) finishRun(ctx context.Context, run *persist.Run, res *Result) {
	if e.runs != nil {
		if err := e.runs.WriteSummary(run.ID, res.Summary()); err != nil {
			slog.Warn("write run summary failed", "run", run.ID, "error", err)
		}
	}

	// A run canceled from outside is already final.
	if cur := e.store.GetRun(ctx, run.ID); cur != nil && cur.Status.Terminal() {
		slog.Info("run finished", "run", run.ID, "status", cur.Status, "executor_status", res.Status)
		return
	}

	now := time.Now().UTC()
	final := *run
	final.Status = res.Status
	final.EndedAt = &now

	ev := persist.NewEvent(run.ID, "", persist.RunEventType(res.Status), "")
	ev.Fields = map[string]any{
		"completed":      len(res.Completed),
		"failed":         len(res.Failed),
		"skipped_count":  res.SkippedCount,
		"replayed_count": res.ReplayedCount,
	}
	if res.Status == persist.RunFailed {
		ev.Level = "error"
	}
	e.store.FinalizeRunStatus(ctx, &final, ev)

	slog.Info("run finished", "run", run.ID, "status", res.Status,
		"completed", len(res.Completed), "failed", len(res.Failed),
		"skipped", res.SkippedCount, "replayed", res.ReplayedCount)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
