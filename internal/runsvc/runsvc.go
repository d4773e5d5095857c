// Package runsvc starts plan runs in the background and controls them while
// they execute.
package runsvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/aamat-dev/crew-ia/internal/executor"
	"github.com/aamat-dev/crew-ia/internal/persist"
	"github.com/aamat-dev/crew-ia/internal/plan"
	"github.com/google/uuid"
)

var (
	ErrUnknownRun  = errors.New("unknown run")
	ErrRunActive   = errors.New("run is still executing")
	ErrRunFinished = errors.New("run has finished")
)

// StartOptions configure a run started from an in-memory graph.
type StartOptions struct {
	RunID  string // generated when empty
	DryRun bool
	Paused bool // start with the gate cleared
	Meta   map[string]string

	Skip     []string // nodes to skip when admitted
	Override []string // nodes to execute even when cached
}

// RunState is a run with its node records.
type RunState struct {
	Run   *persist.Run         `json:"run"`
	Nodes []persist.NodeRecord `json:"nodes"`
}

type handle struct {
	id     string
	graph  *plan.Graph
	opts   executor.Options
	cancel context.CancelFunc
	done   chan struct{}
	result *executor.Result
	err    error
}

func (h *handle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

type Service struct {
	exec  *executor.Executor
	store *persist.Fanout
	plans *plan.Registry

	mu        sync.Mutex
	runs      map[string]*handle
	listeners []func(*executor.Result)
}

func New(exec *executor.Executor, plans *plan.Registry) *Service {
	return &Service{
		exec:  exec,
		store: exec.Store(),
		plans: plans,
		runs:  make(map[string]*handle),
	}
}

// OnFinish registers fn to be called after every run ends.
func (s *Service) OnFinish(fn func(*executor.Result)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Start loads a named plan and executes it under a new run id.
func (s *Service) Start(ctx context.Context, planID string, dryRun bool) (string, error) {
	g, err := s.plans.Load(planID)
	if err != nil {
		return "", err
	}
	return s.StartGraph(ctx, g, StartOptions{DryRun: dryRun, Meta: map[string]string{"plan_id": planID}})
}

// StartGraph executes g in the background and returns its run id. Naming
// a run that already exists in storage resumes it.
func (s *Service) StartGraph(ctx context.Context, g *plan.Graph, opts StartOptions) (string, error) {
	fresh := true
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	} else {
		fresh = s.store.GetRun(ctx, opts.RunID) == nil
	}
	for _, id := range append(slices.Clone(opts.Skip), opts.Override...) {
		if _, ok := g.Node(id); !ok {
			return "", fmt.Errorf("start %s: node %q: %w", opts.RunID, id, plan.ErrUnknownNode)
		}
	}
	if err := s.launch(ctx, g, opts, fresh); err != nil {
		return "", err
	}
	return opts.RunID, nil
}

// Resubmit executes a plan again under an existing run id. Nodes whose
// inputs did not change since they completed are skipped.
func (s *Service) Resubmit(ctx context.Context, runID, planID string) error {
	g, err := s.plans.Load(planID)
	if err != nil {
		return err
	}
	meta := map[string]string{"plan_id": planID}
	if prev := s.store.GetRun(ctx, runID); prev == nil {
		return fmt.Errorf("resubmit %s: %w", runID, ErrUnknownRun)
	}
	return s.launch(ctx, g, StartOptions{RunID: runID, Meta: meta}, false)
}

func (s *Service) launch(ctx context.Context, g *plan.Graph, opts StartOptions, fresh bool) error {
	s.mu.Lock()
	if h, ok := s.runs[opts.RunID]; ok && !h.finished() {
		s.mu.Unlock()
		return fmt.Errorf("start %s: %w", opts.RunID, ErrRunActive)
	}

	gate := executor.NewGate()
	status := persist.RunRunning
	if opts.Paused {
		gate.Clear()
		status = persist.RunPaused
	}
	// The run outlives the caller's context.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &handle{
		id:    opts.RunID,
		graph: g,
		opts: executor.Options{
			DryRun:    opts.DryRun,
			SkipNodes: executor.NewNodeSet(opts.Skip...),
			Override:  executor.NewNodeSet(opts.Override...),
			Gate:      gate,
			Meta:      opts.Meta,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.runs[opts.RunID] = h
	s.mu.Unlock()

	if fresh {
		now := time.Now().UTC()
		s.store.SaveRun(ctx, &persist.Run{ID: opts.RunID, Title: g.Title, Status: status, StartedAt: now, Meta: opts.Meta})
		for _, n := range g.Nodes() {
			s.store.SaveNode(ctx, &persist.NodeRecord{RunID: opts.RunID, NodeID: n.ID, Title: n.Title, Status: persist.NodePending})
		}
	}

	slog.Info("run submitted", "run", opts.RunID, "title", g.Title, "nodes", g.Len(), "dry_run", opts.DryRun, "resubmit", !fresh)
	go s.execute(runCtx, h)
	return nil
}

func (s *Service) execute(ctx context.Context, h *handle) {
	defer h.cancel()
	res, err := s.exec.Run(ctx, h.graph, h.id, h.opts)
	if err != nil {
		slog.Error("run could not start", "run", h.id, "error", err)
	}

	s.mu.Lock()
	h.result, h.err = res, err
	listeners := append([]func(*executor.Result){}, s.listeners...)
	s.mu.Unlock()
	defer close(h.done)

	if res == nil {
		return
	}
	for _, fn := range listeners {
		fn(res)
	}
}

func (s *Service) get(runID string) (*handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return h, nil
}

func (s *Service) active(runID string) (*handle, error) {
	h, err := s.get(runID)
	if err != nil {
		return nil, err
	}
	if h.finished() {
		return nil, fmt.Errorf("%w: %s", ErrRunFinished, runID)
	}
	return h, nil
}

// Pause stops admission of new nodes. Nodes already running finish.
func (s *Service) Pause(ctx context.Context, runID string) error {
	h, err := s.active(runID)
	if err != nil {
		return err
	}
	h.opts.Gate.Clear()
	s.setStatus(ctx, runID, persist.RunPaused, persist.EventRunPaused)
	slog.Info("run paused", "run", runID)
	return nil
}

func (s *Service) Resume(ctx context.Context, runID string) error {
	h, err := s.active(runID)
	if err != nil {
		return err
	}
	h.opts.Gate.Set()
	s.setStatus(ctx, runID, persist.RunRunning, persist.EventRunResumed)
	slog.Info("run resumed", "run", runID)
	return nil
}

func (s *Service) setStatus(ctx context.Context, runID string, status persist.RunStatus, evType string) {
	run := s.store.GetRun(ctx, runID)
	if run == nil {
		run = &persist.Run{ID: runID, StartedAt: time.Now().UTC()}
	}
	if run.Status.Terminal() {
		return
	}
	run.Status = status
	s.store.SaveRun(ctx, run)
	s.store.SaveEvent(ctx, persist.NewEvent(runID, "", evType, ""))
}

// Override forces a node to execute again and merges patch into its worker
// config.
func (s *Service) Override(ctx context.Context, runID, nodeID string, patch map[string]any) error {
	h, err := s.active(runID)
	if err != nil {
		return err
	}
	if len(patch) > 0 {
		if err := h.graph.Override(nodeID, patch); err != nil {
			return err
		}
	} else if _, ok := h.graph.Node(nodeID); !ok {
		return fmt.Errorf("override %q: %w", nodeID, plan.ErrUnknownNode)
	}
	h.opts.Override.Add(nodeID)

	ev := persist.NewEvent(runID, nodeID, persist.EventNodePatched, "override")
	ev.Fields = map[string]any{"patch": patch}
	s.store.SaveEvent(ctx, ev)
	slog.Info("node overridden", "run", runID, "node", nodeID)
	return nil
}

// Skip marks a node to be skipped when it is admitted.
func (s *Service) Skip(_ context.Context, runID, nodeID string) error {
	h, err := s.active(runID)
	if err != nil {
		return err
	}
	if _, ok := h.graph.Node(nodeID); !ok {
		return fmt.Errorf("skip %q: %w", nodeID, plan.ErrUnknownNode)
	}
	h.opts.SkipNodes.Add(nodeID)
	slog.Info("node will be skipped", "run", runID, "node", nodeID)
	return nil
}

// Cancel stops the run and records it as canceled right away, whether or
// not the executor observes the cancellation. A run whose terminal status
// is already stored reports ErrRunFinished even while its finish listeners
// are still running.
func (s *Service) Cancel(ctx context.Context, runID string) error {
	h, err := s.active(runID)
	if err != nil {
		return err
	}
	run := s.store.GetRun(ctx, runID)
	if run != nil && run.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrRunFinished, runID)
	}
	h.cancel()

	if run == nil {
		run = &persist.Run{ID: runID, Title: h.graph.Title, StartedAt: time.Now().UTC()}
	}
	now := time.Now().UTC()
	run.Status = persist.RunCanceled
	run.EndedAt = &now
	s.store.FinalizeRunStatus(ctx, run, persist.NewEvent(runID, "", persist.EventRunCanceled, "canceled by request"))
	slog.Info("run canceled", "run", runID)
	return nil
}

// Wait blocks until the run's executor returns.
func (s *Service) Wait(ctx context.Context, runID string) (*executor.Result, error) {
	h, err := s.get(runID)
	if err != nil {
		return nil, err
	}
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status reads a run and its node records from storage.
func (s *Service) Status(ctx context.Context, runID string) (*RunState, error) {
	run := s.store.GetRun(ctx, runID)
	if run == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return &RunState{Run: run, Nodes: s.store.ListNodes(ctx, runID)}, nil
}

// Active returns the ids of runs still executing.
func (s *Service) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, h := range s.runs {
		if !h.finished() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Shutdown cancels every active run and waits for them to return.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	handles := make([]*handle, 0, len(s.runs))
	for _, h := range s.runs {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			return
		}
	}
}
