package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aamat-dev/crew-ia/internal/persist"
	"github.com/aamat-dev/crew-ia/internal/plan"
	"github.com/aamat-dev/crew-ia/internal/worker"
)

type outcome struct {
	status   persist.NodeStatus
	attempts int
	replayed int
}

// trace is the content of a trace artifact.
type trace struct {
	Mode          string            `json:"mode"`
	NodeID        string            `json:"node_id"`
	Title         string            `json:"title"`
	Kind          plan.Kind         `json:"kind"`
	Reason        string            `json:"reason"`
	InputChecksum string            `json:"input_checksum,omitempty"`
	Provider      string            `json:"provider,omitempty"`
	Model         string            `json:"model,omitempty"`
	Assignments   []plan.Assignment `json:"assignments,omitempty"`
	Time          time.Time         `json:"time"`
}

// sidecar records what produced a node's output.
type sidecar struct {
	Provider      string            `json:"provider,omitempty"`
	Model         string            `json:"model,omitempty"`
	LatencyMs     int64             `json:"latency_ms,omitempty"`
	InputTokens   int               `json:"input_tokens,omitempty"`
	OutputTokens  int               `json:"output_tokens,omitempty"`
	InputChecksum string            `json:"input_checksum"`
	Attempt       int               `json:"attempt"`
	Assignments   []plan.Assignment `json:"assignments,omitempty"`
}

// executeNode runs one node to a terminal status and records it. ctx carries
// cancellation; pctx is used for persistence.
func (e *Executor) executeNode(ctx, pctx context.Context, g *plan.Graph, runID string, node *plan.Node, opts Options) (out outcome) {
	id := node.ID
	started := time.Now().UTC()
	rec := &persist.NodeRecord{RunID: runID, NodeID: id, Title: node.Title, StartedAt: &started}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("node panicked", "run", runID, "node", id, "panic", r)
			out = e.failNode(pctx, rec, node, opts, out, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := opts.Gate.Wait(ctx); err != nil {
		// A completed record from an earlier run stays valid.
		if prev := e.store.GetNode(pctx, runID, id); prev == nil || prev.Status != persist.NodeCompleted {
			rec.Status = persist.NodeCanceled
			e.finalizeNode(pctx, rec, "canceled before start")
		}
		return outcome{status: persist.NodeCanceled}
	}
	// Pick up overrides and manager patches made while waiting.
	if fresh, ok := g.Node(id); ok {
		node = fresh
	}

	if opts.SkipNodes.Has(id) {
		e.hookStart(ctx, opts.Hooks, runID, node)
		e.writeTrace(pctx, runID, node, trace{Mode: "dry", Reason: "skipped by request"})
		rec.Status = persist.NodeSkipped
		e.finalizeNode(pctx, rec, "skipped by request")
		e.hookEnd(pctx, opts.Hooks, runID, node, persist.NodeSkipped)
		return outcome{status: persist.NodeSkipped}
	}

	sum, err := g.Checksum(id)
	if err != nil {
		return e.failNode(pctx, rec, node, opts, out, err)
	}

	if prev := e.store.GetNode(pctx, runID, id); prev != nil &&
		prev.Status == persist.NodeCompleted && prev.InputChecksum == sum && !opts.Override.Has(id) {
		if node.Kind == plan.KindManage {
			e.replayAssignments(pctx, g, runID, node)
		}
		if opts.DryRun {
			e.writeTrace(pctx, runID, node, trace{Mode: "dry", Reason: "input unchanged", InputChecksum: sum})
		}
		ev := persist.NewEvent(runID, id, persist.EventNodeSkipped, "input unchanged")
		ev.Fields = map[string]any{"input_checksum": sum}
		e.store.SaveEvent(pctx, ev)
		slog.Info("node skipped", "run", runID, "node", id, "reason", "input unchanged")
		return outcome{status: persist.NodeSkipped}
	}

	e.hookStart(ctx, opts.Hooks, runID, node)

	rec.Status = persist.NodeRunning
	rec.InputChecksum = sum
	e.store.SaveNode(pctx, rec)
	e.store.SaveEvent(pctx, persist.NewEvent(runID, id, persist.EventNodeStarted, node.Title))

	var lastErr error
	for attempt := 1; ; attempt++ {
		out.attempts = attempt
		if ctx.Err() != nil {
			return e.cancelNode(pctx, rec, node, opts, out)
		}

		lastErr = e.attempt(ctx, pctx, g, runID, node, sum, attempt, opts)
		if ctx.Err() != nil {
			// Results that arrive after cancellation are discarded.
			return e.cancelNode(pctx, rec, node, opts, out)
		}
		if lastErr == nil {
			break
		}
		if attempt > e.cfg.MaxRetries {
			break
		}

		delay := e.backoff(attempt)
		slog.Warn("node attempt failed, retrying", "run", runID, "node", id, "attempt", attempt, "delay", delay, "error", lastErr)
		ev := persist.NewEvent(runID, id, persist.EventNodeRetry, lastErr.Error())
		ev.Level = "warn"
		ev.Fields = map[string]any{"attempt": attempt, "delay_ms": delay.Milliseconds()}
		e.store.SaveEvent(pctx, ev)
		out.replayed++

		if err := e.sleep(ctx, delay); err != nil {
			return e.cancelNode(pctx, rec, node, opts, out)
		}
	}

	if lastErr != nil {
		return e.failNode(pctx, rec, node, opts, out, lastErr)
	}

	rec.Attempts = out.attempts
	rec.Status = persist.NodeCompleted
	if opts.DryRun {
		// A dry pass must not satisfy the cache of a later real run.
		rec.InputChecksum = ""
	}
	e.finalizeNode(pctx, rec, "")
	e.hookEnd(pctx, opts.Hooks, runID, node, persist.NodeCompleted)
	slog.Info("node completed", "run", runID, "node", id, "attempts", out.attempts)
	out.status = persist.NodeCompleted
	return out
}

func (e *Executor) failNode(ctx context.Context, rec *persist.NodeRecord, node *plan.Node, opts Options, out outcome, cause error) outcome {
	err := &NodeExecutionError{NodeID: node.ID, Attempts: out.attempts, Err: cause}
	slog.Error("node failed", "run", rec.RunID, "node", node.ID, "attempts", out.attempts, "error", cause)
	rec.Status = persist.NodeFailed
	rec.Attempts = out.attempts
	rec.Error = err.Error()
	e.finalizeNode(ctx, rec, rec.Error)
	e.hookEnd(ctx, opts.Hooks, rec.RunID, node, persist.NodeFailed)
	out.status = persist.NodeFailed
	return out
}

func (e *Executor) cancelNode(ctx context.Context, rec *persist.NodeRecord, node *plan.Node, opts Options, out outcome) outcome {
	rec.Status = persist.NodeCanceled
	rec.Attempts = out.attempts
	e.finalizeNode(ctx, rec, "run canceled")
	e.hookEnd(ctx, opts.Hooks, rec.RunID, node, persist.NodeCanceled)
	out.status = persist.NodeCanceled
	return out
}

func (e *Executor) backoff(attempt int) time.Duration {
	return worker.Backoff(e.cfg.BackoffBase, attempt)
}

// attempt performs one try of a node.
func (e *Executor) attempt(ctx, pctx context.Context, g *plan.Graph, runID string, node *plan.Node, sum string, attempt int, opts Options) error {
	if opts.DryRun {
		r := e.routeFor(node)
		e.writeTrace(pctx, runID, node, trace{
			Mode:          "dry",
			Reason:        "dry run",
			InputChecksum: sum,
			Provider:      r.primary,
			Model:         cfgString(node.WorkerConfig, "model"),
		})
		return nil
	}
	if node.Kind == plan.KindManage {
		return e.manage(ctx, pctx, g, runID, node, sum, attempt)
	}
	if e.invoker == nil {
		return ErrNoWorker
	}

	req := buildRequest(node, e.dependencyOutputs(pctx, g, runID, node))
	r := e.routeFor(node)
	resp, err := e.invoker.Invoke(ctx, req, r.primary, r.fallback)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	e.saveArtifact(pctx, runID, node.ID, persist.ArtifactOutput, resp.Output)
	e.saveJSONArtifact(pctx, runID, node.ID, persist.ArtifactSidecar, sidecar{
		Provider:      resp.Provider,
		Model:         resp.Model,
		LatencyMs:     resp.Latency.Milliseconds(),
		InputTokens:   resp.Usage.InputTokens,
		OutputTokens:  resp.Usage.OutputTokens,
		InputChecksum: sum,
		Attempt:       attempt,
	})
	return nil
}

// dependencyOutputs loads the newest output artifact of each dependency.
func (e *Executor) dependencyOutputs(ctx context.Context, g *plan.Graph, runID string, node *plan.Node) []depOutput {
	var out []depOutput
	for _, dep := range node.Deps {
		for _, a := range e.store.ListArtifactsForNode(ctx, runID, dep) {
			if a.Kind != persist.ArtifactOutput {
				continue
			}
			d := depOutput{NodeID: dep, Output: a.Content}
			if n, ok := g.Node(dep); ok {
				d.Title = n.Title
			}
			out = append(out, d)
			break
		}
	}
	return out
}

// manage asks the manager for successor assignments and applies them.
func (e *Executor) manage(ctx, pctx context.Context, g *plan.Graph, runID string, node *plan.Node, sum string, attempt int) error {
	successors := g.Successors(node.ID)
	if len(successors) == 0 {
		e.writeTrace(pctx, runID, node, trace{Mode: "manage", Reason: "no successors", InputChecksum: sum})
		return nil
	}
	if e.manager == nil {
		e.writeTrace(pctx, runID, node, trace{Mode: "manage", Reason: "no manager configured", InputChecksum: sum})
		return nil
	}

	assignments, err := e.manager.Assign(ctx, node, successors)
	if err != nil {
		return fmt.Errorf("assign successors: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	applied := e.applyAssignments(pctx, g, runID, node, successors, assignments)
	e.saveJSONArtifact(pctx, runID, node.ID, persist.ArtifactSidecar, sidecar{
		InputChecksum: sum,
		Attempt:       attempt,
		Assignments:   applied,
	})
	e.writeTrace(pctx, runID, node, trace{Mode: "manage", Reason: "assigned", InputChecksum: sum, Assignments: applied})
	return nil
}

// applyAssignments patches the named successors of node. Assignments for
// any other node are dropped.
func (e *Executor) applyAssignments(ctx context.Context, g *plan.Graph, runID string, node *plan.Node, successors []*plan.Node, assignments []plan.Assignment) []plan.Assignment {
	allowed := make(map[string]bool, len(successors))
	for _, s := range successors {
		allowed[s.ID] = true
	}

	var applied []plan.Assignment
	for _, a := range assignments {
		if !allowed[a.NodeID] {
			slog.Warn("ignoring assignment for a node that is not a successor", "run", runID, "manager", node.ID, "target", a.NodeID)
			continue
		}
		if err := g.Patch(a); err != nil {
			slog.Warn("patch failed", "run", runID, "manager", node.ID, "target", a.NodeID, "error", err)
			continue
		}
		applied = append(applied, a)

		ev := persist.NewEvent(runID, a.NodeID, persist.EventNodePatched, "assigned by "+node.ID)
		ev.Fields = map[string]any{"manager": node.ID, "role": a.Role, "tooling": a.Tooling}
		e.store.SaveEvent(ctx, ev)
	}
	return applied
}

// replayAssignments re-applies the assignments a cached manage node made in
// an earlier execution, so its successors keep the same inputs.
func (e *Executor) replayAssignments(ctx context.Context, g *plan.Graph, runID string, node *plan.Node) {
	for _, a := range e.store.ListArtifactsForNode(ctx, runID, node.ID) {
		if a.Kind != persist.ArtifactSidecar {
			continue
		}
		var sc sidecar
		if err := json.Unmarshal([]byte(a.Content), &sc); err != nil {
			slog.Warn("unreadable manage sidecar", "run", runID, "node", node.ID, "error", err)
			return
		}
		for _, as := range sc.Assignments {
			if err := g.Patch(as); err != nil {
				slog.Warn("replay patch failed", "run", runID, "node", node.ID, "target", as.NodeID, "error", err)
			}
		}
		return
	}
}

func (e *Executor) finalizeNode(ctx context.Context, rec *persist.NodeRecord, msg string) {
	now := time.Now().UTC()
	rec.EndedAt = &now
	ev := persist.NewEvent(rec.RunID, rec.NodeID, persist.NodeEventType(rec.Status), msg)
	if rec.Status == persist.NodeFailed {
		ev.Level = "error"
	}
	ev.Fields = map[string]any{"attempts": rec.Attempts}
	if rec.InputChecksum != "" {
		ev.Fields["input_checksum"] = rec.InputChecksum
	}
	e.store.FinalizeNodeStatus(ctx, rec, ev)
}

func (e *Executor) writeTrace(ctx context.Context, runID string, node *plan.Node, t trace) {
	t.NodeID = node.ID
	t.Title = node.Title
	t.Kind = node.Kind
	t.Time = time.Now().UTC()
	e.saveJSONArtifact(ctx, runID, node.ID, persist.ArtifactTrace, t)
}

func (e *Executor) saveJSONArtifact(ctx context.Context, runID, nodeID string, kind persist.ArtifactKind, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("marshal artifact failed", "run", runID, "node", nodeID, "kind", kind, "error", err)
		return
	}
	e.saveArtifact(ctx, runID, nodeID, kind, string(data))
}

func (e *Executor) saveArtifact(ctx context.Context, runID, nodeID string, kind persist.ArtifactKind, content string) {
	e.store.SaveArtifact(ctx, &persist.Artifact{
		RunID:     runID,
		NodeID:    nodeID,
		Kind:      kind,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	})
}
