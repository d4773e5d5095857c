package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aamat-dev/crew-ia/internal/persist"
	"github.com/aamat-dev/crew-ia/internal/plan"
)

// Hooks observe node execution. Both calls are awaited; errors are logged
// and never abort the run.
type Hooks interface {
	OnNodeStart(ctx context.Context, node *plan.Node, nodeID string) error
	OnNodeEnd(ctx context.Context, node *plan.Node, nodeID string, status persist.NodeStatus) error
}

// HookFuncs adapts plain functions to Hooks. Start and End take the node id;
// StartNode and EndNode are the older forms without it. When both forms of a
// hook are set, both are called.
type HookFuncs struct {
	Start     func(ctx context.Context, node *plan.Node, nodeID string) error
	End       func(ctx context.Context, node *plan.Node, nodeID string, status persist.NodeStatus) error
	StartNode func(ctx context.Context, node *plan.Node) error
	EndNode   func(ctx context.Context, node *plan.Node, status persist.NodeStatus) error
}

func (h HookFuncs) OnNodeStart(ctx context.Context, node *plan.Node, nodeID string) error {
	if h.Start != nil {
		if err := h.Start(ctx, node, nodeID); err != nil {
			return err
		}
	}
	if h.StartNode != nil {
		return h.StartNode(ctx, node)
	}
	return nil
}

func (h HookFuncs) OnNodeEnd(ctx context.Context, node *plan.Node, nodeID string, status persist.NodeStatus) error {
	if h.End != nil {
		if err := h.End(ctx, node, nodeID, status); err != nil {
			return err
		}
	}
	if h.EndNode != nil {
		return h.EndNode(ctx, node, status)
	}
	return nil
}

func callHook(name, runID, nodeID string, fn func() error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn()
	}()
	if err != nil {
		slog.Warn("node hook failed", "hook", name, "run", runID, "node", nodeID, "error", err)
	}
}

func (e *Executor) hookStart(ctx context.Context, h Hooks, runID string, node *plan.Node) {
	if h == nil {
		return
	}
	callHook("start", runID, node.ID, func() error { return h.OnNodeStart(ctx, node, node.ID) })
}

func (e *Executor) hookEnd(ctx context.Context, h Hooks, runID string, node *plan.Node, status persist.NodeStatus) {
	if h == nil {
		return
	}
	callHook("end", runID, node.ID, func() error { return h.OnNodeEnd(ctx, node, node.ID, status) })
}
