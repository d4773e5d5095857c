package persist

import (
	"context"
	"log/slog"
)

// Resolver maps a logical node id to the key a backend uses for it. It is
// only called for backends whose NeedsResolvedIDs reports true.
type Resolver func(ctx context.Context, b Backend, runID, nodeID string) (string, error)

// DefaultResolver asks the backend itself when it implements
// NodeKeyResolver and otherwise passes the logical id through.
func DefaultResolver(ctx context.Context, b Backend, runID, nodeID string) (string, error) {
	if r, ok := b.(NodeKeyResolver); ok {
		return r.ResolveNodeKey(ctx, runID, nodeID)
	}
	return nodeID, nil
}

// Fanout broadcasts writes to every backend and serves reads from the first
// backend that has an answer. Backend failures are logged, never returned,
// so one degraded backend cannot fail a run.
type Fanout struct {
	backends []Backend
	resolve  Resolver
}

func NewFanout(backends ...Backend) *Fanout {
	return &Fanout{backends: backends, resolve: DefaultResolver}
}

// WithResolver replaces the node key resolver.
func (f *Fanout) WithResolver(r Resolver) *Fanout {
	if r != nil {
		f.resolve = r
	}
	return f
}

func (f *Fanout) Backends() []Backend {
	return f.backends
}

func needsKeys(b Backend) bool {
	kr, ok := b.(KeyResolving)
	return ok && kr.NeedsResolvedIDs()
}

// key returns the id b should see for nodeID. ok is false when resolution
// failed and b must be skipped for this call.
func (f *Fanout) key(ctx context.Context, b Backend, op, runID, nodeID string) (string, bool) {
	if nodeID == "" || !needsKeys(b) {
		return nodeID, true
	}
	k, err := f.resolve(ctx, b, runID, nodeID)
	if err != nil {
		f.logErr(&Error{Backend: b.Name(), Op: op + ": resolve " + nodeID, Err: err})
		return "", false
	}
	return k, true
}

func (f *Fanout) logErr(err *Error) {
	slog.Warn("persistence backend failed", "backend", err.Backend, "op", err.Op, "error", err.Err)
}

func (f *Fanout) SaveRun(ctx context.Context, run *Run) {
	for _, b := range f.backends {
		if err := b.SaveRun(ctx, run); err != nil {
			f.logErr(&Error{Backend: b.Name(), Op: "save run", Err: err})
		}
	}
}

func (f *Fanout) SaveNode(ctx context.Context, rec *NodeRecord) {
	for _, b := range f.backends {
		k, ok := f.key(ctx, b, "save node", rec.RunID, rec.NodeID)
		if !ok {
			continue
		}
		r := *rec
		r.NodeID = k
		if err := b.SaveNode(ctx, &r); err != nil {
			f.logErr(&Error{Backend: b.Name(), Op: "save node", Err: err})
		}
	}
}

func (f *Fanout) SaveArtifact(ctx context.Context, a *Artifact) {
	for _, b := range f.backends {
		k, ok := f.key(ctx, b, "save artifact", a.RunID, a.NodeID)
		if !ok {
			continue
		}
		art := *a
		art.NodeID = k
		if err := b.SaveArtifact(ctx, &art); err != nil {
			f.logErr(&Error{Backend: b.Name(), Op: "save artifact", Err: err})
		}
	}
}

func (f *Fanout) SaveEvent(ctx context.Context, ev *Event) {
	for _, b := range f.backends {
		k, ok := f.key(ctx, b, "save event", ev.RunID, ev.NodeID)
		if !ok {
			continue
		}
		e := *ev
		e.NodeID = k
		if err := b.SaveEvent(ctx, &e); err != nil {
			f.logErr(&Error{Backend: b.Name(), Op: "save event", Err: err})
		}
	}
}

// FinalizeRunStatus writes the run and its terminal event. Backends that
// support it get both in one transaction; others get the run first and then
// the event, and a failed event write leaves the run update in place.
func (f *Fanout) FinalizeRunStatus(ctx context.Context, run *Run, ev *Event) {
	for _, b := range f.backends {
		if af, ok := b.(AtomicFinalizer); ok {
			if err := af.FinalizeRun(ctx, run, ev); err != nil {
				f.logErr(&Error{Backend: b.Name(), Op: "finalize run", Err: err})
			}
			continue
		}
		if err := b.SaveRun(ctx, run); err != nil {
			f.logErr(&Error{Backend: b.Name(), Op: "finalize run", Err: err})
			continue
		}
		if ev == nil {
			continue
		}
		if err := b.SaveEvent(ctx, ev); err != nil {
			f.logErr(&Error{Backend: b.Name(), Op: "finalize run event", Err: err})
		}
	}
}

// FinalizeNodeStatus is FinalizeRunStatus for a node record.
func (f *Fanout) FinalizeNodeStatus(ctx context.Context, rec *NodeRecord, ev *Event) {
	for _, b := range f.backends {
		k, ok := f.key(ctx, b, "finalize node", rec.RunID, rec.NodeID)
		if !ok {
			continue
		}
		r := *rec
		r.NodeID = k
		var e *Event
		if ev != nil {
			cp := *ev
			if cp.NodeID == rec.NodeID {
				cp.NodeID = k
			}
			e = &cp
		}

		if af, ok := b.(AtomicFinalizer); ok {
			if err := af.FinalizeNode(ctx, &r, e); err != nil {
				f.logErr(&Error{Backend: b.Name(), Op: "finalize node", Err: err})
			}
			continue
		}
		if err := b.SaveNode(ctx, &r); err != nil {
			f.logErr(&Error{Backend: b.Name(), Op: "finalize node", Err: err})
			continue
		}
		if e == nil {
			continue
		}
		if err := b.SaveEvent(ctx, e); err != nil {
			f.logErr(&Error{Backend: b.Name(), Op: "finalize node event", Err: err})
		}
	}
}

// ReopenRun lets a terminal run be executed again under the same id.
func (f *Fanout) ReopenRun(ctx context.Context, runID string) {
	for _, b := range f.backends {
		r, ok := b.(Reopener)
		if !ok {
			continue
		}
		if err := r.ReopenRun(ctx, runID); err != nil {
			f.logErr(&Error{Backend: b.Name(), Op: "reopen run", Err: err})
		}
	}
}

func (f *Fanout) GetRun(ctx context.Context, runID string) *Run {
	for _, b := range f.backends {
		run, err := b.GetRun(ctx, runID)
		if err != nil {
			f.logErr(&Error{Backend: b.Name(), Op: "get run", Err: err})
			continue
		}
		if run != nil {
			return run
		}
	}
	return nil
}

// GetNode returns the current record for a node. Records always carry the
// logical node id, whatever key the serving backend used.
func (f *Fanout) GetNode(ctx context.Context, runID, nodeID string) *NodeRecord {
	for _, b := range f.backends {
		k, ok := f.key(ctx, b, "get node", runID, nodeID)
		if !ok {
			continue
		}
		rec, err := b.GetNode(ctx, runID, k)
		if err != nil {
			f.logErr(&Error{Backend: b.Name(), Op: "get node", Err: err})
			continue
		}
		if rec != nil {
			rec.NodeID = nodeID
			return rec
		}
	}
	return nil
}

func (f *Fanout) ListNodes(ctx context.Context, runID string) []NodeRecord {
	for _, b := range f.backends {
		recs, err := b.ListNodes(ctx, runID)
		if err != nil {
			f.logErr(&Error{Backend: b.Name(), Op: "list nodes", Err: err})
			continue
		}
		if len(recs) > 0 {
			return recs
		}
	}
	return nil
}

func (f *Fanout) ListArtifactsForNode(ctx context.Context, runID, nodeID string) []Artifact {
	for _, b := range f.backends {
		k, ok := f.key(ctx, b, "list artifacts", runID, nodeID)
		if !ok {
			continue
		}
		arts, err := b.ListArtifactsForNode(ctx, runID, k)
		if err != nil {
			f.logErr(&Error{Backend: b.Name(), Op: "list artifacts", Err: err})
			continue
		}
		if len(arts) > 0 {
			for i := range arts {
				arts[i].NodeID = nodeID
			}
			return arts
		}
	}
	return nil
}
