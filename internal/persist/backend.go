package persist

import (
	"context"
	"fmt"
)

// Backend is one storage target of the fan-out. Backends that cannot serve
// reads, such as event buses, return zero values from the getters.
type Backend interface {
	Name() string
	SaveRun(ctx context.Context, run *Run) error
	SaveNode(ctx context.Context, rec *NodeRecord) error
	SaveArtifact(ctx context.Context, a *Artifact) error
	SaveEvent(ctx context.Context, ev *Event) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	GetNode(ctx context.Context, runID, nodeID string) (*NodeRecord, error)
	ListNodes(ctx context.Context, runID string) ([]NodeRecord, error)
	ListArtifactsForNode(ctx context.Context, runID, nodeID string) ([]Artifact, error)
}

// AtomicFinalizer is implemented by backends that can write an entity and
// its terminal event in one transaction.
type AtomicFinalizer interface {
	FinalizeRun(ctx context.Context, run *Run, ev *Event) error
	FinalizeNode(ctx context.Context, rec *NodeRecord, ev *Event) error
}

// KeyResolving is implemented by backends that address nodes by their own
// keys instead of logical node ids.
type KeyResolving interface {
	NeedsResolvedIDs() bool
}

// NodeKeyResolver is implemented by backends that can map a logical node id
// to their own key. DefaultResolver uses it.
type NodeKeyResolver interface {
	ResolveNodeKey(ctx context.Context, runID, nodeID string) (string, error)
}

// Reopener is implemented by backends that ignore updates to terminal
// runs. ReopenRun makes such a run writable again for another execution
// under the same id.
type Reopener interface {
	ReopenRun(ctx context.Context, runID string) error
}

// Error is a failure of one backend during one operation.
type Error struct {
	Backend string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("persist %s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NopBackend discards writes and answers reads with nothing. Event-only
// backends embed it.
type NopBackend struct{}

func (NopBackend) SaveRun(context.Context, *Run) error {
	return nil
}

func (NopBackend) SaveNode(context.Context, *NodeRecord) error {
	return nil
}

func (NopBackend) SaveArtifact(context.Context, *Artifact) error {
	return nil
}

func (NopBackend) SaveEvent(context.Context, *Event) error {
	return nil
}

func (NopBackend) GetRun(context.Context, string) (*Run, error) {
	return nil, nil
}

func (NopBackend) GetNode(context.Context, string, string) (*NodeRecord, error) {
	return nil, nil
}

func (NopBackend) ListNodes(context.Context, string) ([]NodeRecord, error) {
	return nil, nil
}

func (NopBackend) ListArtifactsForNode(context.Context, string, string) ([]Artifact, error) {
	return nil, nil
}
