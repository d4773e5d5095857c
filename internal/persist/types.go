package persist

import "time"

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunPartial   RunStatus = "partial"
	RunCanceled  RunStatus = "canceled"
)

// Terminal reports whether a run in this status can no longer change.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunPartial, RunCanceled:
		return true
	}
	return false
}

type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodeCanceled  NodeStatus = "canceled"
)

func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped, NodeCanceled:
		return true
	}
	return false
}

type Run struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Status    RunStatus         `json:"status"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   *time.Time        `json:"ended_at,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// NodeRecord is the current execution state of one node in one run. There is
// at most one record per (RunID, NodeID); saving again replaces it.
type NodeRecord struct {
	RunID         string     `json:"run_id"`
	NodeID        string     `json:"node_id"`
	Title         string     `json:"title,omitempty"`
	Status        NodeStatus `json:"status"`
	InputChecksum string     `json:"input_checksum,omitempty"`
	Attempts      int        `json:"attempts"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Error         string     `json:"error,omitempty"`
}

type ArtifactKind string

const (
	ArtifactOutput  ArtifactKind = "output"
	ArtifactSidecar ArtifactKind = "sidecar"
	ArtifactTrace   ArtifactKind = "trace"
)

type Artifact struct {
	RunID     string       `json:"run_id"`
	NodeID    string       `json:"node_id"`
	Kind      ArtifactKind `json:"kind"`
	Path      string       `json:"path,omitempty"`
	Content   string       `json:"content"`
	CreatedAt time.Time    `json:"created_at"`
}

const (
	EventRunStarted    = "run.started"
	EventRunPaused     = "run.paused"
	EventRunResumed    = "run.resumed"
	EventRunCompleted  = "run.completed"
	EventRunFailed     = "run.failed"
	EventRunPartial    = "run.partial"
	EventRunCanceled   = "run.canceled"
	EventNodeStarted   = "node.started"
	EventNodeCompleted = "node.completed"
	EventNodeFailed    = "node.failed"
	EventNodeSkipped   = "node.skipped"
	EventNodeCanceled  = "node.canceled"
	EventNodeRetry     = "node.retry"
	EventNodePatched   = "node.patched"
)

type Event struct {
	RunID     string         `json:"run_id"`
	NodeID    string         `json:"node_id,omitempty"`
	Type      string         `json:"type"`
	Level     string         `json:"level"`
	Message   string         `json:"message,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent returns an info-level event stamped with the current UTC time.
func NewEvent(runID, nodeID, typ, msg string) *Event {
	return &Event{
		RunID:     runID,
		NodeID:    nodeID,
		Type:      typ,
		Level:     "info",
		Message:   msg,
		Timestamp: time.Now().UTC(),
	}
}

// RunEventType maps a terminal run status to its event type.
func RunEventType(s RunStatus) string {
	switch s {
	case RunCompleted:
		return EventRunCompleted
	case RunFailed:
		return EventRunFailed
	case RunPartial:
		return EventRunPartial
	case RunCanceled:
		return EventRunCanceled
	case RunPaused:
		return EventRunPaused
	default:
		return EventRunStarted
	}
}

// NodeEventType maps a node status to its event type.
func NodeEventType(s NodeStatus) string {
	switch s {
	case NodeCompleted:
		return EventNodeCompleted
	case NodeFailed:
		return EventNodeFailed
	case NodeSkipped:
		return EventNodeSkipped
	case NodeCanceled:
		return EventNodeCanceled
	default:
		return EventNodeStarted
	}
}
