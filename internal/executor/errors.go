package executor

import (
	"errors"
	"fmt"
)

var (
	ErrNilGraph   = errors.New("nil graph")
	ErrEmptyRunID = errors.New("empty run id")
	ErrNoWorker   = errors.New("no worker configured")
)

// NodeExecutionError is the failure of a node after its retries ran out.
type NodeExecutionError struct {
	NodeID   string
	Attempts int
	Err      error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %s failed after %d attempt(s): %v", e.NodeID, e.Attempts, e.Err)
}

func (e *NodeExecutionError) Unwrap() error { return e.Err }
