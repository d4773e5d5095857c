package executor

import (
	"time"

	"github.com/aamat-dev/crew-ia/internal/persist"
)

// Result is the outcome of one Run call.
type Result struct {
	RunID         string
	Status        persist.RunStatus
	Nodes         map[string]persist.NodeStatus
	Completed     []string
	Failed        []string
	Skipped       []string
	Canceled      []string
	SkippedCount  int
	ReplayedCount int
}

// Summary is the content of a run's summary.json.
type Summary struct {
	RunID         string            `json:"run_id"`
	Status        persist.RunStatus `json:"status"`
	Completed     []string          `json:"completed"`
	Failed        []string          `json:"failed"`
	Skipped       []string          `json:"skipped"`
	SkippedCount  int               `json:"skipped_count"`
	ReplayedCount int               `json:"replayed_count"`
	UTCTime       string            `json:"utc_time"`
}

func newResult(runID string, st *runState) *Result {
	res := &Result{
		RunID:         runID,
		Nodes:         st.status,
		Completed:     []string{},
		Failed:        []string{},
		Skipped:       []string{},
		ReplayedCount: st.replayed,
	}
	for _, id := range st.order {
		switch st.status[id] {
		case persist.NodeCompleted:
			res.Completed = append(res.Completed, id)
		case persist.NodeSkipped:
			res.Skipped = append(res.Skipped, id)
		case persist.NodeFailed:
			res.Failed = append(res.Failed, id)
		case persist.NodeCanceled:
			res.Canceled = append(res.Canceled, id)
		}
	}
	res.SkippedCount = len(res.Skipped)
	res.Status = computeStatus(len(st.order), len(res.Completed)+len(res.Skipped), len(res.Failed), st.canceled)
	return res
}

// computeStatus derives the run status. Skipped nodes count as completed.
func computeStatus(total, done, failed int, canceled bool) persist.RunStatus {
	switch {
	case canceled:
		return persist.RunCanceled
	case failed == 0 && done == total:
		return persist.RunCompleted
	case done == 0 && failed > 0:
		return persist.RunFailed
	default:
		return persist.RunPartial
	}
}

func (r *Result) Summary() Summary {
	return Summary{
		RunID:         r.RunID,
		Status:        r.Status,
		Completed:     r.Completed,
		Failed:        r.Failed,
		Skipped:       r.Skipped,
		SkippedCount:  r.SkippedCount,
		ReplayedCount: r.ReplayedCount,
		UTCTime:       time.Now().UTC().Format(time.RFC3339),
	}
}
