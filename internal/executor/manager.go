package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aamat-dev/crew-ia/internal/plan"
)

// Manager decides roles and tooling for the successors of a manage node.
type Manager interface {
	Assign(ctx context.Context, node *plan.Node, successors []*plan.Node) ([]plan.Assignment, error)
}

// ManagerFunc adapts a function to Manager.
type ManagerFunc func(ctx context.Context, node *plan.Node, successors []*plan.Node) ([]plan.Assignment, error)

func (f ManagerFunc) Assign(ctx context.Context, node *plan.Node, successors []*plan.Node) ([]plan.Assignment, error) {
	return f(ctx, node, successors)
}

// WorkerManager asks a worker for the assignments and expects a JSON array
// of {node_id, role, tooling} objects in the reply.
type WorkerManager struct {
	Invoker  Invoker
	Primary  string
	Fallback []string
}

func (m *WorkerManager) Assign(ctx context.Context, node *plan.Node, successors []*plan.Node) ([]plan.Assignment, error) {
	req := buildRequest(node, nil)
	req.Prompt = managerPrompt(node, successors, req.Prompt)
	if req.System == "" {
		req.System = "You assign roles and tools to the next steps of a plan. Reply with JSON only."
	}

	r := resolveRoute(node, m.Primary, m.Fallback)
	resp, err := m.Invoker.Invoke(ctx, req, r.primary, r.fallback)
	if err != nil {
		return nil, err
	}
	return ParseAssignments(resp.Output)
}

func managerPrompt(node *plan.Node, successors []*plan.Node, base string) string {
	var sb strings.Builder
	sb.WriteString(base)
	sb.WriteString("\n## Next steps\n\n")
	for _, s := range successors {
		fmt.Fprintf(&sb, "- %s: %s", s.ID, s.Title)
		if s.SuggestedRole != "" {
			fmt.Fprintf(&sb, " (suggested role: %s)", s.SuggestedRole)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\nReply with a JSON array of objects with the fields node_id, role and tooling (a list of tool names).\n")
	return sb.String()
}

// ParseAssignments extracts the first JSON array from a worker reply.
func ParseAssignments(output string) ([]plan.Assignment, error) {
	start := strings.Index(output, "[")
	end := strings.LastIndex(output, "]")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no assignment list in manager output")
	}
	var out []plan.Assignment
	if err := json.Unmarshal([]byte(output[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("decode assignments: %w", err)
	}
	return out, nil
}
