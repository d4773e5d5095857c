package plan

import (
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
	"strings"
	"sync"
)

type Kind string

const (
	KindTask      Kind = "task"
	KindManage    Kind = "manage"
	KindSynthesis Kind = "synthesis"
)

var (
	ErrCycle             = errors.New("dependency cycle")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrDuplicateNode     = errors.New("duplicate node id")
	ErrUnknownNode       = errors.New("unknown node")
)

// GraphError reports a plan that cannot form a valid DAG.
type GraphError struct {
	Err    error
	NodeID string
	Dep    string
	Nodes  []string
}

func (e *GraphError) Error() string {
	switch {
	case errors.Is(e.Err, ErrCycle):
		return fmt.Sprintf("plan graph: %v among %s", e.Err, strings.Join(e.Nodes, ", "))
	case e.Dep != "":
		return fmt.Sprintf("plan graph: node %q: %v %q", e.NodeID, e.Err, e.Dep)
	default:
		return fmt.Sprintf("plan graph: node %q: %v", e.NodeID, e.Err)
	}
}

func (e *GraphError) Unwrap() error { return e.Err }

// Node is a unit of work in a plan graph.
type Node struct {
	ID            string
	Title         string
	Kind          Kind
	Deps          []string
	SuggestedRole string
	WorkerConfig  map[string]any
	Acceptance    []string
	Risks         []string
	Assumptions   []string
	Notes         []string
}

func (n *Node) clone() *Node {
	c := *n
	c.Deps = slices.Clone(n.Deps)
	c.WorkerConfig = cloneMap(n.WorkerConfig)
	c.Acceptance = slices.Clone(n.Acceptance)
	c.Risks = slices.Clone(n.Risks)
	c.Assumptions = slices.Clone(n.Assumptions)
	c.Notes = slices.Clone(n.Notes)
	return &c
}

// Graph owns the nodes of one plan and their dependency edges. Nodes are only
// mutated through Patch and Override.
type Graph struct {
	Title string

	mu         sync.RWMutex
	nodes      map[string]*Node
	order      []string
	successors map[string][]string
}

// Build validates a plan document and returns its dependency graph.
func Build(doc *Document) (*Graph, error) {
	if doc == nil {
		return nil, errors.New("plan graph: nil document")
	}

	g := &Graph{
		Title:      doc.Title,
		nodes:      make(map[string]*Node, len(doc.Plan)),
		successors: make(map[string][]string, len(doc.Plan)),
	}

	for _, raw := range doc.Plan {
		id := strings.TrimSpace(raw.ID)
		if id == "" {
			return nil, &GraphError{Err: errors.New("empty node id"), NodeID: raw.Title}
		}
		if _, dup := g.nodes[id]; dup {
			return nil, &GraphError{Err: ErrDuplicateNode, NodeID: id}
		}
		g.nodes[id] = normalize(id, raw)
		g.order = append(g.order, id)
	}

	for _, id := range g.order {
		for _, dep := range g.nodes[id].Deps {
			if _, ok := g.nodes[dep]; !ok {
				return nil, &GraphError{Err: ErrUnknownDependency, NodeID: id, Dep: dep}
			}
			g.successors[dep] = append(g.successors[dep], id)
		}
	}

	if stuck := g.unresolved(); len(stuck) > 0 {
		return nil, &GraphError{Err: ErrCycle, Nodes: stuck}
	}
	return g, nil
}

func normalize(id string, raw RawNode) *Node {
	kind := Kind(strings.ToLower(strings.TrimSpace(raw.Type)))
	switch kind {
	case KindTask, KindManage, KindSynthesis:
	default:
		kind = KindTask
	}

	cfg := make(map[string]any, len(raw.LLM)+len(raw.Worker))
	maps.Copy(cfg, raw.LLM)
	maps.Copy(cfg, raw.Worker)

	deps := make([]string, 0, len(raw.Deps))
	seen := make(map[string]bool, len(raw.Deps))
	for _, d := range raw.Deps {
		d = strings.TrimSpace(d)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		deps = append(deps, d)
	}

	return &Node{
		ID:            id,
		Title:         raw.Title,
		Kind:          kind,
		Deps:          deps,
		SuggestedRole: raw.SuggestedRole,
		WorkerConfig:  cfg,
		Acceptance:    orEmpty(raw.Acceptance),
		Risks:         orEmpty(raw.Risks),
		Assumptions:   orEmpty(raw.Assumptions),
		Notes:         orEmpty(raw.Notes),
	}
}

func orEmpty(l stringList) []string {
	if l == nil {
		return []string{}
	}
	return []string(l)
}

// unresolved runs Kahn's algorithm and returns the nodes that could not be
// ordered, which is empty for an acyclic graph.
func (g *Graph) unresolved() []string {
	inDegree := make(map[string]int, len(g.nodes))
	for _, id := range g.order {
		inDegree[id] = len(g.nodes[id].Deps)
	}

	queue := make([]string, 0, len(g.order))
	for _, id := range g.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, succ := range g.successors[id] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if processed == len(g.order) {
		return nil
	}
	var stuck []string
	for _, id := range g.order {
		if inDegree[id] > 0 {
			stuck = append(stuck, id)
		}
	}
	return stuck
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.order)
}

// IDs returns node ids in declaration order.
func (g *Graph) IDs() []string {
	return slices.Clone(g.order)
}

// Node returns a copy of the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil, false
	}
	return n.clone(), true
}

// Nodes returns copies of all nodes in declaration order.
func (g *Graph) Nodes() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id].clone())
	}
	return out
}

// Roots yields the nodes without dependencies. Each call starts a new pass.
func (g *Graph) Roots() iter.Seq[*Node] {
	return func(yield func(*Node) bool) {
		for _, id := range g.order {
			n, ok := g.Node(id)
			if !ok || len(n.Deps) > 0 {
				continue
			}
			if !yield(n) {
				return
			}
		}
	}
}

// Successors returns the nodes that depend on id.
func (g *Graph) Successors(id string) []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	succ := g.successors[id]
	out := make([]*Node, 0, len(succ))
	for _, s := range succ {
		out = append(out, g.nodes[s].clone())
	}
	return out
}

// Tiers groups node ids by dependency depth. Nodes within a tier have no
// edges between them.
func (g *Graph) Tiers() [][]string {
	depth := make(map[string]int, len(g.order))
	var tiers [][]string
	for _, id := range g.order {
		d := g.depth(id, depth)
		for len(tiers) <= d {
			tiers = append(tiers, nil)
		}
		tiers[d] = append(tiers[d], id)
	}
	return tiers
}

func (g *Graph) depth(id string, memo map[string]int) int {
	if d, ok := memo[id]; ok {
		return d
	}
	d := 0
	for _, dep := range g.nodes[id].Deps {
		if dd := g.depth(dep, memo) + 1; dd > d {
			d = dd
		}
	}
	memo[id] = d
	return d
}

// Assignment is a role/tooling change a manage node requests for one of its
// successors. Empty fields leave the node unchanged.
type Assignment struct {
	NodeID  string   `json:"node_id"`
	Role    string   `json:"role,omitempty"`
	Tooling []string `json:"tooling,omitempty"`
}

// Patch applies an assignment to a node.
func (g *Graph) Patch(a Assignment) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[a.NodeID]
	if !ok {
		return fmt.Errorf("patch %q: %w", a.NodeID, ErrUnknownNode)
	}
	if a.Role != "" {
		n.SuggestedRole = a.Role
	}
	if a.Tooling != nil {
		if n.WorkerConfig == nil {
			n.WorkerConfig = make(map[string]any)
		}
		n.WorkerConfig["tooling"] = slices.Clone(a.Tooling)
	}
	return nil
}

// Override merges patch into a node's worker config.
func (g *Graph) Override(id string, patch map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("override %q: %w", id, ErrUnknownNode)
	}
	if n.WorkerConfig == nil {
		n.WorkerConfig = make(map[string]any, len(patch))
	}
	maps.Copy(n.WorkerConfig, patch)
	return nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case map[string]any:
			out[k] = cloneMap(vv)
		case []any:
			out[k] = slices.Clone(vv)
		case []string:
			out[k] = slices.Clone(vv)
		default:
			out[k] = v
		}
	}
	return out
}
