package plan

import (
	"errors"
	"slices"
	"sync"
	"testing"
)

func doc(nodes ...RawNode) *Document {
	return &Document{Title: "test", Plan: nodes}
}

func node(id string, deps ...string) RawNode {
	return RawNode{ID: id, Title: "node " + id, Deps: deps}
}

func TestBuild_Linear(t *testing.T) {
	g, err := Build(doc(node("a"), node("b", "a"), node("c", "b")))
	if err != nil {
		t.Fatal(err)
	}
	if g.Len() != 3 {
		t.Fatalf("expected 3 nodes, got %d", g.Len())
	}
	tiers := g.Tiers()
	if len(tiers) != 3 {
		t.Fatalf("expected 3 tiers, got %d", len(tiers))
	}
	for i, want := range []string{"a", "b", "c"} {
		if len(tiers[i]) != 1 || tiers[i][0] != want {
			t.Fatalf("tier %d: expected [%s], got %v", i, want, tiers[i])
		}
	}
}

func TestBuild_Cycle(t *testing.T) {
	_, err := Build(doc(node("a", "b"), node("b", "a")))
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	var gerr *GraphError
	if !errors.As(err, &gerr) {
		t.Fatalf("expected *GraphError, got %T", err)
	}
	if len(gerr.Nodes) != 2 {
		t.Fatalf("expected both nodes reported, got %v", gerr.Nodes)
	}
}

func TestBuild_SelfCycle(t *testing.T) {
	_, err := Build(doc(node("a", "a")))
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestBuild_UnknownDependency(t *testing.T) {
	_, err := Build(doc(node("a", "missing")))
	if !errors.Is(err, ErrUnknownDependency) {
		t.Fatalf("expected unknown dependency error, got %v", err)
	}
	var gerr *GraphError
	if !errors.As(err, &gerr) || gerr.Dep != "missing" {
		t.Fatalf("expected dep 'missing' in error, got %v", err)
	}
}

func TestBuild_DuplicateNode(t *testing.T) {
	_, err := Build(doc(node("a"), node("a")))
	if !errors.Is(err, ErrDuplicateNode) {
		t.Fatalf("expected duplicate node error, got %v", err)
	}
}

func TestBuild_Normalization(t *testing.T) {
	g, err := Build(doc(
		node("a"),
		RawNode{ID: "b", Type: "", Deps: stringList{"a", "a"}, LLM: map[string]any{"model": "m1"}},
		RawNode{ID: "c", Type: "Manage", Deps: stringList{"b"}},
	))
	if err != nil {
		t.Fatal(err)
	}

	b, _ := g.Node("b")
	if b.Kind != KindTask {
		t.Errorf("expected default kind task, got %q", b.Kind)
	}
	if !slices.Equal(b.Deps, []string{"a"}) {
		t.Errorf("expected deduplicated deps [a], got %v", b.Deps)
	}
	if b.WorkerConfig["model"] != "m1" {
		t.Errorf("expected llm block mapped to worker config, got %v", b.WorkerConfig)
	}
	if b.Acceptance == nil || b.Notes == nil {
		t.Error("expected empty lists, got nil")
	}

	c, _ := g.Node("c")
	if c.Kind != KindManage {
		t.Errorf("expected manage kind, got %q", c.Kind)
	}
}

func TestRoots_Restartable(t *testing.T) {
	g, err := Build(doc(node("a"), node("b"), node("c", "a", "b")))
	if err != nil {
		t.Fatal(err)
	}
	collect := func() []string {
		var ids []string
		for n := range g.Roots() {
			ids = append(ids, n.ID)
		}
		return ids
	}
	first := collect()
	second := collect()
	if !slices.Equal(first, []string{"a", "b"}) {
		t.Fatalf("expected roots [a b], got %v", first)
	}
	if !slices.Equal(first, second) {
		t.Fatalf("expected same roots on second pass, got %v", second)
	}

	for n := range g.Roots() {
		if n.ID != "a" {
			t.Fatalf("expected a first, got %s", n.ID)
		}
		break
	}
}

func TestSuccessors(t *testing.T) {
	g, err := Build(doc(node("a"), node("b", "a"), node("c", "a"), node("d", "b")))
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, n := range g.Successors("a") {
		ids = append(ids, n.ID)
	}
	if !slices.Equal(ids, []string{"b", "c"}) {
		t.Fatalf("expected successors [b c], got %v", ids)
	}
	if len(g.Successors("d")) != 0 {
		t.Fatal("expected no successors for leaf")
	}
}

func TestNodeReturnsCopy(t *testing.T) {
	g, err := Build(doc(RawNode{ID: "a", Worker: map[string]any{"model": "m1"}}))
	if err != nil {
		t.Fatal(err)
	}
	n, _ := g.Node("a")
	n.WorkerConfig["model"] = "changed"
	again, _ := g.Node("a")
	if again.WorkerConfig["model"] != "m1" {
		t.Fatal("expected graph node to be unaffected by caller mutation")
	}
}

func TestPatch(t *testing.T) {
	g, err := Build(doc(node("a"), node("b", "a")))
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Patch(Assignment{NodeID: "b", Role: "reviewer", Tooling: []string{"git"}}); err != nil {
		t.Fatal(err)
	}
	b, _ := g.Node("b")
	if b.SuggestedRole != "reviewer" {
		t.Errorf("expected role reviewer, got %q", b.SuggestedRole)
	}
	if tools, _ := b.WorkerConfig["tooling"].([]string); !slices.Equal(tools, []string{"git"}) {
		t.Errorf("expected tooling [git], got %v", b.WorkerConfig["tooling"])
	}

	if err := g.Patch(Assignment{NodeID: "zzz"}); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected unknown node error, got %v", err)
	}
}

func TestOverrideConcurrent(t *testing.T) {
	g, err := Build(doc(node("a")))
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Override("a", map[string]any{"temperature": i})
			_, _ = g.Checksum("a")
		}()
	}
	wg.Wait()
	if err := g.Override("missing", nil); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected unknown node error, got %v", err)
	}
}
