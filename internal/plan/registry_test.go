package plan

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func writePlan(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRegistry(t *testing.T) {
	dir := t.TempDir()
	writePlan(t, dir, "report.json", `{
  "title": "Weekly report",
  "plan": [
    {"id": "collect", "title": "Collect data", "deps": null, "acceptance": "has numbers"},
    {"id": "write", "title": "Write report", "deps": "collect", "llm": {"model": "m1"}}
  ]
}`)
	writePlan(t, dir, "review.yaml", `title: Review
plan:
  - id: read
    title: Read the diff
  - id: comment
    title: Comment
    type: synthesis
    deps: [read]
    risks: false
`)
	writePlan(t, dir, "README.md", "not a plan")

	reg := NewRegistry(dir)

	ids, err := reg.List()
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(ids, []string{"report", "review"}) {
		t.Fatalf("expected [report review], got %v", ids)
	}

	g, err := reg.Load("report")
	if err != nil {
		t.Fatal(err)
	}
	if g.Title != "Weekly report" {
		t.Errorf("expected title, got %q", g.Title)
	}
	collect, _ := g.Node("collect")
	if !slices.Equal(collect.Acceptance, []string{"has numbers"}) {
		t.Errorf("expected scalar acceptance normalized, got %v", collect.Acceptance)
	}
	if len(collect.Deps) != 0 {
		t.Errorf("expected null deps to be empty, got %v", collect.Deps)
	}
	write, _ := g.Node("write")
	if !slices.Equal(write.Deps, []string{"collect"}) {
		t.Errorf("expected scalar dep normalized, got %v", write.Deps)
	}

	g, err = reg.Load("review")
	if err != nil {
		t.Fatal(err)
	}
	comment, _ := g.Node("comment")
	if comment.Kind != KindSynthesis {
		t.Errorf("expected synthesis kind, got %q", comment.Kind)
	}
	if len(comment.Risks) != 0 {
		t.Errorf("expected false risks to be empty, got %v", comment.Risks)
	}
}

func TestRegistryNotFound(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	if _, err := reg.Get("nope"); !errors.Is(err, ErrPlanNotFound) {
		t.Fatalf("expected ErrPlanNotFound, got %v", err)
	}
	if _, err := reg.Get("../etc/passwd"); err == nil {
		t.Fatal("expected invalid id error")
	}
}

func TestRegistryMissingDir(t *testing.T) {
	reg := NewRegistry(filepath.Join(t.TempDir(), "missing"))
	ids, err := reg.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no plans, got %v", ids)
	}
}
