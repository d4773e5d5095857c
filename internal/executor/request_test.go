package executor

import (
	"strings"
	"testing"
	"time"

	"github.com/aamat-dev/crew-ia/internal/plan"
)

func TestBuildRequest(t *testing.T) {
	node := &plan.Node{
		ID:            "write",
		Title:         "Write the report",
		Kind:          plan.KindTask,
		SuggestedRole: "analyst",
		Acceptance:    []string{"cites sources"},
		WorkerConfig: map[string]any{
			"model":       "claude-sonnet",
			"prompt":      "Keep it short.",
			"temperature": 0.2,
			"max_tokens":  1024,
			"timeout":     "45s",
			"tooling":     []any{"search", "fetch"},
		},
	}
	req := buildRequest(node, []depOutput{{NodeID: "research", Title: "Research", Output: "facts"}})

	if req.Model != "claude-sonnet" || req.Temperature != 0.2 || req.MaxTokens != 1024 {
		t.Errorf("unexpected request %+v", req)
	}
	if req.Timeout != 45*time.Second {
		t.Errorf("expected 45s timeout, got %v", req.Timeout)
	}
	if len(req.Tooling) != 2 || req.Tooling[1] != "fetch" {
		t.Errorf("unexpected tooling %v", req.Tooling)
	}
	if req.System != "You are acting as analyst." {
		t.Errorf("unexpected system prompt %q", req.System)
	}
	for _, want := range []string{"## Task\n\nWrite the report", "Keep it short.", "- cites sources", "### Output from research (Research)\n\nfacts"} {
		if !strings.Contains(req.Prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, req.Prompt)
		}
	}
}

func TestSynthesisPrompt(t *testing.T) {
	node := &plan.Node{ID: "s", Title: "Sum up", Kind: plan.KindSynthesis}
	prompt := buildPrompt(node, "", []depOutput{{NodeID: "a", Output: "x"}})
	if !strings.Contains(prompt, "Synthesize the following results") {
		t.Errorf("expected synthesis heading, got:\n%s", prompt)
	}
}

func TestCfgDurationSeconds(t *testing.T) {
	if d := cfgDuration(map[string]any{"timeout": 30}, "timeout"); d != 30*time.Second {
		t.Errorf("expected 30s, got %v", d)
	}
	if d := cfgDuration(map[string]any{"timeout": "90"}, "timeout"); d != 90*time.Second {
		t.Errorf("expected 90s, got %v", d)
	}
}

func TestRouteFor(t *testing.T) {
	e := &Executor{cfg: Config{Primary: "anthropic", Fallback: []string{"openai"}}}

	r := e.routeFor(&plan.Node{WorkerConfig: map[string]any{}})
	if r.primary != "anthropic" || len(r.fallback) != 1 {
		t.Errorf("expected defaults, got %+v", r)
	}
	r = e.routeFor(&plan.Node{WorkerConfig: map[string]any{"provider": "echo", "fallback": "a, b"}})
	if r.primary != "echo" || len(r.fallback) != 2 || r.fallback[1] != "b" {
		t.Errorf("expected node route, got %+v", r)
	}
}

func TestParseAssignments(t *testing.T) {
	out := "Here you go:\n```json\n[{\"node_id\":\"x\",\"role\":\"critic\",\"tooling\":[\"lint\"]}]\n```"
	got, err := ParseAssignments(out)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 1 || got[0].NodeID != "x" || got[0].Role != "critic" || got[0].Tooling[0] != "lint" {
		t.Errorf("unexpected assignments %+v", got)
	}

	if _, err := ParseAssignments("no json here"); err == nil {
		t.Error("expected error without a list")
	}
}
