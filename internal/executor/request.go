package executor

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aamat-dev/crew-ia/internal/plan"
	"github.com/aamat-dev/crew-ia/internal/worker"
)

// route is the provider chain for one node.
type route struct {
	primary  string
	fallback []string
}

func (e *Executor) routeFor(node *plan.Node) route {
	return resolveRoute(node, e.cfg.Primary, e.cfg.Fallback)
}

// resolveRoute applies a node's provider and fallback settings over the
// given defaults.
func resolveRoute(node *plan.Node, primary string, fallback []string) route {
	r := route{primary: primary, fallback: fallback}
	if p := cfgString(node.WorkerConfig, "provider"); p != "" {
		r.primary = p
	}
	if fb, ok := node.WorkerConfig["fallback"]; ok {
		r.fallback = toStrings(fb)
	}
	return r
}

// buildRequest turns a node and the outputs of its dependencies into a
// worker request.
func buildRequest(node *plan.Node, depOutputs []depOutput) worker.Request {
	cfg := node.WorkerConfig
	req := worker.Request{
		System:      cfgString(cfg, "system"),
		Prompt:      cfgString(cfg, "prompt"),
		Model:       cfgString(cfg, "model"),
		Temperature: cfgFloat(cfg, "temperature"),
		MaxTokens:   int(cfgFloat(cfg, "max_tokens")),
		Timeout:     cfgDuration(cfg, "timeout"),
		Tooling:     toStrings(cfg["tooling"]),
		WorkDir:     cfgString(cfg, "work_dir"),
	}
	if req.System == "" && node.SuggestedRole != "" {
		req.System = fmt.Sprintf("You are acting as %s.", node.SuggestedRole)
	}
	req.Prompt = buildPrompt(node, req.Prompt, depOutputs)
	return req
}

type depOutput struct {
	NodeID string
	Title  string
	Output string
}

func buildPrompt(node *plan.Node, instructions string, deps []depOutput) string {
	var sb strings.Builder

	sb.WriteString("## Task\n\n")
	sb.WriteString(node.Title)
	sb.WriteString("\n\n")

	if instructions != "" {
		sb.WriteString("## Instructions\n\n")
		sb.WriteString(instructions)
		sb.WriteString("\n\n")
	}

	writeList(&sb, "Acceptance criteria", node.Acceptance)
	writeList(&sb, "Assumptions", node.Assumptions)
	writeList(&sb, "Risks", node.Risks)

	if len(deps) > 0 {
		if node.Kind == plan.KindSynthesis {
			sb.WriteString("## Results to synthesize\n\nSynthesize the following results into a cohesive response:\n\n")
		} else {
			sb.WriteString("## Context from dependencies\n\n")
		}
		for _, d := range deps {
			fmt.Fprintf(&sb, "### Output from %s (%s)\n\n%s\n\n", d.NodeID, d.Title, d.Output)
		}
	}

	return strings.TrimRight(sb.String(), "\n") + "\n"
}

func writeList(sb *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(sb, "## %s\n\n", heading)
	for _, it := range items {
		fmt.Fprintf(sb, "- %s\n", it)
	}
	sb.WriteString("\n")
}

func cfgString(cfg map[string]any, key string) string {
	switch v := cfg[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func cfgFloat(cfg map[string]any, key string) float64 {
	switch v := cfg[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f
	}
	return 0
}

// cfgDuration accepts a Go duration string or a number of seconds.
func cfgDuration(cfg map[string]any, key string) time.Duration {
	if s, ok := cfg[key].(string); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			return d
		}
	}
	return time.Duration(cfgFloat(cfg, key) * float64(time.Second))
}

func toStrings(v any) []string {
	switch vv := v.(type) {
	case nil:
		return nil
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, it := range vv {
			if s := strings.TrimSpace(fmt.Sprint(it)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		var out []string
		for _, part := range strings.Split(vv, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	default:
		return []string{fmt.Sprint(vv)}
	}
}
