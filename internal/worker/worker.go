package worker

import (
	"context"
	"time"
)

// Provider performs one unit of work for a node.
type Provider interface {
	Name() string
	Invoke(ctx context.Context, req Request) (*Response, error)
}

type Request struct {
	System      string        `json:"system,omitempty"`
	Prompt      string        `json:"prompt"`
	Model       string        `json:"model,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	Tooling     []string      `json:"tooling,omitempty"`
	WorkDir     string        `json:"work_dir,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is a provider result. Provider and Model are filled in by the
// Runner and name what actually served the request.
type Response struct {
	Output   string         `json:"output"`
	Usage    Usage          `json:"usage"`
	Latency  time.Duration  `json:"latency"`
	Raw      map[string]any `json:"raw,omitempty"`
	Provider string         `json:"provider"`
	Model    string         `json:"model"`
}
