package worker

import (
	"context"
	"fmt"
	"strings"
)

// EchoProvider answers locally and deterministically. It backs dry runs and
// offline plans.
type EchoProvider struct {
	name string
}

func NewEchoProvider(name string) *EchoProvider {
	if name == "" {
		name = "echo"
	}
	return &EchoProvider{name: name}
}

func (p *EchoProvider) Name() string { return p.name }

func (p *EchoProvider) Invoke(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = "echo"
	}
	out := req.Prompt
	if req.System != "" {
		out = fmt.Sprintf("[%s] %s", req.System, req.Prompt)
	}
	return &Response{
		Output: out,
		Usage:  Usage{InputTokens: len(strings.Fields(req.Prompt)), OutputTokens: len(strings.Fields(out))},
		Model:  model,
	}, nil
}
