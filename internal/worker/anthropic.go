package worker

import (
	"context"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
	anthropicModel      = "claude-sonnet-4-5"
	defaultMaxTokens    = 4096
)

// AnthropicProvider calls the Anthropic Messages API.
type AnthropicProvider struct {
	name   string
	apiKey string
	model  string
	url    string
	client *http.Client
}

func NewAnthropicProvider(name, apiKey, model, baseURL string) *AnthropicProvider {
	if name == "" {
		name = "anthropic"
	}
	if model == "" {
		model = anthropicModel
	}
	url := anthropicAPIURL
	if baseURL != "" {
		url = strings.TrimSuffix(baseURL, "/")
		if !strings.HasSuffix(url, "/v1/messages") {
			url += "/v1/messages"
		}
	}
	return &AnthropicProvider{name: name, apiKey: apiKey, model: model, url: url, client: httpClient}
}

func (p *AnthropicProvider) Name() string { return p.name }

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *AnthropicProvider) Invoke(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	payload := anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		System:      req.System,
		Temperature: req.Temperature,
		Messages:    []anthropicMessage{{Role: "user", Content: req.Prompt}},
	}
	headers := map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": anthropicAPIVersion,
	}

	start := time.Now()
	var out anthropicResponse
	if err := postJSON(ctx, p.client, p.Name(), p.url, headers, payload, &out); err != nil {
		return nil, err
	}

	var sb strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if out.Model != "" {
		model = out.Model
	}
	return &Response{
		Output:  sb.String(),
		Usage:   Usage{InputTokens: out.Usage.InputTokens, OutputTokens: out.Usage.OutputTokens},
		Latency: time.Since(start),
		Raw:     map[string]any{"id": out.ID, "stop_reason": out.StopReason},
		Model:   model,
	}, nil
}
