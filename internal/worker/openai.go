package worker

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

const (
	openAIURL   = "https://api.openai.com/v1"
	openAIModel = "gpt-4o-mini"
)

// OpenAIProvider calls an OpenAI-compatible chat completions endpoint. The
// same client serves OpenRouter, DeepSeek and Mistral through BaseURL.
type OpenAIProvider struct {
	name   string
	apiKey string
	model  string
	url    string
	client *http.Client
}

func NewOpenAIProvider(name, apiKey, model, baseURL string) *OpenAIProvider {
	if name == "" {
		name = "openai"
	}
	if model == "" {
		model = openAIModel
	}
	if baseURL == "" {
		baseURL = knownBaseURL(name)
	}
	url := strings.TrimSuffix(baseURL, "/")
	if !strings.HasSuffix(url, "/chat/completions") {
		url += "/chat/completions"
	}
	return &OpenAIProvider{name: name, apiKey: apiKey, model: model, url: url, client: httpClient}
}

func knownBaseURL(name string) string {
	switch name {
	case "openrouter":
		return "https://openrouter.ai/api/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	default:
		return openAIURL
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *OpenAIProvider) Invoke(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	messages := make([]openaiMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openaiMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, openaiMessage{Role: "user", Content: req.Prompt})

	payload := openaiRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	headers := map[string]string{"Authorization": "Bearer " + p.apiKey}

	start := time.Now()
	var out openaiResponse
	if err := postJSON(ctx, p.client, p.name, p.url, headers, payload, &out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, &Error{Kind: KindServerError, Provider: p.name, Err: errors.New("no choices in response")}
	}
	if out.Model != "" {
		model = out.Model
	}
	return &Response{
		Output:  out.Choices[0].Message.Content,
		Usage:   Usage{InputTokens: out.Usage.PromptTokens, OutputTokens: out.Usage.CompletionTokens},
		Latency: time.Since(start),
		Raw:     map[string]any{"id": out.ID, "finish_reason": out.Choices[0].FinishReason},
		Model:   model,
	}, nil
}
