package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/fyrsmithlabs/stepwise/internal/config"
)

const anthropicVersion = "2023-06-01"

// Anthropic calls the Messages API.
type Anthropic struct {
	*httpClient
}

// NewAnthropic creates an Anthropic client.
func NewAnthropic(cfg config.LLMConfig, opts ...Option) (*Anthropic, error) {
	c, err := newHTTPClient("anthropic", cfg, defaultAnthropicModel, defaultAnthropicBaseURL, opts)
	if err != nil {
		return nil, err
	}
	return &Anthropic{httpClient: c}, nil
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete implements Client.
func (a *Anthropic) Complete(ctx context.Context, prompt string, opts Options) (*Completion, error) {
	req := anthropicRequest{
		Model:       a.model,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Messages:    []anthropicMessage{{Role: "user", Content: prompt}},
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = defaultMaxTokens
	}

	headers := map[string]string{
		"X-API-Key":         a.apiKey.Value(),
		"Anthropic-Version": anthropicVersion,
	}

	var resp anthropicResponse
	if err := a.do(ctx, "/v1/messages", headers, req, &resp, decodeAnthropicError); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "" || block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, &ModelError{Provider: a.provider, Err: errors.New("empty response")}
	}

	return &Completion{
		Content: text.String(),
		Model:   resp.Model,
		Usage: &Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

func decodeAnthropicError(body []byte) string {
	var e anthropicError
	if json.Unmarshal(body, &e) == nil {
		return e.Error.Message
	}
	return ""
}

var _ Client = (*Anthropic)(nil)
