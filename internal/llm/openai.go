package llm

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/fyrsmithlabs/stepwise/internal/config"
)

// OpenAI calls the Chat Completions API. Any compatible server works through
// BaseURL.
type OpenAI struct {
	*httpClient
}

// NewOpenAI creates an OpenAI client.
func NewOpenAI(cfg config.LLMConfig, opts ...Option) (*OpenAI, error) {
	c, err := newHTTPClient("openai", cfg, defaultOpenAIModel, defaultOpenAIBaseURL, opts)
	if err != nil {
		return nil, err
	}
	return &OpenAI{httpClient: c}, nil
}

type openAIRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
	Messages    []openAIMessage `json:"messages"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

type openAIError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete implements Client.
func (o *OpenAI) Complete(ctx context.Context, prompt string, opts Options) (*Completion, error) {
	req := openAIRequest{
		Model:       o.model,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Messages:    []openAIMessage{{Role: "user", Content: prompt}},
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = defaultMaxTokens
	}

	headers := map[string]string{"Authorization": "Bearer " + o.apiKey.Value()}

	var resp openAIResponse
	if err := o.do(ctx, "/v1/chat/completions", headers, req, &resp, decodeOpenAIError); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, &ModelError{Provider: o.provider, Err: errors.New("empty response")}
	}

	return &Completion{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage:   resp.Usage,
	}, nil
}

func decodeOpenAIError(body []byte) string {
	var e openAIError
	if json.Unmarshal(body, &e) == nil {
		return e.Error.Message
	}
	return ""
}

var _ Client = (*OpenAI)(nil)
