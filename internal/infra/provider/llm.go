package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/sashabaranov/go-openai"

	"github.com/vietddude/marketpulse/internal/cache"
	"github.com/vietddude/marketpulse/internal/depclient"
	"github.com/vietddude/marketpulse/internal/resilience/retry"
)

const defaultModel = "gpt-4o-mini"

// Completion is the text returned by the model.
type Completion struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	FinishReason string `json:"finish_reason"`
}

// Decode parses the completion as JSON into v.
func (c Completion) Decode(v any) error {
	content := strings.TrimSpace(c.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	if err := sonic.UnmarshalString(strings.TrimSpace(content), v); err != nil {
		return fmt.Errorf("decode completion: %w", err)
	}
	return nil
}

// Prompt is one chat request.
type Prompt struct {
	System      string
	User        string
	JSON        bool
	Temperature float32
}

// LLMClient sends chat completions to an OpenAI-compatible API.
type LLMClient struct {
	client *openai.Client
	model  string
	ready  bool
	dep    *depclient.Client[Completion]
}

// NewLLMClient creates an LLM adapter.
func NewLLMClient(cfg Config, dep *depclient.Client[Completion]) *LLMClient {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return &LLMClient{
		client: openai.NewClientWithConfig(oc),
		model:  model,
		ready:  cfg.APIKey != "",
		dep:    dep,
	}
}

// Complete runs a chat completion. Identical prompts are served from cache.
func (c *LLMClient) Complete(ctx context.Context, p Prompt) (Completion, error) {
	key := cache.Key("llm.chat", c.model, p.System, p.User, p.JSON, p.Temperature)
	return c.dep.Invoke(ctx, key, func(ctx context.Context) (Completion, error) {
		if !c.ready {
			return Completion{}, retry.Permanent(fmt.Errorf("llm: %w", ErrMissingAPIKey))
		}

		req := openai.ChatCompletionRequest{
			Model:       c.model,
			Temperature: p.Temperature,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: p.System},
				{Role: openai.ChatMessageRoleUser, Content: p.User},
			},
		}
		if p.JSON {
			req.ResponseFormat = &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			}
		}

		resp, err := c.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return Completion{}, mapOpenAIError(err)
		}
		if len(resp.Choices) == 0 {
			return Completion{}, errors.New("llm returned no choices")
		}
		choice := resp.Choices[0]
		return Completion{
			Content:      choice.Message.Content,
			Model:        resp.Model,
			FinishReason: string(choice.FinishReason),
		}, nil
	})
}

func mapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &StatusError{Service: "llm", Code: apiErr.HTTPStatusCode, Body: clip(apiErr.Message, 300)}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &StatusError{Service: "llm", Code: reqErr.HTTPStatusCode, Body: clip(reqErr.Error(), 300)}
	}
	return fmt.Errorf("llm request: %w", err)
}
