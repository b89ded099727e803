// Package llm provides a thin chat completion client used by join suggestion
// discovery. The engine only needs single-turn prompting, so the interface is
// deliberately narrow; use it for dependency injection to enable mocking in
// tests.
package llm

import (
	"context"
	"fmt"

	"github.com/liushuangls/go-anthropic/v2"
	"github.com/sashabaranov/go-openai"

	"github.com/pipeflow-io/pipeflow-engine/pkg/config"
)

// ChatClient generates a single completion for a prompt.
type ChatClient interface {
	Complete(ctx context.Context, systemMessage, prompt string) (string, error)
}

// NewChatClient builds a client from config. Returns nil when no provider is
// configured; callers treat a nil client as "heuristics only".
func NewChatClient(cfg config.AIConfig) (ChatClient, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "anthropic":
		return newAnthropicClient(cfg), nil
	case "openai":
		return newOpenAIClient(cfg), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q", cfg.Provider)
	}
}

type anthropicClient struct {
	client *anthropic.Client
	model  anthropic.Model
}

func newAnthropicClient(cfg config.AIConfig) *anthropicClient {
	var opts []anthropic.ClientOption
	if cfg.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
	}
	model := anthropic.Model(cfg.Model)
	if cfg.Model == "" {
		model = anthropic.ModelClaude3Dot5SonnetLatest
	}
	return &anthropicClient{
		client: anthropic.NewClient(cfg.APIKey, opts...),
		model:  model,
	}
}

func (c *anthropicClient) Complete(ctx context.Context, systemMessage, prompt string) (string, error) {
	resp, err := c.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:     c.model,
		System:    systemMessage,
		MaxTokens: 2048,
		Messages: []anthropic.Message{
			anthropic.NewUserTextMessage(prompt),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic completion failed: %w", err)
	}
	if len(resp.Content) == 0 {
		return "", fmt.Errorf("anthropic returned empty response")
	}
	return resp.Content[0].GetText(), nil
}

type openaiClient struct {
	client *openai.Client
	model  string
}

func newOpenAIClient(cfg config.AIConfig) *openaiClient {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4o
	}
	return &openaiClient{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
	}
}

func (c *openaiClient) Complete(ctx context.Context, systemMessage, prompt string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemMessage},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai returned empty response")
	}
	return resp.Choices[0].Message.Content, nil
}
