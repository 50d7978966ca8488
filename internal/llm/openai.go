package llm

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

// openaiClient speaks plain chat completions. It carries no server-side
// session state: each turn is self-contained, the layered memory context in
// CompletionRequest.Context standing in for history. The session handle is
// still minted and threaded through for continuity bookkeeping.
type openaiClient struct {
	client    *openai.Client
	model     string
	sysPrompt string
	maxTokens int
}

func newOpenAIChat(apiKey, baseURL, model, sysPrompt string, maxTokens int) Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &openaiClient{
		client:    openai.NewClientWithConfig(cfg),
		model:     model,
		sysPrompt: sysPrompt,
		maxTokens: maxTokens,
	}
}

func (c *openaiClient) NewSession(ctx context.Context) (string, error) {
	return "wisp-" + uuid.NewString(), nil
}

func (c *openaiClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: c.sysPrompt},
	}
	if req.Context != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.Context,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Turn,
	})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     c.model,
		Messages:  messages,
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *openaiClient) Close() {}
