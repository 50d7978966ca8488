package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/api"
	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/google/uuid"
	"github.com/wispworks/wisp/internal/config"
)

// Runtime interface over the agentsdk runtime (allows mocking in tests)
type Runtime interface {
	Run(ctx context.Context, req api.Request) (*api.Response, error)
	Close()
}

type runtimeAdapter struct {
	rt *api.Runtime
}

func (r *runtimeAdapter) Run(ctx context.Context, req api.Request) (*api.Response, error) {
	return r.rt.Run(ctx, req)
}

func (r *runtimeAdapter) Close() {
	r.rt.Close()
}

// runtimeClient backs Client with the agent runtime. The runtime persists
// per-session history keyed by SessionID, so a handle survives restarts.
type runtimeClient struct {
	rt Runtime
}

func newRuntimeClient(cfg *config.Config, sysPrompt string) (Client, error) {
	var provider api.ModelFactory
	switch cfg.Provider.Type {
	case "openai":
		provider = &model.OpenAIProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	default: // "anthropic" or empty
		provider = &model.AnthropicProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	}

	rt, err := api.New(context.Background(), api.Options{
		ProjectRoot:  cfg.Agent.Workspace,
		ModelFactory: provider,
		SystemPrompt: sysPrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	return &runtimeClient{rt: &runtimeAdapter{rt: rt}}, nil
}

// NewRuntimeClientWith wraps an existing Runtime (for tests).
func NewRuntimeClientWith(rt Runtime) Client {
	return &runtimeClient{rt: rt}
}

func (c *runtimeClient) NewSession(ctx context.Context) (string, error) {
	return "wisp-" + uuid.NewString(), nil
}

func (c *runtimeClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	prompt := req.Turn
	if strings.TrimSpace(req.Context) != "" {
		prompt = req.Context + "\n\n" + req.Turn
	}

	resp, err := c.rt.Run(ctx, api.Request{
		Prompt:    prompt,
		SessionID: req.SessionID,
	})
	if err != nil {
		return "", fmt.Errorf("run completion: %w", err)
	}
	if resp == nil || resp.Result == nil {
		return "", nil
	}
	return resp.Result.Output, nil
}

func (c *runtimeClient) Close() {
	if c.rt != nil {
		c.rt.Close()
	}
}
