package llm

import (
	"fmt"
	"strings"

	"github.com/wispworks/wisp/internal/config"
)

const (
	ProviderAnthropic  = "anthropic"
	ProviderOpenAI     = "openai"
	ProviderOpenAIChat = "openai-chat"
)

// Factory creates the configured completion client.
type Factory func(cfg *config.Config, sysPrompt string) (Client, error)

// NewClient picks the backend by provider type. "anthropic" and "openai" run
// through the agent runtime; "openai-chat" uses bare chat completions.
func NewClient(cfg *config.Config, sysPrompt string) (Client, error) {
	if cfg.Provider.APIKey == "" {
		return nil, fmt.Errorf("provider API key not set. Run 'wisp onboard' or set WISP_API_KEY")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Provider.Type)) {
	case "", ProviderAnthropic, ProviderOpenAI:
		return newRuntimeClient(cfg, sysPrompt)
	case ProviderOpenAIChat:
		return newOpenAIChat(cfg.Provider.APIKey, cfg.Provider.BaseURL, cfg.Agent.Model, sysPrompt, cfg.Agent.MaxTokens), nil
	default:
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Provider.Type)
	}
}
