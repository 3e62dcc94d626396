// Package llm abstracts the chat-completion providers used by the write
// guard arbiter and the gist generator.
package llm

import (
	"context"
	"strings"
	"time"

	"github.com/untoldecay/engram/internal/config"
)

// Request is a single-turn completion call.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
	// JSONOnly asks the provider to answer with a bare JSON object.
	JSONOnly bool
}

// Provider produces a completion for a request.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// NewProviderFromConfig selects the provider by the llm.provider key,
// scoped by an API base override (per-feature bases beat the global one).
// Returns nil when nothing usable is configured.
func NewProviderFromConfig(apiBase, model string) Provider {
	timeout := config.GetDuration("llm.timeout")
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	switch strings.ToLower(strings.TrimSpace(config.GetString("llm.provider"))) {
	case "anthropic":
		provider, err := NewAnthropicProvider(model, timeout)
		if err != nil {
			return nil
		}
		return provider
	case "", "openai":
		if strings.TrimSpace(apiBase) == "" {
			return nil
		}
		return NewOpenAIProvider(apiBase, model, timeout)
	}
	return nil
}
