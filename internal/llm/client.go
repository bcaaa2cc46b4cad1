// Package llm provides LLM client interfaces and implementations backing the
// agent assistant.
package llm

import (
	"context"
	"errors"
)

// ErrNoProvider is returned by NewClient when no API key is configured.
var ErrNoProvider = errors.New("llm: no provider configured")

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// Chat roles understood by every provider.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage represents a chat message for LLM.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content    string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// Client is the interface for LLM providers.
type Client interface {
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// Keys holds the API keys of every provider.
type Keys struct {
	Anthropic string
	OpenAI    string
}

// NewClient creates the preferred provider's client, falling back to
// whichever provider has a key.
func NewClient(preferred Provider, keys Keys) (Client, error) {
	switch {
	case preferred == ProviderOpenAI && keys.OpenAI != "":
		return NewOpenAIClient(keys.OpenAI)
	case keys.Anthropic != "":
		return NewAnthropicClient(keys.Anthropic)
	case keys.OpenAI != "":
		return NewOpenAIClient(keys.OpenAI)
	default:
		return nil, ErrNoProvider
	}
}
