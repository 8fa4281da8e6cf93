package llm

import (
	"context"
	"fmt"
	"net/http"

	"meridian/internal/config"
)

// Provider is a chat-completions backend.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// SupportsJSONSchema reports whether strict json_schema response formats
	// can be sent natively; when false the dispatcher injects the schema into
	// the system prompt and requests json_object mode instead.
	SupportsJSONSchema() bool
	Name() string
}

// NewProvider builds a provider for one tier configuration.
func NewProvider(tc config.TierConfig, httpClient *http.Client) (Provider, error) {
	switch tc.Provider {
	case "openai":
		return NewOpenAIProvider(tc, httpClient), nil
	case "anthropic":
		return NewAnthropicProvider(tc, httpClient), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", tc.Provider)
	}
}
