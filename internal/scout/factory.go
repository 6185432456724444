package scout

import (
	"context"
	"fmt"
	"os"

	"github.com/antigravity-dev/meridian/internal/config"
)

// NewProvider constructs the Provider named by providerName from cfg's
// provider table, resolving its API key from the configured environment
// variable.
func NewProvider(ctx context.Context, cfg config.Scout, providerName string) (Provider, error) {
	pc, ok := cfg.Providers[providerName]
	if !ok {
		return nil, fmt.Errorf("scout: no providers entry for %q", providerName)
	}

	var apiKey string
	if pc.APIKeyEnv != "" {
		apiKey = os.Getenv(pc.APIKeyEnv)
	}

	switch providerName {
	case "anthropic":
		return newAnthropicProvider(apiKey, pc.Model)
	case "openai":
		return newOpenAIProvider("openai", apiKey, pc.Model, pc.BaseURL)
	case "openrouter":
		return newOpenAIProvider("openrouter", apiKey, pc.Model, pc.BaseURL)
	case "google":
		return newGoogleProvider(ctx, apiKey, pc.Model)
	case "ollama":
		return newOllamaProvider(pc.BaseURL, pc.Model)
	default:
		return nil, fmt.Errorf("scout: unknown provider family %q", providerName)
	}
}
