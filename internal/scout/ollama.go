package scout

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

// ollamaProvider implements Provider over a local or remote Ollama daemon.
type ollamaProvider struct {
	client *api.Client
	model  string
}

func newOllamaProvider(baseURL, model string) (*ollamaProvider, error) {
	if model == "" {
		return nil, errors.New("scout: ollama model is required")
	}
	if baseURL == "" {
		client, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("scout: ollama client from environment: %w", err)
		}
		return &ollamaProvider{client: client, model: model}, nil
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("scout: ollama base_url %q: %w", baseURL, err)
	}
	return &ollamaProvider{client: api.NewClient(u, nil), model: model}, nil
}

func (p *ollamaProvider) Name() string { return "ollama" }

func (p *ollamaProvider) Complete(ctx context.Context, systemPrompt string, messages []rawMessage) (string, error) {
	chatMessages := make([]api.Message, 0, len(messages)+1)
	if systemPrompt != "" {
		chatMessages = append(chatMessages, api.Message{Role: "system", Content: systemPrompt})
	}
	for _, m := range messages {
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		chatMessages = append(chatMessages, api.Message{Role: role, Content: m.Content})
	}

	stream := false
	var out strings.Builder
	req := &api.ChatRequest{Model: p.model, Messages: chatMessages, Stream: &stream}
	err := p.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		out.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	return out.String(), nil
}
