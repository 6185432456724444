package scout

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// openAIProvider implements Provider over the OpenAI-compatible Chat
// Completions API. OpenRouter speaks the same wire protocol, so this type
// is reused for both providers with a different BaseURL (spec's scout
// Providers map distinguishes them by name, not by implementation).
type openAIProvider struct {
	name   string
	client *openai.Client
	model  string
}

func newOpenAIProvider(name, apiKey, model, baseURL string) (*openAIProvider, error) {
	if model == "" {
		return nil, fmt.Errorf("scout: %s model is required", name)
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if apiKey == "" && baseURL == "" {
		return nil, fmt.Errorf("scout: %s api key is required", name)
	}
	return &openAIProvider{name: name, client: openai.NewClientWithConfig(cfg), model: model}, nil
}

func (p *openAIProvider) Name() string { return p.name }

func (p *openAIProvider) Complete(ctx context.Context, systemPrompt string, messages []rawMessage) (string, error) {
	chatMessages := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		chatMessages = append(chatMessages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		if m.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		chatMessages = append(chatMessages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: chatMessages,
	})
	if err != nil {
		return "", fmt.Errorf("%s chat completion: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("scout: " + p.name + " returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
