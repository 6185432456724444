package scout

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// anthropicProvider implements Provider over the Anthropic Messages API.
type anthropicProvider struct {
	msg       *sdk.MessageService
	model     string
	maxTokens int64
}

func newAnthropicProvider(apiKey, model string) (*anthropicProvider, error) {
	if apiKey == "" {
		return nil, errors.New("scout: anthropic api key is required")
	}
	if model == "" {
		return nil, errors.New("scout: anthropic model is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &anthropicProvider{msg: &client.Messages, model: model, maxTokens: 4096}, nil
}

func (p *anthropicProvider) Name() string { return "anthropic" }

func (p *anthropicProvider) Complete(ctx context.Context, systemPrompt string, messages []rawMessage) (string, error) {
	msgs := make([]sdk.MessageParam, 0, len(messages))
	for _, m := range messages {
		block := sdk.NewTextBlock(m.Content)
		switch m.Role {
		case "assistant":
			msgs = append(msgs, sdk.NewAssistantMessage(block))
		default:
			msgs = append(msgs, sdk.NewUserMessage(block))
		}
	}
	if len(msgs) == 0 {
		return "", errors.New("scout: anthropic completion requires at least one message")
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		MaxTokens: p.maxTokens,
		Messages:  msgs,
	}
	if systemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: systemPrompt}}
	}

	resp, err := p.msg.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic messages.new: %w", err)
	}

	var out string
	for _, block := range resp.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out, nil
}
