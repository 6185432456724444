package scout

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

// googleProvider implements Provider over the Gemini API via the genai SDK.
type googleProvider struct {
	client *genai.Client
	model  string
}

func newGoogleProvider(ctx context.Context, apiKey, model string) (*googleProvider, error) {
	if apiKey == "" {
		return nil, errors.New("scout: google api key is required")
	}
	if model == "" {
		return nil, errors.New("scout: google model is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("scout: creating genai client: %w", err)
	}
	return &googleProvider{client: client, model: model}, nil
}

func (p *googleProvider) Name() string { return "google" }

func (p *googleProvider) Complete(ctx context.Context, systemPrompt string, messages []rawMessage) (string, error) {
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		role := genai.RoleUser
		if m.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	if len(contents) == 0 {
		return "", errors.New("scout: google completion requires at least one message")
	}

	var cfg *genai.GenerateContentConfig
	if systemPrompt != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		}
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("genai generate content: %w", err)
	}
	return resp.Text(), nil
}
