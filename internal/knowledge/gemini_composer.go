package knowledge

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiComposer implements Composer using Gemini text generation.
type GeminiComposer struct {
	client *genai.Client
	model  string
}

func NewGeminiComposer(ctx context.Context, apiKey string, modelName string) (*GeminiComposer, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GeminiComposer{
		client: client,
		model:  modelName,
	}, nil
}

func (c *GeminiComposer) Compose(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}
