package knowledge

import (
	"context"
	"fmt"
	"strings"
)

type ComposerOptions struct {
	Provider string
	APIKey   string
	Model    string
	BaseURL  string
}

var defaultComposerModels = map[string]string{
	"gemini": "gemini-2.5-flash-lite",
	"openai": "gpt-4o-mini",
}

func NewComposer(ctx context.Context, opts ComposerOptions) (Composer, error) {
	provider := strings.ToLower(strings.TrimSpace(opts.Provider))
	if provider == "" {
		provider = "gemini"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultComposerModels[provider]
	}

	switch provider {
	case "gemini":
		return NewGeminiComposer(ctx, opts.APIKey, model)
	case "openai":
		return NewOpenAIComposer(opts.APIKey, model, opts.BaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported composer provider: %s", opts.Provider)
	}
}
