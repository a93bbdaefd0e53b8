package knowledge

import (
	"context"
	"fmt"
	"strings"
)

type EmbedderOptions struct {
	Provider  string
	APIKey    string
	Model     string
	Dimension int
	BaseURL   string
}

var defaultEmbeddingModels = map[string]string{
	"gemini": "gemini-embedding-001",
	"openai": "text-embedding-3-small",
	"ollama": "nomic-embed-text",
}

func NewEmbedder(ctx context.Context, opts EmbedderOptions) (Embedder, error) {
	provider := strings.ToLower(strings.TrimSpace(opts.Provider))
	if provider == "" {
		provider = "gemini"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultEmbeddingModels[provider]
	}

	switch provider {
	case "gemini":
		return NewGeminiEmbedder(ctx, opts.APIKey, model, opts.Dimension)
	case "openai":
		return NewOpenAIEmbedder(opts.APIKey, model, opts.Dimension, opts.BaseURL), nil
	case "ollama":
		return NewOllamaEmbedder(model, opts.Dimension, opts.BaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported embedder provider: %s", opts.Provider)
	}
}
