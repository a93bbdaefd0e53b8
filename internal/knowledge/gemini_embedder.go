package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	geminiEmbedBatchSize  = 50
	geminiEmbedDelay      = 700 * time.Millisecond
	geminiEmbedRetryDelay = 6 * time.Second
	geminiEmbedMaxRetries = 5
)

// GeminiEmbedder implements Embedder using Google's Gemini API.
type GeminiEmbedder struct {
	client    *genai.Client
	model     string
	dimension int
}

func NewGeminiEmbedder(ctx context.Context, apiKey string, modelName string, dim int) (*GeminiEmbedder, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GeminiEmbedder{
		client:    client,
		model:     modelName,
		dimension: dim,
	}, nil
}

func (g *GeminiEmbedder) Dimension() int {
	return g.dimension
}

func (g *GeminiEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return embedInBatches(ctx, texts, geminiEmbedBatchSize, geminiEmbedDelay, g.embedBatch)
}

func (g *GeminiEmbedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	var config *genai.EmbedContentConfig
	if g.dimension > 0 {
		dim := int32(g.dimension)
		config = &genai.EmbedContentConfig{OutputDimensionality: &dim}
	}

	contents := make([]*genai.Content, 0, len(batch))
	for _, text := range batch {
		contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
	}

	for attempt := 0; ; attempt++ {
		res, err := g.client.Models.EmbedContent(ctx, g.model, contents, config)
		if err == nil {
			out := make([][]float32, 0, len(res.Embeddings))
			for _, emb := range res.Embeddings {
				out = append(out, emb.Values)
			}
			return out, nil
		}
		if !isRateLimitError(err) || attempt == geminiEmbedMaxRetries {
			return nil, fmt.Errorf("failed to embed text: %w", err)
		}
		if !waitOrCancel(ctx, geminiEmbedRetryDelay) {
			return nil, ctx.Err()
		}
	}
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code == 429 {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "429") || strings.Contains(s, "RESOURCE_EXHAUSTED") || strings.Contains(s, "quota")
}
