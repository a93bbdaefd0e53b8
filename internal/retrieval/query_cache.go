package retrieval

import (
	"context"
	"sync"

	"scoperoute/internal/knowledge"

	"golang.org/x/sync/singleflight"
)

// QueryCache wraps an Embedder and remembers the most recent single-text
// embedding. Concurrent requests for the same text share one upstream call.
// The shared call ignores the cancellation of whichever caller started it;
// each caller stops waiting when its own context is done.
type QueryCache struct {
	embedder knowledge.Embedder
	group    singleflight.Group

	mu        sync.Mutex
	lastText  string
	lastValue []float32
}

func NewQueryCache(em knowledge.Embedder) *QueryCache {
	return &QueryCache{embedder: em}
}

func (c *QueryCache) Dimension() int {
	return c.embedder.Dimension()
}

func (c *QueryCache) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) != 1 {
		return c.embedder.Embed(ctx, texts)
	}
	text := texts[0]

	c.mu.Lock()
	if c.lastValue != nil && c.lastText == text {
		v := c.lastValue
		c.mu.Unlock()
		return [][]float32{v}, nil
	}
	c.mu.Unlock()

	ch := c.group.DoChan(text, func() (any, error) {
		vecs, err := c.embedder.Embed(context.WithoutCancel(ctx), []string{text})
		if err != nil {
			return nil, err
		}
		if len(vecs) == 0 {
			return []float32(nil), nil
		}
		c.mu.Lock()
		c.lastText, c.lastValue = text, vecs[0]
		c.mu.Unlock()
		return vecs[0], nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	vec := res.Val.([]float32)
	if vec == nil {
		return nil, nil
	}
	return [][]float32{vec}, nil
}
