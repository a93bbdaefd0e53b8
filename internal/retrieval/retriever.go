package retrieval

import (
	"context"
	"fmt"

	"scoperoute/internal/knowledge"
	"scoperoute/internal/storage"
	"scoperoute/internal/taxonomy"
)

// Retriever returns evidence passages for a query from one cube sub-index.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]knowledge.Passage, error)
}

// RetrieverFunc adapts a function to Retriever.
type RetrieverFunc func(ctx context.Context, query string) ([]knowledge.Passage, error)

func (f RetrieverFunc) Retrieve(ctx context.Context, query string) ([]knowledge.Passage, error) {
	return f(ctx, query)
}

// Binding pairs a cube with the retriever serving it.
type Binding struct {
	Cube      string
	Retriever Retriever
}

// Config controls per-cube retrieval.
type Config struct {
	TopK int
}

func DefaultConfig() Config {
	return Config{TopK: 5}
}

// CubeRetriever embeds the query and searches a single cube of the store.
type CubeRetriever struct {
	cube     string
	embedder knowledge.Embedder
	store    storage.VectorStore
	cfg      Config
}

func NewCubeRetriever(cube string, em knowledge.Embedder, store storage.VectorStore, cfg Config) *CubeRetriever {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultConfig().TopK
	}
	return &CubeRetriever{
		cube:     cube,
		embedder: em,
		store:    store,
		cfg:      cfg,
	}
}

func (r *CubeRetriever) Cube() string {
	return r.cube
}

func (r *CubeRetriever) Retrieve(ctx context.Context, query string) ([]knowledge.Passage, error) {
	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query for cube %s: %w", r.cube, err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embed query for cube %s: no vector returned", r.cube)
	}

	passages, err := r.store.SearchCube(ctx, r.cube, vectors[0], r.cfg.TopK)
	if err != nil {
		return nil, fmt.Errorf("search cube %s: %w", r.cube, err)
	}
	return passages, nil
}

// ForTaxonomy builds one CubeRetriever per cube of the table, in table order.
// All retrievers share one query-embedding cache, so a fan-out over every
// cube embeds the question once.
func ForTaxonomy(t *taxonomy.Table, em knowledge.Embedder, store storage.VectorStore, cfg Config) []Binding {
	shared := NewQueryCache(em)
	cubes := t.Cubes()
	out := make([]Binding, 0, len(cubes))
	for _, cube := range cubes {
		out = append(out, Binding{
			Cube:      cube,
			Retriever: NewCubeRetriever(cube, shared, store, cfg),
		})
	}
	return out
}
