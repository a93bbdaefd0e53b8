package storage

import (
	"context"

	"scoperoute/internal/knowledge"
)

// Store combines passage persistence and per-cube similarity search.
type Store interface {
	PassageStore
	VectorStore
	Close() error
}

// PassageStore defines operations for persisting cube passages.
type PassageStore interface {
	// SavePassages upserts passages with their embeddings.
	SavePassages(ctx context.Context, items []knowledge.VectorItem) error

	// ReplaceCube atomically replaces every passage of a cube with items.
	ReplaceCube(ctx context.Context, cube string, items []knowledge.VectorItem) (int64, error)

	// CountByCube reports how many passages each cube holds.
	CountByCube(ctx context.Context) (map[string]int, error)
}

// VectorStore defines semantic search restricted to one cube.
type VectorStore interface {
	// SearchCube finds the topK passages of a cube most similar to the vector.
	SearchCube(ctx context.Context, cube string, vector []float32, topK int) ([]knowledge.Passage, error)
}
