package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyCompletion is returned by a Composer when the model produced no text.
var ErrEmptyCompletion = errors.New("model returned an empty completion")

// Embedder defines the interface for converting text to vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Composer turns a prompt into a single piece of generated text.
// Implementations return the model output as-is.
type Composer interface {
	Compose(ctx context.Context, prompt string) (string, error)
}

// Passage is one unit of evidence stored under a cube.
type Passage struct {
	ID     string `json:"id"`
	Cube   string `json:"cube"`
	Source string `json:"source,omitempty"`
	Title  string `json:"title,omitempty"`
	Text   string `json:"text"`
}

// ToEmbeddableText renders the passage for embedding models.
func (p Passage) ToEmbeddableText() string {
	var sb strings.Builder
	if p.Title != "" {
		fmt.Fprintf(&sb, "Title: %s\n", p.Title)
	}
	if p.Source != "" {
		fmt.Fprintf(&sb, "Source: %s\n", p.Source)
	}
	sb.WriteString(p.Text)
	return sb.String()
}

// VectorItem represents a passage paired with its embedding.
type VectorItem struct {
	Passage   Passage
	Embedding []float32
}
