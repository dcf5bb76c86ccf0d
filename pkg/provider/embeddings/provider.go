// Package embeddings defines the Provider interface for text embedding
// backends used by the knowledge-retrieval tool.
package embeddings

import "context"

// Provider is the abstraction over any embeddings backend.
//
// The query embedding must come from the same model that embedded the
// knowledge chunks, or cosine similarity is meaningless; Dimensions lets
// callers verify the match against the database schema.
type Provider interface {
	// Embed returns one embedding vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions reports the vector dimension this provider produces.
	Dimensions() int
}
