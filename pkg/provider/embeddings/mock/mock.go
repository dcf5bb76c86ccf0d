// Package mock provides a deterministic embeddings.Provider test double.
package mock

import (
	"context"
	"sync"

	"github.com/voxnexus/voxnexus/pkg/provider/embeddings"
)

// Compile-time assertion.
var _ embeddings.Provider = (*Provider)(nil)

// Provider is a mock embeddings.Provider. Configure EmbedFunc for custom
// behaviour; otherwise each text maps deterministically onto a unit vector
// derived from its bytes, so equal texts embed equally.
type Provider struct {
	mu sync.Mutex

	// EmbedFunc, when set, handles every Embed call.
	EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)

	// Dim is the vector dimension. Defaults to 1536.
	Dim int

	// Texts records every embedded text.
	Texts []string
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.Texts = append(p.Texts, texts...)
	fn := p.EmbedFunc
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, texts)
	}

	dim := p.Dimensions()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec := make([]float32, dim)
		for j, b := range []byte(t) {
			vec[j%dim] += float32(b) / 255
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	if p.Dim == 0 {
		return 1536
	}
	return p.Dim
}
