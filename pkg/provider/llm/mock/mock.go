// Package mock provides a scriptable llm.Provider test double.
package mock

import (
	"context"
	"sync"

	"github.com/voxnexus/voxnexus/pkg/provider/llm"
	"github.com/voxnexus/voxnexus/pkg/types"
)

// Compile-time assertion.
var _ llm.Provider = (*Provider)(nil)

// Provider is a mock llm.Provider. Configure CompleteFunc for custom
// behaviour; otherwise each Complete call pops the next queued response.
type Provider struct {
	mu sync.Mutex

	// CompleteFunc, when set, handles every Complete call.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// Queue holds responses returned in order when CompleteFunc is nil.
	// When exhausted, a canned "Okay." response is returned.
	Queue []*llm.CompletionResponse

	// Requests records every CompletionRequest received.
	Requests []llm.CompletionRequest
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.Requests = append(p.Requests, req)
	fn := p.CompleteFunc
	var next *llm.CompletionResponse
	if fn == nil {
		if len(p.Queue) > 0 {
			next = p.Queue[0]
			p.Queue = p.Queue[1:]
		} else {
			next = &llm.CompletionResponse{Content: "Okay."}
		}
	}
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return next, nil
}

// StreamCompletion implements llm.Provider by splitting the Complete result
// into a single chunk.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan llm.Chunk, 2)
	ch <- llm.Chunk{Text: resp.Content, ToolCalls: resp.ToolCalls, FinishReason: "stop"}
	close(ch)
	return ch, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return types.ModelCapabilities{
		SupportsToolCalling: true,
		SupportsStreaming:   true,
		ContextWindow:       128_000,
		MaxOutputTokens:     4_096,
	}
}

// LastRequest returns the most recent CompletionRequest, or a zero value if
// none has been received.
func (p *Provider) LastRequest() llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Requests) == 0 {
		return llm.CompletionRequest{}
	}
	return p.Requests[len(p.Requests)-1]
}
