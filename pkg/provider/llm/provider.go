// Package llm defines the Provider interface for Large Language Model backends.
//
// The turn engine calls Complete once per turn (phone cadence favours short,
// bounded replies over token streaming); StreamCompletion exists for callers
// that want to pipe text into TTS as it is generated.
//
// Implementations must be safe for concurrent use.
package llm

import (
	"context"

	"github.com/voxnexus/voxnexus/pkg/types"
)

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete performs a single blocking completion and returns the full
	// response, including any tool calls the model requested.
	//
	// Errors wrap [provider.ErrUnavailable] after exhausting the adapter's
	// retry budget and [provider.ErrMisconfigured] for credential problems.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// StreamCompletion starts a streaming completion and returns a channel of
	// chunks. The channel is closed when the completion finishes or ctx is
	// cancelled. A chunk with FinishReason "error" carries the failure text.
	//
	// Returns a non-nil error only if the stream cannot be started.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Capabilities reports what the configured model supports.
	Capabilities() types.ModelCapabilities
}
