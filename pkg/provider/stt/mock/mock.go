// Package mock provides a scriptable stt.Provider test double.
package mock

import (
	"context"
	"sync"

	"github.com/voxnexus/voxnexus/pkg/provider/stt"
	"github.com/voxnexus/voxnexus/pkg/types"
)

// Compile-time assertion.
var _ stt.Provider = (*Provider)(nil)

// Provider is a mock stt.Provider. Configure TranscribeFunc for custom
// behaviour; otherwise each call pops the next queued transcript.
type Provider struct {
	mu sync.Mutex

	// TranscribeFunc, when set, handles every Transcribe call.
	TranscribeFunc func(ctx context.Context, pcm []byte, cfg stt.Config) (types.Transcript, error)

	// Queue holds transcripts returned in order when TranscribeFunc is nil.
	// When exhausted, an empty final transcript is returned.
	Queue []types.Transcript

	// Calls records the PCM lengths of every Transcribe invocation.
	Calls []int
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, cfg stt.Config) (types.Transcript, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, len(pcm))
	fn := p.TranscribeFunc
	var next types.Transcript
	if fn == nil {
		if len(p.Queue) > 0 {
			next = p.Queue[0]
			p.Queue = p.Queue[1:]
		} else {
			next = types.Transcript{IsFinal: true}
		}
	}
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, pcm, cfg)
	}
	return next, nil
}

// CallCount returns the number of Transcribe invocations so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
