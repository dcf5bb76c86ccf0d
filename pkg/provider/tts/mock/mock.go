// Package mock provides a scriptable tts.Provider test double.
package mock

import (
	"context"
	"sync"

	"github.com/voxnexus/voxnexus/pkg/provider/tts"
	"github.com/voxnexus/voxnexus/pkg/types"
)

// Compile-time assertion.
var _ tts.Provider = (*Provider)(nil)

// Provider is a mock tts.Provider. Configure SynthesizeFunc for custom
// behaviour; otherwise it returns one second of silence per call at Rate.
type Provider struct {
	mu sync.Mutex

	// SynthesizeFunc, when set, handles every Synthesize call.
	SynthesizeFunc func(ctx context.Context, text string, voice types.VoiceProfile) (tts.Audio, error)

	// Rate is the sample rate of the canned silence clip. Defaults to 24000.
	Rate int

	// Texts records every synthesized text in order.
	Texts []string
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (tts.Audio, error) {
	p.mu.Lock()
	p.Texts = append(p.Texts, text)
	fn := p.SynthesizeFunc
	rate := p.Rate
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, text, voice)
	}
	if rate == 0 {
		rate = 24000
	}
	return tts.Audio{PCM: make([]byte, rate*2), SampleRate: rate}, nil
}

// LastText returns the most recently synthesized text, or "" if none.
func (p *Provider) LastText() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Texts) == 0 {
		return ""
	}
	return p.Texts[len(p.Texts)-1]
}

// CallCount returns the number of Synthesize invocations so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Texts)
}
