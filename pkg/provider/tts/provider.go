// Package tts defines the Provider interface for Text-to-Speech backends.
//
// The turn engine synthesizes one bounded reply at a time (replies are
// truncated to phone cadence before synthesis), so the contract is a batch
// call returning the complete PCM clip plus its native sample rate. The
// caller resamples to the wire rate.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/voxnexus/voxnexus/pkg/types"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize converts text into a complete audio clip using the given
	// voice. The clip is 16-bit little-endian mono PCM at the provider's
	// native sample rate.
	//
	// Errors wrap [provider.ErrUnavailable] after exhausting the adapter's
	// retry budget, [provider.ErrMisconfigured] for credential problems, and
	// [ErrReferenceAudio] when a voice-cloning backend cannot load the
	// voice's reference audio.
	Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (Audio, error)
}

// Audio is a synthesized PCM clip.
type Audio struct {
	// PCM is 16-bit little-endian mono audio data.
	PCM []byte

	// SampleRate is the clip's native rate in Hz (e.g., 24000 for OpenAI TTS).
	SampleRate int
}
