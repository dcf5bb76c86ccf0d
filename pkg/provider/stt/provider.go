// Package stt defines the Provider interface for Speech-to-Text backends.
//
// The turn engine captures one VAD-gated utterance at a time, so the primary
// entry point is batch transcription of a complete PCM buffer. Providers that
// are natively streaming can still implement this contract by submitting the
// buffer as a single segment.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"

	"github.com/voxnexus/voxnexus/pkg/types"
)

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe converts a complete utterance of 16-bit little-endian mono
	// PCM into text. cfg describes the audio format and language hints.
	//
	// The returned transcript always has IsFinal set; confidence may be zero
	// when the backend does not report one. Transcription of silence or
	// unintelligible audio returns an empty Text with a nil error.
	//
	// Errors wrap [provider.ErrUnavailable] after exhausting the adapter's
	// retry budget and [provider.ErrMisconfigured] for credential problems.
	Transcribe(ctx context.Context, pcm []byte, cfg Config) (types.Transcript, error)
}

// Config describes the audio handed to a single Transcribe call.
type Config struct {
	// SampleRate of the PCM data in Hz (e.g., 8000 for telephony capture).
	SampleRate int

	// Channels of the PCM data. Telephony capture is mono.
	Channels int

	// Language is a BCP-47 hint (e.g., "en"). Empty lets the backend detect.
	Language string
}
