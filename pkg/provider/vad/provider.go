// Package vad defines the Engine interface for voice activity detection.
//
// The turn engine feeds 20 ms PCM frames through a VAD session to gate
// capture: end-of-utterance is declared by the caller from the sequence of
// per-frame events, not by the VAD itself.
package vad

import (
	"github.com/voxnexus/voxnexus/pkg/types"
)

// Engine creates per-call VAD sessions.
type Engine interface {
	// NewSession opens a detection session with the given configuration.
	NewSession(cfg Config) (SessionHandle, error)
}

// SessionHandle is a live VAD session. Sessions are single-call and not safe
// for concurrent use; each turn engine owns exactly one.
type SessionHandle interface {
	// ProcessFrame classifies one PCM frame (16-bit little-endian mono,
	// FrameSizeMs long at SampleRate) and returns the detection event.
	ProcessFrame(frame []byte) (types.VADEvent, error)

	// Reset clears accumulated state, e.g. after a turn completes.
	Reset()

	// Close releases session resources.
	Close() error
}

// Config describes a VAD session.
type Config struct {
	// SampleRate of incoming frames in Hz.
	SampleRate int

	// FrameSizeMs is the frame duration; the telephony pipeline uses 20.
	FrameSizeMs int

	// Aggressiveness selects how strictly frames are classified as speech,
	// 0 (lenient) to 3 (strict). The turn engine uses 3.
	Aggressiveness int
}
