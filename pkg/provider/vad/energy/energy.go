// Package energy provides an energy-based VAD engine.
//
// Classification combines short-term RMS energy with a zero-crossing-rate
// check to reject steady line noise. The aggressiveness level maps to an RMS
// threshold: higher levels require more energy before a frame counts as
// voiced, mirroring the 0–3 scale of the WebRTC VAD.
package energy

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/voxnexus/voxnexus/pkg/provider/vad"
	"github.com/voxnexus/voxnexus/pkg/types"
)

// rmsThresholds maps aggressiveness 0–3 to the minimum RMS (in 16-bit PCM
// units) for a voiced frame. 32767 is full scale.
var rmsThresholds = [4]float64{150, 300, 500, 700}

// maxVoicedZCR is the zero-crossing-rate ceiling for voiced frames. Voiced
// speech crosses zero far less often than broadband noise.
const maxVoicedZCR = 0.35

// Compile-time assertions.
var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*session)(nil)
)

// Engine implements vad.Engine.
type Engine struct{}

// New returns a new energy VAD engine.
func New() *Engine { return &Engine{} }

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy vad: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.Aggressiveness < 0 || cfg.Aggressiveness > 3 {
		return nil, fmt.Errorf("energy vad: aggressiveness %d out of range [0,3]", cfg.Aggressiveness)
	}
	frameMs := cfg.FrameSizeMs
	if frameMs <= 0 {
		frameMs = 20
	}
	return &session{
		threshold:  rmsThresholds[cfg.Aggressiveness],
		frameBytes: cfg.SampleRate * frameMs / 1000 * 2,
	}, nil
}

// session tracks whether the previous frame was voiced so transitions
// (start/end) can be distinguished from continuations.
type session struct {
	threshold  float64
	frameBytes int
	inSpeech   bool
}

// ProcessFrame implements vad.SessionHandle.
func (s *session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	if len(frame) != s.frameBytes {
		return types.VADEvent{}, fmt.Errorf("energy vad: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	rms, zcr := analyze(frame)
	voiced := rms >= s.threshold && zcr <= maxVoicedZCR

	// Probability is a soft margin around the threshold, clamped to [0,1].
	prob := rms / (2 * s.threshold)
	if prob > 1 {
		prob = 1
	}

	var evt types.VADEventType
	switch {
	case voiced && !s.inSpeech:
		evt = types.VADSpeechStart
	case voiced && s.inSpeech:
		evt = types.VADSpeechContinue
	case !voiced && s.inSpeech:
		evt = types.VADSpeechEnd
	default:
		evt = types.VADSilence
	}
	s.inSpeech = voiced

	return types.VADEvent{Type: evt, Probability: prob}, nil
}

// Reset implements vad.SessionHandle.
func (s *session) Reset() { s.inSpeech = false }

// Close implements vad.SessionHandle.
func (s *session) Close() error { return nil }

// analyze returns the RMS energy and zero-crossing rate of a 16-bit
// little-endian mono PCM frame.
func analyze(frame []byte) (rms, zcr float64) {
	n := len(frame) / 2
	if n == 0 {
		return 0, 0
	}
	var (
		sum       float64
		crossings int
		prev      int16
	)
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(frame[i*2:]))
		v := float64(sample)
		sum += v * v
		if i > 0 && (sample >= 0) != (prev >= 0) {
			crossings++
		}
		prev = sample
	}
	rms = math.Sqrt(sum / float64(n))
	zcr = float64(crossings) / float64(n)
	return rms, zcr
}
