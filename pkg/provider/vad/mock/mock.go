// Package mock provides a scriptable vad.Engine test double.
package mock

import (
	"sync"

	"github.com/voxnexus/voxnexus/pkg/provider/vad"
	"github.com/voxnexus/voxnexus/pkg/types"
)

// Compile-time assertions.
var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

// Engine is a mock vad.Engine whose sessions replay a scripted event sequence.
type Engine struct {
	// Script is copied into each new session. When a session exhausts its
	// script, further frames classify as silence.
	Script []types.VADEventType
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	script := make([]types.VADEventType, len(e.Script))
	copy(script, e.Script)
	return &Session{script: script}, nil
}

// Session replays the engine's scripted events, one per frame.
type Session struct {
	mu     sync.Mutex
	script []types.VADEventType
	pos    int
	Resets int
}

// ProcessFrame implements vad.SessionHandle.
func (s *Session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.script) {
		return types.VADEvent{Type: types.VADSilence}, nil
	}
	evt := s.script[s.pos]
	s.pos++
	prob := 0.0
	if evt == types.VADSpeechStart || evt == types.VADSpeechContinue {
		prob = 0.9
	}
	return types.VADEvent{Type: evt, Probability: prob}, nil
}

// Reset implements vad.SessionHandle.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Resets++
}

// Close implements vad.SessionHandle.
func (s *Session) Close() error { return nil }
