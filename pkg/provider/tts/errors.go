package tts

import "errors"

// ErrReferenceAudio indicates a voice-cloning backend could not load the
// reference audio for the requested voice profile. The session factory falls
// back to cloud TTS once per session when it sees this error.
var ErrReferenceAudio = errors.New("tts: reference audio unavailable")
