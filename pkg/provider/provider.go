// Package provider defines the error taxonomy shared by all STT, LLM, TTS,
// VAD, and embeddings provider adapters.
//
// Adapters retry transient failures internally with bounded backoff; only
// after exhausting that budget do they surface [ErrUnavailable]. Missing or
// malformed credentials surface [ErrMisconfigured] immediately. The session
// controllers use errors.Is against these sentinels to choose a degradation
// path (fallback utterance, fallback TTS, or turn skip).
package provider

import "errors"

// ErrUnavailable indicates the underlying service returned a non-success
// status after the adapter exhausted its internal retry budget.
var ErrUnavailable = errors.New("provider unavailable")

// ErrMisconfigured indicates required credentials or configuration are
// absent or malformed. Retrying cannot help.
var ErrMisconfigured = errors.New("provider misconfigured")
