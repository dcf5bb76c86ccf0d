package audio

import "time"

// Telephony and WebRTC wire formats. The SIP leg carries 8 kHz mono 16-bit
// PCM in 20 ms frames; the WebRTC leg carries 48 kHz mono 16-bit PCM.
const (
	// TelephonyRate is the SIP call-media sample rate in Hz.
	TelephonyRate = 8000

	// WebRTCRate is the room-media sample rate in Hz.
	WebRTCRate = 48000

	// FrameDuration is the wire frame length on both legs.
	FrameDuration = 20 * time.Millisecond

	// TelephonyFrameBytes is one 20 ms frame at 8 kHz mono 16-bit (320 bytes).
	TelephonyFrameBytes = TelephonyRate / 50 * 2

	// WebRTCFrameBytes is one 20 ms frame at 48 kHz mono 16-bit (1920 bytes).
	WebRTCFrameBytes = WebRTCRate / 50 * 2
)

// Frame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport — captured from call media,
// classified by VAD, shuttled across the takeover bridge, and played back.
type Frame struct {
	// PCM audio data, 16-bit little-endian signed.
	Data []byte

	// SampleRate in Hz (8000 for the SIP leg, 48000 for the WebRTC leg).
	SampleRate int

	// Channels: 1 for mono telephony, 2 for stereo operator audio.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}
