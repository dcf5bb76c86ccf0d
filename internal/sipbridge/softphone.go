// Package sipbridge implements the SIP session controller: extension
// registration, auto-answered inbound calls driving a turn engine, and the
// takeover swap that bridges the call into a LiveKit room for a human
// operator.
package sipbridge

import (
	"context"

	"github.com/voxnexus/voxnexus/internal/turn"
)

// RegState is the registration lifecycle of one SIP account.
type RegState string

const (
	RegUnregistered RegState = "UNREGISTERED"
	RegRegistering  RegState = "REGISTERING"
	RegRegistered   RegState = "REGISTERED"
	RegFailed       RegState = "FAILED"
)

// AccountConfig describes one SIP account to register. Realm "*" accepts
// any challenge realm.
type AccountConfig struct {
	ID            string
	Server        string
	Port          int
	Transport     string
	Username      string
	Password      string
	Realm         string
	DisplayName   string
	OutboundProxy string
}

// AccountEvent is a registration state transition or an incoming call.
type AccountEvent struct {
	State RegState
	Error string

	// Call is non-nil for incoming-call events; State is empty then.
	Call Call
}

// Account is one registered SIP identity.
type Account interface {
	// Events delivers registration transitions and incoming calls. The
	// channel closes when the account shuts down.
	Events() <-chan AccountEvent

	// Refresh re-sends the REGISTER request.
	Refresh(ctx context.Context) error

	// Unregister sends a zero-expiry REGISTER and releases the account.
	Unregister(ctx context.Context) error
}

// CallEventType classifies call progress events.
type CallEventType string

const (
	CallMediaActive  CallEventType = "media_active"
	CallDisconnected CallEventType = "disconnected"
)

// CallEvent is one call progress notification.
type CallEvent struct {
	Type CallEventType
}

// Call is one SIP call leg.
type Call interface {
	// ID is the SIP Call-ID.
	ID() string

	// RemoteURI is the caller's SIP URI.
	RemoteURI() string

	// RemoteName is the caller's display name, possibly empty.
	RemoteName() string

	// Answer sends 200 OK.
	Answer(ctx context.Context) error

	// Hangup terminates the call. Safe to call more than once.
	Hangup(ctx context.Context) error

	// Events delivers call progress; the channel closes after
	// CallDisconnected.
	Events() <-chan CallEvent

	// Media returns the call's audio surface. Valid once CallMediaActive
	// has been observed.
	Media() CallMedia
}

// CallMedia is the audio surface of an answered call. It extends the turn
// engine's media surface with the recorder file the takeover bridge tails.
type CallMedia interface {
	turn.Media

	// RecorderPath is the WAV file the stack continuously appends caller
	// audio to for the lifetime of the call.
	RecorderPath() string
}

// Softphone is the native SIP stack boundary. Implementations wrap a
// userspace SIP/RTP engine; tests substitute fakes.
type Softphone interface {
	// Register creates and registers an account. The returned Account
	// starts in RegRegistering.
	Register(ctx context.Context, cfg AccountConfig) (Account, error)
}
