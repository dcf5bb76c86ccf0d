// Package rtc connects sessions to the LiveKit media plane.
//
// It has two halves: [Service] wraps the LiveKit server APIs (room CRUD,
// data publishing, agent dispatch) over Twirp, and [Room] is a realtime
// media session speaking the media-gateway WebSocket protocol. Session
// controllers depend on the [Connector] and [Session] interfaces so tests
// can substitute fakes.
package rtc

import "context"

// DataMessage is a payload received on a subscribed data topic.
type DataMessage struct {
	Topic       string
	Payload     []byte
	Participant string
}

// EventKind classifies room lifecycle events.
type EventKind string

const (
	EventParticipantJoined EventKind = "participant_joined"
	EventParticipantLeft   EventKind = "participant_left"
	EventDisconnected      EventKind = "disconnected"
)

// Event is a room lifecycle notification.
type Event struct {
	Kind        EventKind
	Participant string
}

// AudioTrack is a locally published audio track.
type AudioTrack interface {
	// WriteFrame sends one PCM16 frame at the track's sample rate. Frames
	// written while the track is muted are dropped.
	WriteFrame(ctx context.Context, pcm []byte) error

	// SetMuted toggles the track's muted state on the media plane.
	SetMuted(ctx context.Context, muted bool) error

	// Unpublish removes the track from the room. The track is unusable
	// afterwards.
	Unpublish(ctx context.Context) error
}

// Session is a live connection to one room.
type Session interface {
	// Name returns the room name this session joined.
	Name() string

	// PublishAudioTrack publishes a local PCM16 audio track.
	PublishAudioTrack(ctx context.Context, name string, sampleRate int) (AudioTrack, error)

	// LocalTracks returns every currently published local track.
	LocalTracks() []AudioTrack

	// RemoteAudio delivers mixed remote PCM16 audio. The channel closes
	// when the session disconnects.
	RemoteAudio() <-chan []byte

	// SendData publishes a reliable data message on topic.
	SendData(ctx context.Context, topic string, payload []byte) error

	// SubscribeData returns a channel of messages for topic. The channel
	// closes when the session disconnects.
	SubscribeData(topic string) <-chan DataMessage

	// Events delivers participant and connection lifecycle events.
	Events() <-chan Event

	// Disconnect leaves the room and releases the connection.
	Disconnect(ctx context.Context) error
}

// Connector dials rooms. Implemented by [Dialer] and by test fakes.
type Connector interface {
	Dial(ctx context.Context, room, identity string) (Session, error)
}
