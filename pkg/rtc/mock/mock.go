// Package mock provides in-memory rtc.Connector, rtc.Session, and
// rtc.AudioTrack implementations for controller tests. Sessions record
// published tracks and sent data, and expose injectable channels for
// remote audio, data topics, and lifecycle events.
package mock

import (
	"context"
	"sync"

	"github.com/voxnexus/voxnexus/pkg/rtc"
)

// Compile-time assertions.
var _ rtc.Connector = (*Connector)(nil)
var _ rtc.Session = (*Session)(nil)
var _ rtc.AudioTrack = (*Track)(nil)

// Connector hands out mock sessions and records every dial.
type Connector struct {
	mu sync.Mutex

	// DialFunc overrides Dial entirely when set.
	DialFunc func(ctx context.Context, room, identity string) (rtc.Session, error)

	// Sessions holds every session handed out, in dial order.
	Sessions []*Session
}

// Dial implements rtc.Connector.
func (c *Connector) Dial(ctx context.Context, room, identity string) (rtc.Session, error) {
	if c.DialFunc != nil {
		return c.DialFunc(ctx, room, identity)
	}
	s := NewSession(room)
	s.Identity = identity
	c.mu.Lock()
	c.Sessions = append(c.Sessions, s)
	c.mu.Unlock()
	return s, nil
}

// Last returns the most recently dialed session, or nil.
func (c *Connector) Last() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Sessions) == 0 {
		return nil
	}
	return c.Sessions[len(c.Sessions)-1]
}

// SentData records one SendData call.
type SentData struct {
	Topic   string
	Payload []byte
}

// Session is an in-memory rtc.Session.
type Session struct {
	RoomName string
	Identity string

	mu           sync.Mutex
	tracks       []*Track
	sent         []SentData
	dataSubs     map[string]chan rtc.DataMessage
	remote       chan []byte
	events       chan rtc.Event
	disconnected bool

	// PublishErr, when set, fails the next PublishAudioTrack call.
	PublishErr error
}

// NewSession returns a connected mock session for room.
func NewSession(room string) *Session {
	return &Session{
		RoomName: room,
		dataSubs: make(map[string]chan rtc.DataMessage),
		remote:   make(chan []byte, 64),
		events:   make(chan rtc.Event, 16),
	}
}

// Name implements rtc.Session.
func (s *Session) Name() string { return s.RoomName }

// PublishAudioTrack implements rtc.Session.
func (s *Session) PublishAudioTrack(ctx context.Context, name string, sampleRate int) (rtc.AudioTrack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PublishErr != nil {
		err := s.PublishErr
		s.PublishErr = nil
		return nil, err
	}
	t := &Track{TrackName: name, SampleRate: sampleRate}
	s.tracks = append(s.tracks, t)
	return t, nil
}

// LocalTracks implements rtc.Session.
func (s *Session) LocalTracks() []rtc.AudioTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]rtc.AudioTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		if !t.Unpublished() {
			out = append(out, t)
		}
	}
	return out
}

// RemoteAudio implements rtc.Session.
func (s *Session) RemoteAudio() <-chan []byte { return s.remote }

// PushRemoteAudio injects a remote PCM frame, as the gateway would.
func (s *Session) PushRemoteAudio(pcm []byte) { s.remote <- pcm }

// SendData implements rtc.Session.
func (s *Session) SendData(ctx context.Context, topic string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, SentData{Topic: topic, Payload: payload})
	return nil
}

// Sent returns every SendData call so far.
func (s *Session) Sent() []SentData {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentData, len(s.sent))
	copy(out, s.sent)
	return out
}

// SubscribeData implements rtc.Session.
func (s *Session) SubscribeData(topic string) <-chan rtc.DataMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.dataSubs[topic]
	if !ok {
		ch = make(chan rtc.DataMessage, 16)
		s.dataSubs[topic] = ch
	}
	return ch
}

// PushData injects an inbound data message on topic. Messages on topics
// nobody subscribed to are dropped, matching the real session.
func (s *Session) PushData(topic string, payload []byte, participant string) {
	s.mu.Lock()
	ch, ok := s.dataSubs[topic]
	s.mu.Unlock()
	if !ok {
		return
	}
	ch <- rtc.DataMessage{Topic: topic, Payload: payload, Participant: participant}
}

// Events implements rtc.Session.
func (s *Session) Events() <-chan rtc.Event { return s.events }

// PushEvent injects a lifecycle event.
func (s *Session) PushEvent(ev rtc.Event) { s.events <- ev }

// Disconnect implements rtc.Session.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disconnected {
		return nil
	}
	s.disconnected = true
	close(s.remote)
	close(s.events)
	for _, ch := range s.dataSubs {
		close(ch)
	}
	s.dataSubs = map[string]chan rtc.DataMessage{}
	return nil
}

// Disconnected reports whether Disconnect has been called.
func (s *Session) Disconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

// Tracks returns every track ever published on this session, including
// unpublished ones.
func (s *Session) Tracks() []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// Track is an in-memory rtc.AudioTrack recording written frames.
type Track struct {
	TrackName  string
	SampleRate int

	mu          sync.Mutex
	frames      [][]byte
	muted       bool
	unpublished bool
}

// WriteFrame implements rtc.AudioTrack. Frames written while muted are
// dropped, matching the real track.
func (t *Track) WriteFrame(ctx context.Context, pcm []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.muted || t.unpublished {
		return nil
	}
	frame := make([]byte, len(pcm))
	copy(frame, pcm)
	t.frames = append(t.frames, frame)
	return nil
}

// SetMuted implements rtc.AudioTrack.
func (t *Track) SetMuted(ctx context.Context, muted bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.muted = muted
	return nil
}

// Unpublish implements rtc.AudioTrack.
func (t *Track) Unpublish(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unpublished = true
	return nil
}

// Frames returns every frame written so far.
func (t *Track) Frames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.frames))
	copy(out, t.frames)
	return out
}

// Muted reports the track's muted state.
func (t *Track) Muted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.muted
}

// Unpublished reports whether Unpublish has been called.
func (t *Track) Unpublished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unpublished
}
