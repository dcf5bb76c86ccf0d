package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/coder/websocket"
)

// Compile-time assertions for the gateway implementations.
var _ Session = (*Room)(nil)
var _ AudioTrack = (*localTrack)(nil)
var _ Connector = (*Dialer)(nil)

const (
	remoteAudioBuffer = 256
	dataBuffer        = 16
	eventBuffer       = 16
)

// Dialer connects to rooms through the media gateway, which terminates
// WebRTC on behalf of this process and relays audio and data frames over a
// WebSocket.
type Dialer struct {
	// GatewayURL is the media gateway base URL (e.g., "wss://gw.example.com").
	GatewayURL string

	// Issuer signs the join token presented to the gateway.
	Issuer *TokenIssuer

	Logger *slog.Logger
}

// Dial joins room as identity and returns the live session. Audio
// subscription is automatic; the caller publishes tracks explicitly.
func (d *Dialer) Dial(ctx context.Context, room, identity string) (Session, error) {
	token, err := d.Issuer.JoinToken(room, identity)
	if err != nil {
		return nil, err
	}

	wsURL := fmt.Sprintf("%s/rooms/%s/ws?identity=%s&token=%s",
		d.GatewayURL, url.PathEscape(room), url.QueryEscape(identity), url.QueryEscape(token))
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("rtc: dial room %q: %w", room, err)
	}
	conn.SetReadLimit(1 << 20)

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	r := &Room{
		name:        room,
		identity:    identity,
		conn:        conn,
		logger:      logger.With("component", "rtc-room", "room", room),
		remoteAudio: make(chan []byte, remoteAudioBuffer),
		dataSubs:    make(map[string]chan DataMessage),
		events:      make(chan Event, eventBuffer),
		tracks:      make(map[byte]*localTrack),
		ctx:         sessCtx,
		cancel:      cancel,
	}
	go r.receiveLoop()
	return r, nil
}

// Room is a live media-gateway session. Text frames carry JSON control and
// data envelopes; binary frames carry PCM16 audio prefixed with a one-byte
// track slot (slot of the local published track outbound, ignored inbound
// where the gateway delivers a single mixed stream).
type Room struct {
	name     string
	identity string
	conn     *websocket.Conn
	logger   *slog.Logger

	writeMu sync.Mutex

	mu          sync.Mutex
	remoteAudio chan []byte
	dataSubs    map[string]chan DataMessage
	events      chan Event
	tracks      map[byte]*localTrack
	nextSlot    byte
	closed      bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// envelope is the gateway's JSON control frame.
type envelope struct {
	Type        string `json:"type"`
	Track       string `json:"track,omitempty"`
	Slot        byte   `json:"slot,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`
	Muted       bool   `json:"muted,omitempty"`
	Topic       string `json:"topic,omitempty"`
	Payload     []byte `json:"payload,omitempty"`
	Participant string `json:"participant,omitempty"`
}

// Name returns the room name.
func (r *Room) Name() string { return r.name }

// PublishAudioTrack announces a local PCM16 track to the gateway and
// returns a writer for its frames.
func (r *Room) PublishAudioTrack(ctx context.Context, name string, sampleRate int) (AudioTrack, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("rtc: room %q: publish on closed session", r.name)
	}
	slot := r.nextSlot
	r.nextSlot++
	track := &localTrack{room: r, name: name, slot: slot}
	r.tracks[slot] = track
	r.mu.Unlock()

	err := r.writeJSON(ctx, envelope{
		Type:       "publish",
		Track:      name,
		Slot:       slot,
		SampleRate: sampleRate,
	})
	if err != nil {
		r.mu.Lock()
		delete(r.tracks, slot)
		r.mu.Unlock()
		return nil, fmt.Errorf("rtc: room %q: publish track %q: %w", r.name, name, err)
	}
	return track, nil
}

// LocalTracks returns every track currently published on this session.
func (r *Room) LocalTracks() []AudioTrack {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AudioTrack, 0, len(r.tracks))
	for _, t := range r.tracks {
		out = append(out, t)
	}
	return out
}

// RemoteAudio delivers the gateway's mixed remote PCM16 stream.
func (r *Room) RemoteAudio() <-chan []byte { return r.remoteAudio }

// SendData publishes a reliable data message on topic.
func (r *Room) SendData(ctx context.Context, topic string, payload []byte) error {
	err := r.writeJSON(ctx, envelope{Type: "data", Topic: topic, Payload: payload})
	if err != nil {
		return fmt.Errorf("rtc: room %q: send data on %q: %w", r.name, topic, err)
	}
	return nil
}

// SubscribeData returns the message channel for topic, creating it on first
// use. Messages on unsubscribed topics are dropped.
func (r *Room) SubscribeData(topic string) <-chan DataMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.dataSubs[topic]
	if !ok {
		ch = make(chan DataMessage, dataBuffer)
		r.dataSubs[topic] = ch
	}
	return ch
}

// Events delivers participant and connection lifecycle events.
func (r *Room) Events() <-chan Event { return r.events }

// Disconnect leaves the room and closes all delivery channels.
func (r *Room) Disconnect(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		r.cancel()
		err = r.conn.Close(websocket.StatusNormalClosure, "session ended")
	})
	return err
}

// receiveLoop reads gateway frames and dispatches them. It owns the
// delivery channels and closes them on exit.
func (r *Room) receiveLoop() {
	defer r.closeChannels()

	for {
		typ, data, err := r.conn.Read(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			r.logger.Warn("gateway read failed", "error", err)
			r.emitEvent(Event{Kind: EventDisconnected})
			return
		}

		switch typ {
		case websocket.MessageBinary:
			if len(data) < 2 {
				continue
			}
			pcm := make([]byte, len(data)-1)
			copy(pcm, data[1:])
			select {
			case r.remoteAudio <- pcm:
			default:
				// Drop under backpressure rather than stall the socket.
			}
		case websocket.MessageText:
			var env envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			r.handleEnvelope(env)
		}
	}
}

func (r *Room) handleEnvelope(env envelope) {
	switch env.Type {
	case "data":
		r.mu.Lock()
		ch, ok := r.dataSubs[env.Topic]
		r.mu.Unlock()
		if !ok {
			return
		}
		msg := DataMessage{Topic: env.Topic, Payload: env.Payload, Participant: env.Participant}
		select {
		case ch <- msg:
		default:
			r.logger.Warn("data subscriber lagging, message dropped", "topic", env.Topic)
		}
	case "participant_joined":
		r.emitEvent(Event{Kind: EventParticipantJoined, Participant: env.Participant})
	case "participant_left":
		r.emitEvent(Event{Kind: EventParticipantLeft, Participant: env.Participant})
	case "disconnected":
		r.emitEvent(Event{Kind: EventDisconnected})
	}
}

func (r *Room) emitEvent(ev Event) {
	select {
	case r.events <- ev:
	default:
	}
}

func (r *Room) closeChannels() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
	}
	close(r.remoteAudio)
	close(r.events)
	for _, ch := range r.dataSubs {
		close(ch)
	}
	r.dataSubs = nil
}

func (r *Room) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.conn.Write(ctx, websocket.MessageText, data)
}

func (r *Room) writeAudio(ctx context.Context, slot byte, pcm []byte) error {
	frame := make([]byte, len(pcm)+1)
	frame[0] = slot
	copy(frame[1:], pcm)
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.conn.Write(ctx, websocket.MessageBinary, frame)
}

// localTrack is a published audio track on a gateway session.
type localTrack struct {
	room *Room
	name string
	slot byte

	mu          sync.Mutex
	muted       bool
	unpublished bool
}

// WriteFrame sends one PCM16 frame. Frames written while muted are
// silently dropped so a held session produces no audio.
func (t *localTrack) WriteFrame(ctx context.Context, pcm []byte) error {
	t.mu.Lock()
	muted, unpublished := t.muted, t.unpublished
	t.mu.Unlock()
	if unpublished {
		return fmt.Errorf("rtc: track %q: write after unpublish", t.name)
	}
	if muted {
		return nil
	}
	return t.room.writeAudio(ctx, t.slot, pcm)
}

// SetMuted toggles the track's muted state locally and on the gateway.
func (t *localTrack) SetMuted(ctx context.Context, muted bool) error {
	t.mu.Lock()
	t.muted = muted
	t.mu.Unlock()
	err := t.room.writeJSON(ctx, envelope{Type: "mute", Track: t.name, Slot: t.slot, Muted: muted})
	if err != nil {
		return fmt.Errorf("rtc: track %q: set muted: %w", t.name, err)
	}
	return nil
}

// Unpublish removes the track from the room.
func (t *localTrack) Unpublish(ctx context.Context) error {
	t.mu.Lock()
	if t.unpublished {
		t.mu.Unlock()
		return nil
	}
	t.unpublished = true
	t.mu.Unlock()

	t.room.mu.Lock()
	delete(t.room.tracks, t.slot)
	t.room.mu.Unlock()

	err := t.room.writeJSON(ctx, envelope{Type: "unpublish", Track: t.name, Slot: t.slot})
	if err != nil {
		return fmt.Errorf("rtc: track %q: unpublish: %w", t.name, err)
	}
	return nil
}
