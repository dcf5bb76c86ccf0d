package sipbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxnexus/voxnexus/pkg/audio"
)

const (
	captureBuffer = 256
	eventBufferGW = 16

	defaultCallRate = 8000
	playFrameMs     = 20
)

// Compile-time assertions for the gateway implementations.
var _ Softphone = (*PhoneGateway)(nil)
var _ Account = (*gatewayAccount)(nil)
var _ Call = (*gatewayCall)(nil)
var _ CallMedia = (*gatewayMedia)(nil)

// PhoneGateway implements [Softphone] against the phone gateway, which
// terminates SIP and RTP on behalf of this process and relays registration
// state, call signaling, and call audio over a WebSocket per account.
type PhoneGateway struct {
	// URL is the gateway base URL (e.g., "wss://phone-gw.example.com").
	URL string

	// RecorderDir is where per-call recorder WAV files are written. Empty
	// uses the OS temp directory.
	RecorderDir string

	Logger *slog.Logger
}

// gwEnvelope is the gateway's JSON control frame.
type gwEnvelope struct {
	Type       string `json:"type"`
	State      string `json:"state,omitempty"`
	Error      string `json:"error,omitempty"`
	CallID     string `json:"call_id,omitempty"`
	Slot       byte   `json:"slot,omitempty"`
	RemoteURI  string `json:"remote_uri,omitempty"`
	RemoteName string `json:"remote_name,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`

	// Account registration fields, sent on the initial register frame.
	Server        string `json:"server,omitempty"`
	Port          int    `json:"port,omitempty"`
	Transport     string `json:"transport,omitempty"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
	Realm         string `json:"realm,omitempty"`
	DisplayName   string `json:"display_name,omitempty"`
	OutboundProxy string `json:"outbound_proxy,omitempty"`
}

// Register dials one account websocket, sends the registration request, and
// returns an [Account] fed by the connection's receive loop.
func (g *PhoneGateway) Register(ctx context.Context, cfg AccountConfig) (Account, error) {
	conn, _, err := websocket.Dial(ctx, g.URL+"/accounts/ws", nil)
	if err != nil {
		return nil, fmt.Errorf("sipbridge: dial phone gateway: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}

	acctCtx, cancel := context.WithCancel(context.Background())
	a := &gatewayAccount{
		gw:     g,
		id:     cfg.ID,
		conn:   conn,
		logger: logger.With("component", "phone-gateway", "extension", cfg.ID),
		events: make(chan AccountEvent, eventBufferGW),
		calls:  make(map[string]*gatewayCall),
		slots:  make(map[byte]*gatewayCall),
		ctx:    acctCtx,
		cancel: cancel,
	}

	err = a.writeJSON(ctx, gwEnvelope{
		Type:          "register",
		Server:        cfg.Server,
		Port:          cfg.Port,
		Transport:     cfg.Transport,
		Username:      cfg.Username,
		Password:      cfg.Password,
		Realm:         cfg.Realm,
		DisplayName:   cfg.DisplayName,
		OutboundProxy: cfg.OutboundProxy,
	})
	if err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "register failed")
		return nil, fmt.Errorf("sipbridge: register %q: %w", cfg.ID, err)
	}

	go a.receiveLoop()
	return a, nil
}

// gatewayAccount is one registered SIP identity on the gateway. Binary
// frames carry caller PCM prefixed with a one-byte call slot; text frames
// carry JSON signaling.
type gatewayAccount struct {
	gw     *PhoneGateway
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	events chan AccountEvent
	calls  map[string]*gatewayCall
	slots  map[byte]*gatewayCall
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Events delivers registration transitions and incoming calls.
func (a *gatewayAccount) Events() <-chan AccountEvent { return a.events }

// Refresh re-sends the REGISTER request.
func (a *gatewayAccount) Refresh(ctx context.Context) error {
	if err := a.writeJSON(ctx, gwEnvelope{Type: "refresh"}); err != nil {
		return fmt.Errorf("sipbridge: refresh %q: %w", a.id, err)
	}
	return nil
}

// Unregister sends a zero-expiry REGISTER and closes the account socket.
func (a *gatewayAccount) Unregister(ctx context.Context) error {
	err := a.writeJSON(ctx, gwEnvelope{Type: "unregister"})
	a.closeOnce.Do(func() {
		a.cancel()
		a.conn.Close(websocket.StatusNormalClosure, "unregistered")
	})
	if err != nil {
		return fmt.Errorf("sipbridge: unregister %q: %w", a.id, err)
	}
	return nil
}

// receiveLoop reads gateway frames until the socket dies. It owns the event
// channel and every call's channels, and closes them on exit.
func (a *gatewayAccount) receiveLoop() {
	defer a.closeAll()

	for {
		typ, data, err := a.conn.Read(a.ctx)
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			a.logger.Warn("gateway read failed", "error", err)
			a.emit(AccountEvent{State: RegUnregistered})
			return
		}

		switch typ {
		case websocket.MessageBinary:
			if len(data) < 2 {
				continue
			}
			a.mu.Lock()
			call := a.slots[data[0]]
			a.mu.Unlock()
			if call != nil {
				call.media.deliver(data[1:])
			}
		case websocket.MessageText:
			var env gwEnvelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			a.handleEnvelope(env)
		}
	}
}

func (a *gatewayAccount) handleEnvelope(env gwEnvelope) {
	switch env.Type {
	case "reg_state":
		a.emit(AccountEvent{State: RegState(env.State), Error: env.Error})
	case "incoming_call":
		call := a.newCall(env)
		a.emit(AccountEvent{Call: call})
	case "call_media":
		a.mu.Lock()
		call := a.calls[env.CallID]
		a.mu.Unlock()
		if call == nil {
			return
		}
		if env.SampleRate > 0 {
			call.media.setRate(env.SampleRate)
		}
		call.emit(CallEvent{Type: CallMediaActive})
	case "call_ended":
		a.mu.Lock()
		call := a.calls[env.CallID]
		delete(a.calls, env.CallID)
		if call != nil {
			delete(a.slots, call.slot)
		}
		a.mu.Unlock()
		if call != nil {
			call.end()
		}
	}
}

func (a *gatewayAccount) newCall(env gwEnvelope) *gatewayCall {
	dir := a.gw.RecorderDir
	if dir == "" {
		dir = os.TempDir()
	}
	call := &gatewayCall{
		acct:       a,
		id:         env.CallID,
		slot:       env.Slot,
		remoteURI:  env.RemoteURI,
		remoteName: env.RemoteName,
		events:     make(chan CallEvent, eventBufferGW),
	}
	call.media = newGatewayMedia(call, filepath.Join(dir, "voxnexus-call-"+env.CallID+".wav"), a.logger)

	a.mu.Lock()
	a.calls[env.CallID] = call
	a.slots[env.Slot] = call
	a.mu.Unlock()
	return call
}

func (a *gatewayAccount) emit(ev AccountEvent) {
	select {
	case a.events <- ev:
	default:
		a.logger.Warn("account event dropped, consumer lagging")
	}
}

func (a *gatewayAccount) closeAll() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	calls := make([]*gatewayCall, 0, len(a.calls))
	for _, c := range a.calls {
		calls = append(calls, c)
	}
	a.calls, a.slots = nil, nil
	a.mu.Unlock()

	for _, c := range calls {
		c.end()
	}
	close(a.events)
}

func (a *gatewayAccount) writeJSON(ctx context.Context, v gwEnvelope) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.Write(ctx, websocket.MessageText, data)
}

func (a *gatewayAccount) writeAudio(ctx context.Context, slot byte, pcm []byte) error {
	frame := make([]byte, len(pcm)+1)
	frame[0] = slot
	copy(frame[1:], pcm)
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.Write(ctx, websocket.MessageBinary, frame)
}

// gatewayCall is one SIP call leg relayed through the gateway.
type gatewayCall struct {
	acct       *gatewayAccount
	id         string
	slot       byte
	remoteURI  string
	remoteName string
	media      *gatewayMedia

	mu     sync.Mutex
	events chan CallEvent
	ended  bool
}

func (c *gatewayCall) ID() string         { return c.id }
func (c *gatewayCall) RemoteURI() string  { return c.remoteURI }
func (c *gatewayCall) RemoteName() string { return c.remoteName }

// Answer sends 200 OK through the gateway.
func (c *gatewayCall) Answer(ctx context.Context) error {
	err := c.acct.writeJSON(ctx, gwEnvelope{Type: "answer", CallID: c.id})
	if err != nil {
		return fmt.Errorf("sipbridge: answer call %q: %w", c.id, err)
	}
	return nil
}

// Hangup terminates the call. Safe to call more than once; the gateway
// acknowledges with call_ended, which closes the event channel.
func (c *gatewayCall) Hangup(ctx context.Context) error {
	c.mu.Lock()
	ended := c.ended
	c.mu.Unlock()
	if ended {
		return nil
	}
	err := c.acct.writeJSON(ctx, gwEnvelope{Type: "hangup", CallID: c.id})
	if err != nil {
		return fmt.Errorf("sipbridge: hangup call %q: %w", c.id, err)
	}
	return nil
}

func (c *gatewayCall) Events() <-chan CallEvent { return c.events }

func (c *gatewayCall) Media() CallMedia { return c.media }

func (c *gatewayCall) emit(ev CallEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	select {
	case c.events <- ev:
	default:
	}
}

func (c *gatewayCall) end() {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	select {
	case c.events <- CallEvent{Type: CallDisconnected}:
	default:
	}
	close(c.events)
	c.mu.Unlock()
	c.media.close()
}

// gatewayMedia is the audio surface of one answered call. Inbound caller
// frames feed both the capture channel the turn engine reads and the
// recorder WAV file the takeover bridge tails.
type gatewayMedia struct {
	call         *gatewayCall
	recorderPath string
	logger       *slog.Logger

	mu       sync.Mutex
	rate     int
	frames   chan []byte
	recorder *os.File
	playing  context.CancelFunc
	closed   bool
}

func newGatewayMedia(call *gatewayCall, recorderPath string, logger *slog.Logger) *gatewayMedia {
	return &gatewayMedia{
		call:         call,
		recorderPath: recorderPath,
		logger:       logger,
		rate:         defaultCallRate,
		frames:       make(chan []byte, captureBuffer),
	}
}

func (m *gatewayMedia) setRate(rate int) {
	m.mu.Lock()
	m.rate = rate
	m.mu.Unlock()
}

// deliver routes one inbound caller frame to the capture channel and the
// recorder file. Capture drops under backpressure; the recorder never does,
// so the takeover bridge always has complete caller audio to tail.
func (m *gatewayMedia) deliver(pcm []byte) {
	frame := make([]byte, len(pcm))
	copy(frame, pcm)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.appendRecorderLocked(frame)
	m.mu.Unlock()

	select {
	case m.frames <- frame:
	default:
	}
}

// appendRecorderLocked lazily creates the recorder WAV and appends samples.
// The header's size fields are left at the creation-time values; the bridge
// tails by file size, not header.
func (m *gatewayMedia) appendRecorderLocked(pcm []byte) {
	if m.recorder == nil {
		f, err := os.OpenFile(m.recorderPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			m.logger.Warn("recorder open failed", "error", err)
			return
		}
		if _, err := f.Write(audio.EncodeWAV(nil, m.rate, 1)); err != nil {
			m.logger.Warn("recorder header write failed", "error", err)
			f.Close()
			return
		}
		m.recorder = f
	}
	if _, err := m.recorder.Write(pcm); err != nil {
		m.logger.Warn("recorder append failed", "error", err)
	}
}

// ReadFrame blocks until the next capture frame is available.
func (m *gatewayMedia) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case frame, ok := <-m.frames:
		if !ok {
			return nil, io.EOF
		}
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SampleRate of capture frames in Hz.
func (m *gatewayMedia) SampleRate() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rate
}

// Play resamples the clip to the call rate and streams it to the gateway in
// real time, blocking until the clip finishes, StopPlayback is called, or
// ctx ends.
func (m *gatewayMedia) Play(ctx context.Context, pcm []byte, sampleRate int) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return io.EOF
	}
	callRate := m.rate
	if m.playing != nil {
		m.playing()
	}
	playCtx, cancel := context.WithCancel(ctx)
	m.playing = cancel
	m.mu.Unlock()
	defer func() {
		cancel()
		m.mu.Lock()
		if m.playing != nil {
			m.playing = nil
		}
		m.mu.Unlock()
	}()

	switch {
	case sampleRate > callRate:
		pcm = audio.DecimateMono16(pcm, sampleRate, callRate)
	case sampleRate < callRate:
		pcm = audio.ResampleMono16(pcm, sampleRate, callRate)
	}

	frameBytes := callRate / 1000 * playFrameMs * 2
	ticker := time.NewTicker(playFrameMs * time.Millisecond)
	defer ticker.Stop()

	for off := 0; off < len(pcm); off += frameBytes {
		end := min(off+frameBytes, len(pcm))
		if err := m.call.acct.writeAudio(playCtx, m.call.slot, pcm[off:end]); err != nil {
			if playCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("sipbridge: play on call %q: %w", m.call.id, err)
		}
		select {
		case <-ticker.C:
		case <-playCtx.Done():
			return nil
		}
	}
	return nil
}

// StopPlayback interrupts an in-flight Play.
func (m *gatewayMedia) StopPlayback() {
	m.mu.Lock()
	cancel := m.playing
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// RecorderPath is the WAV file caller audio is appended to.
func (m *gatewayMedia) RecorderPath() string { return m.recorderPath }

func (m *gatewayMedia) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.playing != nil {
		m.playing()
	}
	if m.recorder != nil {
		m.recorder.Close()
		m.recorder = nil
	}
	close(m.frames)
	m.mu.Unlock()
}
