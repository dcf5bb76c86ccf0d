package sipbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/livekit/protocol/livekit"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/voxnexus/voxnexus/internal/config"
	"github.com/voxnexus/voxnexus/internal/fabric"
	fabricmock "github.com/voxnexus/voxnexus/internal/fabric/mock"
	"github.com/voxnexus/voxnexus/internal/guardian"
	"github.com/voxnexus/voxnexus/internal/lessons"
	"github.com/voxnexus/voxnexus/internal/observe"
	"github.com/voxnexus/voxnexus/internal/tools"
	"github.com/voxnexus/voxnexus/internal/turn"
	"github.com/voxnexus/voxnexus/pkg/audio"
	llmmock "github.com/voxnexus/voxnexus/pkg/provider/llm/mock"
	sttmock "github.com/voxnexus/voxnexus/pkg/provider/stt/mock"
	"github.com/voxnexus/voxnexus/pkg/provider/tts"
	ttsmock "github.com/voxnexus/voxnexus/pkg/provider/tts/mock"
	vadmock "github.com/voxnexus/voxnexus/pkg/provider/vad/mock"
	rtcmock "github.com/voxnexus/voxnexus/pkg/rtc/mock"
	"github.com/voxnexus/voxnexus/pkg/store"
	"github.com/voxnexus/voxnexus/pkg/types"
)

const callRate = 8000

// fakeStore backs the controller, the registrar, the tool synthesizer, the
// lesson loader, and the guardian config source.
type fakeStore struct {
	mu        sync.Mutex
	device    store.SipDevice
	agent     *store.AgentConfig
	statuses  map[string][2]string // id → (status, lastErr)
	statusLog []string
	messages  []string
	closed    map[string]map[string]any
	callLogs  map[string]string // id → status
	convSeq   int
	callSeq   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		device: store.SipDevice{
			ID:            "ext-1",
			AgentConfigID: "agent-1",
			Server:        "sip.example.com",
			Username:      "100",
			Password:      "secret",
			GreetingText:  "Hello from extension one.",
		},
		agent:    &store.AgentConfig{ID: "agent-1", Name: "Support", SystemPrompt: "Be helpful."},
		statuses: make(map[string][2]string),
		closed:   make(map[string]map[string]any),
		callLogs: make(map[string]string),
	}
}

func (f *fakeStore) ListSipDevices(ctx context.Context) ([]store.SipDevice, error) {
	return []store.SipDevice{f.device}, nil
}

func (f *fakeStore) GetSipDevice(ctx context.Context, id string) (*store.SipDevice, error) {
	if id != f.device.ID {
		return nil, errors.New("device not found")
	}
	d := f.device
	return &d, nil
}

func (f *fakeStore) UpdateDeviceStatus(ctx context.Context, id, status, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = [2]string{status, lastErr}
	f.statusLog = append(f.statusLog, id+":"+status)
	return nil
}

func (f *fakeStore) statusOf(id string) (string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.statuses[id]
	return s[0], s[1]
}

func (f *fakeStore) GetAgentConfig(ctx context.Context, id string) (*store.AgentConfig, error) {
	if id != f.agent.ID {
		return nil, errors.New("agent config missing")
	}
	return f.agent, nil
}

func (f *fakeStore) CreateConversation(ctx context.Context, agentConfigID, sessionID, channel string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if channel != store.ChannelSIP {
		return "", fmt.Errorf("unexpected channel %q", channel)
	}
	f.convSeq++
	return fmt.Sprintf("conv-%d", f.convSeq), nil
}

func (f *fakeStore) AppendMessage(ctx context.Context, conversationID, role, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, role+": "+content)
	return nil
}

func (f *fakeStore) CloseConversation(ctx context.Context, id string, metadata map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[id] = metadata
	return nil
}

func (f *fakeStore) CreateCallLog(ctx context.Context, deviceID, callID, direction, remoteURI, remoteName, room string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callSeq++
	id := fmt.Sprintf("log-%d", f.callSeq)
	f.callLogs[id] = "ringing:" + direction + ":" + room
	return id, nil
}

func (f *fakeStore) MarkCallAnswered(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callLogs[id] = "active"
	return nil
}

func (f *fakeStore) EndCallLog(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callLogs[id] = "ended"
	return nil
}

func (f *fakeStore) callLogStatus(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callLogs[id]
}

func (f *fakeStore) GetGuardianConfig(ctx context.Context, agentConfigID string) (*store.GuardianConfig, error) {
	return &store.GuardianConfig{AgentConfigID: agentConfigID}, nil
}

func (f *fakeStore) HasReadyKnowledge(ctx context.Context, agentConfigID string) (bool, error) {
	return false, nil
}

func (f *fakeStore) SearchKnowledge(ctx context.Context, agentConfigID string, embedding []float32, minSimilarity float64, topK int) ([]store.KnowledgeResult, error) {
	return nil, nil
}

func (f *fakeStore) ListActiveWebhooks(ctx context.Context, agentConfigID string) ([]store.Webhook, error) {
	return nil, nil
}

func (f *fakeStore) ListApprovedLessons(ctx context.Context, agentConfigID string, limit int) ([]string, error) {
	return nil, nil
}

// fakeSoftphone hands out scripted accounts.
type fakeSoftphone struct {
	mu       sync.Mutex
	err      error
	configs  []AccountConfig
	accounts []*fakeAccount
}

func (f *fakeSoftphone) Register(ctx context.Context, cfg AccountConfig) (Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	acct := &fakeAccount{events: make(chan AccountEvent, 8)}
	f.configs = append(f.configs, cfg)
	f.accounts = append(f.accounts, acct)
	return acct, nil
}

func (f *fakeSoftphone) last() *fakeAccount {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.accounts) == 0 {
		return nil
	}
	return f.accounts[len(f.accounts)-1]
}

func (f *fakeSoftphone) lastConfig() AccountConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configs[len(f.configs)-1]
}

type fakeAccount struct {
	events chan AccountEvent

	mu           sync.Mutex
	refreshes    int
	unregistered int
}

func (a *fakeAccount) Events() <-chan AccountEvent { return a.events }

func (a *fakeAccount) Refresh(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshes++
	return nil
}

func (a *fakeAccount) Unregister(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unregistered++
	return nil
}

func (a *fakeAccount) unregisterCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unregistered
}

func (a *fakeAccount) push(ev AccountEvent) { a.events <- ev }

// fakeCall is one scripted inbound call.
type fakeCall struct {
	id     string
	media  *fakeCallMedia
	events chan CallEvent

	mu       sync.Mutex
	answered int
	hangups  int
}

func newFakeCall(t *testing.T, id string) *fakeCall {
	t.Helper()
	return &fakeCall{
		id:     id,
		media:  newFakeCallMedia(t),
		events: make(chan CallEvent, 8),
	}
}

func (c *fakeCall) ID() string         { return c.id }
func (c *fakeCall) RemoteURI() string  { return "sip:caller@example.net" }
func (c *fakeCall) RemoteName() string { return "Caller" }

func (c *fakeCall) Answer(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answered++
	return nil
}

func (c *fakeCall) Hangup(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hangups++
	return nil
}

func (c *fakeCall) Events() <-chan CallEvent { return c.events }
func (c *fakeCall) Media() CallMedia         { return c.media }

func (c *fakeCall) answeredCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answered
}

func (c *fakeCall) hangupCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hangups
}

func (c *fakeCall) mediaActive() { c.events <- CallEvent{Type: CallMediaActive} }

func (c *fakeCall) disconnected() {
	c.events <- CallEvent{Type: CallDisconnected}
	close(c.events)
}

// fakeCallMedia records playback and exposes an ordered op log for the
// takeover sequencing assertions.
type fakeCallMedia struct {
	recorder string
	frames   chan []byte

	mu    sync.Mutex
	ops   []string
	clips [][]byte
	rates []int
}

func newFakeCallMedia(t *testing.T) *fakeCallMedia {
	t.Helper()
	return &fakeCallMedia{
		recorder: filepath.Join(t.TempDir(), "call.wav"),
		frames:   make(chan []byte, 8),
	}
}

func (m *fakeCallMedia) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case f, ok := <-m.frames:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *fakeCallMedia) SampleRate() int { return callRate }

func (m *fakeCallMedia) Play(ctx context.Context, pcm []byte, sampleRate int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "play")
	m.clips = append(m.clips, pcm)
	m.rates = append(m.rates, sampleRate)
	return nil
}

func (m *fakeCallMedia) StopPlayback() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "stop_playback")
}

func (m *fakeCallMedia) RecorderPath() string { return m.recorder }

func (m *fakeCallMedia) opLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.ops))
	copy(out, m.ops)
	return out
}

func (m *fakeCallMedia) playedRates() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.rates))
	copy(out, m.rates)
	return out
}

func (m *fakeCallMedia) playedClips() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.clips))
	copy(out, m.clips)
	return out
}

// fakeFactory hands out fresh mock provider sets and counts builds.
type fakeFactory struct {
	mu      sync.Mutex
	builds  int
	lastTTS *ttsmock.Provider
}

func (f *fakeFactory) Build(agent *store.AgentConfig, referenceAudioURL string) (*config.ProviderSet, error) {
	ttsP := &ttsmock.Provider{
		SynthesizeFunc: func(ctx context.Context, text string, voice types.VoiceProfile) (tts.Audio, error) {
			return tts.Audio{PCM: make([]byte, 320), SampleRate: callRate}, nil
		},
	}
	f.mu.Lock()
	f.builds++
	f.lastTTS = ttsP
	f.mu.Unlock()
	return &config.ProviderSet{
		STT:   &sttmock.Provider{},
		LLM:   &llmmock.Provider{},
		TTS:   ttsP,
		VAD:   &vadmock.Engine{},
		Voice: types.VoiceProfile{ID: "alloy", Provider: "openai"},
	}, nil
}

func (f *fakeFactory) buildCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds
}

func (f *fakeFactory) tts() *ttsmock.Provider {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastTTS
}

// fakeRoomAdmin records operator room provisioning.
type fakeRoomAdmin struct {
	mu         sync.Mutex
	rooms      []string
	dispatches []string // "room/agent"
}

func (f *fakeRoomAdmin) EnsureRoom(ctx context.Context, name string) (*livekit.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms = append(f.rooms, name)
	return &livekit.Room{Name: name}, nil
}

func (f *fakeRoomAdmin) CreateDispatch(ctx context.Context, room, agentName, metadata string) (*livekit.AgentDispatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatches = append(f.dispatches, room+"/"+agentName)
	return &livekit.AgentDispatch{}, nil
}

func (f *fakeRoomAdmin) provisioned() ([]string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.rooms...), append([]string(nil), f.dispatches...)
}

type sipRig struct {
	ctrl       *Controller
	store      *fakeStore
	phone      *fakeSoftphone
	connector  *rtcmock.Connector
	rooms      *fakeRoomAdmin
	factory    *fakeFactory
	broker     *fabricmock.Broker
	supervisor *guardian.Supervisor
}

func newSipRig(t *testing.T) *sipRig {
	t.Helper()
	st := newFakeStore()
	broker := fabricmock.New()
	supervisor := guardian.New(broker, st, nil)
	synthesizer := tools.New(st, nil, lessons.New(st, nil), nil)
	rig := &sipRig{
		store:      st,
		phone:      &fakeSoftphone{},
		connector:  &rtcmock.Connector{},
		rooms:      &fakeRoomAdmin{},
		factory:    &fakeFactory{},
		broker:     broker,
		supervisor: supervisor,
	}
	rig.ctrl = New(Config{}, st, rig.phone, rig.connector, rig.rooms, rig.factory, supervisor, synthesizer, broker, nil)
	return rig
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// startCall runs an inbound call through the controller up to the point the
// greeting has been synthesized, and returns the live activeCall.
func (rig *sipRig) startCall(t *testing.T, ctx context.Context, call *fakeCall) (*activeCall, chan struct{}) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		rig.ctrl.handleIncomingCall(ctx, rig.store.device, call)
		close(done)
	}()

	var a *activeCall
	waitFor(t, "call to activate", func() bool {
		rig.ctrl.mu.Lock()
		a = rig.ctrl.calls[call.id]
		rig.ctrl.mu.Unlock()
		return a != nil
	})
	call.mediaActive()
	waitFor(t, "greeting", func() bool {
		ttsP := rig.factory.tts()
		return ttsP != nil && ttsP.LastText() == rig.store.device.GreetingText
	})
	return a, done
}

func TestRegistrarTracksDeviceStatus(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	phone := &fakeSoftphone{}
	reg := NewRegistrar(phone, st, func(ctx context.Context, d store.SipDevice, c Call) {}, nil)
	ctx := context.Background()

	if err := reg.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cfg := phone.lastConfig()
	if cfg.Port != 5060 || cfg.Transport != "udp" || cfg.Realm != "*" {
		t.Errorf("defaults not applied: %+v", cfg)
	}

	acct := phone.last()
	acct.push(AccountEvent{State: RegRegistered})
	waitFor(t, "registered status", func() bool {
		s, _ := st.statusOf("ext-1")
		return s == store.DeviceRegistered
	})
	if reg.RegisteredCount() != 1 {
		t.Errorf("registered count = %d, want 1", reg.RegisteredCount())
	}

	acct.push(AccountEvent{State: RegFailed, Error: "401 Unauthorized"})
	waitFor(t, "failed status", func() bool {
		s, lastErr := st.statusOf("ext-1")
		return s == store.DeviceFailed && lastErr == "401 Unauthorized"
	})

	reg.RemoveDevice(ctx, "ext-1")
	if s, _ := st.statusOf("ext-1"); s != store.DeviceOffline {
		t.Errorf("status after removal = %q, want offline", s)
	}
	if acct.unregisterCount() != 1 {
		t.Errorf("unregister calls = %d, want 1", acct.unregisterCount())
	}
	// Removing again is a no-op.
	reg.RemoveDevice(ctx, "ext-1")
	if acct.unregisterCount() != 1 {
		t.Error("second removal must not unregister again")
	}
}

func TestRegistrarDispatchesIncomingCalls(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	phone := &fakeSoftphone{}
	calls := make(chan Call, 1)
	reg := NewRegistrar(phone, st, func(ctx context.Context, d store.SipDevice, c Call) {
		calls <- c
	}, nil)
	ctx := context.Background()

	if err := reg.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	incoming := newFakeCall(t, "call-7")
	phone.last().push(AccountEvent{Call: incoming})

	select {
	case got := <-calls:
		if got.ID() != "call-7" {
			t.Errorf("dispatched call = %q", got.ID())
		}
	case <-time.After(time.Second):
		t.Fatal("incoming call not dispatched")
	}
}

func TestIncomingCallAnswersAndGreets(t *testing.T) {
	t.Parallel()
	rig := newSipRig(t)
	ctx := context.Background()
	call := newFakeCall(t, "call-1")

	_, done := rig.startCall(t, ctx, call)

	if call.answeredCount() != 1 {
		t.Errorf("answer calls = %d, want 1", call.answeredCount())
	}
	if got := rig.store.callLogStatus("log-1"); got != "active" {
		t.Errorf("call log status = %q, want active", got)
	}
	rooms, dispatches := rig.rooms.provisioned()
	if len(rooms) != 1 || rooms[0] != "sip-bridge-ext-1" {
		t.Errorf("provisioned rooms = %v", rooms)
	}
	if len(dispatches) != 1 || dispatches[0] != "sip-bridge-ext-1/nexus" {
		t.Errorf("dispatches = %v", dispatches)
	}
	waitFor(t, "greeting playback", func() bool {
		return len(call.media.playedClips()) >= 1
	})

	call.disconnected()
	<-done
	if got := rig.store.callLogStatus("log-1"); got != "ended" {
		t.Errorf("call log status after end = %q, want ended", got)
	}
	if len(rig.store.closed) != 1 {
		t.Errorf("closed conversations = %d, want 1", len(rig.store.closed))
	}
	if call.hangupCount() == 0 {
		t.Error("call never hung up")
	}
	if len(rig.ctrl.ActiveCalls()) != 0 {
		t.Error("call still tracked after end")
	}
}

func TestTakeoverSequenceAndDuplicate(t *testing.T) {
	t.Parallel()
	rig := newSipRig(t)
	ctx := context.Background()
	call := newFakeCall(t, "call-2")

	a, done := rig.startCall(t, ctx, call)
	before := rig.factory.tts().CallCount()

	a.takeover(ctx)

	if got := rig.factory.tts().LastText(); got != holdLine {
		t.Errorf("hold line = %q, want %q", got, holdLine)
	}
	ops := call.media.opLog()
	stopIdx, playIdx := -1, -1
	for i, op := range ops {
		if op == "stop_playback" && stopIdx == -1 {
			stopIdx = i
		}
		if op == "play" && i > stopIdx && stopIdx != -1 && playIdx == -1 {
			playIdx = i
		}
	}
	if stopIdx == -1 || playIdx == -1 {
		t.Fatalf("expected stop_playback then hold-line play, got %v", ops)
	}

	bridgeSess := rig.connector.Last()
	if bridgeSess == nil || bridgeSess.RoomName != "sip-bridge-ext-1" {
		t.Fatalf("bridge room not joined: %+v", bridgeSess)
	}
	waitFor(t, "caller track publish", func() bool {
		return len(bridgeSess.Tracks()) == 1
	})
	if a.engine.State() != turn.StateMuted {
		t.Errorf("engine state = %v, want muted", a.engine.State())
	}

	// A second takeover while bridged is a no-op.
	a.takeover(ctx)
	if got := rig.factory.tts().CallCount(); got != before+1 {
		t.Errorf("hold line synthesized %d times, want 1", got-before)
	}
	if rig.connector.Last() != bridgeSess {
		t.Error("duplicate takeover raised a second bridge")
	}

	call.disconnected()
	<-done
}

func TestReleaseTearsBridgeAndResumes(t *testing.T) {
	t.Parallel()
	rig := newSipRig(t)
	ctx := context.Background()
	call := newFakeCall(t, "call-3")

	a, done := rig.startCall(t, ctx, call)
	a.takeover(ctx)
	bridgeSess := rig.connector.Last()
	waitFor(t, "caller track publish", func() bool {
		return len(bridgeSess.Tracks()) == 1
	})

	a.release(ctx)

	if !bridgeSess.Disconnected() {
		t.Error("bridge room not disconnected on release")
	}
	if tracks := bridgeSess.Tracks(); len(tracks) != 1 || !tracks[0].Unpublished() {
		t.Error("caller track not unpublished on release")
	}
	if got := rig.factory.tts().LastText(); got != resumeLine {
		t.Errorf("resume line = %q, want %q", got, resumeLine)
	}
	// The engine survived the takeover, so release unmutes instead of
	// rebuilding the provider set.
	if rig.factory.buildCount() != 1 {
		t.Errorf("provider builds = %d, want 1", rig.factory.buildCount())
	}
	if a.engine.State() == turn.StateMuted {
		t.Error("engine still muted after release")
	}

	// A second release is a no-op.
	a.release(ctx)
	if rig.factory.buildCount() != 1 {
		t.Error("duplicate release rebuilt providers")
	}

	call.disconnected()
	<-done
}

func TestGuardianCommandsDriveTakeover(t *testing.T) {
	t.Parallel()
	rig := newSipRig(t)
	ctx := context.Background()
	if err := rig.supervisor.Run(ctx); err != nil {
		t.Fatalf("supervisor run: %v", err)
	}
	call := newFakeCall(t, "call-4")
	a, done := rig.startCall(t, ctx, call)

	cmd, _ := json.Marshal(guardian.Command{
		ConversationID: a.conversationID,
		Command:        guardian.CommandTakeover,
		Timestamp:      2001.5,
	})
	rig.broker.Publish(ctx, fabric.ChannelTakeover, cmd)

	waitFor(t, "takeover via fabric", func() bool {
		return a.status().HumanActive
	})
	if rig.connector.Last() == nil {
		t.Fatal("bridge not raised by fabric command")
	}

	rel, _ := json.Marshal(guardian.Command{
		ConversationID: a.conversationID,
		Command:        guardian.CommandRelease,
		Timestamp:      2002.5,
	})
	rig.broker.Publish(ctx, fabric.ChannelTakeover, rel)
	waitFor(t, "release via fabric", func() bool {
		return !a.status().HumanActive
	})

	call.disconnected()
	<-done

	// Session end purges the takeover lock unconditionally.
	if _, held, _ := rig.broker.Get(ctx, fabric.TakeoverLockPrefix+a.conversationID); held {
		t.Error("takeover lock survived call end")
	}
}

func TestAutoHandoffPublishesTakeoverCommand(t *testing.T) {
	t.Parallel()
	rig := newSipRig(t)
	ctx := context.Background()
	call := newFakeCall(t, "call-5")
	a, done := rig.startCall(t, ctx, call)

	a.OnTranscript(ctx, types.RoleUser, "This is outrageous, I am going to sue you!")

	published := rig.broker.PublishedOn(fabric.ChannelTakeover)
	if len(published) != 1 {
		t.Fatalf("takeover commands published = %d, want 1", len(published))
	}
	var cmd guardian.Command
	if err := json.Unmarshal(published[0], &cmd); err != nil {
		t.Fatalf("unmarshal command: %v", err)
	}
	if cmd.Command != guardian.CommandTakeover || cmd.ConversationID != a.conversationID {
		t.Errorf("command = %+v", cmd)
	}

	call.disconnected()
	<-done
}

func TestBridgeMovesAudioBothWays(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	media := newFakeCallMedia(t)

	// Seed the recorder with a header and 10 ms of caller audio.
	callerPCM := make([]byte, 160)
	for i := range callerPCM {
		callerPCM[i] = byte(i)
	}
	wav := append(make([]byte, audio.WAVHeaderSize), callerPCM...)
	if err := os.WriteFile(media.recorder, wav, 0o644); err != nil {
		t.Fatal(err)
	}

	connector := &rtcmock.Connector{}
	b := newBridge(connector, media, "ext-9", slog.New(slog.DiscardHandler))
	if err := b.Up(ctx); err != nil {
		t.Fatalf("Up: %v", err)
	}
	sess := connector.Last()

	// Caller → operator: the tailed bytes arrive upsampled 8k → 48k.
	var frames [][]byte
	waitFor(t, "caller audio on track", func() bool {
		tracks := sess.Tracks()
		if len(tracks) == 0 {
			return false
		}
		frames = tracks[0].Frames()
		return len(frames) > 0
	})
	if got := len(frames[0]); got != len(callerPCM)*6 {
		t.Errorf("upsampled frame = %d bytes, want %d", got, len(callerPCM)*6)
	}

	// Operator → caller: 200 ms of 48 kHz audio crosses the buffer
	// threshold and plays at the call rate.
	sess.PushRemoteAudio(make([]byte, 19200))
	waitFor(t, "operator audio playback", func() bool {
		rates := media.playedRates()
		return len(rates) > 0 && rates[0] == callRate
	})
	if clips := media.playedClips(); len(clips[0]) < 3200 {
		t.Errorf("operator clip = %d bytes, want >= 3200", len(clips[0]))
	}

	b.Down(ctx)
	if tracks := sess.Tracks(); !tracks[0].Unpublished() {
		t.Error("track not unpublished on Down")
	}
	if !sess.Disconnected() {
		t.Error("room not disconnected on Down")
	}
}

// newMeteredSipRig is newSipRig with an in-memory metric pipeline wired into
// the controller.
func newMeteredSipRig(t *testing.T) (*sipRig, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	st := newFakeStore()
	broker := fabricmock.New()
	rig := &sipRig{
		store:      st,
		phone:      &fakeSoftphone{},
		connector:  &rtcmock.Connector{},
		rooms:      &fakeRoomAdmin{},
		factory:    &fakeFactory{},
		broker:     broker,
		supervisor: guardian.New(broker, st, nil),
	}
	rig.ctrl = New(Config{Metrics: m}, st, rig.phone, rig.connector, rig.rooms, rig.factory,
		rig.supervisor, tools.New(st, nil, lessons.New(st, nil), nil), broker, nil)
	return rig, reader
}

// gaugeOrCounter sums the int64 data points of a metric, keeping only points
// that carry attrKey=attrVal when attrKey is non-empty.
func gaugeOrCounter(t *testing.T, reader *sdkmetric.ManualReader, name, attrKey, attrVal string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				if attrKey != "" {
					v, ok := dp.Attributes.Value(attribute.Key(attrKey))
					if !ok || v.AsString() != attrVal {
						continue
					}
				}
				total += dp.Value
			}
		}
	}
	return total
}

func TestCallMetricsFollowLifecycle(t *testing.T) {
	t.Parallel()
	rig, reader := newMeteredSipRig(t)
	ctx := context.Background()
	call := newFakeCall(t, "call-m1")

	a, done := rig.startCall(t, ctx, call)

	if got := gaugeOrCounter(t, reader, "voxnexus.active_calls", "", ""); got != 1 {
		t.Errorf("active calls gauge = %d, want 1 during the call", got)
	}

	a.takeover(ctx)
	if got := gaugeOrCounter(t, reader, "voxnexus.takeovers", "channel", "sip"); got != 1 {
		t.Errorf("sip takeovers = %d, want 1", got)
	}
	// A duplicate takeover is a no-op and must not count again.
	a.takeover(ctx)
	if got := gaugeOrCounter(t, reader, "voxnexus.takeovers", "channel", "sip"); got != 1 {
		t.Errorf("sip takeovers after duplicate = %d, want 1", got)
	}

	call.disconnected()
	<-done
	if got := gaugeOrCounter(t, reader, "voxnexus.active_calls", "", ""); got != 0 {
		t.Errorf("active calls gauge = %d, want 0 after hangup", got)
	}
}

func TestRegisteredDevicesGauge(t *testing.T) {
	t.Parallel()
	rig, reader := newMeteredSipRig(t)
	ctx := context.Background()

	reg := rig.ctrl.Registrar()
	if err := reg.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	acct := rig.phone.last()

	acct.push(AccountEvent{State: RegRegistered})
	waitFor(t, "gauge up", func() bool {
		return gaugeOrCounter(t, reader, "voxnexus.registered_devices", "", "") == 1
	})
	// Refresh confirmations must not double count.
	acct.push(AccountEvent{State: RegRegistered})
	time.Sleep(20 * time.Millisecond)
	if got := gaugeOrCounter(t, reader, "voxnexus.registered_devices", "", ""); got != 1 {
		t.Errorf("gauge after repeat confirmation = %d, want 1", got)
	}

	acct.push(AccountEvent{State: RegFailed, Error: "401 Unauthorized"})
	waitFor(t, "gauge down", func() bool {
		return gaugeOrCounter(t, reader, "voxnexus.registered_devices", "", "") == 0
	})

	acct.push(AccountEvent{State: RegRegistered})
	waitFor(t, "gauge up again", func() bool {
		return gaugeOrCounter(t, reader, "voxnexus.registered_devices", "", "") == 1
	})
	reg.RemoveDevice(ctx, "ext-1")
	if got := gaugeOrCounter(t, reader, "voxnexus.registered_devices", "", ""); got != 0 {
		t.Errorf("gauge after removal = %d, want 0", got)
	}
}

func TestRegisterRejectsLiveDuplicate(t *testing.T) {
	t.Parallel()
	rig := newSipRig(t)
	mux := http.NewServeMux()
	NewAPI(rig.ctrl).Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/devices/ext-1/register", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first register: status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/devices/ext-1/register", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("duplicate register: status = %d, want 400", resp.StatusCode)
	}
	if !json.Valid(body) {
		t.Errorf("error body is not JSON: %s", body)
	}

	// The live registration is untouched: one softphone account, no
	// unregister, and the extension still answers after unregistering once.
	rig.phone.mu.Lock()
	accounts := len(rig.phone.accounts)
	rig.phone.mu.Unlock()
	if accounts != 1 {
		t.Errorf("softphone accounts = %d, want 1", accounts)
	}
	if got := rig.phone.last().unregisterCount(); got != 0 {
		t.Errorf("unregister calls = %d, want 0", got)
	}

	resp, err = http.Post(srv.URL+"/devices/ext-1/unregister", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unregister: status = %d, want 200", resp.StatusCode)
	}
	resp, err = http.Post(srv.URL+"/devices/ext-1/register", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("re-register after unregister: status = %d, want 200", resp.StatusCode)
	}
}

func TestAPIEndpoints(t *testing.T) {
	t.Parallel()
	rig := newSipRig(t)
	mux := http.NewServeMux()
	NewAPI(rig.ctrl).Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if health["status"] != "ok" || health["active_calls"] != float64(0) {
		t.Errorf("health = %v", health)
	}

	resp, err = http.Post(srv.URL+"/devices/unknown/register", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("register unknown device: status = %d, want 404", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/devices/ext-1/register", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("register: status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/devices")
	if err != nil {
		t.Fatal(err)
	}
	var devices []DeviceStatus
	if err := json.NewDecoder(resp.Body).Decode(&devices); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(devices) != 1 || devices[0].ID != "ext-1" {
		t.Errorf("devices = %+v", devices)
	}

	resp, err = http.Post(srv.URL+"/devices/ext-1/unregister", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("unregister: status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/devices/ext-1/unregister", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unregister again: status = %d, want 404", resp.StatusCode)
	}
}
