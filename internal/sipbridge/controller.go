package sipbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livekit/protocol/livekit"

	"github.com/voxnexus/voxnexus/internal/config"
	"github.com/voxnexus/voxnexus/internal/fabric"
	"github.com/voxnexus/voxnexus/internal/guardian"
	"github.com/voxnexus/voxnexus/internal/observe"
	"github.com/voxnexus/voxnexus/internal/tools"
	"github.com/voxnexus/voxnexus/internal/turn"
	"github.com/voxnexus/voxnexus/pkg/provider/tts"
	"github.com/voxnexus/voxnexus/pkg/rtc"
	"github.com/voxnexus/voxnexus/pkg/store"
	"github.com/voxnexus/voxnexus/pkg/types"
)

// Fixed operator-handoff lines spoken on the call leg.
const (
	holdLine   = "Please hold, I'm connecting you to a human agent."
	resumeLine = "I'm back. How can I continue to help you?"
)

// Store is the persistence surface the SIP controller uses.
type Store interface {
	DeviceStore
	GetAgentConfig(ctx context.Context, id string) (*store.AgentConfig, error)
	CreateConversation(ctx context.Context, agentConfigID, sessionID, channel string) (string, error)
	AppendMessage(ctx context.Context, conversationID, role, content string) error
	CloseConversation(ctx context.Context, id string, metadata map[string]any) error
	CreateCallLog(ctx context.Context, deviceID, callID, direction, remoteURI, remoteName, room string) (string, error)
	MarkCallAnswered(ctx context.Context, id string) error
	EndCallLog(ctx context.Context, id string) error
}

// ProviderFactory builds per-call provider sets.
type ProviderFactory interface {
	Build(agent *store.AgentConfig, referenceAudioURL string) (*config.ProviderSet, error)
}

// agentDispatchName is the agent registered for operator-room dispatches.
const agentDispatchName = "nexus"

// RoomAdmin provisions the operator room for a call. Nil skips provisioning;
// the bridge then joins on takeover only.
type RoomAdmin interface {
	EnsureRoom(ctx context.Context, name string) (*livekit.Room, error)
	CreateDispatch(ctx context.Context, room, agentName, metadata string) (*livekit.AgentDispatch, error)
}

// Config tunes the controller.
type Config struct {
	// Language is the STT language hint.
	Language string

	// Greeting is spoken when a device has no greeting of its own.
	Greeting string

	// Metrics overrides the metrics sink; nil uses the global meter provider.
	Metrics *observe.Metrics
}

// CallStatus is one active call snapshot row for the HTTP surface.
type CallStatus struct {
	CallID         string    `json:"callId"`
	ExtensionID    string    `json:"extensionId"`
	ConversationID string    `json:"conversationId"`
	RemoteURI      string    `json:"remoteUri"`
	RemoteName     string    `json:"remoteName,omitempty"`
	HumanActive    bool      `json:"humanActive"`
	StartedAt      time.Time `json:"startedAt"`
}

// Controller answers inbound SIP calls, runs a turn engine on each call's
// media, and swaps the call onto a LiveKit bridge when the guardian hands
// it to a human operator.
type Controller struct {
	cfg         Config
	store       Store
	connector   rtc.Connector
	rooms       RoomAdmin
	factory     ProviderFactory
	supervisor  *guardian.Supervisor
	synthesizer *tools.Synthesizer
	broker      fabric.Broker
	logger      *slog.Logger
	metrics     *observe.Metrics

	registrar *Registrar

	mu    sync.Mutex
	calls map[string]*activeCall
}

// New creates a Controller and its registrar.
func New(cfg Config, st Store, phone Softphone, connector rtc.Connector, rooms RoomAdmin, factory ProviderFactory, supervisor *guardian.Supervisor, synthesizer *tools.Synthesizer, broker fabric.Broker, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	c := &Controller{
		cfg:         cfg,
		store:       st,
		connector:   connector,
		rooms:       rooms,
		factory:     factory,
		supervisor:  supervisor,
		synthesizer: synthesizer,
		broker:      broker,
		logger:      logger.With("component", "sipbridge"),
		metrics:     metrics,
		calls:       make(map[string]*activeCall),
	}
	c.registrar = NewRegistrar(phone, st, c.handleIncomingCall, logger)
	c.registrar.metrics = metrics
	return c
}

// Registrar exposes the registration surface for the HTTP API.
func (c *Controller) Registrar() *Registrar {
	return c.registrar
}

// Run registers all configured devices, wires dynamic registration off the
// fabric, and installs the device-scoped guardian callback. Returns once
// wiring is in place; call Shutdown to unwind.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.registrar.Start(ctx); err != nil {
		return err
	}

	err := c.broker.Subscribe(ctx, fabric.ChannelRegister, func(payload []byte) {
		var p registerPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			c.logger.Warn("malformed register message dropped", "error", err)
			return
		}
		if err := c.registrar.AddDevice(ctx, p.device()); err != nil {
			c.logger.Error("dynamic registration failed", "device", p.ExtensionID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("sipbridge: register subscription: %w", err)
	}

	err = c.broker.Subscribe(ctx, fabric.ChannelUnregister, func(payload []byte) {
		var p struct {
			ExtensionID string `json:"extensionId"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			c.logger.Warn("malformed unregister message dropped", "error", err)
			return
		}
		c.registrar.RemoveDevice(ctx, p.ExtensionID)
	})
	if err != nil {
		return fmt.Errorf("sipbridge: unregister subscription: %w", err)
	}

	// Commands addressed by extension rather than conversation land on every
	// active call; a bridge process normally has one.
	c.supervisor.RegisterDeviceCallback(func(cbCtx context.Context, mute bool) {
		for _, call := range c.activeCalls() {
			if mute {
				call.takeover(cbCtx)
			} else {
				call.release(cbCtx)
			}
		}
	})
	return nil
}

// Shutdown hangs up active calls and unregisters all devices.
func (c *Controller) Shutdown(ctx context.Context) {
	for _, call := range c.activeCalls() {
		if err := call.call.Hangup(ctx); err != nil {
			c.logger.Warn("hangup failed", "call", call.call.ID(), "error", err)
		}
	}
	c.registrar.Shutdown(ctx)
}

// ActiveCalls returns snapshots of in-flight calls.
func (c *Controller) ActiveCalls() []CallStatus {
	calls := c.activeCalls()
	out := make([]CallStatus, 0, len(calls))
	for _, a := range calls {
		out = append(out, a.status())
	}
	return out
}

// GuardianActive reports whether any call is currently operator-handled.
func (c *Controller) GuardianActive() bool {
	for _, a := range c.activeCalls() {
		if a.status().HumanActive {
			return true
		}
	}
	return false
}

func (c *Controller) activeCalls() []*activeCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*activeCall, 0, len(c.calls))
	for _, a := range c.calls {
		out = append(out, a)
	}
	return out
}

// registerPayload is the dynamic-registration envelope on the fabric.
type registerPayload struct {
	ExtensionID   string `json:"extensionId"`
	AgentConfigID string `json:"agentConfigId"`
	Server        string `json:"server"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	Port          int    `json:"port"`
	Transport     string `json:"transport"`
	DisplayName   string `json:"displayName"`
	Realm         string `json:"realm"`
	OutboundProxy string `json:"outboundProxy"`
	GreetingText  string `json:"greetingText"`
}

func (p registerPayload) device() store.SipDevice {
	return store.SipDevice{
		ID:            p.ExtensionID,
		AgentConfigID: p.AgentConfigID,
		Server:        p.Server,
		Username:      p.Username,
		Password:      p.Password,
		Port:          p.Port,
		Transport:     p.Transport,
		DisplayName:   p.DisplayName,
		Realm:         p.Realm,
		OutboundProxy: p.OutboundProxy,
		GreetingText:  p.GreetingText,
	}
}

// handleIncomingCall auto-answers, opens the call log and conversation, and
// serves the call until it disconnects.
func (c *Controller) handleIncomingCall(ctx context.Context, device store.SipDevice, call Call) {
	logger := c.logger.With("call", call.ID(), "device", device.ID)
	room := BridgeRoomName(device.ID)

	callLogID, err := c.store.CreateCallLog(ctx, device.ID, call.ID(), "inbound", call.RemoteURI(), call.RemoteName(), room)
	if err != nil {
		logger.Warn("call log creation failed", "error", err)
	}

	if c.rooms != nil {
		if _, err := c.rooms.EnsureRoom(ctx, room); err != nil {
			logger.Warn("operator room provisioning failed", "error", err)
		} else if _, err := c.rooms.CreateDispatch(ctx, room, agentDispatchName, call.ID()); err != nil {
			logger.Warn("agent dispatch failed", "error", err)
		}
	}

	if err := call.Answer(ctx); err != nil {
		logger.Error("answer failed", "error", err)
		return
	}
	if callLogID != "" {
		if err := c.store.MarkCallAnswered(ctx, callLogID); err != nil {
			logger.Warn("call log update failed", "error", err)
		}
	}

	hangup := func() {
		hupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := call.Hangup(hupCtx); err != nil {
			logger.Warn("hangup failed", "error", err)
		}
	}

	agent, err := c.store.GetAgentConfig(ctx, device.AgentConfigID)
	if err != nil {
		logger.Error("agent config load failed", "agent", device.AgentConfigID, "error", err)
		hangup()
		return
	}

	set, err := c.factory.Build(agent, "")
	if err != nil {
		logger.Error("provider build failed", "error", err)
		hangup()
		return
	}

	toolSet, err := c.synthesizer.Synthesize(ctx, agent.ID)
	if err != nil {
		logger.Warn("tool synthesis failed, running without tools", "error", err)
		toolSet = nil
	}

	conversationID, err := c.store.CreateConversation(ctx, agent.ID, call.ID(), store.ChannelSIP)
	if err != nil {
		logger.Error("conversation creation failed", "error", err)
		hangup()
		return
	}

	c.supervisor.StartSession(ctx, conversationID, agent.ID)

	a := &activeCall{
		ctrl:           c,
		device:         device,
		agent:          agent,
		set:            set,
		toolSet:        toolSet,
		call:           call,
		callLogID:      callLogID,
		conversationID: conversationID,
		startedAt:      time.Now(),
		logger:         logger,
	}

	c.mu.Lock()
	c.calls[call.ID()] = a
	c.mu.Unlock()
	c.metrics.ActiveCalls.Add(ctx, 1)
	c.supervisor.RegisterCallback(conversationID, func(cbCtx context.Context, mute bool) {
		if mute {
			a.takeover(cbCtx)
		} else {
			a.release(cbCtx)
		}
	})

	defer func() {
		c.supervisor.UnregisterCallback(conversationID)
		c.mu.Lock()
		delete(c.calls, call.ID())
		c.mu.Unlock()

		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.metrics.ActiveCalls.Add(cleanupCtx, -1)
		a.teardown(cleanupCtx)
		analytics := c.supervisor.Analytics(conversationID)
		if err := c.store.CloseConversation(cleanupCtx, conversationID, analytics); err != nil {
			logger.Warn("conversation close failed", "error", err)
		}
		c.supervisor.EndSession(cleanupCtx, conversationID)
		if callLogID != "" {
			if err := c.store.EndCallLog(cleanupCtx, callLogID); err != nil {
				logger.Warn("call log close failed", "error", err)
			}
		}
		hangup()
		logger.Info("call ended")
	}()

	a.serve(ctx)
}

// activeCall is one answered call being served.
type activeCall struct {
	ctrl           *Controller
	device         store.SipDevice
	agent          *store.AgentConfig
	set            *config.ProviderSet
	toolSet        *tools.Set
	call           Call
	callLogID      string
	conversationID string
	startedAt      time.Time
	logger         *slog.Logger

	mu          sync.Mutex
	engine      *turn.Engine
	bridge      *Bridge
	humanActive bool
}

func (a *activeCall) status() CallStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return CallStatus{
		CallID:         a.call.ID(),
		ExtensionID:    a.device.ID,
		ConversationID: a.conversationID,
		RemoteURI:      a.call.RemoteURI(),
		RemoteName:     a.call.RemoteName(),
		HumanActive:    a.humanActive,
		StartedAt:      a.startedAt,
	}
}

// serve consumes call events until the call disconnects. The engine starts
// only once media is active.
func (a *activeCall) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.call.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case CallMediaActive:
				greeting := a.device.GreetingText
				if greeting == "" {
					greeting = a.ctrl.cfg.Greeting
				}
				if err := a.startEngine(ctx, greeting); err != nil {
					a.logger.Error("engine start failed", "error", err)
					return
				}
			case CallDisconnected:
				return
			}
		}
	}
}

// startEngine launches a turn engine over the call media. Called once media
// becomes active and again when a release finds the engine terminated.
func (a *activeCall) startEngine(ctx context.Context, greeting string) error {
	suffix := ""
	if a.toolSet != nil {
		suffix = a.toolSet.PromptSuffix
	}
	opts := []turn.Option{turn.WithObserver(a), turn.WithMetrics(a.ctrl.metrics)}
	if a.set.FallbackTTS != nil {
		opts = append(opts, turn.WithFallbackTTS(a.set.FallbackTTS))
	}
	if a.toolSet != nil {
		opts = append(opts, turn.WithTools(a.toolSet))
	}
	engine := turn.New(turn.Config{
		SystemPrompt: tools.SystemPrompt(a.agent.SystemPrompt, suffix),
		Greeting:     greeting,
		Voice:        a.set.Voice,
		Language:     a.ctrl.cfg.Language,
		Channel:      store.ChannelSIP,
	}, a.set.STT, a.set.LLM, a.set.TTS, a.set.VAD, a.call.Media(), a.logger, opts...)

	a.mu.Lock()
	a.engine = engine
	a.mu.Unlock()

	go func() {
		if err := engine.Run(ctx); err != nil {
			a.logger.Warn("turn engine exited with error", "error", err)
		}
	}()
	return nil
}

// OnTranscript implements turn.Observer: persist the message, feed the
// guardian, and trigger auto-handoff through the fabric when warranted.
func (a *activeCall) OnTranscript(ctx context.Context, role, text string) {
	if err := a.ctrl.store.AppendMessage(ctx, a.conversationID, role, text); err != nil {
		a.logger.Warn("message persistence failed", "error", err)
	}

	risk := a.ctrl.supervisor.Observe(ctx, a.conversationID, role, text)
	if role == types.RoleUser && a.ctrl.supervisor.ShouldIntervene(a.conversationID, risk) {
		a.logger.Info("auto handoff triggered",
			"risk_level", risk.Level.String(),
			"risk_score", risk.Score,
		)
		payload, err := json.Marshal(guardian.Command{
			ConversationID: a.conversationID,
			Command:        guardian.CommandTakeover,
			Timestamp:      float64(time.Now().UnixNano()) / 1e9,
		})
		if err != nil {
			return
		}
		if err := a.ctrl.broker.Publish(ctx, fabric.ChannelTakeover, payload); err != nil {
			a.logger.Warn("auto handoff publish failed", "error", err)
		}
	}
}

// takeover swaps the call from the AI to a human operator: mute the engine,
// stop any in-flight playback, announce the hold line, then raise the
// LiveKit bridge. A second takeover while bridged is a no-op.
func (a *activeCall) takeover(ctx context.Context) {
	a.mu.Lock()
	if a.humanActive {
		a.mu.Unlock()
		return
	}
	a.humanActive = true
	engine := a.engine
	a.mu.Unlock()

	a.logger.Info("guardian takeover")
	a.ctrl.metrics.RecordTakeover(ctx, store.ChannelSIP)
	media := a.call.Media()
	if engine != nil {
		engine.Mute()
	}
	media.StopPlayback()
	a.sayDirect(ctx, media, holdLine)

	bridge := newBridge(a.ctrl.connector, media, a.device.ID, a.logger)
	if err := bridge.Up(ctx); err != nil {
		a.logger.Error("bridge up failed, resuming ai", "error", err)
		a.mu.Lock()
		a.humanActive = false
		a.mu.Unlock()
		if engine != nil {
			engine.Unmute()
		}
		return
	}
	a.mu.Lock()
	a.bridge = bridge
	a.mu.Unlock()
	a.ctrl.supervisor.SetHumanActive(a.conversationID, true)
}

// release tears the bridge down in order (loop drain, unpublish,
// disconnect), then resumes the AI: unmute when the engine survived, or
// rebuild it with the resume line when it terminated.
func (a *activeCall) release(ctx context.Context) {
	a.mu.Lock()
	if !a.humanActive {
		a.mu.Unlock()
		return
	}
	a.humanActive = false
	bridge := a.bridge
	a.bridge = nil
	engine := a.engine
	a.mu.Unlock()

	a.logger.Info("guardian release")
	if bridge != nil {
		bridge.Down(ctx)
	}

	if engine != nil && engine.State() != turn.StateTerminated {
		a.sayDirect(ctx, a.call.Media(), resumeLine)
		engine.Unmute()
	} else {
		set, err := a.ctrl.factory.Build(a.agent, "")
		if err != nil {
			a.logger.Error("provider rebuild failed, call stays silent", "error", err)
			return
		}
		a.mu.Lock()
		a.set = set
		a.mu.Unlock()
		if err := a.startEngine(ctx, resumeLine); err != nil {
			a.logger.Error("engine rebuild failed", "error", err)
			return
		}
	}
	a.ctrl.supervisor.SetHumanActive(a.conversationID, false)
}

// teardown stops the engine and bridge at call end.
func (a *activeCall) teardown(ctx context.Context) {
	a.mu.Lock()
	engine := a.engine
	a.engine = nil
	bridge := a.bridge
	a.bridge = nil
	a.mu.Unlock()

	if engine != nil {
		engine.Stop()
	}
	if bridge != nil {
		bridge.Down(ctx)
	}
}

// sayDirect synthesizes and plays one fixed line outside the turn engine.
func (a *activeCall) sayDirect(ctx context.Context, media CallMedia, text string) {
	synthCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	clip, err := a.set.TTS.Synthesize(synthCtx, text, a.set.Voice)
	if errors.Is(err, tts.ErrReferenceAudio) && a.set.FallbackTTS != nil {
		clip, err = a.set.FallbackTTS.Synthesize(synthCtx, text, a.set.Voice)
	}
	if err != nil {
		a.logger.Warn("handoff line synthesis failed", "error", err)
		return
	}
	if err := media.Play(ctx, clip.PCM, clip.SampleRate); err != nil {
		a.logger.Warn("handoff line playback failed", "error", err)
	}
}
