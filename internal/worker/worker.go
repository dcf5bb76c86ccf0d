// Package worker implements the WebRTC agent session controller: it
// receives room dispatches, claims the room before joining, runs a turn
// engine against the room media, and honors in-band guardian takeover
// commands on the data channel.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxnexus/voxnexus/internal/claim"
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

// Data topics on the room data channel.
const (
	TopicGuardianCommand = "guardian_command"
	TopicGuardianStatus  = "guardian_status"
)

// Fixed operator-handoff lines.
const (
	HoldLine   = "Please hold, I'm connecting you to a human agent."
	ResumeLine = "I'm back. How can I continue to help you?"
)

const aiTrackName = "ai-voice"

// Dispatch is one agent job assignment. AgentInstanceID derives the claim
// identity from the job and task ids.
type Dispatch struct {
	JobID          string `json:"jobId"`
	TaskID         string `json:"taskId"`
	RoomName       string `json:"roomName"`
	AgentConfigID  string `json:"agentConfigId"`
	VoiceProfileID string `json:"voiceProfileId,omitempty"`
}

// AgentInstanceID identifies this dispatch execution for room claims.
func (d Dispatch) AgentInstanceID() string {
	return d.JobID + ":" + d.TaskID
}

// Store is the subset of the persistence layer the controller uses.
type Store interface {
	GetAgentConfig(ctx context.Context, id string) (*store.AgentConfig, error)
	GetVoiceProfile(ctx context.Context, id string) (*store.VoiceProfileRow, error)
	CreateConversation(ctx context.Context, agentConfigID, sessionID, channel string) (string, error)
	AppendMessage(ctx context.Context, conversationID, role, content string) error
	CloseConversation(ctx context.Context, id string, metadata map[string]any) error
}

// Claims is the room-claim service client surface.
type Claims interface {
	Claim(ctx context.Context, roomName, agentID string) (*claim.Response, error)
	Release(ctx context.Context, roomName, agentID string) error
}

// ProviderFactory builds per-session provider sets.
type ProviderFactory interface {
	Build(agent *store.AgentConfig, referenceAudioURL string) (*config.ProviderSet, error)
}

// Config tunes the controller.
type Config struct {
	// Language is the STT language hint.
	Language string

	// Greeting opens every session. Empty skips the greeting.
	Greeting string

	// Metrics overrides the metrics sink; nil uses the global meter provider.
	Metrics *observe.Metrics
}

// Controller runs agent sessions for dispatched rooms.
type Controller struct {
	cfg         Config
	store       Store
	claims      Claims
	connector   rtc.Connector
	factory     ProviderFactory
	supervisor  *guardian.Supervisor
	synthesizer *tools.Synthesizer
	broker      fabric.Broker
	logger      *slog.Logger
	metrics     *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a Controller.
func New(cfg Config, st Store, claims Claims, connector rtc.Connector, factory ProviderFactory, supervisor *guardian.Supervisor, synthesizer *tools.Synthesizer, broker fabric.Broker, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Controller{
		cfg:         cfg,
		store:       st,
		claims:      claims,
		connector:   connector,
		factory:     factory,
		supervisor:  supervisor,
		synthesizer: synthesizer,
		broker:      broker,
		logger:      logger.With("component", "worker"),
		metrics:     metrics,
		sessions:    make(map[string]*session),
	}
}

// ActiveSessions reports how many rooms this controller is currently serving.
func (c *Controller) ActiveSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// HandleDispatch claims the room, joins it, and runs the session until the
// room disconnects. A lost claim is not an error: the dispatch exits
// silently without connecting, which is the duplicate-worker guard.
func (c *Controller) HandleDispatch(ctx context.Context, d Dispatch) error {
	agentID := d.AgentInstanceID()
	logger := c.logger.With("room", d.RoomName, "agent_instance", agentID)

	resp, err := c.claims.Claim(ctx, d.RoomName, agentID)
	switch {
	case err != nil:
		// A broken claim service must not strand callers; proceed and let
		// the claim TTL recover any inconsistency.
		c.metrics.RecordClaimOutcome(ctx, "error")
		logger.Warn("claim service unavailable, proceeding without claim", "error", err)
	case !resp.Claimed:
		c.metrics.RecordClaimOutcome(ctx, "denied")
		logger.Info("room already claimed, exiting dispatch", "holder", resp.ExistingAgentID)
		return nil
	default:
		c.metrics.RecordClaimOutcome(ctx, "granted")
	}
	releaseClaim := func() {
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.claims.Release(relCtx, d.RoomName, agentID); err != nil {
			logger.Warn("claim release failed", "error", err)
		}
	}

	agent, err := c.store.GetAgentConfig(ctx, d.AgentConfigID)
	if err != nil {
		releaseClaim()
		return fmt.Errorf("worker: load agent config %q: %w", d.AgentConfigID, err)
	}

	refURL := ""
	if d.VoiceProfileID != "" {
		profile, err := c.store.GetVoiceProfile(ctx, d.VoiceProfileID)
		if err != nil {
			logger.Warn("voice profile lookup failed, using cloud voice", "error", err)
		} else {
			refURL = profile.ReferenceAudioURL
		}
	}

	set, err := c.factory.Build(agent, refURL)
	if err != nil {
		releaseClaim()
		return fmt.Errorf("worker: build providers: %w", err)
	}

	toolSet, err := c.synthesizer.Synthesize(ctx, agent.ID)
	if err != nil {
		logger.Warn("tool synthesis failed, running without tools", "error", err)
		toolSet = nil
	}

	conversationID, err := c.store.CreateConversation(ctx, agent.ID, agentID, store.ChannelWebRTC)
	if err != nil {
		releaseClaim()
		return fmt.Errorf("worker: create conversation: %w", err)
	}

	rtcSess, err := c.connector.Dial(ctx, d.RoomName, agentID)
	if err != nil {
		releaseClaim()
		return fmt.Errorf("worker: join room %q: %w", d.RoomName, err)
	}

	// WebRTC callers have a screen; offer the visual push tool bound to
	// this room's data channel.
	if toolSet == nil {
		toolSet = &tools.Set{}
	}
	toolSet.AttachPushUI(rtcSess, logger)

	c.supervisor.StartSession(ctx, conversationID, agent.ID)

	s := &session{
		ctrl:           c,
		dispatch:       d,
		agent:          agent,
		refURL:         refURL,
		set:            set,
		toolSet:        toolSet,
		conversationID: conversationID,
		rtcSess:        rtcSess,
		logger:         logger,
		seen:           make(map[string]bool),
	}

	c.mu.Lock()
	c.sessions[d.RoomName] = s
	c.mu.Unlock()
	c.metrics.ActiveSessions.Add(ctx, 1)
	c.supervisor.RegisterCallback(conversationID, func(cbCtx context.Context, mute bool) {
		if mute {
			s.takeover(cbCtx)
		} else {
			s.release(cbCtx)
		}
	})

	defer func() {
		c.supervisor.UnregisterCallback(conversationID)
		c.mu.Lock()
		delete(c.sessions, d.RoomName)
		c.mu.Unlock()

		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.metrics.ActiveSessions.Add(cleanupCtx, -1)
		releaseClaim()
		analytics := c.supervisor.Analytics(conversationID)
		if err := c.store.CloseConversation(cleanupCtx, conversationID, analytics); err != nil {
			logger.Warn("conversation close failed", "error", err)
		}
		c.supervisor.EndSession(cleanupCtx, conversationID)
		if err := rtcSess.Disconnect(cleanupCtx); err != nil {
			logger.Warn("room disconnect failed", "error", err)
		}
		logger.Info("session ended")
	}()

	return s.run(ctx)
}

// session is one live room assignment.
type session struct {
	ctrl           *Controller
	dispatch       Dispatch
	agent          *store.AgentConfig
	refURL         string
	set            *config.ProviderSet
	toolSet        *tools.Set
	conversationID string
	rtcSess        rtc.Session
	logger         *slog.Logger

	mu          sync.Mutex
	engine      *turn.Engine
	media       *roomMedia
	humanActive bool
	seen        map[string]bool
}

// run starts the engine and blocks until the room disconnects or ctx ends.
func (s *session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.startEngine(ctx, s.ctrl.cfg.Greeting); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.commandLoop(gctx)
		return nil
	})
	g.Go(func() error {
		s.eventLoop(gctx)
		cancel()
		return nil
	})
	err := g.Wait()

	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()
	if engine != nil {
		engine.Stop()
	}
	return err
}

// startEngine publishes the AI audio track and launches a turn engine over
// it. Called at session start and again after a guardian release.
func (s *session) startEngine(ctx context.Context, greeting string) error {
	track, err := s.rtcSess.PublishAudioTrack(ctx, aiTrackName, mediaSampleRate)
	if err != nil {
		return fmt.Errorf("worker: publish track: %w", err)
	}
	media := newRoomMedia(s.rtcSess, track)

	suffix := ""
	if s.toolSet != nil {
		suffix = s.toolSet.PromptSuffix
	}
	opts := []turn.Option{turn.WithObserver(s), turn.WithMetrics(s.ctrl.metrics)}
	if s.set.FallbackTTS != nil {
		opts = append(opts, turn.WithFallbackTTS(s.set.FallbackTTS))
	}
	if s.toolSet != nil {
		opts = append(opts, turn.WithTools(s.toolSet))
	}
	engine := turn.New(turn.Config{
		SystemPrompt: tools.SystemPrompt(s.agent.SystemPrompt, suffix),
		Greeting:     greeting,
		Voice:        s.set.Voice,
		Language:     s.ctrl.cfg.Language,
		Channel:      store.ChannelWebRTC,
	}, s.set.STT, s.set.LLM, s.set.TTS, s.set.VAD, media, s.logger, opts...)

	s.mu.Lock()
	s.engine = engine
	s.media = media
	s.mu.Unlock()

	go func() {
		if err := engine.Run(ctx); err != nil {
			s.logger.Warn("turn engine exited with error", "error", err)
		}
	}()
	return nil
}

// OnTranscript implements turn.Observer: persist the message, feed the
// guardian, and trigger auto-handoff through the fabric when warranted.
func (s *session) OnTranscript(ctx context.Context, role, text string) {
	if err := s.ctrl.store.AppendMessage(ctx, s.conversationID, role, text); err != nil {
		s.logger.Warn("message persistence failed", "error", err)
	}

	risk := s.ctrl.supervisor.Observe(ctx, s.conversationID, role, text)
	if role == types.RoleUser && s.ctrl.supervisor.ShouldIntervene(s.conversationID, risk) {
		s.logger.Info("auto handoff triggered",
			"risk_level", risk.Level.String(),
			"risk_score", risk.Score,
		)
		payload, err := json.Marshal(guardian.Command{
			ConversationID: s.conversationID,
			Command:        guardian.CommandTakeover,
			Timestamp:      float64(time.Now().UnixNano()) / 1e9,
		})
		if err != nil {
			return
		}
		if err := s.ctrl.broker.Publish(ctx, fabric.ChannelTakeover, payload); err != nil {
			s.logger.Warn("auto handoff publish failed", "error", err)
		}
	}
}

// dataCommand is the in-band guardian command envelope.
type dataCommand struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
}

// commandLoop consumes guardian_command data messages until the channel
// closes. Commands are deduplicated by (type, timestamp): LiveKit reliable
// data may redeliver across reconnects.
func (s *session) commandLoop(ctx context.Context) {
	commands := s.rtcSess.SubscribeData(TopicGuardianCommand)
	for {
		var msg rtc.DataMessage
		var ok bool
		select {
		case msg, ok = <-commands:
			if !ok {
				return
			}
		case <-ctx.Done():
			return
		}

		var cmd dataCommand
		if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
			s.logger.Warn("malformed guardian command dropped", "error", err)
			continue
		}

		key := fmt.Sprintf("%s:%.6f", cmd.Type, cmd.Timestamp)
		s.mu.Lock()
		dup := s.seen[key]
		s.seen[key] = true
		s.mu.Unlock()
		if dup {
			s.logger.Info("duplicate guardian command ignored", "type", cmd.Type)
			continue
		}

		switch cmd.Type {
		case guardian.CommandTakeover:
			s.takeover(ctx)
		case guardian.CommandRelease:
			s.release(ctx)
		default:
			s.logger.Warn("unknown guardian command", "type", cmd.Type)
		}
	}
}

// eventLoop waits for the room to disconnect.
func (s *session) eventLoop(ctx context.Context) {
	for {
		select {
		case ev, ok := <-s.rtcSess.Events():
			if !ok || ev.Kind == rtc.EventDisconnected {
				return
			}
			if ev.Kind == rtc.EventParticipantLeft {
				s.logger.Info("participant left", "participant", ev.Participant)
			}
		case <-ctx.Done():
			return
		}
	}
}

// takeover hands the session to a human: mute, hold line, engine teardown,
// then mute and unpublish every local track so no AI audio can continue.
func (s *session) takeover(ctx context.Context) {
	s.mu.Lock()
	if s.humanActive {
		s.mu.Unlock()
		return
	}
	s.humanActive = true
	engine, media := s.engine, s.media
	s.engine, s.media = nil, nil
	s.mu.Unlock()

	s.logger.Info("guardian takeover")
	s.ctrl.metrics.RecordTakeover(ctx, store.ChannelWebRTC)
	if engine != nil {
		engine.Mute()
	}
	if media != nil {
		s.sayDirect(ctx, media, HoldLine)
	}
	if engine != nil {
		engine.Stop()
	}
	for _, track := range s.rtcSess.LocalTracks() {
		if err := track.SetMuted(ctx, true); err != nil {
			s.logger.Warn("track mute failed", "error", err)
		}
	}
	for _, track := range s.rtcSess.LocalTracks() {
		if err := track.Unpublish(ctx); err != nil {
			s.logger.Warn("track unpublish failed", "error", err)
		}
	}
	s.ctrl.supervisor.SetHumanActive(s.conversationID, true)
}

// release rebuilds the engine from the same agent config and resumes.
func (s *session) release(ctx context.Context) {
	s.mu.Lock()
	if !s.humanActive {
		s.mu.Unlock()
		return
	}
	s.humanActive = false
	needRebuild := s.engine == nil
	s.mu.Unlock()

	s.logger.Info("guardian release")
	if needRebuild {
		set, err := s.ctrl.factory.Build(s.agent, s.refURL)
		if err != nil {
			s.logger.Error("provider rebuild failed, session stays silent", "error", err)
			return
		}
		s.mu.Lock()
		s.set = set
		s.mu.Unlock()
		if err := s.startEngine(ctx, ResumeLine); err != nil {
			s.logger.Error("engine rebuild failed", "error", err)
			return
		}
	}

	status, _ := json.Marshal(map[string]any{
		"type":           "released",
		"conversationId": s.conversationID,
		"timestamp":      float64(time.Now().UnixNano()) / 1e9,
	})
	if err := s.rtcSess.SendData(ctx, TopicGuardianStatus, status); err != nil {
		s.logger.Warn("status publish failed", "error", err)
	}
	s.ctrl.supervisor.SetHumanActive(s.conversationID, false)
}

// sayDirect synthesizes and plays one fixed line outside the turn engine.
func (s *session) sayDirect(ctx context.Context, media *roomMedia, text string) {
	synthCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	clip, err := s.set.TTS.Synthesize(synthCtx, text, s.set.Voice)
	if errors.Is(err, tts.ErrReferenceAudio) && s.set.FallbackTTS != nil {
		clip, err = s.set.FallbackTTS.Synthesize(synthCtx, text, s.set.Voice)
	}
	if err != nil {
		s.logger.Warn("hold line synthesis failed", "error", err)
		return
	}
	if err := media.Play(ctx, clip.PCM, clip.SampleRate); err != nil {
		s.logger.Warn("hold line playback failed", "error", err)
	}
}
