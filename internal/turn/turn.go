// Package turn implements the conversational state machine driving one call:
// VAD-gated capture, utterance transcription, bounded LLM completion with
// tool calling, and reply synthesis back onto the call media.
package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxnexus/voxnexus/internal/observe"
	"github.com/voxnexus/voxnexus/internal/tools"
	"github.com/voxnexus/voxnexus/pkg/provider"
	"github.com/voxnexus/voxnexus/pkg/provider/llm"
	"github.com/voxnexus/voxnexus/pkg/provider/stt"
	"github.com/voxnexus/voxnexus/pkg/provider/tts"
	"github.com/voxnexus/voxnexus/pkg/provider/vad"
	"github.com/voxnexus/voxnexus/pkg/types"
)

// State is the engine's lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateGreeting
	StateListening
	StateTranscribing
	StateThinking
	StateSpeaking
	StateMuted
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateGreeting:
		return "greeting"
	case StateListening:
		return "listening"
	case StateTranscribing:
		return "transcribing"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateMuted:
		return "muted"
	case StateTerminated:
		return "terminated"
	default:
		return "idle"
	}
}

// VAD gating: an utterance ends once at least minSpeechFrames voiced frames
// have accumulated and an unbroken run of silenceFrames follows. At 20 ms
// per frame that is 200 ms of speech and 400 ms of trailing silence.
const (
	frameSizeMs     = 20
	vadAggressive   = 3
	minSpeechFrames = 10
	silenceFrames   = 20
)

// maxToolRounds bounds the tool-call loop within one turn.
const maxToolRounds = 3

// Defaults applied by New when Config leaves them zero.
const (
	defaultHistoryLimit   = 6
	defaultMaxReplyTokens = 100
	defaultSTTTimeout     = 10 * time.Second
	defaultLLMTimeout     = 15 * time.Second
	defaultTTSTimeout     = 15 * time.Second
)

// FallbackUtterance is spoken when a provider is fatally misconfigured or
// unavailable; the session continues.
const FallbackUtterance = "I'm sorry, the AI service is not configured."

// Media is the audio surface of one call leg. The SIP controller backs it
// with call media, the worker with a room track.
type Media interface {
	// ReadFrame blocks until the next capture frame is available: frameSizeMs
	// of 16-bit little-endian mono PCM at SampleRate. Returns io.EOF when the
	// media closes.
	ReadFrame(ctx context.Context) ([]byte, error)

	// SampleRate of capture frames in Hz.
	SampleRate() int

	// Play renders a clip to the caller, blocking until playback completes or
	// ctx is cancelled. The clip may be at any rate; the media resamples.
	Play(ctx context.Context, pcm []byte, sampleRate int) error

	// StopPlayback interrupts an in-flight Play.
	StopPlayback()
}

// Observer receives final transcripts in conversation order. Controllers
// fan out to the guardian supervisor and message persistence.
type Observer interface {
	OnTranscript(ctx context.Context, role, text string)
}

// Config tunes one engine instance.
type Config struct {
	SystemPrompt string
	Greeting     string
	Voice        types.VoiceProfile
	Language     string

	// Channel labels this engine's turn metrics: "sip" or "webrtc".
	Channel string

	// HistoryLimit is how many trailing history messages the LLM sees; the
	// system prompt is never dropped. Default 6.
	HistoryLimit int

	// MaxReplyTokens bounds LLM replies to phone cadence. Default 100.
	MaxReplyTokens int

	STTTimeout time.Duration
	LLMTimeout time.Duration
	TTSTimeout time.Duration
}

// Engine runs the turn state machine for one call.
type Engine struct {
	cfg      Config
	sttP     stt.Provider
	llmP     llm.Provider
	ttsP     tts.Provider
	fallback tts.Provider
	vadE     vad.Engine
	media    Media
	toolSet  *tools.Set
	observer Observer
	logger   *slog.Logger
	metrics  *observe.Metrics

	state atomic.Int32
	muted atomic.Bool

	// useFallbackTTS latches after the first reference-audio failure; the
	// cloning provider is not retried per turn.
	useFallbackTTS atomic.Bool

	mu      sync.Mutex
	history []types.Message

	stopOnce sync.Once
	stopped  chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithFallbackTTS installs the cloud TTS used when the primary provider
// cannot load its reference audio.
func WithFallbackTTS(p tts.Provider) Option {
	return func(e *Engine) { e.fallback = p }
}

// WithObserver attaches a transcript observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithTools offers a tool set to the LLM.
func WithTools(set *tools.Set) Option {
	return func(e *Engine) { e.toolSet = set }
}

// WithMetrics overrides the metrics sink; the default uses the global meter
// provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New assembles an engine in StateIdle.
func New(cfg Config, sttP stt.Provider, llmP llm.Provider, ttsP tts.Provider, vadE vad.Engine, media Media, logger *slog.Logger, opts ...Option) *Engine {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.MaxReplyTokens <= 0 {
		cfg.MaxReplyTokens = defaultMaxReplyTokens
	}
	if cfg.STTTimeout <= 0 {
		cfg.STTTimeout = defaultSTTTimeout
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = defaultLLMTimeout
	}
	if cfg.TTSTimeout <= 0 {
		cfg.TTSTimeout = defaultTTSTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:     cfg,
		sttP:    sttP,
		llmP:    llmP,
		ttsP:    ttsP,
		vadE:    vadE,
		media:   media,
		logger:  logger.With("component", "turn"),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

// Mute suspends AI output: in-flight playback stops and subsequent turns end
// before the LLM or TTS run. Capture continues so VAD state stays warm.
func (e *Engine) Mute() {
	e.muted.Store(true)
	e.media.StopPlayback()
	if e.State() != StateTerminated {
		e.setState(StateMuted)
	}
	e.logger.Info("engine muted")
}

// Unmute resumes normal turn processing.
func (e *Engine) Unmute() {
	e.muted.Store(false)
	if e.State() == StateMuted {
		e.setState(StateListening)
	}
	e.logger.Info("engine unmuted")
}

// Muted reports whether output is suspended.
func (e *Engine) Muted() bool {
	return e.muted.Load()
}

// Stop terminates the engine. Safe to call more than once and from any
// goroutine; Run returns soon after.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.setState(StateTerminated)
		e.media.StopPlayback()
		close(e.stopped)
	})
}

// History returns a copy of the accumulated conversation history.
func (e *Engine) History() []types.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.Message, len(e.history))
	copy(out, e.history)
	return out
}

// Run plays the greeting and then loops capture → transcribe → think → speak
// until Stop is called or the media closes. Blocks.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.stopped:
			cancel()
		case <-ctx.Done():
		}
	}()
	defer e.Stop()

	vadSess, err := e.vadE.NewSession(vad.Config{
		SampleRate:     e.media.SampleRate(),
		FrameSizeMs:    frameSizeMs,
		Aggressiveness: vadAggressive,
	})
	if err != nil {
		return fmt.Errorf("turn: open vad session: %w", err)
	}
	defer vadSess.Close()

	e.setState(StateGreeting)
	if e.cfg.Greeting != "" {
		if err := e.speak(ctx, e.cfg.Greeting); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.logger.Warn("greeting playback failed", "error", err)
		}
	}
	e.toListening()

	var (
		utterance    []byte
		voicedFrames int
		silenceRun   int
		capturing    bool
	)
	resetCapture := func() {
		utterance = utterance[:0]
		voicedFrames = 0
		silenceRun = 0
		capturing = false
		vadSess.Reset()
	}

	for {
		frame, err := e.media.ReadFrame(ctx)
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("turn: read frame: %w", err)
		}

		ev, err := vadSess.ProcessFrame(frame)
		if err != nil {
			e.logger.Warn("vad frame classification failed, treating as silence", "error", err)
			ev.Type = types.VADSilence
		}

		switch ev.Type {
		case types.VADSpeechStart, types.VADSpeechContinue:
			capturing = true
			voicedFrames++
			silenceRun = 0
			utterance = append(utterance, frame...)
		case types.VADSpeechEnd, types.VADSilence:
			if capturing {
				silenceRun++
				utterance = append(utterance, frame...)
			}
		}

		if voicedFrames >= minSpeechFrames && silenceRun >= silenceFrames {
			turnAudio := make([]byte, len(utterance))
			copy(turnAudio, utterance)
			resetCapture()
			e.processTurn(ctx, turnAudio)
			if e.State() == StateTerminated {
				return nil
			}
			e.toListening()
		}
	}
}

func (e *Engine) toListening() {
	if e.muted.Load() {
		e.setState(StateMuted)
	} else if e.State() != StateTerminated {
		e.setState(StateListening)
	}
}

// processTurn runs one full user turn. Provider failures degrade: transient
// and configuration errors surface as the fallback utterance, not a session
// abort.
func (e *Engine) processTurn(ctx context.Context, utterance []byte) {
	e.setState(StateTranscribing)
	turnStart := time.Now()

	sttCtx, cancel := context.WithTimeout(ctx, e.cfg.STTTimeout)
	sttStart := time.Now()
	transcript, err := e.sttP.Transcribe(sttCtx, utterance, stt.Config{
		SampleRate: e.media.SampleRate(),
		Channels:   1,
		Language:   e.cfg.Language,
	})
	e.metrics.STTDuration.Record(ctx, time.Since(sttStart).Seconds())
	cancel()
	if err != nil {
		e.logger.Warn("transcription failed, dropping turn", "error", err)
		if errors.Is(err, provider.ErrMisconfigured) {
			e.sayFallback(ctx)
		}
		return
	}

	text := strings.TrimSpace(transcript.Text)
	if len(text) < 2 {
		return
	}
	e.logger.Info("user turn", "text", text)

	if e.observer != nil {
		e.observer.OnTranscript(ctx, types.RoleUser, text)
	}
	e.appendHistory(types.Message{Role: types.RoleUser, Content: text})

	if e.muted.Load() {
		return
	}

	e.setState(StateThinking)
	reply, err := e.complete(ctx)
	if err != nil {
		e.logger.Warn("completion failed", "error", err)
		e.sayFallback(ctx)
		return
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return
	}

	if e.observer != nil {
		e.observer.OnTranscript(ctx, types.RoleAssistant, reply)
	}
	e.appendHistory(types.Message{Role: types.RoleAssistant, Content: reply})

	if e.muted.Load() {
		return
	}

	if err := e.speak(ctx, TruncateReply(reply)); err != nil {
		e.logger.Warn("reply playback failed", "error", err)
	}
	e.metrics.TurnDuration.Record(ctx, time.Since(turnStart).Seconds())
	e.metrics.RecordTurn(ctx, e.cfg.Channel)
}

// complete calls the LLM over the trimmed history, resolving tool calls
// locally for up to maxToolRounds before insisting on a text reply. Tool
// exchanges stay within the turn; only user and assistant text enters the
// durable history.
func (e *Engine) complete(ctx context.Context) (string, error) {
	messages := e.trimmedHistory()

	var defs []types.ToolDefinition
	if e.toolSet != nil {
		defs = e.toolSet.Definitions()
	}

	for round := 0; ; round++ {
		llmCtx, cancel := context.WithTimeout(ctx, e.cfg.LLMTimeout)
		llmStart := time.Now()
		resp, err := e.llmP.Complete(llmCtx, llm.CompletionRequest{
			SystemPrompt: e.cfg.SystemPrompt,
			Messages:     messages,
			Tools:        defs,
			MaxTokens:    e.cfg.MaxReplyTokens,
		})
		e.metrics.LLMDuration.Record(ctx, time.Since(llmStart).Seconds())
		cancel()
		if err != nil {
			return "", err
		}
		if len(resp.ToolCalls) == 0 || e.toolSet == nil || round >= maxToolRounds {
			return resp.Content, nil
		}

		messages = append(messages, types.Message{
			Role:      types.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			messages = append(messages, types.Message{
				Role:       types.RoleTool,
				Content:    e.invokeTool(ctx, call),
				ToolCallID: call.ID,
			})
		}
	}
}

func (e *Engine) invokeTool(ctx context.Context, call types.ToolCall) string {
	tool := e.toolSet.Lookup(call.Name)
	if tool == nil {
		e.metrics.RecordToolCall(ctx, call.Name, "error")
		return fmt.Sprintf("Error: unknown tool %q.", call.Name)
	}
	args, err := decodeArguments(call.Arguments)
	if err != nil {
		e.metrics.RecordToolCall(ctx, call.Name, "error")
		return fmt.Sprintf("Error: malformed arguments for %s: %v.", call.Name, err)
	}
	e.logger.Info("tool call", "tool", call.Name)
	start := time.Now()
	out, err := tool.Invoke(ctx, args)
	e.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		e.metrics.RecordToolCall(ctx, call.Name, "error")
		e.logger.Warn("tool invocation failed", "tool", call.Name, "error", err)
		return fmt.Sprintf("Error: %s failed: %v.", call.Name, err)
	}
	e.metrics.RecordToolCall(ctx, call.Name, "ok")
	return out
}

func (e *Engine) appendHistory(msg types.Message) {
	e.mu.Lock()
	e.history = append(e.history, msg)
	e.mu.Unlock()
}

// trimmedHistory returns the last HistoryLimit messages. The system prompt
// travels separately in the request and is never subject to trimming.
func (e *Engine) trimmedHistory() []types.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := 0
	if len(e.history) > e.cfg.HistoryLimit {
		start = len(e.history) - e.cfg.HistoryLimit
	}
	out := make([]types.Message, len(e.history)-start)
	copy(out, e.history[start:])
	return out
}

// speak synthesizes and plays one clip, switching permanently to the
// fallback TTS after the first reference-audio failure.
func (e *Engine) speak(ctx context.Context, text string) error {
	if len(strings.TrimSpace(text)) < 2 {
		return nil
	}
	e.setState(StateSpeaking)

	p := e.ttsP
	if e.useFallbackTTS.Load() && e.fallback != nil {
		p = e.fallback
	}

	synthStart := time.Now()
	ttsCtx, cancel := context.WithTimeout(ctx, e.cfg.TTSTimeout)
	clip, err := p.Synthesize(ttsCtx, text, e.cfg.Voice)
	cancel()
	if errors.Is(err, tts.ErrReferenceAudio) && e.fallback != nil && !e.useFallbackTTS.Load() {
		e.logger.Warn("reference audio unavailable, switching to fallback tts", "error", err)
		e.useFallbackTTS.Store(true)
		ttsCtx, cancel = context.WithTimeout(ctx, e.cfg.TTSTimeout)
		clip, err = e.fallback.Synthesize(ttsCtx, text, e.cfg.Voice)
		cancel()
	}
	if err != nil {
		return fmt.Errorf("turn: synthesize: %w", err)
	}
	e.metrics.TTSDuration.Record(ctx, time.Since(synthStart).Seconds())
	if e.muted.Load() {
		return nil
	}
	return e.media.Play(ctx, clip.PCM, clip.SampleRate)
}

func (e *Engine) sayFallback(ctx context.Context) {
	if e.muted.Load() {
		return
	}
	if err := e.speak(ctx, FallbackUtterance); err != nil {
		e.logger.Warn("fallback utterance playback failed", "error", err)
	}
}
