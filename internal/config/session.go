package config

import (
	"fmt"
	"log/slog"

	"github.com/voxnexus/voxnexus/internal/resilience"
	"github.com/voxnexus/voxnexus/pkg/provider/embeddings"
	"github.com/voxnexus/voxnexus/pkg/provider/llm"
	"github.com/voxnexus/voxnexus/pkg/provider/stt"
	"github.com/voxnexus/voxnexus/pkg/provider/tts"
	"github.com/voxnexus/voxnexus/pkg/provider/vad"
	"github.com/voxnexus/voxnexus/pkg/store"
	"github.com/voxnexus/voxnexus/pkg/types"
)

// cloningProviders names the TTS backends that synthesize from reference
// audio; sessions using one always carry a cloud fallback.
var cloningProviders = map[string]bool{"voxclone": true}

// ProviderSet is everything a session controller needs to run one call's
// pipeline. Instances are per-session; provider HTTP clients are not shared
// across sessions.
type ProviderSet struct {
	STT         stt.Provider
	LLM         llm.Provider
	TTS         tts.Provider
	FallbackTTS tts.Provider
	VAD         vad.Engine
	Embeddings  embeddings.Provider

	SystemPrompt string
	Voice        types.VoiceProfile
}

// SessionFactory builds per-session provider sets from the process defaults
// overlaid with an agent's ProviderSpec rows. Build is idempotent per call
// and memoizes nothing across sessions.
type SessionFactory struct {
	registry *Registry
	defaults ProvidersConfig
	logger   *slog.Logger
}

// NewSessionFactory creates a SessionFactory.
func NewSessionFactory(registry *Registry, defaults ProvidersConfig, logger *slog.Logger) *SessionFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionFactory{
		registry: registry,
		defaults: defaults,
		logger:   logger.With("component", "session-factory"),
	}
}

// Build instantiates the pipeline providers for one session of agent.
// referenceAudioURL is the voice-cloning reference for this agent's voice
// profile; empty for cloud voices.
func (f *SessionFactory) Build(agent *store.AgentConfig, referenceAudioURL string) (*ProviderSet, error) {
	set := &ProviderSet{SystemPrompt: agent.SystemPrompt}

	llmEntry := overlay(f.defaults.LLM, agent.LLM)
	sttEntry := overlay(f.defaults.STT, agent.STT)
	ttsEntry := overlay(f.defaults.TTS, agent.TTS)

	var err error
	if set.LLM, err = f.registry.CreateLLM(llmEntry); err != nil {
		return nil, fmt.Errorf("config: build llm for agent %q: %w", agent.ID, err)
	}
	if set.STT, err = f.registry.CreateSTT(sttEntry); err != nil {
		return nil, fmt.Errorf("config: build stt for agent %q: %w", agent.ID, err)
	}
	if set.TTS, err = f.registry.CreateTTS(ttsEntry); err != nil {
		return nil, fmt.Errorf("config: build tts for agent %q: %w", agent.ID, err)
	}
	if set.VAD, err = f.registry.CreateVAD(f.vadEntry()); err != nil {
		return nil, fmt.Errorf("config: build vad for agent %q: %w", agent.ID, err)
	}

	if f.defaults.FallbackLLM.Name != "" {
		secondary, err := f.registry.CreateLLM(f.defaults.FallbackLLM)
		if err != nil {
			return nil, fmt.Errorf("config: build fallback llm for agent %q: %w", agent.ID, err)
		}
		group := resilience.NewLLMFallback(set.LLM, llmEntry.Name, resilience.FallbackConfig{Kind: "llm"})
		group.AddFallback(f.defaults.FallbackLLM.Name, secondary)
		set.LLM = group
	}
	if f.defaults.FallbackSTT.Name != "" {
		secondary, err := f.registry.CreateSTT(f.defaults.FallbackSTT)
		if err != nil {
			return nil, fmt.Errorf("config: build fallback stt for agent %q: %w", agent.ID, err)
		}
		group := resilience.NewSTTFallback(set.STT, sttEntry.Name, resilience.FallbackConfig{Kind: "stt"})
		group.AddFallback(f.defaults.FallbackSTT.Name, secondary)
		set.STT = group
	}

	// Cloning providers keep a separate FallbackTTS handle: the turn engine
	// switches on ErrReferenceAudio and must see the raw primary error, so a
	// failover group would mask it. Cloud primaries get the same breaker
	// group treatment as LLM and STT.
	switch {
	case cloningProviders[ttsEntry.Name]:
		fallbackEntry := f.defaults.FallbackTTS
		if fallbackEntry.Name == "" {
			f.logger.Warn("voice-cloning tts without configured fallback, defaulting to openai",
				"agent", agent.ID,
			)
			fallbackEntry = ProviderEntry{Name: "openai", APIKey: f.defaults.TTS.APIKey}
		}
		if set.FallbackTTS, err = f.registry.CreateTTS(fallbackEntry); err != nil {
			return nil, fmt.Errorf("config: build fallback tts for agent %q: %w", agent.ID, err)
		}
	case f.defaults.FallbackTTS.Name != "":
		secondary, err := f.registry.CreateTTS(f.defaults.FallbackTTS)
		if err != nil {
			return nil, fmt.Errorf("config: build fallback tts for agent %q: %w", agent.ID, err)
		}
		group := resilience.NewTTSFallback(set.TTS, ttsEntry.Name, resilience.FallbackConfig{Kind: "tts"})
		group.AddFallback(f.defaults.FallbackTTS.Name, secondary)
		set.TTS = group
	}

	if f.defaults.Embeddings.Name != "" {
		if set.Embeddings, err = f.registry.CreateEmbeddings(f.defaults.Embeddings); err != nil {
			return nil, fmt.Errorf("config: build embeddings for agent %q: %w", agent.ID, err)
		}
	}

	voiceID := agent.TTS.Voice
	if voiceID == "" {
		voiceID = ttsEntry.Voice
	}
	set.Voice = types.VoiceProfile{
		ID:                voiceID,
		Provider:          ttsEntry.Name,
		ReferenceAudioURL: referenceAudioURL,
	}

	f.logger.Info("session providers built",
		"agent", agent.ID,
		"llm", llmEntry.Name,
		"stt", sttEntry.Name,
		"tts", ttsEntry.Name,
		"fallback_tts", set.FallbackTTS != nil,
		"llm_failover", f.defaults.FallbackLLM.Name != "",
		"stt_failover", f.defaults.FallbackSTT.Name != "",
		"tts_failover", f.defaults.FallbackTTS.Name != "" && !cloningProviders[ttsEntry.Name],
	)
	return set, nil
}

// vadEntry returns the configured VAD entry, defaulting to the built-in
// energy detector.
func (f *SessionFactory) vadEntry() ProviderEntry {
	if f.defaults.VAD.Name == "" {
		return ProviderEntry{Name: "energy"}
	}
	return f.defaults.VAD
}

// overlay merges an agent's ProviderSpec over a process-default entry.
// A spec with an empty Name keeps the default provider but may still
// override the model or voice.
func overlay(base ProviderEntry, spec store.ProviderSpec) ProviderEntry {
	out := base
	if spec.Name != "" {
		out.Name = spec.Name
	}
	if spec.APIKey != "" {
		out.APIKey = spec.APIKey
	}
	if spec.BaseURL != "" {
		out.BaseURL = spec.BaseURL
	}
	if spec.Model != "" {
		out.Model = spec.Model
	}
	if spec.Voice != "" {
		out.Voice = spec.Voice
	}
	if len(spec.Options) > 0 {
		merged := make(map[string]any, len(base.Options)+len(spec.Options))
		for k, v := range base.Options {
			merged[k] = v
		}
		for k, v := range spec.Options {
			merged[k] = v
		}
		out.Options = merged
	}
	return out
}
