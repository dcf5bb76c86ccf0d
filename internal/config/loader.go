package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai"},
	"stt":        {"openai", "whisper"},
	"tts":        {"openai", "kokoro", "voxclone"},
	"vad":        {"energy"},
	"embeddings": {"openai"},
}

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays well-known environment variables onto cfg. Environment
// values win over file values, which keeps secrets out of config files.
func ApplyEnv(cfg *Config) {
	setIfEnv := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setIfEnv(&cfg.Database.DSN, "VOXNEXUS_DATABASE_URL")
	setIfEnv(&cfg.Broker.Addr, "VOXNEXUS_REDIS_ADDR")
	setIfEnv(&cfg.Broker.Password, "VOXNEXUS_REDIS_PASSWORD")
	setIfEnv(&cfg.LiveKit.URL, "LIVEKIT_URL")
	setIfEnv(&cfg.LiveKit.APIKey, "LIVEKIT_API_KEY")
	setIfEnv(&cfg.LiveKit.APISecret, "LIVEKIT_API_SECRET")
	setIfEnv(&cfg.LiveKit.GatewayURL, "VOXNEXUS_MEDIA_GATEWAY_URL")
	setIfEnv(&cfg.SIP.GatewayURL, "VOXNEXUS_PHONE_GATEWAY_URL")
	setIfEnv(&cfg.Guardian.AlertWebhook, "GUARDIAN_ALERT_WEBHOOK")
	setIfEnv(&cfg.Guardian.APIKey, "GUARDIAN_API_KEY")
	setIfEnv(&cfg.Providers.LLM.APIKey, "OPENAI_API_KEY")
	setIfEnv(&cfg.Providers.STT.APIKey, "OPENAI_API_KEY")
	setIfEnv(&cfg.Providers.Embeddings.APIKey, "OPENAI_API_KEY")
	if cfg.Providers.TTS.Name == "" || cfg.Providers.TTS.Name == "openai" {
		setIfEnv(&cfg.Providers.TTS.APIKey, "OPENAI_API_KEY")
	}
	setIfEnv(&cfg.Providers.FallbackTTS.APIKey, "OPENAI_API_KEY")

	if v := os.Getenv("VOXNEXUS_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Broker.DB = db
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("tts", cfg.Providers.FallbackTTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("llm", cfg.Providers.FallbackLLM.Name)
	validateProviderName("stt", cfg.Providers.FallbackSTT.Name)

	if cfg.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if cfg.Broker.Addr == "" {
		errs = append(errs, errors.New("broker.addr is required"))
	}

	if cfg.LiveKit.URL != "" && (cfg.LiveKit.APIKey == "" || cfg.LiveKit.APISecret == "") {
		errs = append(errs, errors.New("livekit.api_key and livekit.api_secret are required when livekit.url is set"))
	}

	if cfg.Guardian.AutoHandoffThreshold < 0 || cfg.Guardian.AutoHandoffThreshold > 1 {
		errs = append(errs, fmt.Errorf("guardian.auto_handoff_threshold %.2f is out of range [0, 1]", cfg.Guardian.AutoHandoffThreshold))
	}

	if cfg.Providers.Embeddings.Name == "" {
		slog.Warn("providers.embeddings is not configured; knowledge retrieval tools will not be offered")
	}
	if cfg.Providers.TTS.Name == "voxclone" && cfg.Providers.FallbackTTS.Name == "" {
		slog.Warn("providers.tts is a voice-cloning provider with no providers.fallback_tts; sessions fail hard when reference audio is missing")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
