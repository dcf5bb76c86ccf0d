package config

import (
	"github.com/voxnexus/voxnexus/pkg/provider/embeddings"
	embeddingsopenai "github.com/voxnexus/voxnexus/pkg/provider/embeddings/openai"
	"github.com/voxnexus/voxnexus/pkg/provider/llm"
	llmopenai "github.com/voxnexus/voxnexus/pkg/provider/llm/openai"
	"github.com/voxnexus/voxnexus/pkg/provider/stt"
	sttopenai "github.com/voxnexus/voxnexus/pkg/provider/stt/openai"
	"github.com/voxnexus/voxnexus/pkg/provider/stt/whisper"
	"github.com/voxnexus/voxnexus/pkg/provider/tts"
	"github.com/voxnexus/voxnexus/pkg/provider/tts/kokoro"
	ttsopenai "github.com/voxnexus/voxnexus/pkg/provider/tts/openai"
	"github.com/voxnexus/voxnexus/pkg/provider/tts/voxclone"
	"github.com/voxnexus/voxnexus/pkg/provider/vad"
	"github.com/voxnexus/voxnexus/pkg/provider/vad/energy"
)

// RegisterBuiltins installs every provider implementation this build ships
// with. Both binaries call it once at startup.
func RegisterBuiltins(r *Registry) {
	r.RegisterLLM("openai", func(entry ProviderEntry) (llm.Provider, error) {
		var opts []llmopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(entry.BaseURL))
		}
		return llmopenai.New(entry.APIKey, entry.Model, opts...)
	})

	r.RegisterSTT("openai", func(entry ProviderEntry) (stt.Provider, error) {
		var opts []sttopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, sttopenai.WithBaseURL(entry.BaseURL))
		}
		return sttopenai.New(entry.APIKey, entry.Model, opts...)
	})
	r.RegisterSTT("whisper", func(entry ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	r.RegisterTTS("openai", func(entry ProviderEntry) (tts.Provider, error) {
		var opts []ttsopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, ttsopenai.WithBaseURL(entry.BaseURL))
		}
		return ttsopenai.New(entry.APIKey, entry.Model, opts...)
	})
	r.RegisterTTS("kokoro", func(entry ProviderEntry) (tts.Provider, error) {
		var opts []kokoro.Option
		if entry.Voice != "" {
			opts = append(opts, kokoro.WithVoice(entry.Voice))
		}
		if speed, ok := entry.Options["speed"].(float64); ok && speed > 0 {
			opts = append(opts, kokoro.WithSpeed(speed))
		}
		return kokoro.New(entry.BaseURL, opts...)
	})
	r.RegisterTTS("voxclone", func(entry ProviderEntry) (tts.Provider, error) {
		return voxclone.New(entry.BaseURL, entry.APIKey)
	})

	r.RegisterVAD("energy", func(entry ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})

	r.RegisterEmbeddings("openai", func(entry ProviderEntry) (embeddings.Provider, error) {
		var opts []embeddingsopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, embeddingsopenai.WithBaseURL(entry.BaseURL))
		}
		return embeddingsopenai.New(entry.APIKey, entry.Model, opts...)
	})
}
