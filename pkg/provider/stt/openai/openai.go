// Package openai provides an STT provider backed by the OpenAI audio
// transcription API (Whisper).
package openai

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/voxnexus/voxnexus/pkg/audio"
	"github.com/voxnexus/voxnexus/pkg/provider"
	"github.com/voxnexus/voxnexus/pkg/provider/stt"
	"github.com/voxnexus/voxnexus/pkg/types"
)

// defaultTimeout bounds a single transcription request. The turn engine
// layers its own per-turn deadline on top via ctx.
const defaultTimeout = 30 * time.Second

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider using the OpenAI audio API.
type Provider struct {
	client oai.Client
	model  string
}

// Option is a functional option for Provider.
type Option func(*config)

type config struct {
	baseURL string
	timeout time.Duration
}

// WithBaseURL overrides the default OpenAI API base URL. Use this to point
// the adapter at an OpenAI-compatible transcription endpoint.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs a new OpenAI STT Provider. model is the transcription model
// id (e.g., "whisper-1"); empty defaults to whisper-1.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai stt: api key is required: %w", provider.ErrMisconfigured)
	}
	if model == "" {
		model = string(oai.AudioModelWhisper1)
	}

	cfg := &config{timeout: defaultTimeout}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Transcribe implements stt.Provider. The PCM buffer is wrapped in a WAV
// container before upload because the transcription endpoint identifies the
// format from the file header.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, cfg stt.Config) (types.Transcript, error) {
	if len(pcm) == 0 {
		return types.Transcript{IsFinal: true}, nil
	}

	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	wav := audio.EncodeWAV(pcm, cfg.SampleRate, channels)

	params := oai.AudioTranscriptionNewParams{
		Model: oai.AudioModel(p.model),
		File:  oai.File(bytes.NewReader(wav), "utterance.wav", "audio/wav"),
	}
	if cfg.Language != "" {
		params.Language = param.NewOpt(cfg.Language)
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return types.Transcript{}, fmt.Errorf("openai stt: transcribe: %w: %w", provider.ErrUnavailable, err)
	}

	return types.Transcript{
		Text:    strings.TrimSpace(resp.Text),
		IsFinal: true,
	}, nil
}
