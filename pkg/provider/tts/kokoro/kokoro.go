// Package kokoro provides a TTS provider backed by a local Kokoro neural-TTS
// microservice.
//
// The service synthesizes one sentence per request, so longer texts are split
// on sentence boundaries and the resulting clips are concatenated. All clips
// from one service instance share a sample rate.
package kokoro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/voxnexus/voxnexus/pkg/audio"
	"github.com/voxnexus/voxnexus/pkg/provider"
	"github.com/voxnexus/voxnexus/pkg/provider/tts"
	"github.com/voxnexus/voxnexus/pkg/types"
)

const (
	defaultVoice   = "af_heart"
	defaultTimeout = 30 * time.Second
)

// Compile-time assertion that Provider implements tts.Provider.
var _ tts.Provider = (*Provider)(nil)

// Provider implements tts.Provider against a Kokoro HTTP service.
type Provider struct {
	baseURL    string
	voice      string
	speed      float64
	httpClient *http.Client
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithVoice sets the default Kokoro voice id. Overridden per call by a
// non-empty VoiceProfile.ID.
func WithVoice(voice string) Option {
	return func(p *Provider) { p.voice = voice }
}

// WithSpeed sets the speaking-rate multiplier (1.0 = default).
func WithSpeed(speed float64) Option {
	return func(p *Provider) { p.speed = speed }
}

// WithHTTPClient replaces the default HTTP client (30 s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates a Provider that connects to the Kokoro service at baseURL
// (e.g., "http://localhost:8880").
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("kokoro: base url is required: %w", provider.ErrMisconfigured)
	}
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		voice:      defaultVoice,
		speed:      1.0,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (tts.Audio, error) {
	voiceID := voice.ID
	if voiceID == "" {
		voiceID = p.voice
	}

	var (
		pcm        []byte
		sampleRate int
	)
	for _, sentence := range splitSentences(text) {
		clip, rate, err := p.synthesizeOne(ctx, sentence, voiceID)
		if err != nil {
			return tts.Audio{}, err
		}
		if sampleRate == 0 {
			sampleRate = rate
		}
		pcm = append(pcm, clip...)
	}
	if sampleRate == 0 {
		sampleRate = 24000
	}
	return tts.Audio{PCM: pcm, SampleRate: sampleRate}, nil
}

// synthesizeOne posts a single sentence and decodes the WAV reply.
func (p *Provider) synthesizeOne(ctx context.Context, text, voice string) ([]byte, int, error) {
	body, err := json.Marshal(map[string]any{
		"text":  text,
		"voice": voice,
		"speed": p.speed,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("kokoro: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/tts", bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("kokoro: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("kokoro: http request: %w: %w", provider.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("kokoro: server returned HTTP %d: %w", resp.StatusCode, provider.ErrUnavailable)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("kokoro: read audio: %w: %w", provider.ErrUnavailable, err)
	}

	pcm, rate, channels, err := audio.DecodeWAV(wav)
	if err != nil {
		return nil, 0, fmt.Errorf("kokoro: decode wav: %w", err)
	}
	if channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	return pcm, rate, nil
}

// splitSentences breaks text on sentence-final punctuation and newlines,
// dropping empty fragments. A text with no terminators yields one sentence.
func splitSentences(text string) []string {
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for _, r := range text {
		cur.WriteRune(r)
		switch r {
		case '.', '!', '?', '\n':
			flush()
		}
	}
	flush()
	return out
}
