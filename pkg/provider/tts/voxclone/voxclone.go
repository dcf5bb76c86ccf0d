// Package voxclone provides a TTS provider backed by the VoxClone
// voice-cloning microservice.
//
// Each request carries the target voice's reference audio; the service
// returns speech in the cloned voice. When the reference audio cannot be
// loaded the provider fails with [tts.ErrReferenceAudio] so the session
// factory can fall back to cloud TTS.
package voxclone

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/voxnexus/voxnexus/pkg/audio"
	"github.com/voxnexus/voxnexus/pkg/provider"
	"github.com/voxnexus/voxnexus/pkg/provider/tts"
	"github.com/voxnexus/voxnexus/pkg/types"
)

// licenseHeader authenticates requests against a licensed VoxClone instance.
const licenseHeader = "X-VoxNexus-License"

const defaultTimeout = 60 * time.Second

// Compile-time assertion that Provider implements tts.Provider.
var _ tts.Provider = (*Provider)(nil)

// ReferenceLoader resolves a voice profile to raw reference audio bytes.
type ReferenceLoader func(ctx context.Context, voice types.VoiceProfile) ([]byte, error)

// Provider implements tts.Provider against a VoxClone HTTP service.
type Provider struct {
	baseURL    string
	licenseKey string
	loadRef    ReferenceLoader
	httpClient *http.Client
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithReferenceLoader replaces the default reference-audio loader.
// The default resolves ReferenceAudioURL as an http(s) URL or local path.
func WithReferenceLoader(l ReferenceLoader) Option {
	return func(p *Provider) { p.loadRef = l }
}

// WithHTTPClient replaces the default HTTP client (60 s timeout; cloning is
// slower than cloud TTS).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates a Provider for the VoxClone service at baseURL.
func New(baseURL, licenseKey string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("voxclone: base url is required: %w", provider.ErrMisconfigured)
	}
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		licenseKey: licenseKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	p.loadRef = p.defaultLoader
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (tts.Audio, error) {
	ref, err := p.loadRef(ctx, voice)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("voxclone: load reference for voice %q: %w: %w", voice.ID, tts.ErrReferenceAudio, err)
	}

	body, err := json.Marshal(map[string]any{
		"text":            text,
		"reference_audio": base64.StdEncoding.EncodeToString(ref),
	})
	if err != nil {
		return tts.Audio{}, fmt.Errorf("voxclone: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return tts.Audio{}, fmt.Errorf("voxclone: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.licenseKey != "" {
		req.Header.Set(licenseHeader, p.licenseKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("voxclone: http request: %w: %w", provider.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return tts.Audio{}, fmt.Errorf("voxclone: server returned HTTP %d: %w", resp.StatusCode, provider.ErrUnavailable)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("voxclone: read audio: %w: %w", provider.ErrUnavailable, err)
	}

	pcm, rate, channels, err := audio.DecodeWAV(wav)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("voxclone: decode wav: %w", err)
	}
	if channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	return tts.Audio{PCM: pcm, SampleRate: rate}, nil
}

// defaultLoader fetches reference audio from an http(s) URL or reads it from
// a local file path.
func (p *Provider) defaultLoader(ctx context.Context, voice types.VoiceProfile) ([]byte, error) {
	loc := voice.ReferenceAudioURL
	if loc == "" {
		return nil, fmt.Errorf("voice profile has no reference audio locator")
	}

	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, nil)
		if err != nil {
			return nil, err
		}
		resp, err := p.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch returned HTTP %d", resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	}

	return os.ReadFile(loc)
}
