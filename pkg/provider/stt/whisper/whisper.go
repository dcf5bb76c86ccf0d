// Package whisper provides an STT provider backed by a local whisper.cpp
// server (the whisper-server binary, which exposes a REST API at
// POST /inference).
//
// Each utterance is encoded as a WAV file and submitted as one batch
// inference request. whisper.cpp is a batch engine, so this adapter maps
// naturally onto the turn engine's one-utterance-at-a-time contract with no
// buffering of its own.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/voxnexus/voxnexus/pkg/audio"
	"github.com/voxnexus/voxnexus/pkg/provider"
	"github.com/voxnexus/voxnexus/pkg/provider/stt"
	"github.com/voxnexus/voxnexus/pkg/types"
)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second

	// maxAttempts bounds retries for transient (5xx / transport) failures.
	maxAttempts = 2
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider backed by a whisper.cpp HTTP server.
// Multiple transcriptions may run concurrently against one Provider.
type Provider struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with — this is the default.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default BCP-47 language code. Defaults to "en".
// Overridden per call by a non-empty stt.Config.Language.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithHTTPClient replaces the default HTTP client (30 s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates a Provider that connects to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("whisper: server url is required: %w", provider.ErrMisconfigured)
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, cfg stt.Config) (types.Transcript, error) {
	if len(pcm) == 0 {
		return types.Transcript{IsFinal: true}, nil
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	wav := audio.EncodeWAV(pcm, cfg.SampleRate, channels)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			case <-ctx.Done():
				return types.Transcript{}, ctx.Err()
			}
		}

		text, retryable, err := p.infer(ctx, wav, lang)
		if err == nil {
			return types.Transcript{Text: strings.TrimSpace(text), IsFinal: true}, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return types.Transcript{}, fmt.Errorf("whisper: %w: %w", provider.ErrUnavailable, lastErr)
}

// infer POSTs the WAV to the /inference endpoint as multipart/form-data.
// retryable reports whether the failure is worth another attempt.
func (p *Provider) infer(ctx context.Context, wav []byte, language string) (text string, retryable bool, err error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", false, fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", false, fmt.Errorf("write wav data: %w", err)
	}
	if language != "" {
		if err := mw.WriteField("language", language); err != nil {
			return "", false, fmt.Errorf("write language field: %w", err)
		}
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return "", false, fmt.Errorf("write model field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", false, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return "", false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", !errors.Is(err, context.Canceled), fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", resp.StatusCode >= 500, fmt.Errorf("server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", true, fmt.Errorf("read response body: %w", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", false, fmt.Errorf("parse JSON response: %w", err)
	}
	return result.Text, false, nil
}
