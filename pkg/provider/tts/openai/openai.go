// Package openai provides a streaming TTS provider for OpenAI-compatible
// /audio/speech endpoints, including local Kokoro-FastAPI servers that speak
// the same protocol.
//
// Audio is requested as raw 16-bit mono PCM and streamed to the caller as the
// response body arrives.
//
// Typical usage:
//
//	p, err := openai.New("http://localhost:5002/v1")
//	audio, err := p.SynthesizeStream(ctx, "Hello there.", tts.VoiceProfile{Voice: "af_heart"})
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/lipsync/pkg/provider/tts"
)

// Ensure Provider implements the tts.Provider interface.
var _ tts.Provider = (*Provider)(nil)

const (
	// DefaultSampleRate is the PCM rate of OpenAI and Kokoro speech output.
	DefaultSampleRate = 24000

	// readChunkSize is 200 ms of 24 kHz int16 PCM.
	readChunkSize = 9600

	audioChanBuf = 64

	// placeholderAPIKey is sent to local servers that ignore authentication.
	placeholderAPIKey = "not-needed"
)

// normalizationOptions is forwarded to servers that pre-process input text.
// OpenAI itself ignores unknown fields.
var normalizationOptions = map[string]any{
	"normalize":                            true,
	"unit_normalization":                   false,
	"url_normalization":                    true,
	"email_normalization":                  true,
	"optional_pluralization_normalization": true,
	"phone_normalization":                  true,
}

// Provider implements tts.Provider using the openai-go client.
type Provider struct {
	client     oai.Client
	sampleRate int
}

type config struct {
	apiKey     string
	timeout    time.Duration
	sampleRate int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithAPIKey sets the bearer token. Local servers usually need none.
func WithAPIKey(key string) Option {
	return func(c *config) {
		c.apiKey = key
	}
}

// WithTimeout sets the HTTP timeout for a whole utterance.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithSampleRate overrides the PCM rate the server produces.
// Defaults to [DefaultSampleRate].
func WithSampleRate(rate int) Option {
	return func(c *config) {
		c.sampleRate = rate
	}
}

// New constructs a Provider for the API rooted at baseURL
// (e.g. "http://localhost:5002/v1").
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("openai tts: baseURL must not be empty")
	}

	cfg := &config{sampleRate: DefaultSampleRate}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.sampleRate <= 0 {
		return nil, fmt.Errorf("openai tts: invalid sample rate %d", cfg.sampleRate)
	}

	apiKey := cfg.apiKey
	if apiKey == "" {
		apiKey = placeholderAPIKey
	}
	reqOpts := []option.RequestOption{
		option.WithBaseURL(baseURL),
		option.WithAPIKey(apiKey),
		// A failed utterance is dropped, not retried.
		option.WithMaxRetries(0),
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{client: oai.NewClient(reqOpts...), sampleRate: cfg.sampleRate}, nil
}

// SampleRate implements tts.Provider.
func (p *Provider) SampleRate() int {
	return p.sampleRate
}

// SynthesizeStream implements tts.Provider.
func (p *Provider) SynthesizeStream(ctx context.Context, text string, voice tts.VoiceProfile) (<-chan []byte, error) {
	if text == "" {
		return nil, errors.New("openai tts: text must not be empty")
	}
	voice = voice.WithDefaults()

	params := oai.AudioSpeechNewParams{
		Input:          text,
		Model:          voice.Model,
		Voice:          oai.AudioSpeechNewParamsVoice(voice.Voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
		Speed:          oai.Float(voice.Speed),
	}
	resp, err := p.client.Audio.Speech.New(ctx, params,
		option.WithJSONSet("stream", true),
		option.WithJSONSet("normalization_options", normalizationOptions),
	)
	if err != nil {
		return nil, fmt.Errorf("openai tts: speech request: %w", err)
	}

	ch := make(chan []byte, audioChanBuf)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		pump(ctx, resp.Body, ch)
	}()
	return ch, nil
}

// pump copies r to ch in slices of at most readChunkSize bytes.
func pump(ctx context.Context, r io.Reader, ch chan<- []byte) {
	for {
		buf := make([]byte, readChunkSize)
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case ch <- buf[:n]:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				slog.Warn("openai tts: stream interrupted", "err", err)
			}
			return
		}
	}
}
