// Package kokoro provides a TTS provider for Kokoro-FastAPI servers.
//
// Kokoro picks its voice and phonemizer from the requested language rather
// than from the caller's voice name, so the provider carries a language table
// mapping BCP-47 codes ("en-US", "ja-JP", "zh-CN", ...) to a Kokoro voice
// blend and lang_code. Unknown languages fall back to the closest configured
// match, then to [DefaultVoice] / [DefaultLangCode].
//
// The server streams raw 24 kHz s16le PCM which is forwarded unchanged.
package kokoro

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/text/language"

	"github.com/MrWong99/lipsync/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	// DefaultVoice is used when no language entry matches.
	DefaultVoice = "af_heart+af_sky"

	// DefaultLangCode is Kokoro's American English phonemizer.
	DefaultLangCode = "a"

	// SampleRate is the fixed output rate of Kokoro.
	SampleRate = 24000

	defaultTimeout = 60 * time.Second
	speechEndpoint = "/audio/speech"
	readChunkSize  = 9600
	audioChanBuf   = 64
	errorBodyLimit = 512
)

// Language selects the Kokoro voice and lang_code for one language.
type Language struct {
	Voice    string `yaml:"voice"     json:"voice"`
	LangCode string `yaml:"lang_code" json:"lang_code"`
}

// Option is a functional option for configuring a Kokoro Provider.
type Option func(*Provider)

// WithLanguages installs the language table keyed by BCP-47 code.
func WithLanguages(langs map[string]Language) Option {
	return func(p *Provider) {
		for code, l := range langs {
			p.languages[code] = l
		}
	}
}

// WithTimeout sets the HTTP timeout for a whole utterance. Defaults to 60 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements tts.Provider against a Kokoro-FastAPI server.
// It is safe for concurrent use.
type Provider struct {
	serverURL  string
	httpClient *http.Client
	languages  map[string]Language

	tags    []language.Tag
	codes   []string
	matcher language.Matcher
}

// New creates a Provider for the server at serverURL
// (e.g. "http://localhost:8880/v1").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("kokoro: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		languages:  make(map[string]Language),
	}
	for _, o := range opts {
		o(p)
	}

	for code := range p.languages {
		tag, err := language.Parse(code)
		if err != nil {
			return nil, fmt.Errorf("kokoro: language %q: %w", code, err)
		}
		p.tags = append(p.tags, tag)
		p.codes = append(p.codes, code)
	}
	if len(p.tags) > 0 {
		p.matcher = language.NewMatcher(p.tags)
	}
	return p, nil
}

// SampleRate implements tts.Provider.
func (p *Provider) SampleRate() int {
	return SampleRate
}

// Resolve returns the voice and lang_code used for a language code.
func (p *Provider) Resolve(code string) Language {
	out := Language{Voice: DefaultVoice, LangCode: DefaultLangCode}
	l, ok := p.languages[code]
	if !ok && p.matcher != nil && code != "" {
		if tag, err := language.Parse(code); err == nil {
			_, idx, conf := p.matcher.Match(tag)
			if conf != language.No {
				l, ok = p.languages[p.codes[idx]], true
			}
		}
	}
	if ok {
		if l.Voice != "" {
			out.Voice = l.Voice
		}
		if l.LangCode != "" {
			out.LangCode = l.LangCode
		}
	}
	return out
}

// speechRequest is the JSON body of POST /audio/speech.
type speechRequest struct {
	Model                string          `json:"model"`
	Input                string          `json:"input"`
	Voice                string          `json:"voice"`
	ResponseFormat       string          `json:"response_format"`
	DownloadFormat       string          `json:"download_format"`
	Speed                float64         `json:"speed"`
	Stream               bool            `json:"stream"`
	ReturnDownloadLink   bool            `json:"return_download_link"`
	LangCode             string          `json:"lang_code"`
	NormalizationOptions normalizeOption `json:"normalization_options"`
}

type normalizeOption struct {
	Normalize                          bool `json:"normalize"`
	UnitNormalization                  bool `json:"unit_normalization"`
	URLNormalization                   bool `json:"url_normalization"`
	EmailNormalization                 bool `json:"email_normalization"`
	OptionalPluralizationNormalization bool `json:"optional_pluralization_normalization"`
	PhoneNormalization                 bool `json:"phone_normalization"`
}

// SynthesizeStream implements tts.Provider. A non-200 response is returned
// as an error before any audio is emitted.
func (p *Provider) SynthesizeStream(ctx context.Context, text string, voice tts.VoiceProfile) (<-chan []byte, error) {
	if text == "" {
		return nil, errors.New("kokoro: text must not be empty")
	}
	voice = voice.WithDefaults()
	lang := p.Resolve(voice.Language)

	body, err := json.Marshal(speechRequest{
		Model:          tts.DefaultModel,
		Input:          text,
		Voice:          lang.Voice,
		ResponseFormat: "pcm",
		DownloadFormat: "pcm",
		Speed:          voice.Speed,
		Stream:         true,
		LangCode:       lang.LangCode,
		NormalizationOptions: normalizeOption{
			Normalize:                          true,
			URLNormalization:                   true,
			EmailNormalization:                 true,
			OptionalPluralizationNormalization: true,
			PhoneNormalization:                 true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("kokoro: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+speechEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("kokoro: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kokoro: speech request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, fmt.Errorf("kokoro: server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	ch := make(chan []byte, audioChanBuf)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		for {
			buf := make([]byte, readChunkSize)
			n, err := resp.Body.Read(buf)
			if n > 0 {
				select {
				case ch <- buf[:n]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					slog.Warn("kokoro: stream interrupted", "err", err)
				}
				return
			}
		}
	}()
	return ch, nil
}
