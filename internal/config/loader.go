package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"tts":     {"kokoro", "openai"},
	"llm":     {"openai", "anthropic", "ollama", "llamacpp", "llamafile"},
	"lipsync": {"onnx"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse is LoadFromReader over an in-memory document.
func Parse(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// ApplyDefaults fills every unset field that has a default.
func ApplyDefaults(cfg *Config) {
	orDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	orDefault(&cfg.Server.LogLevel, LogInfo)
	orDefault(&cfg.Server.MaxSessions, DefaultMaxSessions)
	orDefault(&cfg.Server.ShutdownTimeout, DefaultShutdownTimeout)
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = slices.Clone(DefaultAllowedOrigins)
	}

	orDefault(&cfg.Providers.TTS.Name, DefaultTTSProvider)
	orDefault(&cfg.Providers.TTS.BaseURL, DefaultTTSBaseURL)
	orDefault(&cfg.Providers.Lipsync.Name, DefaultLipsyncProvider)
	orDefault(&cfg.Providers.Lipsync.Device, DefaultLipsyncDevice)

	orDefault(&cfg.Avatar.BatchSize, DefaultBatchSize)
	orDefault(&cfg.Avatar.JPEGQuality, DefaultJPEGQuality)
	orDefault(&cfg.History.MaxTokens, DefaultHistoryMaxTokens)
}

func orDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions %d must not be negative", cfg.Server.MaxSessions))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	for i, origin := range cfg.Server.AllowedOrigins {
		if err := validateOrigin(origin); err != nil {
			errs = append(errs, fmt.Errorf("server.allowed_origins[%d]: %w", i, err))
		}
	}

	// Providers
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("lipsync", cfg.Providers.Lipsync.Name)
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}
	errs = append(errs, validateLanguages("providers.tts", cfg.Providers.TTS.Languages)...)
	for i, fb := range cfg.Providers.TTSFallbacks {
		prefix := fmt.Sprintf("providers.tts_fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName("tts", fb.Name)
		errs = append(errs, validateLanguages(prefix, fb.Languages)...)
	}
	if cfg.Providers.LLM.Name != "" && cfg.Providers.LLM.Model == "" {
		errs = append(errs, errors.New("providers.llm.model is required when providers.llm.name is set"))
	}
	if len(cfg.Providers.LLMFallbacks) > 0 && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm_fallbacks requires providers.llm"))
	}
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" || fb.Model == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d] requires name and model", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}
	if cfg.Providers.Lipsync.Name == "" {
		errs = append(errs, errors.New("providers.lipsync.name is required"))
	}
	if cfg.Providers.Lipsync.Model == "" {
		errs = append(errs, errors.New("providers.lipsync.model is required (path to the network file)"))
	}

	// Avatar
	if cfg.Avatar.Path == "" {
		errs = append(errs, errors.New("avatar.path is required"))
	}
	if cfg.Avatar.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("avatar.batch_size %d must be at least 1", cfg.Avatar.BatchSize))
	}
	if o := cfg.Avatar.CaptionOutline; o != "" && o != "white" && o != "dark" {
		errs = append(errs, fmt.Errorf("avatar.caption_outline %q is invalid; valid values: white, dark", o))
	}
	if q := cfg.Avatar.JPEGQuality; q < 1 || q > 100 {
		errs = append(errs, fmt.Errorf("avatar.jpeg_quality %d is out of range [1, 100]", q))
	}

	// Voice
	if cfg.Voice.Speed != 0 && (cfg.Voice.Speed < 0.25 || cfg.Voice.Speed > 4.0) {
		errs = append(errs, fmt.Errorf("voice.speed %.2f is out of range [0.25, 4.0]", cfg.Voice.Speed))
	}
	if cfg.Voice.Language != "" {
		if _, err := language.Parse(cfg.Voice.Language); err != nil {
			errs = append(errs, fmt.Errorf("voice.language %q: %w", cfg.Voice.Language, err))
		}
	}

	// Chat
	if cfg.Chat.Temperature < 0 || cfg.Chat.Temperature > 2 {
		errs = append(errs, fmt.Errorf("chat.temperature %.2f is out of range [0, 2]", cfg.Chat.Temperature))
	}
	if cfg.Chat.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("chat.max_tokens %d must not be negative", cfg.Chat.MaxTokens))
	}
	if cfg.Chat.SystemPrompt != "" && cfg.Providers.LLM.Name == "" {
		slog.Warn("chat.system_prompt is set but providers.llm is not configured; chat requests will be rejected")
	}

	// History
	if cfg.History.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("history.max_tokens %d must not be negative", cfg.History.MaxTokens))
	}

	return errors.Join(errs...)
}

func validateOrigin(origin string) error {
	if origin == "*" {
		return nil
	}
	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("origin %q: %w", origin, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("origin %q must be scheme://host[:port]", origin)
	}
	return nil
}

func validateLanguages(prefix string, langs map[string]LanguageVoice) []error {
	var errs []error
	for code, l := range langs {
		if _, err := language.Parse(code); err != nil {
			errs = append(errs, fmt.Errorf("%s.languages[%q]: %w", prefix, code, err))
		}
		if l.Voice == "" {
			errs = append(errs, fmt.Errorf("%s.languages[%q].voice is required", prefix, code))
		}
	}
	return errs
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
