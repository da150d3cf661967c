package app

import (
	"log/slog"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/lipsync/internal/config"
	"github.com/MrWong99/lipsync/pkg/provider/lipsync"
	"github.com/MrWong99/lipsync/pkg/provider/lipsync/onnx"
	"github.com/MrWong99/lipsync/pkg/provider/llm"
	"github.com/MrWong99/lipsync/pkg/provider/llm/anyllm"
	"github.com/MrWong99/lipsync/pkg/provider/tts"
	"github.com/MrWong99/lipsync/pkg/provider/tts/kokoro"
	oaitts "github.com/MrWong99/lipsync/pkg/provider/tts/openai"
)

// RegisterBuiltinProviders wires every provider implementation that ships
// with the server into reg.
func RegisterBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	for _, providerName := range anyllm.Backends {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			// Local servers take an address, not a key.
			if entry.APIKey != "" && providerName != "ollama" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("kokoro", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []kokoro.Option
		if len(entry.Languages) > 0 {
			langs := make(map[string]kokoro.Language, len(entry.Languages))
			for code, l := range entry.Languages {
				langs[code] = kokoro.Language{Voice: l.Voice, LangCode: l.LangCode}
			}
			opts = append(opts, kokoro.WithLanguages(langs))
		}
		if entry.Timeout > 0 {
			opts = append(opts, kokoro.WithTimeout(entry.Timeout))
		}
		return kokoro.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []oaitts.Option
		if entry.APIKey != "" {
			opts = append(opts, oaitts.WithAPIKey(entry.APIKey))
		}
		if entry.Timeout > 0 {
			opts = append(opts, oaitts.WithTimeout(entry.Timeout))
		}
		if rate := optInt(entry.Options, "sample_rate"); rate > 0 {
			opts = append(opts, oaitts.WithSampleRate(rate))
		}
		return oaitts.New(entry.BaseURL, opts...)
	})

	// ── Lip-sync ──────────────────────────────────────────────────────────────

	reg.RegisterLipsync("onnx", func(entry config.ProviderEntry) (lipsync.Model, error) {
		return onnx.New(entry.Model,
			onnx.WithDevice(entry.Device),
			onnx.WithThreads(optInt(entry.Options, "threads")),
		)
	})

	for _, kind := range []string{"llm", "tts", "lipsync"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// optInt extracts an integer from a provider Options map. YAML numbers
// decode as int, JSON numbers as float64; anything else yields 0.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
