package tts

// Voice defaults used when a request leaves a field empty.
const (
	DefaultVoice    = "af_heart"
	DefaultModel    = "kokoro"
	DefaultSpeed    = 1.0
	DefaultLanguage = "en-US"
)

// VoiceProfile selects how an utterance is spoken.
type VoiceProfile struct {
	// Voice is the provider-specific voice identifier (e.g. "af_heart").
	Voice string

	// Model selects the synthesis model (e.g. "kokoro", "tts-1").
	Model string

	// Speed adjusts speaking rate. 1.0 is normal speed.
	Speed float64

	// Language is a BCP 47 tag such as "en-US". Providers that support
	// multiple languages use it to pick a voice or phonemiser.
	Language string
}

// WithDefaults returns v with every empty field set to its default.
func (v VoiceProfile) WithDefaults() VoiceProfile {
	if v.Voice == "" {
		v.Voice = DefaultVoice
	}
	if v.Model == "" {
		v.Model = DefaultModel
	}
	if v.Speed <= 0 {
		v.Speed = DefaultSpeed
	}
	if v.Language == "" {
		v.Language = DefaultLanguage
	}
	return v
}
