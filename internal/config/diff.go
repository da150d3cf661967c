package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. The first group of
// fields can be applied to a running server; RestartRequired names sections
// that changed but only take effect after a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VoiceChanged means new sessions and requests without an explicit voice
	// use the new defaults.
	VoiceChanged bool

	// ChatChanged covers the system prompt, temperature and max tokens.
	// Applied to sessions created afterwards.
	ChatChanged bool

	OriginsChanged bool

	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.VoiceChanged || d.ChatChanged || d.OriginsChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.VoiceChanged = old.Voice != new.Voice
	d.ChatChanged = old.Chat != new.Chat
	d.OriginsChanged = !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins)

	if old.Server.ListenAddr != new.Server.ListenAddr || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if !reflect.DeepEqual(old.Avatar, new.Avatar) {
		d.RestartRequired = append(d.RestartRequired, "avatar")
	}
	if old.History != new.History {
		d.RestartRequired = append(d.RestartRequired, "history")
	}
	return d
}
