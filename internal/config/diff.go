package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// DecoderChanged is set when any decoder tuning value differs. The new
	// values take effect for transcriptions started after the reload.
	DecoderChanged bool

	// RestartRequired lists top-level sections that changed but are only
	// read at startup.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.DecoderChanged = !decoderEqual(old.Decoder, new.Decoder)

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.MaxUploadBytes != new.Server.MaxUploadBytes {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !entryEqual(old.Model, new.Model) {
		d.RestartRequired = append(d.RestartRequired, "model")
	}
	if old.Vocabulary != new.Vocabulary {
		d.RestartRequired = append(d.RestartRequired, "vocabulary")
	}
	if old.Features != new.Features {
		d.RestartRequired = append(d.RestartRequired, "features")
	}
	if old.Pipeline.EffectiveMaxChunks() != new.Pipeline.EffectiveMaxChunks() ||
		old.Pipeline.EffectiveMaxConcurrent() != new.Pipeline.EffectiveMaxConcurrent() {
		d.RestartRequired = append(d.RestartRequired, "pipeline")
	}
	if !entryEqual(old.Capture, new.Capture) {
		d.RestartRequired = append(d.RestartRequired, "capture")
	}
	if !slices.EqualFunc(old.Fallbacks, new.Fallbacks, entryEqual) {
		d.RestartRequired = append(d.RestartRequired, "fallbacks")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}

func decoderEqual(a, b DecoderConfig) bool {
	return ptrEqual(a.NoSpeechThreshold, b.NoSpeechThreshold) &&
		ptrEqual(a.MaxInitialTimestamp, b.MaxInitialTimestamp) &&
		ptrEqual(a.Timestamps, b.Timestamps) &&
		slices.Equal(a.SuppressTokens, b.SuppressTokens)
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func entryEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name &&
		a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		reflect.DeepEqual(a.Options, b.Options)
}
