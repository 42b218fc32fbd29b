// Package config provides the configuration schema, loader, and provider registry
// for the memoscribe transcription service.
package config

// LogLevel controls log verbosity for the memoscribe server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// FeatureMode selects the front-end that turns audio into the mel grid.
type FeatureMode string

const (
	// FeaturesLogMel computes a Whisper-compatible log-mel spectrogram.
	FeaturesLogMel FeatureMode = "log_mel"

	// FeaturesEnergy broadcasts per-frame RMS energy across every bin. It is
	// only useful with models trained on that front-end.
	FeaturesEnergy FeatureMode = "energy"
)

// IsValid reports whether m is a recognised feature mode.
func (m FeatureMode) IsValid() bool {
	return m == FeaturesLogMel || m == FeaturesEnergy
}

// Config is the root configuration structure for memoscribe.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Model      ProviderEntry    `yaml:"model"`
	Vocabulary VocabularyConfig `yaml:"vocabulary"`
	Features   FeaturesConfig   `yaml:"features"`
	Decoder    DecoderConfig    `yaml:"decoder"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`

	// Capture selects the host capture device driven by the record
	// endpoints. Leave Name empty (or "none") to disable them.
	Capture ProviderEntry `yaml:"capture"`

	// Fallbacks lists alternative transcribers tried in order when the
	// on-device engine fails.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the memoscribe server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MaxUploadBytes caps the request body of a one-shot transcription.
	// Zero selects [DefaultMaxUploadBytes].
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// DefaultMaxUploadBytes fits a little over ten minutes of 16 kHz PCM16.
const DefaultMaxUploadBytes = 20 << 20

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "remote",
	// "whisper-native", "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL is the provider endpoint: the sidecar WebSocket URL for a
	// remote model, the whisper.cpp server URL, or an OpenAI-compatible API
	// root. Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a model within the provider. For whisper-native it is
	// the path to a ggml model file.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// VocabularyConfig locates the tokenizer vocabulary.
type VocabularyConfig struct {
	// Path is a JSON file mapping subword strings to token ids.
	Path string `yaml:"path"`

	// ByteLevel decodes subwords through the GPT-2 byte table. Set it for
	// vocabularies exported from byte-level BPE tokenizers.
	ByteLevel bool `yaml:"byte_level"`
}

// FeaturesConfig configures the feature extractor.
type FeaturesConfig struct {
	// Mode defaults to log_mel.
	Mode FeatureMode `yaml:"mode"`
}

// DecoderConfig tunes the constrained greedy decoder. Nil fields keep the
// engine defaults. All fields are hot-reloadable.
type DecoderConfig struct {
	// NoSpeechThreshold is the step-0 NoSpeech probability above which a
	// chunk is treated as silent. Must lie in [0, 1].
	NoSpeechThreshold *float64 `yaml:"no_speech_threshold"`

	// MaxInitialTimestamp is the latest timestamp, in 20 ms steps, the first
	// token may take. Negative disables the ceiling.
	MaxInitialTimestamp *int `yaml:"max_initial_timestamp"`

	// Timestamps enables timestamp decoding. Defaults to true.
	Timestamps *bool `yaml:"timestamps"`

	// SuppressTokens replaces the default non-speech suppression list.
	SuppressTokens []int32 `yaml:"suppress_tokens"`
}

// PipelineConfig bounds the work done per request and across requests.
type PipelineConfig struct {
	// MaxChunks is the number of 30 s chunks transcribed per request.
	// 0 transcribes everything. Defaults to 1.
	MaxChunks *int `yaml:"max_chunks"`

	// MaxConcurrent is the number of transcriptions run in parallel, each
	// with its own decoder engine. Defaults to 1.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// EffectiveMaxChunks returns MaxChunks or its default.
func (p PipelineConfig) EffectiveMaxChunks() int {
	if p.MaxChunks == nil {
		return 1
	}
	return *p.MaxChunks
}

// EffectiveMaxConcurrent returns MaxConcurrent or its default.
func (p PipelineConfig) EffectiveMaxConcurrent() int {
	if p.MaxConcurrent <= 0 {
		return 1
	}
	return p.MaxConcurrent
}

// TelemetryConfig configures the OpenTelemetry resource.
type TelemetryConfig struct {
	// ServiceName defaults to "memoscribe".
	ServiceName string `yaml:"service_name"`
}
