package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/memoscribe/pkg/speech"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"model":    {"remote"},
	"capture":  {"miniaudio", "none"},
	"fallback": {"whisper-native", "whisper-server", "openai"},
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxUploadBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_upload_bytes %d must not be negative", cfg.Server.MaxUploadBytes))
	}

	// Model
	if cfg.Model.Name == "" {
		errs = append(errs, errors.New("model.name is required"))
	}
	validateProviderName("model", cfg.Model.Name)
	if cfg.Model.Name == "remote" && cfg.Model.BaseURL == "" {
		errs = append(errs, errors.New("model.base_url is required for the remote model"))
	}

	// Vocabulary
	if cfg.Vocabulary.Path == "" {
		errs = append(errs, errors.New("vocabulary.path is required"))
	}

	// Features
	if cfg.Features.Mode != "" && !cfg.Features.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("features.mode %q is invalid; valid values: log_mel, energy", cfg.Features.Mode))
	}

	// Decoder
	if p := cfg.Decoder.NoSpeechThreshold; p != nil && (*p < 0 || *p > 1) {
		errs = append(errs, fmt.Errorf("decoder.no_speech_threshold %.2f is out of range [0, 1]", *p))
	}
	for i, id := range cfg.Decoder.SuppressTokens {
		if !speech.Token(id).Valid() {
			errs = append(errs, fmt.Errorf("decoder.suppress_tokens[%d] %d is outside the vocabulary [0, %d)", i, id, speech.VocabSize))
		}
	}
	if ts := cfg.Decoder.Timestamps; ts != nil && !*ts && cfg.Decoder.MaxInitialTimestamp != nil {
		slog.Warn("decoder.max_initial_timestamp has no effect while decoder.timestamps is false")
	}

	// Pipeline
	if n := cfg.Pipeline.MaxChunks; n != nil && *n < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_chunks %d must not be negative; use 0 to transcribe every chunk", *n))
	}
	if cfg.Pipeline.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_concurrent %d must not be negative", cfg.Pipeline.MaxConcurrent))
	}

	// Capture
	validateProviderName("capture", cfg.Capture.Name)

	// Fallbacks
	seen := make(map[string]int, len(cfg.Fallbacks))
	for i, fb := range cfg.Fallbacks {
		prefix := fmt.Sprintf("fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[fb.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of fallbacks[%d]", prefix, fb.Name, prev))
		}
		seen[fb.Name] = i
		validateProviderName("fallback", fb.Name)

		switch fb.Name {
		case "whisper-native":
			if fb.Model == "" {
				errs = append(errs, fmt.Errorf("%s.model is required for whisper-native (path to a ggml model)", prefix))
			}
		case "whisper-server":
			if fb.BaseURL == "" {
				errs = append(errs, fmt.Errorf("%s.base_url is required for whisper-server", prefix))
			}
		case "openai":
			if fb.APIKey == "" {
				errs = append(errs, fmt.Errorf("%s.api_key is required for openai", prefix))
			}
		}
	}

	return errors.Join(errs...)
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
	slog.Warn("unknown provider name; may be a typo or a provider registered by the embedding program",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
