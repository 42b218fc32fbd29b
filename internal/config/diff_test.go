package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/memoscribe/internal/config"
)

func ptr[T any](v T) *T { return &v }

func baseConfig() *config.Config {
	return &config.Config{
		Server:     config.ServerConfig{ListenAddr: ":8080", LogLevel: config.LogInfo},
		Model:      config.ProviderEntry{Name: "remote", BaseURL: "ws://localhost/model"},
		Vocabulary: config.VocabularyConfig{Path: "vocab.json"},
		Decoder: config.DecoderConfig{
			NoSpeechThreshold: ptr(0.6),
			SuppressTokens:    []int32{1, 2},
		},
		Fallbacks: []config.ProviderEntry{{Name: "openai", APIKey: "k", Options: map[string]any{"timeout": "5s"}}},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if d.LogLevelChanged || d.DecoderChanged || len(d.RestartRequired) != 0 {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()
	next := baseConfig()
	next.Server.LogLevel = config.LogDebug

	d := config.Diff(baseConfig(), next)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("got %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level is hot-reloadable, got restart for %v", d.RestartRequired)
	}
}

func TestDiff_Decoder(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.DecoderConfig)
	}{
		{"threshold value", func(d *config.DecoderConfig) { d.NoSpeechThreshold = ptr(0.4) }},
		{"threshold unset", func(d *config.DecoderConfig) { d.NoSpeechThreshold = nil }},
		{"timestamps set", func(d *config.DecoderConfig) { d.Timestamps = ptr(false) }},
		{"initial timestamp", func(d *config.DecoderConfig) { d.MaxInitialTimestamp = ptr(10) }},
		{"suppress list", func(d *config.DecoderConfig) { d.SuppressTokens = []int32{1} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			next := baseConfig()
			tt.mutate(&next.Decoder)
			d := config.Diff(baseConfig(), next)
			if !d.DecoderChanged {
				t.Error("DecoderChanged should be set")
			}
			if len(d.RestartRequired) != 0 {
				t.Errorf("decoder is hot-reloadable, got restart for %v", d.RestartRequired)
			}
		})
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	next := baseConfig()
	next.Server.ListenAddr = ":9090"
	next.Model.BaseURL = "ws://elsewhere/model"
	next.Pipeline.MaxChunks = ptr(0)
	next.Fallbacks[0].Options = map[string]any{"timeout": "10s"}

	d := config.Diff(baseConfig(), next)
	want := []string{"server", "model", "pipeline", "fallbacks"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired: got %v, want %v", d.RestartRequired, want)
	}
}

func TestDiff_DefaultsCompareEqual(t *testing.T) {
	t.Parallel()
	next := baseConfig()
	next.Pipeline.MaxChunks = ptr(1)
	next.Pipeline.MaxConcurrent = 1

	d := config.Diff(baseConfig(), next)
	if len(d.RestartRequired) != 0 {
		t.Errorf("explicit defaults should not require a restart, got %v", d.RestartRequired)
	}
}
