package observe

import (
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestNewResource_Deployment(t *testing.T) {
	res, err := newResource(ProviderConfig{
		ServiceVersion: "1.2.3",
		Deployment: Deployment{
			ModelProvider: "remote",
			FeaturesMode:  "log_mel",
			Engines:       4,
			Fallbacks:     []string{"whisper-native", "openai"},
		},
	})
	if err != nil {
		t.Fatalf("newResource: %v", err)
	}

	set := res.Set()
	want := map[attribute.Key]string{
		"service.name":                   "memoscribe",
		"service.version":                "1.2.3",
		"memoscribe.model.provider":      "remote",
		"memoscribe.features.mode":       "log_mel",
		"memoscribe.pipeline.engines":    "4",
		"memoscribe.pipeline.max_chunks": "0",
		"memoscribe.fallbacks":           `["whisper-native","openai"]`,
	}
	for k, v := range want {
		got, ok := set.Value(k)
		if !ok {
			t.Errorf("missing attribute %s", k)
			continue
		}
		if got.Emit() != v {
			t.Errorf("%s = %s, want %s", k, got.Emit(), v)
		}
	}
}

func TestDeployment_OmitsZeroFields(t *testing.T) {
	kv := Deployment{}.attributes()
	if len(kv) != 1 || kv[0].Key != "memoscribe.pipeline.max_chunks" {
		t.Errorf("attributes = %v, want only max_chunks", kv)
	}
}
