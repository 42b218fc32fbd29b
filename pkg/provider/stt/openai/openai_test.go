package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/memoscribe/pkg/speech"
)

// newTestServer returns a server that answers /audio/transcriptions with
// status and body, and records the uploaded model name.
func newTestServer(t *testing.T, status int, body any, gotModel *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if gotModel != nil {
			*gotModel = r.FormValue("model")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNew_EmptyAPIKey(t *testing.T) {
	_, err := New("", "")
	if !errors.Is(err, speech.ErrModelLoad) {
		t.Fatalf("err = %v, want ErrModelLoad", err)
	}
}

func TestNew_DefaultModel(t *testing.T) {
	p, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ModelID() != DefaultModel {
		t.Errorf("expected default model %s, got %s", DefaultModel, p.ModelID())
	}
}

func TestTranscribe_Success(t *testing.T) {
	var model string
	srv := newTestServer(t, http.StatusOK, map[string]string{"text": " hi there "}, &model)

	p, err := New("sk-test", "", WithBaseURL(srv.URL+"/"), WithLanguage("en"), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tr, err := p.Transcribe(context.Background(), make([]float32, 1600))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "hi there" {
		t.Errorf("Text = %q, want %q", tr.Text, "hi there")
	}
	if tr.Provider != "openai" {
		t.Errorf("Provider = %q, want openai", tr.Provider)
	}
	if model != DefaultModel {
		t.Errorf("uploaded model = %q, want %q", model, DefaultModel)
	}
}

func TestTranscribe_EmptyInput(t *testing.T) {
	p, _ := New("sk-test", "", WithBaseURL("http://127.0.0.1:1/"))
	tr, err := p.Transcribe(context.Background(), nil)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if !tr.NoSpeech {
		t.Error("NoSpeech = false, want true")
	}
}

func TestTranscribe_APIError(t *testing.T) {
	srv := newTestServer(t, http.StatusBadRequest,
		map[string]any{"error": map[string]string{"message": "bad audio", "type": "invalid_request_error"}}, nil)

	p, _ := New("sk-test", "", WithBaseURL(srv.URL+"/"), WithMaxRetries(0))
	tr, err := p.Transcribe(context.Background(), make([]float32, 1600))
	if !errors.Is(err, speech.ErrInference) {
		t.Fatalf("err = %v, want ErrInference", err)
	}
	if tr.Text != "" {
		t.Errorf("partial text %q on error", tr.Text)
	}
}
