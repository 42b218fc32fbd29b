package whisper_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/memoscribe/pkg/audio"
	"github.com/MrWong99/memoscribe/pkg/provider/stt/whisper"
	"github.com/MrWong99/memoscribe/pkg/speech"
)

// ---- helpers ----------------------------------------------------------------

// inferenceRequest captures the form fields of one /inference call.
type inferenceRequest struct {
	language string
	model    string
	format   string
	wav      []byte
}

// newMockServer creates a test server that responds to POST /inference with a
// JSON body containing the provided responseText. Every parsed request is
// sent on reqs when it is non-nil.
func newMockServer(t *testing.T, responseText string, callCount *atomic.Int32, reqs chan<- inferenceRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if callCount != nil {
			callCount.Add(1)
		}
		if reqs != nil {
			f, _, err := r.FormFile("file")
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			wav, _ := io.ReadAll(f)
			reqs <- inferenceRequest{
				language: r.FormValue("language"),
				model:    r.FormValue("model"),
				format:   r.FormValue("response_format"),
				wav:      wav,
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": responseText})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// ---- provider construction --------------------------------------------------

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	_, err := whisper.New("")
	if !errors.Is(err, speech.ErrModelLoad) {
		t.Fatalf("err = %v, want ErrModelLoad", err)
	}
}

func TestNew_ValidServerURL_ReturnsProvider(t *testing.T) {
	p, err := whisper.New("http://localhost:8080",
		whisper.WithModel("base.en"),
		whisper.WithLanguage("de"),
		whisper.WithHTTPClient(http.DefaultClient),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil Provider")
	}
}

// ---- transcription ----------------------------------------------------------

func TestTranscribe_UploadsWAV(t *testing.T) {
	reqs := make(chan inferenceRequest, 1)
	srv := newMockServer(t, "  hello world ", nil, reqs)

	p, _ := whisper.New(srv.URL+"/", whisper.WithLanguage("de"), whisper.WithModel("small"))
	samples := make([]float32, 1600)
	samples[10] = 0.5

	tr, err := p.Transcribe(context.Background(), samples)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "hello world" {
		t.Errorf("Text = %q, want %q", tr.Text, "hello world")
	}
	if tr.NoSpeech {
		t.Error("NoSpeech = true, want false")
	}
	if tr.Provider != "whisper-server" {
		t.Errorf("Provider = %q", tr.Provider)
	}

	req := <-reqs
	if req.language != "de" || req.model != "small" || req.format != "json" {
		t.Errorf("form = %+v", req)
	}
	frame, err := audio.DecodeWAV(req.wav)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if frame.SampleRate != speech.SampleRate || frame.Channels != 1 {
		t.Errorf("wav format = %d Hz x%d", frame.SampleRate, frame.Channels)
	}
	if len(frame.Data) != 2*len(samples) {
		t.Errorf("wav payload = %d bytes, want %d", len(frame.Data), 2*len(samples))
	}
}

func TestTranscribe_EmptyInput_SkipsServer(t *testing.T) {
	var calls atomic.Int32
	srv := newMockServer(t, "never", &calls, nil)

	p, _ := whisper.New(srv.URL)
	tr, err := p.Transcribe(context.Background(), nil)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if !tr.NoSpeech {
		t.Error("NoSpeech = false, want true")
	}
	if calls.Load() != 0 {
		t.Errorf("server called %d times, want 0", calls.Load())
	}
}

func TestTranscribe_EmptyResponse_NoSpeech(t *testing.T) {
	srv := newMockServer(t, "", nil, nil)
	p, _ := whisper.New(srv.URL)
	tr, err := p.Transcribe(context.Background(), make([]float32, 160))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if !tr.NoSpeech || tr.Text != "" {
		t.Errorf("transcript = %+v, want NoSpeech", tr)
	}
}

// ---- error handling ---------------------------------------------------------

func TestTranscribe_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "internal server error", http.StatusInternalServerError)
			},
		},
		{
			name: "malformed json",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("{not json"))
			},
		},
		{
			name: "error field",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "failed to read WAV"})
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			p, _ := whisper.New(srv.URL)
			tr, err := p.Transcribe(context.Background(), make([]float32, 160))
			if !errors.Is(err, speech.ErrInference) {
				t.Fatalf("err = %v, want ErrInference", err)
			}
			if tr.Text != "" {
				t.Errorf("partial text %q returned on error", tr.Text)
			}
		})
	}
}

func TestTranscribe_CancelledContext(t *testing.T) {
	srv := newMockServer(t, "hello", nil, nil)
	p, _ := whisper.New(srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Transcribe(ctx, make([]float32, 160))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
