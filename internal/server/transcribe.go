package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/MrWong99/memoscribe/internal/resilience"
	"github.com/MrWong99/memoscribe/pkg/audio"
	"github.com/MrWong99/memoscribe/pkg/provider/stt"
	"github.com/MrWong99/memoscribe/pkg/speech"
)

// errTranscriptionFailed is the only failure text clients ever see for a
// transcription; partial output is never returned.
const errTranscriptionFailed = "transcription failed"

// errBadAudio marks request bodies that cannot be decoded.
var errBadAudio = errors.New("server: malformed audio")

// ─── Wire types ──────────────────────────────────────────────────────────────

type segmentJSON struct {
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`
	Text    string `json:"text"`
}

type transcriptJSON struct {
	Type       string        `json:"type,omitempty"`
	ID         string        `json:"id"`
	Text       string        `json:"text"`
	NoSpeech   bool          `json:"no_speech"`
	DurationMs int64         `json:"duration_ms"`
	Provider   string        `json:"provider"`
	Segments   []segmentJSON `json:"segments,omitempty"`
}

type errorJSON struct {
	Type  string `json:"type,omitempty"`
	Error string `json:"error"`
}

func newTranscriptJSON(id string, t stt.Transcript) transcriptJSON {
	out := transcriptJSON{
		ID:         id,
		Text:       t.Text,
		NoSpeech:   t.NoSpeech,
		DurationMs: t.Duration.Milliseconds(),
		Provider:   t.Provider,
	}
	for _, seg := range t.Segments {
		out.Segments = append(out.Segments, segmentJSON{
			StartMs: seg.Start.Milliseconds(),
			EndMs:   seg.End.Milliseconds(),
			Text:    seg.Text,
		})
	}
	return out
}

// ─── POST /v1/transcriptions ─────────────────────────────────────────────────

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := uuid.NewString()
	log := s.log(ctx).With("transcription_id", id)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUpload))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorJSON{Error: "audio too large"})
			return
		}
		log.Warn("read upload failed", "err", err)
		writeJSON(w, http.StatusBadRequest, errorJSON{Error: errTranscriptionFailed})
		return
	}

	samples, err := decodeUpload(r.Header.Get("Content-Type"), body)
	if err != nil {
		log.Warn("rejecting upload", "err", err)
		writeJSON(w, http.StatusBadRequest, errorJSON{Error: errTranscriptionFailed})
		return
	}

	t, err := s.transcriber.Transcribe(ctx, samples)
	if err != nil {
		log.Error("transcription failed", "err", err, "kind", speech.Kind(err))
		writeJSON(w, statusFor(err), errorJSON{Error: errTranscriptionFailed})
		return
	}

	log.Info("transcription complete",
		"provider", t.Provider,
		"duration", t.Duration,
		"no_speech", t.NoSpeech,
		"chars", len(t.Text),
	)
	writeJSON(w, http.StatusOK, newTranscriptJSON(id, t))
}

// decodeUpload turns a request body into pipeline-format samples. WAV files
// and raw little-endian PCM16 (audio/L16 with optional rate and channels
// parameters) are accepted; anything else is [errBadAudio].
func decodeUpload(contentType string, body []byte) ([]float32, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: content type %q: %w", errBadAudio, contentType, err)
	}

	var frame audio.AudioFrame
	switch mediaType {
	case "audio/wav", "audio/wave", "audio/x-wav", "audio/vnd.wave":
		frame, err = audio.DecodeWAV(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errBadAudio, err)
		}
	case "audio/l16":
		frame = audio.AudioFrame{Data: body, SampleRate: speech.SampleRate, Channels: 1}
		if v, ok := params["rate"]; ok {
			if frame.SampleRate, err = strconv.Atoi(v); err != nil || frame.SampleRate <= 0 {
				return nil, fmt.Errorf("%w: rate parameter %q", errBadAudio, v)
			}
		}
		if v, ok := params["channels"]; ok {
			if frame.Channels, err = strconv.Atoi(v); err != nil || (frame.Channels != 1 && frame.Channels != 2) {
				return nil, fmt.Errorf("%w: channels parameter %q", errBadAudio, v)
			}
		}
		if len(body)%(2*frame.Channels) != 0 {
			return nil, fmt.Errorf("%w: %d bytes is not a whole number of frames", errBadAudio, len(body))
		}
	default:
		return nil, fmt.Errorf("%w: unsupported content type %q", errBadAudio, mediaType)
	}

	conv := audio.FormatConverter{Target: audio.PipelineFormat}
	return audio.PCM16ToFloat32(conv.Convert(frame).Data), nil
}

// statusFor maps a transcription error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadAudio):
		return http.StatusBadRequest
	case errors.Is(err, speech.ErrDeviceUnavailable),
		errors.Is(err, speech.ErrModelLoad),
		errors.Is(err, resilience.ErrCircuitOpen),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
