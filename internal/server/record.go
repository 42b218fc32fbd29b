package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/memoscribe/pkg/audio"
	"github.com/MrWong99/memoscribe/pkg/speech"
)

// recording holds metadata about the active microphone capture.
type recording struct {
	id        string
	startedAt time.Time
}

// microphone serialises start/stop of the host recorder. Only one recording
// can be active at a time.
type microphone struct {
	rec *audio.Recorder

	mu     sync.Mutex
	active *recording
}

func (m *microphone) start(ctx context.Context) (recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return recording{}, fmt.Errorf("server: recording %s already active: %w", m.active.id, speech.ErrInvalidState)
	}
	// The capture must outlive the request that started it.
	if err := m.rec.Start(context.WithoutCancel(ctx)); err != nil {
		return recording{}, err
	}
	m.active = &recording{id: uuid.NewString(), startedAt: time.Now().UTC()}
	return *m.active, nil
}

func (m *microphone) stop() (recording, []float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return recording{}, nil, fmt.Errorf("server: no active recording: %w", speech.ErrInvalidState)
	}
	info := *m.active
	m.active = nil
	samples, err := m.rec.Stop()
	return info, samples, err
}

// abort stops an active recording and discards its audio.
func (m *microphone) abort() error {
	_, _, err := m.stop()
	if errors.Is(err, speech.ErrInvalidState) {
		return nil
	}
	return err
}

type recordStartedJSON struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
}

// handleRecordStart starts the host microphone.
func (s *Server) handleRecordStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.mic == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorJSON{Error: "no capture device configured"})
		return
	}
	info, err := s.mic.start(ctx)
	if err != nil {
		if errors.Is(err, speech.ErrInvalidState) {
			writeJSON(w, http.StatusConflict, errorJSON{Error: "recording already in progress"})
			return
		}
		s.log(ctx).Error("record start failed", "err", err)
		writeJSON(w, statusFor(err), errorJSON{Error: "cannot start recording"})
		return
	}
	s.metrics.ActiveCaptures.Add(ctx, 1)
	s.log(ctx).Info("recording started", "recording_id", info.id)
	writeJSON(w, http.StatusOK, recordStartedJSON{ID: info.id, StartedAt: info.startedAt})
}

// handleRecordStop stops the host microphone and transcribes what it
// captured.
func (s *Server) handleRecordStop(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.mic == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorJSON{Error: "no capture device configured"})
		return
	}
	info, samples, err := s.mic.stop()
	if errors.Is(err, speech.ErrInvalidState) {
		writeJSON(w, http.StatusConflict, errorJSON{Error: "no recording in progress"})
		return
	}
	s.metrics.ActiveCaptures.Add(ctx, -1)
	log := s.log(ctx).With("recording_id", info.id)
	if err != nil {
		log.Error("recording failed", "err", err, "samples", len(samples))
		writeJSON(w, statusFor(err), errorJSON{Error: errTranscriptionFailed})
		return
	}

	t, err := s.transcriber.Transcribe(ctx, samples)
	if err != nil {
		log.Error("transcription failed", "err", err, "kind", speech.Kind(err))
		writeJSON(w, statusFor(err), errorJSON{Error: errTranscriptionFailed})
		return
	}
	log.Info("recording transcribed",
		"provider", t.Provider,
		"duration", t.Duration,
		"recorded_for", time.Since(info.startedAt).Round(time.Millisecond),
	)
	writeJSON(w, http.StatusOK, newTranscriptJSON(info.id, t))
}
