package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/MrWong99/memoscribe/pkg/audio"
	"github.com/MrWong99/memoscribe/pkg/audio/opus"
	"github.com/MrWong99/memoscribe/pkg/speech"
)

// captureReadLimit bounds one client message. A second of 48 kHz stereo
// float32 is 384 KiB.
const captureReadLimit = 1 << 20

// Client audio codecs accepted by the capture endpoint.
const (
	codecPCM16 = "pcm16"
	codecOpus  = "opus"
	codecF32   = "f32"
)

// errCaptureTooLong ends a capture whose audio exceeds the session limit.
var errCaptureTooLong = errors.New("capture exceeds the maximum length")

// controlMessage is a text frame sent by the client.
type controlMessage struct {
	Type       string `json:"type"`
	Codec      string `json:"codec,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

type startedJSON struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// captureSession is one start/stop cycle on a WebSocket connection.
type captureSession struct {
	id     string
	codec  string
	format audio.Format
	opus   *opus.Decoder
	frames chan audio.AudioFrame
	fed    chan error
	rec    *audio.Recorder

	// limit and received count samples at the pipeline rate.
	limit    int64
	received int64
}

// handleCapture upgrades to WebSocket and runs the live-capture protocol:
//
//	client → {"type":"start","codec":"pcm16"|"opus"|"f32","sample_rate":16000,"channels":1}
//	client → binary audio frames
//	client → {"type":"stop"}
//	server → {"type":"transcript",...} or {"type":"error","error":"..."}
//
// A connection may run any number of start/stop cycles.
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log(r.Context()).Warn("capture: websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(captureReadLimit)

	ctx := r.Context()
	var sess *captureSession
	defer func() {
		if sess != nil {
			s.abortCapture(ctx, sess)
		}
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				s.log(ctx).Debug("capture: connection ended", "err", err)
			}
			return
		}

		if typ == websocket.MessageBinary {
			if sess == nil {
				s.sendError(ctx, conn, "capture not started", fmt.Errorf("audio before start: %w", speech.ErrInvalidState))
				continue
			}
			err := sess.feed(ctx, data)
			switch {
			case errors.Is(err, errCaptureTooLong):
				s.sendError(ctx, conn, "capture too long", err)
				s.abortCapture(ctx, sess)
				sess = nil
			case err != nil:
				s.sendError(ctx, conn, "invalid audio frame", err)
			}
			continue
		}

		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(ctx, conn, "invalid control message", err)
			continue
		}

		switch msg.Type {
		case "start":
			if sess != nil {
				s.sendError(ctx, conn, "capture already started", fmt.Errorf("start while capturing: %w", speech.ErrInvalidState))
				continue
			}
			sess, err = s.startCapture(ctx, msg)
			if err != nil {
				s.sendError(ctx, conn, "cannot start capture", err)
				continue
			}
			if err := wsjson.Write(ctx, conn, startedJSON{Type: "started", ID: sess.id}); err != nil {
				return
			}

		case "stop":
			if sess == nil {
				s.sendError(ctx, conn, "capture not started", fmt.Errorf("stop before start: %w", speech.ErrInvalidState))
				continue
			}
			done := sess
			sess = nil
			if err := s.finishCapture(ctx, conn, done); err != nil {
				return
			}

		default:
			s.sendError(ctx, conn, "unknown message type", fmt.Errorf("control message type %q", msg.Type))
		}
	}
}

// startCapture validates the requested codec and starts a recorder over a
// fresh stream device.
func (s *Server) startCapture(ctx context.Context, msg controlMessage) (*captureSession, error) {
	sess := &captureSession{
		id:    uuid.NewString(),
		codec: msg.Codec,
		limit: int64(s.maxCapture),
		format: audio.Format{
			SampleRate: msg.SampleRate,
			Channels:   msg.Channels,
		},
	}
	if sess.codec == "" {
		sess.codec = codecPCM16
	}
	if sess.format.Channels == 0 {
		sess.format.Channels = 1
	}
	if sess.format.Channels != 1 && sess.format.Channels != 2 {
		return nil, fmt.Errorf("unsupported channel count %d", sess.format.Channels)
	}

	switch sess.codec {
	case codecPCM16, codecF32:
		if sess.format.SampleRate == 0 {
			sess.format.SampleRate = speech.SampleRate
		}
	case codecOpus:
		dec, err := opus.NewDecoder(sess.format.Channels)
		if err != nil {
			return nil, err
		}
		sess.opus = dec
		sess.format.SampleRate = opus.SampleRate
	default:
		return nil, fmt.Errorf("unsupported codec %q", sess.codec)
	}
	if sess.format.SampleRate < 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sess.format.SampleRate)
	}

	dev := audio.NewStreamDevice()
	rec, err := audio.NewRecorder(dev, audio.WithRecorderLogger(s.logger))
	if err != nil {
		return nil, err
	}
	if err := rec.Start(ctx); err != nil {
		return nil, err
	}
	sess.rec = rec
	sess.frames = make(chan audio.AudioFrame, 64)
	sess.fed = make(chan error, 1)
	go func() { sess.fed <- audio.FeedStream(sess.frames, dev) }()

	s.metrics.ActiveCaptures.Add(ctx, 1)
	s.log(ctx).Info("capture started", "capture_id", sess.id, "codec", sess.codec,
		"sample_rate", sess.format.SampleRate, "channels", sess.format.Channels)
	return sess, nil
}

// feed decodes one binary message into PCM16 and queues it for the recorder.
// It fails with errCaptureTooLong once the session holds more than its limit.
func (c *captureSession) feed(ctx context.Context, data []byte) error {
	var frame audio.AudioFrame
	switch c.codec {
	case codecOpus:
		f, err := c.opus.Decode(data)
		if err != nil {
			return err
		}
		frame = f
	case codecF32:
		if len(data)%(4*c.format.Channels) != 0 {
			return fmt.Errorf("f32 frame of %d bytes", len(data))
		}
		frame = audio.AudioFrame{Data: audio.Float32ToPCM16(audio.Float32LEToFloat32(data))}
	default:
		if len(data)%(2*c.format.Channels) != 0 {
			return fmt.Errorf("pcm16 frame of %d bytes", len(data))
		}
		frame = audio.AudioFrame{Data: data}
	}
	if c.codec != codecOpus {
		frame.SampleRate = c.format.SampleRate
		frame.Channels = c.format.Channels
	}

	perChannel := int64(len(frame.Data) / (2 * frame.Channels))
	c.received += (perChannel*speech.SampleRate + int64(frame.SampleRate) - 1) / int64(frame.SampleRate)
	if c.received > c.limit {
		return fmt.Errorf("%w: %d samples, limit %d", errCaptureTooLong, c.received, c.limit)
	}

	select {
	case c.frames <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finishCapture drains the session, transcribes it and reports the result.
// It returns an error only when the connection can no longer be written.
func (s *Server) finishCapture(ctx context.Context, conn *websocket.Conn, sess *captureSession) error {
	defer s.metrics.ActiveCaptures.Add(ctx, -1)
	log := s.log(ctx).With("capture_id", sess.id)

	close(sess.frames)
	feedErr := <-sess.fed
	samples, err := sess.rec.Finish(ctx)
	if err = errors.Join(feedErr, err); err != nil {
		log.Error("capture failed", "err", err)
		return wsjson.Write(ctx, conn, errorJSON{Type: "error", Error: errTranscriptionFailed})
	}

	t, err := s.transcriber.Transcribe(ctx, samples)
	if err != nil {
		log.Error("transcription failed", "err", err, "kind", speech.Kind(err))
		return wsjson.Write(ctx, conn, errorJSON{Type: "error", Error: errTranscriptionFailed})
	}

	log.Info("capture transcribed", "provider", t.Provider, "duration", t.Duration, "no_speech", t.NoSpeech)
	out := newTranscriptJSON(sess.id, t)
	out.Type = "transcript"
	return wsjson.Write(ctx, conn, out)
}

// abortCapture discards a session whose connection went away mid-capture.
func (s *Server) abortCapture(ctx context.Context, sess *captureSession) {
	close(sess.frames)
	<-sess.fed
	if _, err := sess.rec.Stop(); err != nil {
		s.log(ctx).Debug("capture: abort", "capture_id", sess.id, "err", err)
	}
	s.metrics.ActiveCaptures.Add(context.WithoutCancel(ctx), -1)
	s.log(ctx).Info("capture abandoned", "capture_id", sess.id)
}

// sendError reports a protocol or transcription problem to the client and
// logs the underlying cause.
func (s *Server) sendError(ctx context.Context, conn *websocket.Conn, msg string, cause error) {
	s.log(ctx).Warn("capture: "+msg, "err", cause)
	if err := wsjson.Write(ctx, conn, errorJSON{Type: "error", Error: msg}); err != nil {
		s.log(ctx).Debug("capture: write error message", "err", err)
	}
}
