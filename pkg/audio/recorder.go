package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/MrWong99/memoscribe/pkg/speech"
)

// defaultReadSize is the number of samples requested per device read (100 ms).
const defaultReadSize = speech.SampleRate / 10

// captureResult is what the capture worker hands back when it exits.
type captureResult struct {
	samples []float32
	err     error
}

// Recorder implements the start/stop capture protocol over a [CaptureDevice].
//
// Start launches one dedicated worker goroutine that blocks on device reads
// and accumulates every sample into a worker-owned buffer. Stop signals the
// worker, waits for it to exit and returns the completed buffer, which the
// worker sends over a channel; the buffer is never shared while capture runs.
//
// A Recorder may be started again after Stop. All methods are safe for
// concurrent use.
type Recorder struct {
	dev      CaptureDevice
	readSize int
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	result chan captureResult
}

// RecorderOption configures a [Recorder].
type RecorderOption func(*Recorder)

// WithReadSize sets how many samples the worker requests per device read.
// Defaults to 1600 (100 ms).
func WithReadSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.readSize = n
		}
	}
}

// WithRecorderLogger sets the logger. Defaults to slog.Default().
func WithRecorderLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRecorder returns a Recorder reading from dev. A nil device is reported
// as [speech.ErrDeviceUnavailable].
func NewRecorder(dev CaptureDevice, opts ...RecorderOption) (*Recorder, error) {
	if dev == nil {
		return nil, fmt.Errorf("audio: no capture device: %w", speech.ErrDeviceUnavailable)
	}
	r := &Recorder{
		dev:      dev,
		readSize: defaultReadSize,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Start begins capturing on a background worker. The worker also stops when
// ctx is cancelled; the samples captured so far remain available to Stop.
// Calling Start while a capture is running returns [speech.ErrInvalidState].
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result != nil {
		return fmt.Errorf("audio: recorder already started: %w", speech.ErrInvalidState)
	}
	wctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.result = make(chan captureResult, 1)
	go r.capture(wctx, r.result)
	r.logger.Debug("audio capture started")
	return nil
}

// Running reports whether a capture is in progress.
func (r *Recorder) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result != nil
}

// Stop signals the worker, blocks until it has exited and returns the
// captured samples. Calling Stop without a prior Start returns
// [speech.ErrInvalidState]. A device failure during capture is returned
// wrapped in [speech.ErrDeviceUnavailable] alongside the samples captured
// before it.
func (r *Recorder) Stop() ([]float32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result == nil {
		return nil, fmt.Errorf("audio: stop called before start: %w", speech.ErrInvalidState)
	}
	r.cancel()
	res := <-r.result
	r.cancel, r.result = nil, nil

	r.logger.Debug("audio capture stopped",
		"samples", len(res.samples),
		"duration", speech.SamplesDuration(len(res.samples)),
	)
	return res.samples, res.err
}

// Finish waits for the device to report the end of input and returns the
// captured samples. Use it with sources that end on their own, such as a
// [StreamDevice] after CloseWrite, so no queued audio is dropped. If ctx ends
// first the capture is cancelled as with Stop. Calling Finish without a prior
// Start returns [speech.ErrInvalidState].
func (r *Recorder) Finish(ctx context.Context) ([]float32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result == nil {
		return nil, fmt.Errorf("audio: finish called before start: %w", speech.ErrInvalidState)
	}
	var res captureResult
	select {
	case res = <-r.result:
	case <-ctx.Done():
		r.cancel()
		res = <-r.result
	}
	r.cancel()
	r.cancel, r.result = nil, nil

	r.logger.Debug("audio capture finished",
		"samples", len(res.samples),
		"duration", speech.SamplesDuration(len(res.samples)),
	)
	return res.samples, res.err
}

// capture is the worker loop. It owns buf until it sends it on out.
func (r *Recorder) capture(ctx context.Context, out chan<- captureResult) {
	var buf []float32
	frame := make([]float32, r.readSize)
	for {
		n, err := r.dev.Read(ctx, frame)
		buf = append(buf, frame[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				out <- captureResult{samples: buf}
				return
			}
			out <- captureResult{
				samples: buf,
				err:     fmt.Errorf("audio: read capture device: %w: %w", speech.ErrDeviceUnavailable, err),
			}
			return
		}
		if ctx.Err() != nil {
			out <- captureResult{samples: buf}
			return
		}
	}
}
