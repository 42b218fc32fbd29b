// Package miniaudio implements [audio.CaptureDevice] on top of the host's
// default microphone using miniaudio (via malgo).
//
// miniaudio delivers captured PCM on its own callback thread. The callback
// converts each period to float32 and pushes it into an [audio.StreamDevice],
// so Read has the same blocking semantics as every other capture source.
package miniaudio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/memoscribe/pkg/audio"
	"github.com/MrWong99/memoscribe/pkg/speech"
)

// Device captures 16 kHz mono audio from the default input device.
type Device struct {
	mctx   *malgo.AllocatedContext
	dev    *malgo.Device
	stream *audio.StreamDevice
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Option configures a [Device].
type Option func(*config)

type config struct {
	periodMs uint32
	logger   *slog.Logger
}

// WithPeriod sets the capture period in milliseconds. Defaults to 20.
func WithPeriod(ms uint32) Option {
	return func(c *config) {
		if ms > 0 {
			c.periodMs = ms
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// Open initialises miniaudio and starts capturing from the default input
// device at the pipeline format. Any failure is reported as
// [speech.ErrDeviceUnavailable].
func Open(opts ...Option) (*Device, error) {
	cfg := config{periodMs: 20, logger: slog.Default()}
	for _, o := range opts {
		o(&cfg)
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		cfg.logger.Debug("miniaudio", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w: %w", speech.ErrDeviceUnavailable, err)
	}

	d := &Device{
		mctx:   mctx,
		stream: audio.NewStreamDevice(),
		logger: cfg.logger,
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatS16
	devCfg.Capture.Channels = 1
	devCfg.SampleRate = speech.SampleRate
	devCfg.PeriodSizeInMilliseconds = cfg.periodMs

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frames uint32) {
			n := min(int(frames)*2, len(input))
			// Push only fails after Close; late periods are dropped.
			_ = d.stream.Push(audio.PCM16ToFloat32(input[:n]))
		},
	}

	dev, err := malgo.InitDevice(mctx.Context, devCfg, callbacks)
	if err != nil {
		d.freeContext()
		return nil, fmt.Errorf("miniaudio: init capture device: %w: %w", speech.ErrDeviceUnavailable, err)
	}
	d.dev = dev

	if err := dev.Start(); err != nil {
		dev.Uninit()
		d.freeContext()
		return nil, fmt.Errorf("miniaudio: start capture: %w: %w", speech.ErrDeviceUnavailable, err)
	}
	cfg.logger.Info("microphone capture opened",
		"sample_rate", speech.SampleRate,
		"period_ms", cfg.periodMs,
	)
	return d, nil
}

// Read implements [audio.CaptureDevice].
func (d *Device) Read(ctx context.Context, dst []float32) (int, error) {
	return d.stream.Read(ctx, dst)
}

// Close stops capture and releases miniaudio resources.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		if err := d.dev.Stop(); err != nil {
			d.closeErr = fmt.Errorf("miniaudio: stop capture: %w", err)
		}
		d.dev.Uninit()
		d.stream.CloseWrite()
		d.freeContext()
		d.logger.Info("microphone capture closed")
	})
	return d.closeErr
}

func (d *Device) freeContext() {
	if err := d.mctx.Uninit(); err != nil {
		d.logger.Warn("miniaudio: uninit context", "err", err)
	}
	d.mctx.Free()
}

// Compile-time interface assertion.
var _ audio.CaptureDevice = (*Device)(nil)
