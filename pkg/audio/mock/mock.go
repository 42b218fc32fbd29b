// Package mock provides an in-memory [audio.CaptureDevice] for use in unit
// tests.
//
// The mock is safe for concurrent use. It records every method call so that
// tests can assert on call counts, and it exposes exported fields that the
// test can set to control what the device yields.
//
// Typical usage:
//
//	dev := &mock.Device{Blocks: [][]float32{{0.1, 0.2}, {0.3}}}
//	rec, _ := audio.NewRecorder(dev)
//	_ = rec.Start(ctx)
//	samples, err := rec.Stop()
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/MrWong99/memoscribe/pkg/audio"
)

// ─── Device ──────────────────────────────────────────────────────────────────

// Device is a mock implementation of [audio.CaptureDevice].
//
// Read serves Blocks in order. A block larger than the read buffer is split
// across calls. Once Blocks is exhausted, Read returns ReadErr if set;
// otherwise it returns [io.EOF] when EOF is true, or blocks until the context
// is cancelled (a live microphone that keeps delivering nothing).
type Device struct {
	mu sync.Mutex

	// Blocks are the sample blocks delivered by Read, in order.
	Blocks [][]float32

	// EOF makes Read return io.EOF once Blocks is exhausted.
	EOF bool

	// ReadErr is returned by Read once Blocks is exhausted. Takes precedence
	// over EOF.
	ReadErr error

	// CloseErr is returned by Close.
	CloseErr error

	// CallCountRead records how many times Read was called.
	CallCountRead int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// drained is closed when Read first finds Blocks exhausted.
	drained     chan struct{}
	drainedOnce sync.Once
	pos         int
}

// Drained returns a channel that is closed once every block has been read.
// Tests use it to stop a recorder only after all scripted audio arrived.
func (d *Device) Drained() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initLocked()
	return d.drained
}

func (d *Device) initLocked() {
	if d.drained == nil {
		d.drained = make(chan struct{})
	}
}

// Read implements [audio.CaptureDevice].
func (d *Device) Read(ctx context.Context, dst []float32) (int, error) {
	d.mu.Lock()
	d.initLocked()
	d.CallCountRead++
	if err := ctx.Err(); err != nil {
		d.mu.Unlock()
		return 0, err
	}
	for d.pos < len(d.Blocks) && len(d.Blocks[d.pos]) == 0 {
		d.pos++
	}
	if d.pos < len(d.Blocks) {
		blk := d.Blocks[d.pos]
		n := copy(dst, blk)
		if n == len(blk) {
			d.pos++
		} else {
			d.Blocks[d.pos] = blk[n:]
		}
		d.mu.Unlock()
		return n, nil
	}

	d.drainedOnce.Do(func() { close(d.drained) })
	readErr, eof := d.ReadErr, d.EOF
	d.mu.Unlock()

	switch {
	case readErr != nil:
		return 0, readErr
	case eof:
		return 0, io.EOF
	}
	<-ctx.Done()
	return 0, ctx.Err()
}

// Close implements [audio.CaptureDevice].
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	return d.CloseErr
}

// Compile-time interface assertion.
var _ audio.CaptureDevice = (*Device)(nil)
