package audio

import (
	"context"
	"errors"
	"io"
	"sync"
)

// errStreamClosed is returned by Push after CloseWrite or Close.
var errStreamClosed = errors.New("audio: stream device closed")

// StreamDevice is a [CaptureDevice] fed by a producer goroutine, typically a
// network handler decoding client audio. The producer calls Push for every
// decoded block and CloseWrite when the client signals the end of capture;
// pending samples are still delivered before Read returns [io.EOF].
//
// The queue is unbounded: Push never blocks.
type StreamDevice struct {
	mu      sync.Mutex
	pending []float32
	closed  bool
	notify  chan struct{}
}

// NewStreamDevice returns an empty, open StreamDevice.
func NewStreamDevice() *StreamDevice {
	return &StreamDevice{notify: make(chan struct{}, 1)}
}

// Push appends samples to the queue.
func (d *StreamDevice) Push(samples []float32) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errStreamClosed
	}
	d.pending = append(d.pending, samples...)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
	return nil
}

// CloseWrite marks the end of input. Subsequent reads drain the queue and
// then return io.EOF.
func (d *StreamDevice) CloseWrite() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Read implements [CaptureDevice].
func (d *StreamDevice) Read(ctx context.Context, dst []float32) (int, error) {
	for {
		d.mu.Lock()
		if len(d.pending) > 0 {
			n := copy(dst, d.pending)
			d.pending = d.pending[n:]
			d.mu.Unlock()
			return n, nil
		}
		if d.closed {
			d.mu.Unlock()
			return 0, io.EOF
		}
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-d.notify:
		}
	}
}

// Close implements [CaptureDevice]; it discards pending samples.
func (d *StreamDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.pending = nil
	d.mu.Unlock()
	select {
	case d.notify <- struct{}{}:
	default:
	}
	return nil
}

// Compile-time assertion that StreamDevice satisfies CaptureDevice.
var _ CaptureDevice = (*StreamDevice)(nil)
