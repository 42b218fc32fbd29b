package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/memoscribe/pkg/provider/stt"
	"github.com/MrWong99/memoscribe/pkg/speech/pipeline"
)

// Compile-time assertion that Pool satisfies stt.Transcriber.
var _ stt.Transcriber = (*Pool)(nil)

// Pool runs transcriptions on a fixed set of pipelines, one per concurrency
// slot. Each pipeline owns its own decoder engine, so sessions never share
// caches. Callers beyond the pool size wait for a free slot or for their
// context to end.
type Pool struct {
	size int
	sem  *semaphore.Weighted

	mu   sync.Mutex
	idle []*pipeline.Pipeline
}

// NewPool returns a pool over pipes. At least one pipeline is required.
func NewPool(pipes []*pipeline.Pipeline) (*Pool, error) {
	if len(pipes) == 0 {
		return nil, errors.New("server: pool needs at least one pipeline")
	}
	return &Pool{
		size: len(pipes),
		sem:  semaphore.NewWeighted(int64(len(pipes))),
		idle: append([]*pipeline.Pipeline(nil), pipes...),
	}, nil
}

// Size returns the number of concurrency slots.
func (p *Pool) Size() int { return p.size }

// Transcribe implements [stt.Transcriber] on the first free pipeline.
func (p *Pool) Transcribe(ctx context.Context, samples []float32) (stt.Transcript, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return stt.Transcript{}, fmt.Errorf("server: wait for free engine: %w", err)
	}
	defer p.sem.Release(1)

	pl := p.take()
	defer p.put(pl)
	return pl.Transcribe(ctx, samples)
}

// Replace swaps in a new set of pipelines once every running transcription
// has finished. New transcriptions wait while the swap is pending. pipes must
// have exactly Size entries.
func (p *Pool) Replace(ctx context.Context, pipes []*pipeline.Pipeline) error {
	if len(pipes) != p.size {
		return fmt.Errorf("server: replace pool of %d with %d pipelines", p.size, len(pipes))
	}
	if err := p.sem.Acquire(ctx, int64(p.size)); err != nil {
		return fmt.Errorf("server: wait for idle pool: %w", err)
	}
	defer p.sem.Release(int64(p.size))

	p.mu.Lock()
	p.idle = append(p.idle[:0], pipes...)
	p.mu.Unlock()
	return nil
}

// take pops an idle pipeline. The caller holds a semaphore slot, so one is
// always available.
func (p *Pool) take() *pipeline.Pipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	pl := p.idle[len(p.idle)-1]
	p.idle = p.idle[:len(p.idle)-1]
	return pl
}

func (p *Pool) put(pl *pipeline.Pipeline) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idle = append(p.idle, pl)
}
