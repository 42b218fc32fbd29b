package config

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/memoscribe/pkg/audio"
	"github.com/MrWong99/memoscribe/pkg/provider/stt"
	"github.com/MrWong99/memoscribe/pkg/speech/model"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// ModelFactory builds a model from its config entry. It may block (e.g. to
// dial a sidecar) until ctx is done.
type ModelFactory func(ctx context.Context, entry ProviderEntry) (model.Model, error)

// TranscriberFactory builds a fallback transcriber from its config entry.
type TranscriberFactory func(entry ProviderEntry) (stt.Transcriber, error)

// CaptureFactory opens a capture device from its config entry.
type CaptureFactory func(entry ProviderEntry) (audio.CaptureDevice, error)

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	models   map[string]ModelFactory
	fallback map[string]TranscriberFactory
	capture  map[string]CaptureFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		models:   make(map[string]ModelFactory),
		fallback: make(map[string]TranscriberFactory),
		capture:  make(map[string]CaptureFactory),
	}
}

// RegisterModel registers a model factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterModel(name string, factory ModelFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[name] = factory
}

// RegisterFallback registers a fallback transcriber factory under name.
func (r *Registry) RegisterFallback(name string, factory TranscriberFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback[name] = factory
}

// RegisterCapture registers a capture device factory under name.
func (r *Registry) RegisterCapture(name string, factory CaptureFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// CreateModel instantiates a model using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateModel(ctx context.Context, entry ProviderEntry) (model.Model, error) {
	r.mu.RLock()
	factory, ok := r.models[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: model/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(ctx, entry)
}

// CreateFallback instantiates a fallback transcriber using the factory registered under entry.Name.
func (r *Registry) CreateFallback(entry ProviderEntry) (stt.Transcriber, error) {
	r.mu.RLock()
	factory, ok := r.fallback[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: fallback/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateCapture opens a capture device using the factory registered under entry.Name.
func (r *Registry) CreateCapture(entry ProviderEntry) (audio.CaptureDevice, error) {
	r.mu.RLock()
	factory, ok := r.capture[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
