package speech

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// Failure taxonomy. Every error surfaced by the speech packages wraps exactly
// one of these sentinels so callers can branch with [errors.Is]. None of them
// is retried internally.
var (
	// ErrDeviceUnavailable reports that the capture device cannot be opened,
	// sized or read.
	ErrDeviceUnavailable = errors.New("speech: capture device unavailable")

	// ErrModelLoad reports that the model, its sidecar or the vocabulary
	// failed to load.
	ErrModelLoad = errors.New("speech: model load failed")

	// ErrShape reports a tensor or cache whose dimensions do not match the
	// expected fixed shape.
	ErrShape = errors.New("speech: shape mismatch")

	// ErrInference reports that an encode or decode-step call failed at
	// runtime. The session that hit it returns no partial transcript.
	ErrInference = errors.New("speech: inference failed")

	// ErrInvalidState reports an operation invoked out of its required order.
	ErrInvalidState = errors.New("speech: invalid state")
)

// ShapeError describes a dimension mismatch. It matches [ErrShape].
type ShapeError struct {
	Name string
	Want []int
	Got  []int
}

// Error implements the error interface.
func (e *ShapeError) Error() string {
	return fmt.Sprintf("speech: shape mismatch for %s: want %v, got %v", e.Name, e.Want, e.Got)
}

// Is makes errors.Is(err, ErrShape) true for every *ShapeError.
func (e *ShapeError) Is(target error) bool { return target == ErrShape }

// CheckShape returns a *ShapeError when got differs from want.
func CheckShape(name string, got []int, want ...int) error {
	if slices.Equal(got, want) {
		return nil
	}
	return &ShapeError{Name: name, Want: slices.Clone(want), Got: slices.Clone(got)}
}

// Kind returns a short, stable label for the taxonomy sentinel err wraps,
// for metrics and logs. Cancellation is reported as "canceled"; anything
// else as "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDeviceUnavailable):
		return "device_unavailable"
	case errors.Is(err, ErrModelLoad):
		return "model_load"
	case errors.Is(err, ErrShape):
		return "shape"
	case errors.Is(err, ErrInference):
		return "inference"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
