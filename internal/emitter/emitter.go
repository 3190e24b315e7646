// Package emitter publishes scan outcomes to metrics and other backends.
package emitter

import (
	"context"

	"github.com/yairfalse/terradrift/pkg/drift"
)

// Emitter outputs scan outcomes to a backend.
type Emitter interface {
	// Emit publishes one profile scan.
	Emit(ctx context.Context, outcome *drift.Outcome) error

	// Close cleans up resources.
	Close() error
}

// Func adapts a plain function to an Emitter with a no-op Close.
type Func func(ctx context.Context, outcome *drift.Outcome) error

// Emit calls f.
func (f Func) Emit(ctx context.Context, outcome *drift.Outcome) error {
	return f(ctx, outcome)
}

// Close does nothing.
func (f Func) Close() error {
	return nil
}

// MultiEmitter fans out to multiple emitters.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter creates an emitter that sends to multiple backends.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

// Emit sends to all emitters, returns first error.
func (m *MultiEmitter) Emit(ctx context.Context, outcome *drift.Outcome) error {
	for _, e := range m.emitters {
		if err := e.Emit(ctx, outcome); err != nil {
			return err
		}
	}
	return nil
}

// Close closes all emitters.
func (m *MultiEmitter) Close() error {
	for _, e := range m.emitters {
		if err := e.Close(); err != nil {
			return err
		}
	}
	return nil
}
