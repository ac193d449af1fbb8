// Package sink delivers generated responses to their destinations.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/shijie-nv/houseagent/message"
)

// Sink receives each generated response.
type Sink interface {
	Emit(ctx context.Context, resp message.Response) error
}

// Func adapts a function to the Sink interface.
type Func func(ctx context.Context, resp message.Response) error

// Emit calls f.
func (f Func) Emit(ctx context.Context, resp message.Response) error {
	return f(ctx, resp)
}

// Named pairs a sink with the name used in errors and metrics.
type Named struct {
	Name string
	Sink Sink
}

// Multi emits to every sink in order. One failing sink does not stop the rest.
type Multi struct {
	sinks []Named
	// OnError is called for each failing sink, if set.
	OnError func(name string, err error)
}

// NewMulti creates a fan-out sink.
func NewMulti(sinks ...Named) *Multi {
	return &Multi{sinks: sinks}
}

// Add appends a sink.
func (m *Multi) Add(name string, s Sink) {
	m.sinks = append(m.sinks, Named{Name: name, Sink: s})
}

// Len returns the number of sinks.
func (m *Multi) Len() int {
	return len(m.sinks)
}

// Emit delivers resp to every sink and joins their errors.
func (m *Multi) Emit(ctx context.Context, resp message.Response) error {
	var errs []error
	for _, n := range m.sinks {
		if err := n.Sink.Emit(ctx, resp); err != nil {
			if m.OnError != nil {
				m.OnError(n.Name, err)
			}
			errs = append(errs, fmt.Errorf("sink %s: %w", n.Name, err))
		}
	}
	return errors.Join(errs...)
}
