// Package eventloopadapter adapts github.com/joeycumines/go-eventloop's
// Loop to the minimal transport.Loop contract (Submit(func()) error /
// SubmitInternal(func()) error), the same role eventloop.Loop plays inside
// inprocgrpc.Channel: a single goroutine driving all per-silo transport
// bookkeeping, rather than a mutex guarding every pending-map access.
package eventloopadapter

import (
	"context"

	"github.com/joeycumines/go-eventloop"
)

// Adapter wraps a running *eventloop.Loop.
type Adapter struct {
	loop *eventloop.Loop
}

// New constructs an Adapter around a freshly created eventloop.Loop. The
// caller must call Run before submitted work executes, and Shutdown to
// stop it.
func New() (*Adapter, error) {
	l, err := eventloop.New()
	if err != nil {
		return nil, err
	}
	return &Adapter{loop: l}, nil
}

// Run drives the loop until ctx is cancelled or Shutdown is called. Must
// be run in its own goroutine; blocks until the loop exits.
func (a *Adapter) Run(ctx context.Context) error {
	return a.loop.Run(ctx)
}

// Shutdown stops the loop gracefully.
func (a *Adapter) Shutdown(ctx context.Context) error {
	return a.loop.Shutdown(ctx)
}

// Submit implements transport.Loop.
func (a *Adapter) Submit(fn func()) error {
	return a.loop.Submit(eventloop.Task{Runnable: fn})
}

// SubmitInternal implements transport.Loop.
func (a *Adapter) SubmitInternal(fn func()) error {
	return a.loop.SubmitInternal(eventloop.Task{Runnable: fn})
}
