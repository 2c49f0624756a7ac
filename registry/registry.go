// Package registry implements the per-silo ActorRegistry and Dispatcher
// described by spec §4.5: a concurrent activation table with at-most-one
// concurrent creation per key, and a static, reflection-free method
// dispatch table built from a build-time manifest. Grounded on
// inprocgrpc's handlerMap service registry (registration by name, queried
// on the hot path without runtime type introspection), adapted from a
// gRPC service/method table to an actor-type/method table.
package registry

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/virtualactor/silo/actor"
	"github.com/virtualactor/silo/log"
)

// Factory creates a fresh, unstarted Activation's user object for id. The
// dispatcher's MethodFunc closures reach the concrete object through
// whatever reference Factory returns (an opaque any, downcast by the
// generated dispatcher case — never via reflection).
type Factory func(id string) any

// MethodFunc is one precomputed dispatch case: decode payload, call the
// typed method on obj, encode the reply. No reflection is involved in
// selecting or invoking it; the Dispatcher itself is just a map lookup by
// method name, and name resolution happens once at registration time.
type MethodFunc func(ctx context.Context, obj any, payload []byte) ([]byte, error)

// Dispatcher is the per-actor-type method switch (spec §4.5), built once at
// registration time from a fixed set of (method_name → MethodFunc) pairs.
type Dispatcher struct {
	ActorType string
	methods   map[string]MethodFunc
}

// NewDispatcher builds a Dispatcher from a static method table.
func NewDispatcher(actorType string, methods map[string]MethodFunc) *Dispatcher {
	cp := make(map[string]MethodFunc, len(methods))
	for k, v := range methods {
		cp[k] = v
	}
	return &Dispatcher{ActorType: actorType, methods: cp}
}

// ErrUnknownMethod is returned for a method_name absent from the
// dispatcher's table (spec §4.5, §7 DispatchError).
type ErrUnknownMethod struct {
	ActorType, MethodName string
}

func (e *ErrUnknownMethod) Error() string {
	return fmt.Sprintf("registry: no such method %q on actor type %q", e.MethodName, e.ActorType)
}

// GRPCStatus classifies ErrUnknownMethod as a spec §7 DispatchError.
func (e *ErrUnknownMethod) GRPCStatus() *status.Status {
	return status.New(codes.Unimplemented, e.Error())
}

// Invoke looks up methodName and calls it against obj with payload. No type
// introspection occurs here: obj is passed through opaquely to the
// precomputed MethodFunc, which performs its own type assertion; Invoke
// itself never checks obj's type.
func (d *Dispatcher) Invoke(ctx context.Context, obj any, methodName string, payload []byte) ([]byte, error) {
	fn, ok := d.methods[methodName]
	if !ok {
		return nil, &ErrUnknownMethod{ActorType: d.ActorType, MethodName: methodName}
	}
	return fn(ctx, obj, payload)
}

// ErrUnknownActorType is returned when no factory/dispatcher is registered
// for a requested actor_type (spec §4.6 step 1).
type ErrUnknownActorType struct{ ActorType string }

func (e *ErrUnknownActorType) Error() string {
	return fmt.Sprintf("registry: unknown actor type %q", e.ActorType)
}

// GRPCStatus classifies ErrUnknownActorType as a spec §7 DispatchError.
func (e *ErrUnknownActorType) GRPCStatus() *status.Status {
	return status.New(codes.NotFound, e.Error())
}

// TypeEntry bundles one actor type's factory and dispatcher, the unit the
// generated manifest registers per declared actor interface (spec §9).
type TypeEntry struct {
	Factory    Factory
	Dispatcher *Dispatcher
	Options    []actor.Option
}

// Manifest is the static, build-time-emitted table of every actor type a
// silo can host: "the manifest is emitted at build time from user
// interface declarations and carries zero runtime reflection cost" (spec
// §4.5). A hand-written manifest is equally valid; this package places no
// requirement on how it was produced.
type Manifest struct {
	Types map[string]TypeEntry
}

// NewManifest builds a Manifest from a set of type entries.
func NewManifest(types map[string]TypeEntry) *Manifest {
	cp := make(map[string]TypeEntry, len(types))
	for k, v := range types {
		cp[k] = v
	}
	return &Manifest{Types: cp}
}

// ActorRegistry is the per-silo concurrent table of live activations (spec
// §4.5). Activation creation is de-duplicated per Key via singleflight, so
// concurrent first-requests for the same actor observe at-most-one
// constructed Activation.
type ActorRegistry struct {
	manifest *Manifest
	logger   log.Logger

	mu    sync.RWMutex
	live  map[actor.Key]*Activation
	group singleflight.Group
}

// Activation bundles a started actor.Activation with the user object its
// Factory produced and the Dispatcher that handles it.
type Activation struct {
	*actor.Activation
	Obj        any
	Dispatcher *Dispatcher
}

// New builds an ActorRegistry over manifest's static type table.
func New(manifest *Manifest, logger log.Logger) *ActorRegistry {
	if logger == nil {
		logger = log.Nop()
	}
	return &ActorRegistry{
		manifest: manifest,
		logger:   logger,
		live:     make(map[actor.Key]*Activation),
	}
}

// GetOrCreate returns the live Activation for (actorType, actorID),
// materializing one via the manifest's factory on first access. Concurrent
// callers racing on the same key observe a single construction (spec
// §4.5's "at-most-one concurrent creation per ActorKey").
func (r *ActorRegistry) GetOrCreate(ctx context.Context, actorType, actorID string) (*Activation, error) {
	key := actor.Key{Type: actorType, ID: actorID}

	r.mu.RLock()
	if a, ok := r.live[key]; ok {
		r.mu.RUnlock()
		return a, nil
	}
	r.mu.RUnlock()

	entry, ok := r.manifest.Types[actorType]
	if !ok {
		return nil, &ErrUnknownActorType{ActorType: actorType}
	}

	v, err, _ := r.group.Do(key.String(), func() (any, error) {
		r.mu.RLock()
		if a, ok := r.live[key]; ok {
			r.mu.RUnlock()
			return a, nil
		}
		r.mu.RUnlock()

		obj := entry.Factory(actorID)
		a := &Activation{
			Activation: actor.New(key, entry.Options...),
			Obj:        obj,
			Dispatcher: entry.Dispatcher,
		}
		a.Activation.Start(ctx)

		r.mu.Lock()
		r.live[key] = a
		r.mu.Unlock()
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Activation), nil
}

// Remove deactivates and evicts the Activation for key, if present, for
// explicit deactivation. This package runs no idle-timeout policy of its
// own.
func (r *ActorRegistry) Remove(ctx context.Context, key actor.Key) {
	r.mu.Lock()
	a, ok := r.live[key]
	delete(r.live, key)
	r.mu.Unlock()
	if !ok {
		return
	}
	a.Stop(ctx)
}

// Len reports the number of live activations, for tests and metrics.
func (r *ActorRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

// All returns a snapshot of every live activation, for graceful-shutdown
// draining (silo.Stop).
func (r *ActorRegistry) All() []*Activation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Activation, 0, len(r.live))
	for _, a := range r.live {
		out = append(out, a)
	}
	return out
}
