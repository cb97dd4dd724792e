// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package registry implements the Event Registry (component H): the
// caller-supplied mapping from event_type to how that type deserializes and
// applies itself to application state S. Registration happens once at
// startup; lookups happen on every replay and every live apply, so reads
// take only the sync.RWMutex read lock and run concurrently with each other.
package registry

import (
	"fmt"
	"sync"

	"github.com/dreamsxin/ledger/internal/types"
)

// Registration binds one event_type to its deserializer, its pure state
// transition, and whether it must survive compaction regardless of the
// keep_recent_events window.
type Registration[S any] struct {
	// Deserialize turns the envelope's opaque payload into a typed event
	// value. The returned value is passed to Apply unmodified.
	Deserialize func(payload []byte) (any, error)
	// Apply mutates state in place given the deserialized event. Must be
	// pure given (event, prior state): no I/O, no clock reads, so replay
	// from any snapshot reproduces bit-identical state.
	Apply func(event any, state *S) error
	// IsCritical marks every instance of this event_type as ineligible for
	// compaction's keep_recent_events sliding window - it is always
	// retained.
	IsCritical bool
}

// Registry is the full event_type -> Registration map for one Event Store
// instance.
type Registry[S any] struct {
	mu   sync.RWMutex
	regs map[string]Registration[S]
}

// New returns an empty registry. Register every event_type before Open-ing
// the Event Store Facade; replay of an unregistered type is fatal.
func New[S any]() *Registry[S] {
	return &Registry[S]{regs: make(map[string]Registration[S])}
}

// Register adds eventType's binding. Re-registering the same event_type is
// a programmer error and returns an error rather than silently overwriting
// a binding replay may already depend on.
func (r *Registry[S]) Register(eventType string, reg Registration[S]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.regs[eventType]; exists {
		return fmt.Errorf("event type %q already registered", eventType)
	}
	r.regs[eventType] = reg
	return nil
}

// IsCritical reports whether eventType must survive compaction. Returns
// ErrUnknownEventType if the type was never registered.
func (r *Registry[S]) IsCritical(eventType string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[eventType]
	if !ok {
		return false, fmt.Errorf("%w: %s", types.ErrUnknownEventType, eventType)
	}
	return reg.IsCritical, nil
}

// Apply deserializes env's payload and applies it to state using env's
// event_type's registration. Returns ErrUnknownEventType if the type was
// never registered - fatal during replay, since it means the log contains
// events this process cannot reconstruct state for.
func (r *Registry[S]) Apply(env types.Envelope, state *S) error {
	r.mu.RLock()
	reg, ok := r.regs[env.EventType]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrUnknownEventType, env.EventType)
	}
	event, err := reg.Deserialize(env.Payload)
	if err != nil {
		return fmt.Errorf("deserialize %s: %w", env.EventType, err)
	}
	return reg.Apply(event, state)
}

// Registered reports whether eventType has a binding, without requiring the
// caller to interpret ErrUnknownEventType.
func (r *Registry[S]) Registered(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.regs[eventType]
	return ok
}
