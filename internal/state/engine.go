// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package state implements the State Engine (component G): a generic,
// reader-writer-locked holder for the caller's application state S. Modeled
// on the teacher's use of a single mutex to serialize writers while readers
// proceed independently, generalized from "bytes on disk" to "an arbitrary
// in-memory value" and extended with panic poisoning, since a caller's
// apply closure is foreign code the engine cannot trust to never panic.
package state

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dreamsxin/ledger/internal/metrics"
	"github.com/dreamsxin/ledger/internal/types"
)

// Cloneable is the constraint snapshot-taking state types must satisfy.
type Cloneable[S any] interface {
	Clone() S
}

// Engine holds one instance of application state S behind a reader-writer
// lock. Every exported method after a panic in a caller closure returns
// ErrConcurrency; the engine does not attempt to roll back or repair state
// left by a half-executed mutator, matching the spec's "poisoned until the
// process recycles the engine" contract.
type Engine[S Cloneable[S]] struct {
	mu    sync.RWMutex
	state S

	poisoned int32 // atomic bool
	metrics  *metrics.StateMetrics
}

// New constructs an Engine holding initial.
func New[S Cloneable[S]](initial S, m *metrics.StateMetrics) *Engine[S] {
	if m == nil {
		m = metrics.NewStateMetrics(nil)
	}
	return &Engine[S]{state: initial, metrics: m}
}

func (e *Engine[S]) checkPoisoned() error {
	if atomic.LoadInt32(&e.poisoned) != 0 {
		return types.ErrConcurrency
	}
	return nil
}

// poison marks the engine unusable after a caller closure panics, and
// converts the recovered panic value into an ErrConcurrency for the caller
// whose closure panicked.
func (e *Engine[S]) poison(r any) error {
	atomic.StoreInt32(&e.poisoned, 1)
	e.metrics.Poisoned.Set(1)
	return fmt.Errorf("%w: panic in state closure: %v", types.ErrConcurrency, r)
}

// WithState runs fn against a read-locked view of the state. Any number of
// WithState calls may run concurrently with each other; all suspend while a
// WithStateMut call holds the lock.
func (e *Engine[S]) WithState(fn func(S) error) (err error) {
	if err := e.checkPoisoned(); err != nil {
		return err
	}
	e.mu.RLock()
	e.metrics.ReadLocks.Inc()
	defer e.mu.RUnlock()
	defer func() {
		if r := recover(); r != nil {
			err = e.poison(r)
		}
	}()
	return fn(e.state)
}

// WithStateMut runs fn against a write-locked, mutable view of the state,
// excluding every reader and every other writer for its duration.
func (e *Engine[S]) WithStateMut(fn func(*S) error) (err error) {
	if err := e.checkPoisoned(); err != nil {
		return err
	}
	e.mu.Lock()
	e.metrics.WriteLocks.Inc()
	defer e.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = e.poison(r)
		}
	}()
	return fn(&e.state)
}

// TryWithState is the non-blocking form of WithState: acquired is false if
// the lock was contended, in which case fn was not called and err is nil.
func (e *Engine[S]) TryWithState(fn func(S) error) (acquired bool, err error) {
	if err := e.checkPoisoned(); err != nil {
		return false, err
	}
	if !e.mu.TryRLock() {
		return false, nil
	}
	e.metrics.ReadLocks.Inc()
	defer e.mu.RUnlock()
	defer func() {
		if r := recover(); r != nil {
			acquired = true
			err = e.poison(r)
		}
	}()
	return true, fn(e.state)
}

// TryWithStateMut is the non-blocking form of WithStateMut.
func (e *Engine[S]) TryWithStateMut(fn func(*S) error) (acquired bool, err error) {
	if err := e.checkPoisoned(); err != nil {
		return false, err
	}
	if !e.mu.TryLock() {
		return false, nil
	}
	e.metrics.WriteLocks.Inc()
	defer e.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			acquired = true
			err = e.poison(r)
		}
	}()
	return true, fn(&e.state)
}

// Snapshot takes a read lock and returns a deep clone of the current state,
// safe for the caller to retain or mutate independently (e.g. to serialize
// into the Snapshot Store).
func (e *Engine[S]) Snapshot() (S, error) {
	var zero S
	if err := e.checkPoisoned(); err != nil {
		return zero, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Clone(), nil
}

// Replace exclusively swaps in newState and returns the value it displaced.
// Used by the event store's startup recovery to install a restored snapshot
// before events are re-applied on top of it.
func (e *Engine[S]) Replace(newState S) (old S, err error) {
	if err := e.checkPoisoned(); err != nil {
		return old, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	old = e.state
	e.state = newState
	return old, nil
}
