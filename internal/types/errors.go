// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package types holds the data shapes and storage interfaces shared across
// the event store, state engine, and replication packages. Nothing in here
// depends on any of those packages so it can be imported freely from all of
// them without cycles.
package types

import "errors"

var (
	// ErrNotFound is returned when an offset or event_id has no corresponding
	// record.
	ErrNotFound = errors.New("not found")

	// ErrCorruption is returned when a non-trailing record in a segment or a
	// snapshot fails to decode. Fatal: callers should refuse to open the
	// store.
	ErrCorruption = errors.New("corrupt record")

	// ErrSealed is returned when an append is attempted against a segment
	// that has already been sealed by rotation.
	ErrSealed = errors.New("segment sealed")

	// ErrClosed is returned by any operation performed after Close.
	ErrClosed = errors.New("store closed")

	// ErrOutOfRange describes bounds outside the log's current [first, last]
	// offsets. No operation in this module returns it: a range read starting
	// past the end yields no entries instead.
	ErrOutOfRange = errors.New("offset out of range")

	// ErrUnknownEventType is returned during replay when an envelope's
	// event_type has no registration. Fatal.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrDuplicate is not an error in the usual sense: it's the normal,
	// successful outcome of append/replicate when the event_id (or batch_id)
	// was already accepted.
	ErrDuplicate = errors.New("duplicate event")

	// ErrNotLeader is returned to a follower that receives replication
	// traffic from a non-authoritative epoch.
	ErrNotLeader = errors.New("not leader")

	// ErrConcurrency is returned once the state engine's lock has been
	// poisoned by a panicking writer closure.
	ErrConcurrency = errors.New("state engine poisoned")

	// ErrBackPressure is surfaced only when a caller-provided deadline
	// elapses while waiting for the async writer's queue to drain; absent a
	// deadline, callers simply suspend.
	ErrBackPressure = errors.New("writer queue full")
)
