// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package types

import "io"

// ReadableFile is the minimal random-access surface the segment iterator
// needs.
type ReadableFile interface {
	io.Closer
	ReadAt(p []byte, off int64) (n int, err error)
	// Size returns the number of valid bytes in the file - for a sealed
	// segment this is the whole file; for the active tail it's the durable
	// prefix written so far (crash recovery may have truncated anything
	// after it).
	Size() int64
}

// WritableFile is the append/seal surface the active segment writer needs.
type WritableFile interface {
	ReadableFile
	Append(envs []Envelope) ([]Offset, error)
	// Sealed reports whether the segment has crossed its size limit and, if
	// so, the sequence at which the next segment should begin.
	Sealed() (bool, Sequence, error)
	LastSeq() Sequence
	// OffsetForSeq resolves a logical sequence to a byte offset using the
	// writer's in-memory index; only valid while the segment is still the
	// active tail.
	OffsetForSeq(seq Sequence) (uint32, error)
	Sync() error
}

// SegmentFiler creates, opens, and deletes the physical files backing
// segments. Implementations own the data directory; the default one
// (segment.Filer) uses plain os.File, and the segment tests use it on a
// temporary directory.
type SegmentFiler interface {
	io.Closer
	List() (map[uint64]Sequence, error)
	Create(info SegmentInfo) (WritableFile, error)
	RecoverTail(info SegmentInfo) (WritableFile, error)
	Open(info SegmentInfo) (ReadableFile, error)
	Delete(baseSeq Sequence, id uint64) error
}

// MetaStore persists PersistentState (segment layout, last applied sequence,
// leader epoch) independently of the segment files themselves.
type MetaStore interface {
	io.Closer
	Load(dir string) (PersistentState, error)
	CommitState(ps PersistentState) error
}
