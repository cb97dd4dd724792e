// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package types

// Encoding selects the on-disk representation of envelopes within a segment.
type Encoding uint8

const (
	// EncodingText writes one newline-terminated JSON object per record.
	EncodingText Encoding = iota
	// EncodingBinary writes length-prefixed, msgpack-headered records.
	EncodingBinary
)

func (e Encoding) String() string {
	if e == EncodingBinary {
		return "binary"
	}
	return "text"
}

// Envelope is the canonical on-disk unit: every caller event is wrapped in
// one of these before it reaches the log.
type Envelope struct {
	// EventType is a stable "namespace::Name" identifier used to look up the
	// deserializer and applier in the Event Registry.
	EventType string `json:"event_type" msgpack:"event_type"`

	// EventID is the idempotence key. Either caller-supplied, or derived as
	// "json:"+hex(xxhash64(payload)) when the caller omits it. Unique across
	// the entire history of the instance.
	EventID string `json:"event_id" msgpack:"event_id"`

	// Timestamp is wall-clock seconds at append time. Never used to order
	// records - insertion order is authoritative.
	Timestamp uint64 `json:"timestamp" msgpack:"timestamp"`

	// LeaderEpoch identifies the leader that authored this envelope. Zero
	// when the envelope was never replicated.
	LeaderEpoch uint32 `json:"leader_epoch,omitempty" msgpack:"leader_epoch,omitempty"`

	// Payload is opaque to the log; JSON bytes in text mode, caller-defined
	// bytes in binary mode.
	Payload []byte `json:"-" msgpack:"-"`
}

// Offset locates an envelope within the segmented log: which segment, and
// the byte offset of its record within that segment's file.
type Offset struct {
	SegmentID uint64
	ByteOffset uint32
}

// Sequence is a monotonically increasing logical position assigned to every
// successfully appended envelope, independent of which segment holds it.
// Used for replication high-water marks and reconciliation ranges.
type Sequence uint64

// SegmentInfo describes one physical segment file.
type SegmentInfo struct {
	ID        uint64
	BaseSeq   Sequence // logical sequence of the first record in this segment
	MinSeq    Sequence
	MaxSeq    Sequence // 0 while unsealed
	SizeLimit uint32
	CreateTimeUnix int64
	SealTimeUnix   int64 // 0 while unsealed
}

// Sealed reports whether this segment has been rotated out of active use.
func (si SegmentInfo) Sealed() bool { return si.SealTimeUnix != 0 }

// PersistentState is the durable record of segment layout, kept in the meta
// store (meta.raftmeta) so a restart can reconstruct the log's shape without
// re-scanning every segment file.
type PersistentState struct {
	NextSegmentID uint64
	Segments      []SegmentInfo
	LastAppliedSeq Sequence
	LeaderEpoch    uint32
}
