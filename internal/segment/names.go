// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package segment implements the append-only log: one active segment file
// plus zero or more rotated segments, generalized from the teacher's raft
// log-entry segment machinery to opaque envelopes addressed by a logical
// Sequence instead of a raft index.
package segment

import "fmt"

// ActiveName is the on-disk name of the active segment, per spec.md section
// 6. Rotated segments are named ActiveName + ".N" for N >= 1, ascending by
// age - classic log-rotate numbering, where rotation bumps every existing
// rotated segment's suffix by one and renames the active file to ".1".
const ActiveName = "events.raftlog"

// fileName returns the on-disk name for the segment carrying the given
// rotation id. id 0 is always the active segment.
func fileName(id uint64) string {
	if id == 0 {
		return ActiveName
	}
	return fmt.Sprintf("%s.%d", ActiveName, id)
}
