// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package snapshot implements the Snapshot Store (component D): periodic
// full-state checkpoints that let Replay skip everything at or before the
// checkpoint's offset. Every write follows the teacher's meta-commit
// discipline - write to a temp file, fsync, rename - so a crash mid-save
// never leaves a half-written snapshot visible to load_latest.
package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dreamsxin/ledger/internal/types"
)

const (
	filePrefix = "snapshot."
	fileSuffix = ".raftsnap"
	tmpSuffix  = ".tmp"
	// keepLast bounds how many snapshots accumulate on disk; save prunes
	// older ones after a successful rename.
	keepLast = 2
)

// Snapshot is a loaded checkpoint: the opaque serialized state plus the
// logical sequence it was taken at (component F resumes replay strictly
// after this offset).
type Snapshot struct {
	Offset types.Sequence
	State  []byte
}

// Store persists and retrieves Snapshot values under dir.
type Store struct {
	dir string
}

func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func fileName(offset types.Sequence) string {
	return fmt.Sprintf("%s%020d%s", filePrefix, uint64(offset), fileSuffix)
}

// Save writes state as the checkpoint at offset. The write-temp-then-rename
// sequence means a reader (including a concurrent load_latest after a crash
// during this call) only ever sees either the previous snapshot or this
// fully-written one, never a partial file.
func (s *Store) Save(offset types.Sequence, state []byte) error {
	final := filepath.Join(s.dir, fileName(offset))
	tmp := final + tmpSuffix

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	if _, err := f.Write(state); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync temp snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename snapshot into place: %w", err)
	}
	if dirF, err := os.Open(s.dir); err == nil {
		dirF.Sync()
		dirF.Close()
	}

	s.prune(offset)
	return nil
}

// prune removes every snapshot strictly older than the one just written at
// current except the keepLast-1 most recent of them, so at most keepLast
// snapshots (current included) remain on disk.
func (s *Store) prune(current types.Sequence) {
	offsets, err := s.list()
	if err != nil {
		return
	}
	older := offsets[:0]
	for _, o := range offsets {
		if o < current {
			older = append(older, o)
		}
	}
	if len(older) <= keepLast-1 {
		return
	}
	for _, o := range older[:len(older)-(keepLast-1)] {
		os.Remove(filepath.Join(s.dir, fileName(o)))
	}
}

// list returns every fully-written snapshot offset present on disk, sorted
// ascending.
func (s *Store) list() ([]types.Sequence, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list snapshot dir: %w", err)
	}
	var out []types.Sequence
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		mid := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		n, err := strconv.ParseUint(mid, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, types.Sequence(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// LoadLatest returns the most recent fully-written snapshot, or ok=false if
// none exists yet (a fresh instance replays from sequence 0).
func (s *Store) LoadLatest() (snap Snapshot, ok bool, err error) {
	offsets, err := s.list()
	if err != nil {
		return Snapshot{}, false, err
	}
	if len(offsets) == 0 {
		return Snapshot{}, false, nil
	}
	latest := offsets[len(offsets)-1]
	data, err := os.ReadFile(filepath.Join(s.dir, fileName(latest)))
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("read snapshot: %w", err)
	}
	return Snapshot{Offset: latest, State: data}, true, nil
}
