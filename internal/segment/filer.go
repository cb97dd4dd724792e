// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dreamsxin/ledger/internal/types"
)

// Filer is the default, file-backed types.SegmentFiler. It knows nothing
// about segment ordering or rotation bookkeeping; Log owns that and only
// asks Filer to create, open, rename, or delete the files a given
// types.SegmentInfo names.
type Filer struct {
	dir string
	enc types.Encoding
}

// NewFiler returns a Filer rooted at dir, which must already exist.
func NewFiler(dir string, enc types.Encoding) *Filer {
	return &Filer{dir: dir, enc: enc}
}

func (f *Filer) path(id uint64) string {
	return filepath.Join(f.dir, fileName(id))
}

// List returns every segment file currently on disk, keyed by rotation id,
// with a zero Sequence placeholder - Log cross-references this against its
// meta-store PersistentState to find orphaned files left by a crash.
func (f *Filer) List() (map[uint64]types.Sequence, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("list segment dir: %w", err)
	}
	out := make(map[uint64]types.Sequence)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name == ActiveName {
			out[0] = 0
			continue
		}
		var n uint64
		if _, err := fmt.Sscanf(name, ActiveName+".%d", &n); err == nil {
			out[n] = 0
		}
	}
	return out, nil
}

func (f *Filer) Create(info types.SegmentInfo) (types.WritableFile, error) {
	return create(f.path(info.ID), info, f.enc)
}

func (f *Filer) RecoverTail(info types.SegmentInfo) (types.WritableFile, error) {
	return recoverTail(f.path(info.ID), info, f.enc)
}

func (f *Filer) Open(info types.SegmentInfo) (types.ReadableFile, error) {
	return openReader(f.path(info.ID))
}

func (f *Filer) Delete(baseSeq types.Sequence, id uint64) error {
	err := os.Remove(f.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete segment id=%d: %w", id, err)
	}
	return nil
}

// Rename moves the segment file currently at fromID to toID. Used during
// rotation's logrotate-style renumbering.
func (f *Filer) Rename(fromID, toID uint64) error {
	if fromID == toID {
		return nil
	}
	if err := os.Rename(f.path(fromID), f.path(toID)); err != nil {
		return fmt.Errorf("rename segment %d -> %d: %w", fromID, toID, err)
	}
	return nil
}

func (f *Filer) Close() error { return nil }
