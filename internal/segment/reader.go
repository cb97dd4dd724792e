// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"os"

	"github.com/dreamsxin/ledger/internal/types"
)

// fileReader is the read-only implementation of types.ReadableFile used for
// sealed segments. Unlike the teacher's Reader it never maintains an
// on-disk index block: callers needing envelopes by sequence use Iterator,
// which is a sequential scan. spec.md's iter_from is explicitly a "lazy
// sequence", not a random-access contract, so this trades index-block
// complexity for a much smaller surface.
type fileReader struct {
	f *os.File
}

func openReader(path string) (*fileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &fileReader{f: f}, nil
}

func (r *fileReader) ReadAt(p []byte, off int64) (int, error) {
	return r.f.ReadAt(p, off)
}

func (r *fileReader) Close() error {
	return r.f.Close()
}

func (r *fileReader) Size() int64 {
	fi, err := r.f.Stat()
	if err != nil {
		return 0
	}
	return fi.Size()
}
