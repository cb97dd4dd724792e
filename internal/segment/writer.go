// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/dreamsxin/ledger/internal/codec"
	"github.com/dreamsxin/ledger/internal/types"
)

// fileWriter is the active-segment implementation of types.WritableFile. It
// owns the underlying *os.File and an in-memory offset index so a caller can
// resolve a sequence to a byte offset without re-scanning the file, mirroring
// the teacher's tailWriter.OffsetForFrame.
type fileWriter struct {
	mu  sync.Mutex
	f   *os.File
	enc types.Encoding

	info types.SegmentInfo
	size uint32

	// index maps sequence -> byte offset, for the lifetime of this segment
	// while it remains the tail. Bounded in size by max_segment_bytes.
	index map[types.Sequence]uint32

	nextSeq types.Sequence
}

func create(path string, info types.SegmentInfo, enc types.Encoding) (*fileWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create segment file: %w", err)
	}
	return &fileWriter{
		f:       f,
		enc:     enc,
		info:    info,
		index:   make(map[types.Sequence]uint32),
		nextSeq: info.BaseSeq,
	}, nil
}

// recoverTail reopens an existing, not-yet-sealed segment file, scanning it
// to rebuild the offset index and truncating any partial trailing record
// left by a crash between write and fsync.
func recoverTail(path string, info types.SegmentInfo, enc types.Encoding) (*fileWriter, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open tail segment for recovery: %w", err)
	}
	fw := &fileWriter{
		f:       f,
		enc:     enc,
		info:    info,
		index:   make(map[types.Sequence]uint32),
		nextSeq: info.BaseSeq,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read tail segment for recovery: %w", err)
	}

	validEnd, seq, idx, err := scanValidPrefix(data, enc, info.BaseSeq)
	if err != nil {
		f.Close()
		return nil, err
	}
	if validEnd < len(data) {
		// Partial trailing record: truncate at the last valid boundary.
		if err := f.Truncate(int64(validEnd)); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncate partial trailing record: %w", err)
		}
	}
	fw.size = uint32(validEnd)
	fw.nextSeq = seq
	fw.index = idx
	if _, err := f.Seek(0, os.SEEK_END); err != nil {
		f.Close()
		return nil, err
	}
	return fw, nil
}

// scanValidPrefix walks every complete record in data starting at sequence
// baseSeq, returning the byte length of the valid prefix, the next sequence
// to assign, and the offset index built along the way. A malformed
// non-trailing record is fatal corruption; an incomplete trailing record
// simply stops the scan (the caller truncates to validEnd).
func scanValidPrefix(data []byte, enc types.Encoding, baseSeq types.Sequence) (validEnd int, nextSeq types.Sequence, index map[types.Sequence]uint32, err error) {
	index = make(map[types.Sequence]uint32)
	seq := baseSeq
	off := 0

	for off < len(data) {
		if enc == types.EncodingBinary {
			body, consumed, ok := codec.SplitBinaryRecord(data[off:])
			if !ok {
				// Either a partial trailing record, or corrupt framing. If
				// there are at least 4 bytes we can read the declared
				// length; if it implies a record larger than what remains,
				// treat it as a partial trailing write rather than
				// corruption, since that's what a crash mid-append looks
				// like. A record that fits but lacks its terminator is
				// corruption.
				if len(data)-off >= 4 && off+4+int(binary.LittleEndian.Uint32(data[off:])) <= len(data) {
					return 0, 0, nil, fmt.Errorf("%w at byte offset %d", types.ErrCorruption, off)
				}
				break
			}
			if _, derr := codec.DecodeBinary(body); derr != nil {
				return 0, 0, nil, fmt.Errorf("%w at byte offset %d", types.ErrCorruption, off)
			}
			index[seq] = uint32(off)
			off += consumed
			seq++
			continue
		}

		// Text mode: find the next newline.
		nl := -1
		for i := off; i < len(data); i++ {
			if data[i] == '\n' {
				nl = i
				break
			}
		}
		if nl < 0 {
			// No terminating newline: partial trailing record.
			break
		}
		if _, derr := codec.DecodeText(data[off:nl]); derr != nil {
			return 0, 0, nil, fmt.Errorf("%w at byte offset %d", types.ErrCorruption, off)
		}
		index[seq] = uint32(off)
		off = nl + 1
		seq++
	}
	return off, seq, index, nil
}

func (w *fileWriter) Append(envs []types.Envelope) ([]types.Offset, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	offsets := make([]types.Offset, 0, len(envs))
	var buf []byte
	for _, env := range envs {
		b, err := codec.Encode(env, w.enc)
		if err != nil {
			return nil, err
		}
		offsets = append(offsets, types.Offset{SegmentID: w.info.ID, ByteOffset: w.size + uint32(len(buf))})
		w.index[w.nextSeq] = w.size + uint32(len(buf))
		w.nextSeq++
		buf = append(buf, b...)
	}
	n, err := w.f.Write(buf)
	if err != nil {
		return nil, fmt.Errorf("write segment record: %w", err)
	}
	w.size += uint32(n)
	return offsets, nil
}

func (w *fileWriter) Sealed() (bool, types.Sequence, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.info.SizeLimit > 0 && w.size >= w.info.SizeLimit {
		return true, w.nextSeq, nil
	}
	return false, 0, nil
}

func (w *fileWriter) LastSeq() types.Sequence {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextSeq - 1
}

func (w *fileWriter) OffsetForSeq(seq types.Sequence) (uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	off, ok := w.index[seq]
	if !ok {
		return 0, types.ErrNotFound
	}
	return off, nil
}

func (w *fileWriter) ReadAt(p []byte, off int64) (int, error) {
	return w.f.ReadAt(p, off)
}

func (w *fileWriter) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int64(w.size)
}

func (w *fileWriter) Sync() error {
	return w.f.Sync()
}

func (w *fileWriter) Close() error {
	return w.f.Close()
}
