// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/dreamsxin/ledger/internal/metrics"
	"github.com/dreamsxin/ledger/internal/types"
)

// segmentState pairs a segment's persisted metadata with its open file
// handle, mirroring the teacher's segmentState.
type segmentState struct {
	types.SegmentInfo
	w types.WritableFile // non-nil only for the active (unsealed) segment
	r types.ReadableFile // non-nil once opened for reading (sealed segments)
}

// logState is the immutable snapshot of segment layout, swapped atomically
// the same way the teacher's WAL.state is.
type logState struct {
	segments *immutable.SortedMap[types.Sequence, segmentState] // keyed by BaseSeq
	tail     types.WritableFile
	tailID   uint64
}

func (s *logState) firstSeq() types.Sequence {
	it := s.segments.Iterator()
	it.First()
	if it.Done() {
		return 0
	}
	_, seg, _ := it.Next()
	return seg.MinSeq
}

func (s *logState) lastSeq() types.Sequence {
	if s.tail == nil {
		return 0
	}
	return s.tail.LastSeq()
}

// Log is the append-only log: component B. It binds a types.SegmentFiler
// and types.MetaStore into the rotate-aware, multi-segment log spec.md
// section 4.B describes.
type Log struct {
	closed uint32

	filer *Filer
	meta  types.MetaStore
	enc   types.Encoding

	maxSegmentBytes uint32
	logger          log.Logger
	metrics         *metrics.LogMetrics

	writeMu sync.Mutex
	state   atomic.Value // *logState

	nextSegmentID uint64
}

// Open loads or initializes the log rooted at the filer's directory.
func Open(filer *Filer, meta types.MetaStore, enc types.Encoding, maxSegmentBytes uint32, logger log.Logger, m *metrics.LogMetrics) (*Log, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if m == nil {
		m = metrics.NewLogMetrics(nil)
	}
	l := &Log{
		filer:           filer,
		meta:            meta,
		enc:             enc,
		maxSegmentBytes: maxSegmentBytes,
		logger:          logger,
		metrics:         m,
	}

	persisted, err := meta.Load("")
	if err != nil {
		return nil, fmt.Errorf("load log metadata: %w", err)
	}
	l.nextSegmentID = persisted.NextSegmentID

	onDisk, err := filer.List()
	if err != nil {
		return nil, err
	}

	segs := &immutable.SortedMap[types.Sequence, segmentState]{}
	var tail types.WritableFile
	var tailID uint64
	recoveredTail := false

	sort.Slice(persisted.Segments, func(i, j int) bool {
		return persisted.Segments[i].BaseSeq < persisted.Segments[j].BaseSeq
	})

	for i, si := range persisted.Segments {
		delete(onDisk, si.ID)

		if !si.Sealed() {
			if i != len(persisted.Segments)-1 {
				return nil, fmt.Errorf("unsealed segment is not at tail")
			}
			w, err := filer.RecoverTail(si)
			if err != nil {
				return nil, fmt.Errorf("recover tail segment: %w", err)
			}
			segs = segs.Set(si.BaseSeq, segmentState{SegmentInfo: si, w: w})
			tail = w
			tailID = si.ID
			recoveredTail = true
			continue
		}

		r, err := filer.Open(si)
		if err != nil {
			return nil, fmt.Errorf("open sealed segment %d: %w", si.ID, err)
		}
		segs = segs.Set(si.BaseSeq, segmentState{SegmentInfo: si, r: r})
	}

	if !recoveredTail {
		si := types.SegmentInfo{ID: 0, BaseSeq: persisted.LastAppliedSeq + 1, MinSeq: persisted.LastAppliedSeq + 1, SizeLimit: maxSegmentBytes, CreateTimeUnix: time.Now().Unix()}
		if len(persisted.Segments) > 0 {
			si.BaseSeq = persisted.Segments[len(persisted.Segments)-1].MaxSeq + 1
			si.MinSeq = si.BaseSeq
		} else if si.BaseSeq == 0 {
			si.BaseSeq = 1
			si.MinSeq = 1
		}
		persisted.Segments = append(persisted.Segments, si)
		if err := meta.CommitState(persisted); err != nil {
			return nil, err
		}
		w, err := filer.Create(si)
		if err != nil {
			return nil, err
		}
		segs = segs.Set(si.BaseSeq, segmentState{SegmentInfo: si, w: w})
		tail = w
		tailID = si.ID
	}

	l.state.Store(&logState{segments: segs, tail: tail, tailID: tailID})

	// Leftover files not referenced by any known segment are crash debris
	// from a rename that didn't complete; remove them best-effort.
	for id := range onDisk {
		if err := filer.Delete(0, id); err != nil {
			level.Error(logger).Log("msg", "failed to delete orphaned segment file", "id", id, "err", err)
		}
	}

	return l, nil
}

func (l *Log) loadState() *logState { return l.state.Load().(*logState) }

// FirstSeq returns the MinSeq of the oldest segment. For a log that holds no
// records this is the sequence the next append will receive, never 0.
func (l *Log) FirstSeq() types.Sequence { return l.loadState().firstSeq() }

// LastSeq returns the last sequence currently held by the log, 0 if empty.
func (l *Log) LastSeq() types.Sequence { return l.loadState().lastSeq() }

func (l *Log) persist(s *logState) error {
	ps := types.PersistentState{NextSegmentID: l.nextSegmentID}
	it := s.segments.Iterator()
	for !it.Done() {
		_, seg, _ := it.Next()
		ps.Segments = append(ps.Segments, seg.SegmentInfo)
	}
	ps.LastAppliedSeq = s.lastSeq()
	return l.meta.CommitState(ps)
}

// Append writes envs to the active segment in order and returns the
// sequence assigned to each. It never rotates; callers invoke
// RotateIfNeeded afterwards.
func (l *Log) Append(envs []types.Envelope) ([]types.Sequence, error) {
	if atomic.LoadUint32(&l.closed) != 0 {
		return nil, types.ErrClosed
	}
	if len(envs) == 0 {
		return nil, nil
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	s := l.loadState()
	startSeq := s.lastSeq() + 1
	sizeBefore := s.tail.Size()

	offsets, err := s.tail.Append(envs)
	if err != nil {
		return nil, fmt.Errorf("append to active segment: %w", err)
	}
	l.metrics.Appends.Inc()
	l.metrics.EntriesWritten.Add(float64(len(envs)))
	l.metrics.BytesWritten.Add(float64(s.tail.Size() - sizeBefore))

	seqs := make([]types.Sequence, len(offsets))
	for i := range offsets {
		seqs[i] = startSeq + types.Sequence(i)
	}
	return seqs, nil
}

// Sync fsyncs the active segment's tail file. The async writer calls this
// under its own durability policy; Append itself never fsyncs so callers
// can batch several appends behind one fsync.
func (l *Log) Sync() error {
	if atomic.LoadUint32(&l.closed) != 0 {
		return types.ErrClosed
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.loadState().tail.Sync()
}

// RotateIfNeeded rotates the active segment when it has crossed
// max_segment_bytes.
func (l *Log) RotateIfNeeded() error {
	l.writeMu.Lock()
	s := l.loadState()
	sealed, _, err := s.tail.Sealed()
	l.writeMu.Unlock()
	if err != nil {
		return err
	}
	if !sealed {
		return nil
	}
	return l.Rotate()
}

// Rotate cuts the active segment immediately, size-independent - component
// F's rotate() operation. Rotation is classic log-rotate numbering: every
// existing rotated segment's suffix is bumped by one, the former active
// file becomes ".1", and a fresh active segment is created.
//
// Unlike the teacher, this runs synchronously on the caller's goroutine
// rather than handing off to a background rotator. In this design Append is
// always invoked from the async writer's single-consumer goroutine
// (component E), which already keeps file manipulation off the
// application caller's hot path; a second handoff layer here would just add
// a rendezvous channel without changing who actually blocks on it.
func (l *Log) Rotate() error {
	if atomic.LoadUint32(&l.closed) != 0 {
		return types.ErrClosed
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	s := l.loadState()
	if s.tail == nil {
		return nil
	}

	type bump struct {
		oldID, newID uint64
		seg          segmentState
	}
	var bumps []bump
	it := s.segments.Iterator()
	for !it.Done() {
		_, seg, _ := it.Next()
		if seg.w != nil {
			continue // the tail, handled separately below
		}
		bumps = append(bumps, bump{oldID: seg.ID, newID: seg.ID + 1, seg: seg})
	}
	sort.Slice(bumps, func(i, j int) bool { return bumps[i].newID > bumps[j].newID })

	newSegs := s.segments
	for _, b := range bumps {
		if err := l.filer.Rename(b.oldID, b.newID); err != nil {
			return err
		}
		info := b.seg.SegmentInfo
		info.ID = b.newID
		newSegs = newSegs.Delete(info.BaseSeq)
		newSegs = newSegs.Set(info.BaseSeq, segmentState{SegmentInfo: info, r: b.seg.r})
	}

	tailInfo := s.segments.Iterator()
	var sealedTail segmentState
	for !tailInfo.Done() {
		_, seg, _ := tailInfo.Next()
		if seg.w != nil {
			sealedTail = seg
		}
	}
	now := time.Now().Unix()
	sealedTail.SealTimeUnix = now
	sealedTail.MaxSeq = s.lastSeq()
	sealedTail.ID = 1
	if sealedTail.CreateTimeUnix > 0 {
		l.metrics.LastSegmentAge.Set(float64(now - sealedTail.CreateTimeUnix))
	}

	if err := l.filer.Rename(0, 1); err != nil {
		return err
	}
	if err := sealedTail.w.Sync(); err != nil {
		return err
	}
	if err := sealedTail.w.Close(); err != nil {
		return err
	}
	r, err := l.filer.Open(sealedTail.SegmentInfo)
	if err != nil {
		return err
	}
	newSegs = newSegs.Delete(sealedTail.BaseSeq)
	newSegs = newSegs.Set(sealedTail.BaseSeq, segmentState{SegmentInfo: sealedTail.SegmentInfo, r: r})

	nextBase := sealedTail.MaxSeq + 1
	newTailInfo := types.SegmentInfo{ID: 0, BaseSeq: nextBase, MinSeq: nextBase, SizeLimit: l.maxSegmentBytes, CreateTimeUnix: now}
	newTail, err := l.filer.Create(newTailInfo)
	if err != nil {
		return err
	}
	newSegs = newSegs.Set(newTailInfo.BaseSeq, segmentState{SegmentInfo: newTailInfo, w: newTail})

	newState := &logState{segments: newSegs, tail: newTail, tailID: 0}
	if err := l.persist(newState); err != nil {
		return err
	}
	l.state.Store(newState)
	l.metrics.SegmentRotations.Inc()
	level.Debug(l.logger).Log("msg", "rotated segment", "next_base_seq", nextBase)
	return nil
}

// IterFrom returns a fresh, forward-only iterator over every envelope whose
// sequence is >= fromSeq, scanning rotated segments in order and finally the
// active segment.
func (l *Log) IterFrom(fromSeq types.Sequence) (*LogIterator, error) {
	s := l.loadState()
	var segs []segmentState
	it := s.segments.Iterator()
	for !it.Done() {
		_, seg, _ := it.Next()
		segs = append(segs, seg)
	}
	return &LogIterator{log: l, segs: segs, fromSeq: fromSeq}, nil
}

// LogIterator walks segments in order, lazily opening an Iterator per
// segment.
type LogIterator struct {
	log     *Log
	segs    []segmentState
	fromSeq types.Sequence

	idx  int
	cur  *Iterator
}

// Next returns the next record at or after fromSeq, or io.EOF when
// exhausted.
func (li *LogIterator) Next() (Record, error) {
	for {
		if li.cur == nil {
			if li.idx >= len(li.segs) {
				return Record{}, io.EOF
			}
			seg := li.segs[li.idx]
			li.idx++

			var reader types.ReadableFile
			if seg.w != nil {
				reader = seg.w
			} else {
				reader = seg.r
			}
			validBytes := reader.Size()

			iter, err := newIterator(reader, li.log.enc, seg.BaseSeq, validBytes)
			if err != nil {
				return Record{}, err
			}
			li.cur = iter
		}

		rec, err := li.cur.Next()
		if err == io.EOF {
			li.cur = nil
			continue
		}
		if err != nil {
			return Record{}, err
		}
		if rec.Seq < li.fromSeq {
			continue
		}
		return rec, nil
	}
}

// Rebuild discards every existing segment file and replaces the log's
// entire content with envs, used by the Facade's compact() operation.
// Retained envelopes are assigned fresh, contiguous sequence numbers that
// end at the pre-compaction high-water mark, so LastSeq is unchanged and a
// snapshot taken at that mark (as Compact takes one) already covers every
// retained envelope: startup recovery, which replays strictly after the
// snapshot offset, does not apply them a second time.
func (l *Log) Rebuild(envs []types.Envelope) error {
	if atomic.LoadUint32(&l.closed) != 0 {
		return types.ErrClosed
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	s := l.loadState()
	type closed struct {
		id      uint64
		baseSeq types.Sequence
	}
	var toDelete []closed
	it := s.segments.Iterator()
	for !it.Done() {
		_, seg, _ := it.Next()
		if seg.w != nil {
			seg.w.Close()
		}
		if seg.r != nil {
			seg.r.Close()
		}
		toDelete = append(toDelete, closed{id: seg.ID, baseSeq: seg.BaseSeq})
	}

	baseSeq := s.lastSeq() + 1
	if n := types.Sequence(len(envs)); n < baseSeq {
		baseSeq -= n
	} else {
		baseSeq = 1
	}
	newTailInfo := types.SegmentInfo{ID: 0, BaseSeq: baseSeq, MinSeq: baseSeq, SizeLimit: l.maxSegmentBytes, CreateTimeUnix: time.Now().Unix()}
	w, err := l.filer.Create(newTailInfo)
	if err != nil {
		return err
	}
	if len(envs) > 0 {
		if _, err := w.Append(envs); err != nil {
			return err
		}
	}

	newSegs := (&immutable.SortedMap[types.Sequence, segmentState]{}).Set(baseSeq, segmentState{SegmentInfo: newTailInfo, w: w})
	newState := &logState{segments: newSegs, tail: w, tailID: 0}
	if err := l.persist(newState); err != nil {
		return err
	}
	l.state.Store(newState)

	for _, c := range toDelete {
		if c.id == 0 {
			continue // the new tail was created under the active segment's name
		}
		if err := l.filer.Delete(c.baseSeq, c.id); err != nil {
			level.Error(l.logger).Log("msg", "failed to delete pre-compaction segment", "id", c.id, "err", err)
		}
	}
	return nil
}

// Close closes the log and every open segment file handle.
func (l *Log) Close() error {
	if !atomic.CompareAndSwapUint32(&l.closed, 0, 1) {
		return nil
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	s := l.loadState()
	it := s.segments.Iterator()
	for !it.Done() {
		_, seg, _ := it.Next()
		if seg.w != nil {
			if err := seg.w.Sync(); err != nil {
				level.Error(l.logger).Log("msg", "sync on close failed", "err", err)
			}
			seg.w.Close()
		}
		if seg.r != nil {
			seg.r.Close()
		}
	}
	return l.meta.Close()
}
