// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package eventstore implements the Event Store Facade (component F): the
// single entry point binding the Codec, Async Writer, Append-Only Log,
// Durable Dedup Index, Snapshot Store, State Engine, and Event Registry
// into append/replay/snapshot/compact/rotate, matching the data flow
// spec.md section 2 lays out for the write, read, and recovery paths.
package eventstore

import (
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/dreamsxin/ledger/internal/codec"
	"github.com/dreamsxin/ledger/internal/dedupindex"
	"github.com/dreamsxin/ledger/internal/metastore"
	"github.com/dreamsxin/ledger/internal/metrics"
	"github.com/dreamsxin/ledger/internal/registry"
	"github.com/dreamsxin/ledger/internal/segment"
	"github.com/dreamsxin/ledger/internal/snapshot"
	"github.com/dreamsxin/ledger/internal/state"
	"github.com/dreamsxin/ledger/internal/types"
	"github.com/dreamsxin/ledger/internal/writer"
)

// AppendOutcome distinguishes a freshly-persisted append from one the
// dedup index recognized as already accepted.
type AppendOutcome int

const (
	Applied AppendOutcome = iota
	Duplicate
)

// AppendResult is returned by Append: Outcome tells the caller which
// happened, Offset is meaningful only when Outcome is Applied.
type AppendResult struct {
	Outcome AppendOutcome
	Offset  types.Sequence
}

// Options configures the facade's owned subsystems.
type Options struct {
	Encoding        types.Encoding
	MaxSegmentBytes uint32
	KeepRecentEvents int
	Writer          writer.Options
}

// SerializeState and DeserializeState let the facade hand opaque snapshot
// bytes to and from the caller's state type without the facade package
// itself needing to know how S is encoded.
type SerializeState[S any] func(S) ([]byte, error)
type DeserializeState[S any] func([]byte) (S, error)

// Store is one running instance of the Event Store core.
type Store[S state.Cloneable[S]] struct {
	dir    string
	opts   Options
	logger log.Logger

	log    *segment.Log
	meta   *metastore.Store
	dedup  *dedupindex.Index
	snaps  *snapshot.Store
	engine *state.Engine[S]
	reg    *registry.Registry[S]
	w      *writer.Writer

	serialize   SerializeState[S]
	deserialize DeserializeState[S]

	metrics *metrics.LogMetrics
	wm      *metrics.WriterMetrics
	sm      *metrics.StateMetrics
}

// Open wires every subsystem rooted at dir and replays existing history
// into initialState before returning, per the recovery path: load latest
// snapshot, replay the log from its offset, rebuild the dedup index if
// missing, then accept new appends.
func Open[S state.Cloneable[S]](
	dir string,
	reg *registry.Registry[S],
	initialState S,
	serialize SerializeState[S],
	deserialize DeserializeState[S],
	opts Options,
	logger log.Logger,
) (*Store[S], error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	logMetrics := metrics.NewLogMetrics(nil)
	writerMetrics := metrics.NewWriterMetrics(nil)
	stateMetrics := metrics.NewStateMetrics(nil)

	metaPath := dir + "/meta.raftmeta"
	meta, err := metastore.Open(metaPath)
	if err != nil {
		return nil, fmt.Errorf("open meta store: %w", err)
	}

	filer := segment.NewFiler(dir, opts.Encoding)
	logc, err := segment.Open(filer, meta, opts.Encoding, opts.MaxSegmentBytes, logger, logMetrics)
	if err != nil {
		meta.Close()
		return nil, fmt.Errorf("open log: %w", err)
	}

	dedupPath := dir + "/dedup.raftids"
	dedup, err := dedupindex.Open(dedupPath)
	if err != nil {
		logc.Close()
		return nil, fmt.Errorf("open dedup index: %w", err)
	}

	snaps, err := snapshot.Open(dir + "/snapshots")
	if err != nil {
		dedup.Close()
		logc.Close()
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}

	engine := state.New(initialState, stateMetrics)

	s := &Store[S]{
		dir:         dir,
		opts:        opts,
		logger:      logger,
		log:         logc,
		meta:        meta,
		dedup:       dedup,
		snaps:       snaps,
		engine:      engine,
		reg:         reg,
		serialize:   serialize,
		deserialize: deserialize,
		metrics:     logMetrics,
		wm:          writerMetrics,
		sm:          stateMetrics,
	}

	if err := s.recover(); err != nil {
		dedup.Close()
		logc.Close() // closes meta too
		return nil, err
	}

	// applyFn is deliberately nil here: section 5's suspension-point rule
	// has the Facade apply to state before handing off to the writer, not
	// after, so the writer's job on the live append path is durability and
	// batching only. ApplyAndPersist below is the batch-atomic path
	// replication's follower side uses, which does need the writer to
	// carry no conflicting apply step either.
	s.w = writer.New(opts.Writer, logc.Append, logc.Sync, nil, s.snapshotLocked, logger, writerMetrics)
	return s, nil
}

// recover implements the startup path: load latest snapshot (non-fatal if
// absent - replay from 0), replay the log on top of it, and rebuild the
// dedup index from the log if it came up empty.
func (s *Store[S]) recover() error {
	var fromSeq types.Sequence
	snap, ok, err := s.snaps.LoadLatest()
	if err != nil {
		return fmt.Errorf("load latest snapshot: %w", err)
	}
	if ok {
		restored, err := s.deserialize(snap.State)
		if err != nil {
			return fmt.Errorf("deserialize snapshot: %w", err)
		}
		if _, err := s.engine.Replace(restored); err != nil {
			return err
		}
		fromSeq = snap.Offset + 1
		level.Info(s.logger).Log("msg", "restored snapshot", "offset", snap.Offset)
	}

	n, err := s.dedup.Len()
	if err != nil {
		return fmt.Errorf("inspect dedup index: %w", err)
	}
	needsRebuild := n == 0

	// A dedup rebuild needs every event_id in the log, not only those after
	// the snapshot, so it scans from the start and applies only the records
	// past the snapshot offset.
	scanFrom := fromSeq
	if needsRebuild {
		scanFrom = 0
	}
	it, err := s.log.IterFrom(scanFrom)
	if err != nil {
		return fmt.Errorf("iterate log for replay: %w", err)
	}
	applied := 0
	for {
		rec, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("replay failed: %w", err)
		}
		if needsRebuild {
			if _, err := s.dedup.Insert(rec.Env.EventID); err != nil {
				return fmt.Errorf("rebuild dedup entry: %w", err)
			}
		}
		if rec.Seq < fromSeq {
			continue
		}
		if err := s.engine.WithStateMut(func(st *S) error {
			return s.reg.Apply(rec.Env, st)
		}); err != nil {
			return fmt.Errorf("apply event %s during replay: %w", rec.Env.EventType, err)
		}
		applied++
	}
	level.Info(s.logger).Log("msg", "replay complete", "events_applied", applied, "from_seq", fromSeq)
	return nil
}

// Append is the write path, in the exact order section 5 specifies: dedup
// check with no lock held, then with_state_mut to apply, then enqueue to
// the writer with no lock held. Duplicate event_ids short-circuit before
// either the state or the log is touched.
func (s *Store[S]) Append(eventType, eventID string, payload []byte, timestamp uint64) (AppendResult, error) {
	id := codec.EventID(eventID, payload)
	res, err := s.dedup.Insert(id)
	if err != nil {
		return AppendResult{}, fmt.Errorf("dedup check: %w", err)
	}
	if res == dedupindex.Duplicate {
		return AppendResult{Outcome: Duplicate}, nil
	}

	env := types.Envelope{EventType: eventType, EventID: id, Timestamp: timestamp, Payload: payload}
	if err := s.applyEnvelopes([]types.Envelope{env}); err != nil {
		return AppendResult{}, err
	}

	seqs, err := s.w.Enqueue([]types.Envelope{env})
	if err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Outcome: Applied, Offset: seqs[0]}, nil
}

// LogEntry pairs an envelope with the logical sequence assigned to it.
// Returned by ReadRange to callers outside the package - the replication
// GET /internal/log handler and the reconciler's catch-up fetch - that need
// the sequence alongside the envelope without reaching into internal/segment
// directly.
type LogEntry struct {
	Seq types.Sequence
	Env types.Envelope
}

// ReadRange returns up to limit envelopes starting at fromSeq (inclusive).
// limit <= 0 means unbounded. Used by replication's ranged log reads; it
// never consults a snapshot, only the log itself.
func (s *Store[S]) ReadRange(fromSeq types.Sequence, limit int) ([]LogEntry, error) {
	it, err := s.log.IterFrom(fromSeq)
	if err != nil {
		return nil, fmt.Errorf("iterate log for range read: %w", err)
	}
	var out []LogEntry
	for limit <= 0 || len(out) < limit {
		rec, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read log range: %w", err)
		}
		out = append(out, LogEntry{Seq: rec.Seq, Env: rec.Env})
	}
	return out, nil
}

// Digest returns a cheap content digest over the ordered event_ids in
// [from, to]: xxhash64 of their concatenation, newline-separated. Used by
// reconciliation to confirm a follower's log segment matches the leader's
// after a catch-up pull, per spec.md section 4.J's "per-aggregate digests"
// comparison.
func (s *Store[S]) Digest(from, to types.Sequence) (uint64, error) {
	it, err := s.log.IterFrom(from)
	if err != nil {
		return 0, fmt.Errorf("iterate log for digest: %w", err)
	}
	h := xxhash.New()
	for {
		rec, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("read log for digest: %w", err)
		}
		if rec.Seq > to {
			break
		}
		h.Write([]byte(rec.Env.EventID))
		h.Write([]byte("\n"))
	}
	return h.Sum64(), nil
}

// ApplyFreshBatch is the replication follower's bulk-apply path: envs
// already carry leader-assigned event_ids (replication never originates new
// ones), so each is checked against the per-event dedup index even though
// the caller has already gated out whole-batch replays by batch_id. Only
// the envelopes the index has not yet seen are applied, as one atomic
// ApplyAndPersist call.
func (s *Store[S]) ApplyFreshBatch(envs []types.Envelope) ([]types.Sequence, error) {
	fresh := make([]types.Envelope, 0, len(envs))
	for _, env := range envs {
		res, err := s.dedup.Insert(env.EventID)
		if err != nil {
			return nil, fmt.Errorf("dedup check during bulk apply: %w", err)
		}
		if res == dedupindex.Fresh {
			fresh = append(fresh, env)
		}
	}
	if len(fresh) == 0 {
		return nil, nil
	}
	return s.ApplyAndPersist(fresh)
}

// ApplyAndPersist applies every envelope in envs to state as a single
// with_state_mut call, then durably persists them in order. This is the
// batch-atomic path the replication follower side uses for
// /replicate_bulk, where either every new envelope in the batch is applied
// or (on a duplicate batch_id) none of them are.
func (s *Store[S]) ApplyAndPersist(envs []types.Envelope) ([]types.Sequence, error) {
	if len(envs) == 0 {
		return nil, nil
	}
	if err := s.applyEnvelopes(envs); err != nil {
		return nil, err
	}
	return s.w.Enqueue(envs)
}

// applyEnvelopes runs every envelope's registered Apply against state under
// one write lock acquisition, so a multi-envelope batch mutates state
// atomically from any concurrent reader's perspective.
func (s *Store[S]) applyEnvelopes(envs []types.Envelope) error {
	return s.engine.WithStateMut(func(st *S) error {
		for _, env := range envs {
			if err := s.reg.Apply(env, st); err != nil {
				return err
			}
		}
		return nil
	})
}

// snapshotLocked is the SnapshotFunc the writer invokes on its own
// SnapshotEvery cadence, from inside its consumer goroutine.
func (s *Store[S]) snapshotLocked() error {
	return s.Snapshot()
}

// Snapshot takes a read-locked clone of the current state and the log's
// current last sequence, and publishes it atomically via the snapshot
// store.
func (s *Store[S]) Snapshot() error {
	snap, err := s.engine.Snapshot()
	if err != nil {
		return err
	}
	data, err := s.serialize(snap)
	if err != nil {
		return fmt.Errorf("serialize state for snapshot: %w", err)
	}
	offset := s.log.LastSeq()
	if err := s.snaps.Save(offset, data); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	level.Debug(s.logger).Log("msg", "snapshot saved", "offset", offset)
	return nil
}

// Compact builds a snapshot at the current offset, then rewrites the log to
// retain every critical envelope plus the last KeepRecentEvents non-critical
// envelopes, in their original relative order; with KeepRecentEvents <= 0
// every non-critical envelope is retained. The compacted log plus the
// new snapshot still reconstruct the same state as the original; the dedup
// index is untouched so idempotence survives compaction (spec.md section
// 4.F).
func (s *Store[S]) Compact() error {
	if err := s.Snapshot(); err != nil {
		return fmt.Errorf("snapshot before compact: %w", err)
	}

	it, err := s.log.IterFrom(0)
	if err != nil {
		return fmt.Errorf("iterate log for compaction: %w", err)
	}

	// A single forward scan can't yet tell whether a non-critical event
	// falls inside the trailing KeepRecentEvents window, since that depends
	// on how many non-critical events follow it - so the whole log is
	// buffered once, annotated with its classification, and then replayed
	// in order to build retained. This keeps survivors in their original
	// relative order, unlike bucketing criticals and recents into separate
	// slices and concatenating them afterward.
	type scanned struct {
		env        types.Envelope
		isCritical bool
	}
	var all []scanned
	nonCriticalCount := 0
	for {
		rec, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read log during compaction: %w", err)
		}
		isCritical, err := s.reg.IsCritical(rec.Env.EventType)
		if err != nil {
			return fmt.Errorf("classify event for compaction: %w", err)
		}
		if !isCritical {
			nonCriticalCount++
		}
		all = append(all, scanned{env: rec.Env, isCritical: isCritical})
	}

	keepFrom := 0
	if s.opts.KeepRecentEvents > 0 && nonCriticalCount > s.opts.KeepRecentEvents {
		keepFrom = nonCriticalCount - s.opts.KeepRecentEvents
	}

	retained := make([]types.Envelope, 0, len(all))
	seenNonCritical := 0
	for _, rec := range all {
		if rec.isCritical {
			retained = append(retained, rec.env)
			continue
		}
		if seenNonCritical >= keepFrom {
			retained = append(retained, rec.env)
		}
		seenNonCritical++
	}

	if err := s.log.Rebuild(retained); err != nil {
		return fmt.Errorf("rebuild log during compaction: %w", err)
	}
	level.Info(s.logger).Log("msg", "compaction complete", "retained_events", len(retained))
	return nil
}

// Rotate cuts the active segment immediately, independent of size.
func (s *Store[S]) Rotate() error {
	return s.log.Rotate()
}

// Replay walks the full compacted log from the beginning and applies each
// event to a fresh value of S, without consulting any snapshot - used by
// callers auditing reconstruction rather than running the store itself.
func (s *Store[S]) Replay(into S) (S, error) {
	it, err := s.log.IterFrom(0)
	if err != nil {
		return into, err
	}
	for {
		rec, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return into, err
		}
		if err := s.reg.Apply(rec.Env, &into); err != nil {
			return into, err
		}
	}
	return into, nil
}

// Engine exposes the State Engine for read-path callers (with_state).
func (s *Store[S]) Engine() *state.Engine[S] { return s.engine }

// LastSeq returns the log's current high-water mark.
func (s *Store[S]) LastSeq() types.Sequence { return s.log.LastSeq() }

// Close drains the writer and closes every owned subsystem.
func (s *Store[S]) Close() error {
	if s.w != nil {
		s.w.Close()
	}
	var firstErr error
	for _, closer := range []func() error{s.dedup.Close, s.log.Close} {
		if err := closer(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
