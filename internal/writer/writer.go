// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package writer implements the Async Writer (component E): a single
// consumer goroutine that batches concurrent Enqueue calls behind one
// Append+fsync, in the spirit of the teacher's runRotate/triggerRotate
// handshake in wal.go - callers hand off work over a channel and block on a
// private reply, while one goroutine serializes the actual durability work.
package writer

import (
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/dreamsxin/ledger/internal/metrics"
	"github.com/dreamsxin/ledger/internal/types"
)

// DurabilityMode trades fsync frequency for append latency.
type DurabilityMode int

const (
	// MaxDurability fsyncs after every flushed batch before acknowledging
	// any of its callers.
	MaxDurability DurabilityMode = iota
	// Performance fsyncs only on the flush interval ticker, on snapshot
	// boundaries, and on Close.
	Performance
)

// AppendFunc persists a batch of envelopes and returns their sequences, in
// append order. Satisfied by (*segment.Log).Append.
type AppendFunc func(envs []types.Envelope) ([]types.Sequence, error)

// SyncFunc fsyncs whatever AppendFunc most recently wrote. Satisfied by
// (*segment.Log).Sync.
type SyncFunc func() error

// ApplyFunc feeds a successfully-appended batch into the state engine.
// Invoked from the writer goroutine before replying to callers, so state
// mutation order matches log order exactly.
type ApplyFunc func(envs []types.Envelope, seqs []types.Sequence) error

// SnapshotFunc triggers component D/F's checkpoint. Called from the writer
// goroutine every SnapshotEvery flushed events.
type SnapshotFunc func() error

// Options configures buffering and durability behavior.
type Options struct {
	DurabilityMode DurabilityMode
	// MaxBufferedEvents caps how many envelopes accumulate before a flush is
	// forced even if the flush interval hasn't elapsed.
	MaxBufferedEvents int
	// FlushInterval bounds how long envelopes can sit buffered under
	// Performance mode before an fsync happens anyway.
	FlushInterval time.Duration
	// MaxBufferedBytes is the back-pressure limit: Enqueue blocks while the
	// sum of payload bytes currently queued-or-in-flight exceeds this.
	MaxBufferedBytes int64
	// SnapshotEvery triggers SnapshotFunc after this many events have been
	// flushed since the last snapshot. Zero disables periodic snapshotting.
	SnapshotEvery uint64
}

func (o *Options) setDefaults() {
	if o.MaxBufferedEvents <= 0 {
		o.MaxBufferedEvents = 256
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 5 * time.Millisecond
	}
	if o.MaxBufferedBytes <= 0 {
		o.MaxBufferedBytes = 64 << 20
	}
}

type request struct {
	envs   []types.Envelope
	nbytes int64
	result chan result
}

type result struct {
	seqs []types.Sequence
	err  error
}

// Writer is the async batching front-end to the log and state engine.
type Writer struct {
	opts Options

	appendFn   AppendFunc
	syncFn     SyncFunc
	applyFn    ApplyFunc
	snapshotFn SnapshotFunc

	logger  log.Logger
	metrics *metrics.WriterMetrics

	queue chan *request

	bpMu        sync.Mutex
	bpCond      *sync.Cond
	queuedBytes int64
	sinceSnap   uint64

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// New starts the writer's consumer goroutine. applyFn and snapshotFn may be
// nil if the caller only wants durable persistence without state
// application (e.g. a replica replaying bulk batches through its own path).
func New(opts Options, appendFn AppendFunc, syncFn SyncFunc, applyFn ApplyFunc, snapshotFn SnapshotFunc, logger log.Logger, m *metrics.WriterMetrics) *Writer {
	opts.setDefaults()
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if m == nil {
		m = metrics.NewWriterMetrics(nil)
	}
	w := &Writer{
		opts:       opts,
		appendFn:   appendFn,
		syncFn:     syncFn,
		applyFn:    applyFn,
		snapshotFn: snapshotFn,
		logger:     logger,
		metrics:    m,
		queue:      make(chan *request, opts.MaxBufferedEvents),
		closed:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	w.bpCond = sync.NewCond(&w.bpMu)
	go w.run()
	return w
}

// Enqueue submits envs for durable append and, once appended, state
// application - in that order, matching segment order exactly across
// concurrent callers. It blocks until the batch has been flushed (and, in
// MaxDurability mode, fsynced). When the queue is over buffer_bytes, Enqueue
// suspends the caller until enough of the backlog drains rather than
// failing the call - back-pressure here is meant to propagate as latency to
// whatever collaborator is holding the calling goroutine, not as an error.
func (w *Writer) Enqueue(envs []types.Envelope) ([]types.Sequence, error) {
	if len(envs) == 0 {
		return nil, nil
	}

	var nbytes int64
	for _, e := range envs {
		nbytes += int64(len(e.Payload))
	}

	w.bpMu.Lock()
	if w.queuedBytes > 0 && w.queuedBytes+nbytes > w.opts.MaxBufferedBytes {
		w.metrics.BackPressureEvents.Inc()
	}
	for w.queuedBytes > 0 && w.queuedBytes+nbytes > w.opts.MaxBufferedBytes {
		select {
		case <-w.closed:
			w.bpMu.Unlock()
			return nil, types.ErrClosed
		default:
		}
		w.bpCond.Wait()
	}
	select {
	case <-w.closed:
		w.bpMu.Unlock()
		return nil, types.ErrClosed
	default:
	}
	w.queuedBytes += nbytes
	w.bpMu.Unlock()

	req := &request{envs: envs, nbytes: nbytes, result: make(chan result, 1)}
	select {
	case w.queue <- req:
	case <-w.closed:
		w.releaseBytes(nbytes)
		return nil, types.ErrClosed
	}
	w.metrics.EventsEnqueued.Add(float64(len(envs)))
	w.metrics.QueueDepth.Set(float64(len(w.queue)))

	select {
	case res := <-req.result:
		return res.seqs, res.err
	case <-w.done:
		return nil, types.ErrClosed
	}
}

// run is the single consumer goroutine: it owns batching, fsync timing, and
// snapshot triggering, so Log.Append is only ever called from here and
// enqueue order is preserved exactly.
func (w *Writer) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	var pending []*request
	pendingEnvs := 0
	unsynced := false

	flush := func() {
		if len(pending) == 0 {
			return
		}
		w.flushBatch(pending)
		pending = nil
		pendingEnvs = 0
		w.metrics.QueueDepth.Set(0)
		unsynced = w.opts.DurabilityMode == Performance
	}
	// syncWritten fsyncs batches that Performance mode flushed without one.
	syncWritten := func() {
		if !unsynced {
			return
		}
		unsynced = false
		if err := w.syncFn(); err != nil {
			level.Error(w.logger).Log("msg", "fsync failed", "err", err)
		}
	}

	for {
		select {
		case req, ok := <-w.queue:
			if !ok {
				flush()
				syncWritten()
				return
			}
			pending = append(pending, req)
			pendingEnvs += len(req.envs)
			if pendingEnvs >= w.opts.MaxBufferedEvents {
				flush()
			}
		case <-ticker.C:
			flush()
			syncWritten()
		case <-w.closed:
			// Drain whatever is already queued before exiting, so Close
			// guarantees no enqueued event is silently dropped. The queue
			// channel is deliberately never closed: Enqueue's select also
			// races on w.closed, so a caller can still be mid-send here;
			// leaving the channel open avoids a send-on-closed-channel
			// panic. Any request that lands after this drain returns
			// unanswered from Enqueue's perspective via the w.done case.
			for {
				select {
				case req := <-w.queue:
					pending = append(pending, req)
					pendingEnvs += len(req.envs)
				default:
					flush()
					syncWritten()
					return
				}
			}
		}
	}
}

// flushBatch appends every pending request's envelopes as one batch, applies
// durability policy, applies state mutation, and replies to each waiter with
// its slice of the resulting sequences.
func (w *Writer) flushBatch(pending []*request) {
	var all []types.Envelope
	counts := make([]int, len(pending))
	var totalBytes int64
	for i, req := range pending {
		all = append(all, req.envs...)
		counts[i] = len(req.envs)
		totalBytes += req.nbytes
	}

	seqs, err := w.appendFn(all)
	if err != nil {
		level.Error(w.logger).Log("msg", "batch append failed", "events", len(all), "err", err)
		w.replyAll(pending, counts, nil, err)
		w.releaseBytes(totalBytes)
		return
	}
	w.metrics.BatchesFlushed.Inc()

	w.sinceSnap += uint64(len(all))
	dueForSnapshot := w.opts.SnapshotEvery > 0 && w.sinceSnap >= w.opts.SnapshotEvery

	if w.opts.DurabilityMode == MaxDurability || dueForSnapshot {
		start := time.Now()
		if syncErr := w.syncFn(); syncErr != nil {
			level.Error(w.logger).Log("msg", "fsync failed", "err", syncErr)
			w.replyAll(pending, counts, nil, syncErr)
			w.releaseBytes(totalBytes)
			return
		}
		w.metrics.FsyncDuration.Observe(time.Since(start).Seconds())
	}

	if w.applyFn != nil {
		if err := w.applyFn(all, seqs); err != nil {
			level.Error(w.logger).Log("msg", "state apply failed", "err", err)
			w.replyAll(pending, counts, nil, err)
			w.releaseBytes(totalBytes)
			return
		}
	}

	if dueForSnapshot && w.snapshotFn != nil {
		if err := w.snapshotFn(); err != nil {
			level.Warn(w.logger).Log("msg", "periodic snapshot failed", "err", err)
		}
		w.sinceSnap = 0
	}

	w.replyAll(pending, counts, seqs, nil)
	w.releaseBytes(totalBytes)
}

// releaseBytes returns nbytes to the back-pressure budget and wakes any
// Enqueue callers suspended waiting for room.
func (w *Writer) releaseBytes(nbytes int64) {
	w.bpMu.Lock()
	w.queuedBytes -= nbytes
	w.bpMu.Unlock()
	w.bpCond.Broadcast()
}

func (w *Writer) replyAll(pending []*request, counts []int, seqs []types.Sequence, err error) {
	off := 0
	for i, req := range pending {
		if err != nil {
			req.result <- result{err: err}
			continue
		}
		req.result <- result{seqs: seqs[off : off+counts[i]]}
		off += counts[i]
	}
}

// Close stops accepting new work, drains and flushes whatever is already
// enqueued, and returns once the consumer goroutine has exited.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		close(w.closed)
		w.bpCond.Broadcast()
	})
	<-w.done
	return nil
}
