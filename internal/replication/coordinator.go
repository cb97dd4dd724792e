package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/time/rate"

	"github.com/dreamsxin/ledger/internal/codec"
	"github.com/dreamsxin/ledger/internal/eventstore"
	"github.com/dreamsxin/ledger/internal/metrics"
	"github.com/dreamsxin/ledger/internal/state"
	"github.com/dreamsxin/ledger/internal/types"
)

// PeerConfig names one replication target.
type PeerConfig struct {
	ID      string
	BaseURL string
}

// CoordinatorOptions configures the leader's fan-out behavior.
type CoordinatorOptions struct {
	LeaderNodeID string
	LeaderEpoch  uint32
	Peers        []PeerConfig
	Thresholds   Thresholds

	// RequestTimeout bounds a single HTTP call to a peer.
	RequestTimeout time.Duration
	// MaxRetryWindow bounds the total time spent retrying one fan-out item
	// (single envelope or batch) before giving up on it and letting
	// reconciliation pick up the gap later.
	MaxRetryWindow time.Duration
	// QueueSize is the per-peer buffered channel depth.
	QueueSize int
	// BulkThreshold caps how many queued items one flush takes. A flush of
	// more than one item goes out as /replicate_bulk; a lone item goes out
	// as /replicate.
	BulkThreshold int
	// MaxConcurrentRequests sets a rate limit shared by all peers: at most
	// this many fan-out attempts start per second, in bursts of up to the
	// same size. It does not count calls in flight; each peer's single
	// worker has at most one call in flight.
	MaxConcurrentRequests int
}

func (o *CoordinatorOptions) setDefaults() {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
	if o.MaxRetryWindow <= 0 {
		o.MaxRetryWindow = 30 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 4096
	}
	if o.BulkThreshold <= 0 {
		o.BulkThreshold = 8
	}
	if o.MaxConcurrentRequests <= 0 {
		o.MaxConcurrentRequests = 16
	}
}

type fanoutItem struct {
	seq types.Sequence
	env types.Envelope
}

// coordinatorCore holds everything a peerWorker needs that does not depend
// on the state type S, so peerWorker can stay a plain (non-generic) type
// even though Coordinator itself is generic over S.
type coordinatorCore struct {
	opts    CoordinatorOptions
	logger  log.Logger
	m       *metrics.ReplicationMetrics
	peers   *peerTable
	client  *http.Client
	limiter *rate.Limiter
	lastSeq func() types.Sequence
}

// Coordinator is the leader-side Replication Coordinator (component I): it
// wraps a Store's Append with fan-out to every configured peer, one
// single-consumer goroutine per peer so a given peer never sees envelopes
// out of order, the same ordering guarantee the async writer gives the log
// itself.
type Coordinator[S state.Cloneable[S]] struct {
	store *eventstore.Store[S]
	core  *coordinatorCore

	workers map[string]*peerWorker

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewCoordinator wires a fan-out worker per configured peer and starts them.
func NewCoordinator[S state.Cloneable[S]](store *eventstore.Store[S], opts CoordinatorOptions, logger log.Logger, m *metrics.ReplicationMetrics) *Coordinator[S] {
	opts.setDefaults()
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if m == nil {
		m = metrics.NewReplicationMetrics(nil)
	}

	peerIDs := make([]string, len(opts.Peers))
	for i, p := range opts.Peers {
		peerIDs[i] = p.ID
	}

	core := &coordinatorCore{
		opts:    opts,
		logger:  logger,
		m:       m,
		peers:   newPeerTable(peerIDs, opts.Thresholds, m),
		client:  &http.Client{Timeout: opts.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(opts.MaxConcurrentRequests), opts.MaxConcurrentRequests),
		lastSeq: store.LastSeq,
	}

	c := &Coordinator[S]{
		store:   store,
		core:    core,
		workers: make(map[string]*peerWorker, len(opts.Peers)),
		closed:  make(chan struct{}),
	}

	for _, p := range opts.Peers {
		w := &peerWorker{
			peer:  p,
			core:  core,
			queue: make(chan fanoutItem, opts.QueueSize),
		}
		c.workers[p.ID] = w
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			w.run()
		}()
	}
	return c
}

// Append applies and durably persists the envelope through the wrapped
// Store, then - only for a freshly-applied (non-duplicate) append - fans it
// out to every peer. Mirrors spec.md section 4.I: "For each accepted
// append (Fresh)... enqueues a fan-out task".
func (c *Coordinator[S]) Append(eventType, eventID string, payload []byte, timestamp uint64) (eventstore.AppendResult, error) {
	res, err := c.store.Append(eventType, eventID, payload, timestamp)
	if err != nil || res.Outcome != eventstore.Applied {
		return res, err
	}

	env := types.Envelope{EventType: eventType, EventID: codec.EventID(eventID, payload), Timestamp: timestamp, Payload: payload, LeaderEpoch: c.core.opts.LeaderEpoch}
	item := fanoutItem{seq: res.Offset, env: env}
	for _, w := range c.workers {
		select {
		case w.queue <- item:
		case <-c.closed:
		default:
			// Queue is full: the peer is falling behind badly enough that
			// reconciliation, not more buffering, is the right remedy.
			level.Warn(c.core.logger).Log("msg", "fan-out queue full, dropping to reconciliation", "peer", w.peer.ID, "seq", res.Offset)
		}
	}
	return res, nil
}

// Peers exposes the live peer state table, e.g. for an /internal/health
// handler outside this package's own Node wiring.
func (c *Coordinator[S]) Peers() map[string]PeerState { return c.core.peers.Snapshot() }

// Close stops every peer worker and waits for in-flight fan-out calls to
// finish.
func (c *Coordinator[S]) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		for _, w := range c.workers {
			close(w.queue)
		}
	})
	c.wg.Wait()
	return nil
}

// peerWorker is the single-consumer goroutine owning fan-out to one peer,
// grounded on the same handoff shape as the async writer's run(): a
// channel plus one goroutine guarantees delivery order without a lock.
type peerWorker struct {
	peer  PeerConfig
	core  *coordinatorCore
	queue chan fanoutItem
}

func (w *peerWorker) run() {
	for {
		first, ok := <-w.queue
		if !ok {
			return
		}
		batch := []fanoutItem{first}
	drain:
		for len(batch) < w.core.opts.BulkThreshold {
			select {
			case item, ok := <-w.queue:
				if !ok {
					break drain
				}
				batch = append(batch, item)
			default:
				break drain
			}
		}

		if len(batch) == 1 {
			w.sendWithRetry(func(ctx context.Context) error { return w.sendSingle(ctx, batch[0]) }, batch[len(batch)-1].seq)
		} else {
			w.sendWithRetry(func(ctx context.Context) error { return w.sendBulk(ctx, batch) }, batch[len(batch)-1].seq)
		}
	}
}

// sendWithRetry retries attempt with exponential backoff bounded by
// MaxRetryWindow, then records the peer's resulting success or failure.
func (w *peerWorker) sendWithRetry(attempt func(context.Context) error, lastSeq types.Sequence) {
	deadline := time.Now().Add(w.core.opts.MaxRetryWindow)
	backoff := 50 * time.Millisecond
	for {
		if err := w.core.limiter.Wait(context.Background()); err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), w.core.opts.RequestTimeout)
		start := time.Now()
		err := attempt(ctx)
		cancel()
		w.core.m.FanoutLatency.Observe(time.Since(start).Seconds())

		if err == nil {
			w.core.peers.recordSuccess(w.peer.ID, lastSeq, w.core.lastSeq(), time.Now())
			return
		}

		w.core.m.FanoutFailures.WithLabelValues(w.peer.ID).Inc()
		w.core.peers.recordFailure(w.peer.ID, time.Now())
		level.Warn(w.core.logger).Log("msg", "fan-out attempt failed", "peer", w.peer.ID, "err", err)

		if time.Now().Add(backoff).After(deadline) {
			level.Error(w.core.logger).Log("msg", "fan-out giving up, deferring to reconciliation", "peer", w.peer.ID, "seq", lastSeq)
			return
		}
		time.Sleep(backoff)
		backoff *= 2
	}
}

func (w *peerWorker) sendSingle(ctx context.Context, item fanoutItem) error {
	req := replicateRequest{
		Envelope:     toWire(item.env),
		LeaderNodeID: w.core.opts.LeaderNodeID,
		LeaderEpoch:  w.core.opts.LeaderEpoch,
	}
	return w.post(ctx, "/internal/replicate", req)
}

func (w *peerWorker) sendBulk(ctx context.Context, batch []fanoutItem) error {
	items := make([]wireEnvelope, len(batch))
	for i, it := range batch {
		items[i] = toWire(it.env)
	}
	req := replicateBulkRequest{
		Items:        items,
		LeaderNodeID: w.core.opts.LeaderNodeID,
		LeaderEpoch:  w.core.opts.LeaderEpoch,
		BatchID:      fmt.Sprintf("%s-%d-%d", w.core.opts.LeaderNodeID, batch[0].seq, batch[len(batch)-1].seq),
	}
	return w.post(ctx, "/internal/replicate_bulk", req)
}

func (w *peerWorker) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.peer.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := w.core.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: peer %s rejected leader_epoch", types.ErrNotLeader, w.peer.ID)
	case resp.StatusCode/100 != 2:
		return fmt.Errorf("peer %s returned %d: %s", w.peer.ID, resp.StatusCode, respBody)
	}

	var decoded replicateResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return fmt.Errorf("decode response from peer %s: %w", w.peer.ID, err)
	}
	return nil
}
