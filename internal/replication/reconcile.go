package replication

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/dreamsxin/ledger/internal/eventstore"
	"github.com/dreamsxin/ledger/internal/metrics"
	"github.com/dreamsxin/ledger/internal/state"
	"github.com/dreamsxin/ledger/internal/types"
)

// ReconcilerOptions configures the follower-side catch-up task (component
// J).
type ReconcilerOptions struct {
	// LeaderBaseURL is the leader's internal replication address.
	LeaderBaseURL string
	// Interval is how often a reconciliation cycle runs.
	Interval time.Duration
	// TransferCap bounds how many envelopes one cycle will pull, so a
	// severely lagging follower catches up over several cycles instead of
	// stalling everything else behind one giant fetch.
	TransferCap int
	// RequestTimeout bounds each HTTP call to the leader.
	RequestTimeout time.Duration
}

func (o *ReconcilerOptions) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = 10 * time.Second
	}
	if o.TransferCap <= 0 {
		o.TransferCap = 2000
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
}

// Reconciler is the periodic per-follower catch-up task described in
// spec.md section 4.J: compare local progress against the leader's
// high-water mark, pull any gap, and feed it through the same bulk-apply
// path /internal/replicate_bulk uses so dedup still applies.
type Reconciler[S state.Cloneable[S]] struct {
	store  *eventstore.Store[S]
	opts   ReconcilerOptions
	logger log.Logger
	m      *metrics.ReplicationMetrics
	client *http.Client

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewReconciler starts the periodic reconciliation loop against leader.
func NewReconciler[S state.Cloneable[S]](store *eventstore.Store[S], opts ReconcilerOptions, logger log.Logger, m *metrics.ReplicationMetrics) *Reconciler[S] {
	opts.setDefaults()
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if m == nil {
		m = metrics.NewReplicationMetrics(nil)
	}
	r := &Reconciler[S]{
		store:  store,
		opts:   opts,
		logger: logger,
		m:      m,
		client: &http.Client{Timeout: opts.RequestTimeout},
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Reconciler[S]) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if err := r.cycle(); err != nil {
				level.Warn(r.logger).Log("msg", "reconciliation cycle failed", "err", err)
			}
		}
	}
}

// cycle runs one reconciliation pass: fetch the leader's high-water mark,
// pull envelopes from the local offset up to min(hwm, local+TransferCap),
// and apply them. Returning without error when already caught up is the
// common case.
func (r *Reconciler[S]) cycle() error {
	r.m.ReconcileCycles.Inc()

	hwm, err := r.fetchLeaderHWM()
	if err != nil {
		return fmt.Errorf("fetch leader high-water mark: %w", err)
	}

	local := r.store.LastSeq()
	if local >= hwm {
		return nil
	}

	entries, err := r.fetchRange(local+1, r.opts.TransferCap)
	if err != nil {
		return fmt.Errorf("fetch log range: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	envs := make([]types.Envelope, len(entries))
	for i, e := range entries {
		envs[i] = e.Envelope.toEnvelope()
	}
	if _, err := r.store.ApplyFreshBatch(envs); err != nil {
		return fmt.Errorf("apply reconciled batch: %w", err)
	}
	r.m.ReconcilePulled.Add(float64(len(envs)))
	level.Info(r.logger).Log("msg", "reconciliation pulled gap", "from", local+1, "count", len(envs), "leader_hwm", hwm)

	r.verifyDigest(local+1, types.Sequence(entries[len(entries)-1].Seq))
	return nil
}

// verifyDigest is best-effort: a mismatch only ever gets logged, since the
// gap-pull above is already the repair action spec.md section 4.J defines.
// It exists to surface silent divergence (e.g. a bug in apply determinism)
// that a pure offset comparison would never catch.
func (r *Reconciler[S]) verifyDigest(from types.Sequence, to types.Sequence) {
	localDigest, err := r.store.Digest(from, to)
	if err != nil {
		level.Warn(r.logger).Log("msg", "local digest computation failed", "err", err)
		return
	}
	remoteDigest, err := r.fetchLeaderDigest(from, to)
	if err != nil {
		level.Warn(r.logger).Log("msg", "fetch leader digest failed", "err", err)
		return
	}
	if localDigest != remoteDigest {
		level.Error(r.logger).Log("msg", "content digest mismatch after reconciliation", "from", from, "to", to, "local", localDigest, "leader", remoteDigest)
	}
}

func (r *Reconciler[S]) fetchLeaderDigest(from, to types.Sequence) (uint64, error) {
	url := fmt.Sprintf("%s/internal/digest?from=%d&to=%d", r.opts.LeaderBaseURL, from, to)
	resp, err := r.client.Get(url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return 0, fmt.Errorf("leader digest returned %d", resp.StatusCode)
	}
	var body digestResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}
	return body.Digest, nil
}

func (r *Reconciler[S]) fetchLeaderHWM() (types.Sequence, error) {
	resp, err := r.client.Get(r.opts.LeaderBaseURL + "/internal/health")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return 0, fmt.Errorf("leader health returned %d", resp.StatusCode)
	}
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}
	return types.Sequence(body.LastAppliedSeq), nil
}

func (r *Reconciler[S]) fetchRange(from types.Sequence, limit int) ([]logEntryWire, error) {
	url := fmt.Sprintf("%s/internal/log?from=%d&limit=%d", r.opts.LeaderBaseURL, from, limit)
	resp, err := r.client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, fmt.Errorf("leader log range returned %d: %s", resp.StatusCode, body)
	}
	var entries []logEntryWire
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Close stops the reconciliation loop and waits for the current cycle, if
// any, to finish.
func (r *Reconciler[S]) Close() error {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
	return nil
}
