// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package replication implements the Replication Coordinator (component I)
// and Reconciliation (component J): leader-side fan-out of accepted
// appends to configured peers, follower-side HTTP handlers over
// gorilla/mux, and a periodic catch-up task that closes any gap the
// fan-out path missed.
package replication

import (
	"sync/atomic"
	"time"

	"github.com/benbjohnson/immutable"

	"github.com/dreamsxin/ledger/internal/metrics"
	"github.com/dreamsxin/ledger/internal/types"
)

// Health is the per-peer state machine value, as seen by the leader.
type Health int

const (
	Healthy Health = iota
	Lagging
	Degraded
	Unreachable
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Lagging:
		return "lagging"
	case Degraded:
		return "degraded"
	default:
		return "unreachable"
	}
}

// PeerState is the leader's view of one follower, as returned by Get and
// Snapshot. LastContactUnix is second-granularity since it is also the
// shape the /internal/health JSON body exposes.
type PeerState struct {
	Health              Health
	LastAckOffset       types.Sequence
	ConsecutiveFailures int
	LastContactUnix     int64
}

// peerState is the internal per-peer record kept at full time.Time
// precision, so UnreachableAfter thresholds well under a second (as tests
// use) aren't lost to PeerState's second-granularity public field.
type peerState struct {
	health              Health
	lastAckOffset       types.Sequence
	consecutiveFailures int
	lastContact         time.Time // last successful contact; zero if none yet
	unhealthySince      time.Time // when health first left Healthy; zero while Healthy
}

func (s peerState) export() PeerState {
	var lastContactUnix int64
	if !s.lastContact.IsZero() {
		lastContactUnix = s.lastContact.Unix()
	}
	return PeerState{
		Health:              s.health,
		LastAckOffset:       s.lastAckOffset,
		ConsecutiveFailures: s.consecutiveFailures,
		LastContactUnix:     lastContactUnix,
	}
}

// Thresholds configures the transition points in the per-peer state
// machine (spec.md section 4.I).
type Thresholds struct {
	// LagOffsets is how far behind the leader's last-enqueued offset a
	// peer's LastAckOffset may fall before Healthy -> Lagging.
	LagOffsets types.Sequence
	// DegradeAfterFailures is the number of consecutive fan-out failures
	// before Lagging -> Degraded.
	DegradeAfterFailures int
	// UnreachableAfter is how long without any successful contact before
	// Degraded -> Unreachable.
	UnreachableAfter time.Duration
}

func (t *Thresholds) setDefaults() {
	if t.LagOffsets <= 0 {
		t.LagOffsets = 1000
	}
	if t.DegradeAfterFailures <= 0 {
		t.DegradeAfterFailures = 5
	}
	if t.UnreachableAfter <= 0 {
		t.UnreachableAfter = 30 * time.Second
	}
}

// peerTable holds the immutable per-peer state snapshot, swapped atomically
// the same way segment.Log swaps its logState - readers (the /internal/health
// handler, metrics) never block behind a fan-out worker recording a result.
type peerTable struct {
	thresholds Thresholds
	state      atomic.Value // *immutable.SortedMap[string, peerState]
	metrics    *metrics.ReplicationMetrics
}

func newPeerTable(peerIDs []string, thresholds Thresholds, m *metrics.ReplicationMetrics) *peerTable {
	thresholds.setDefaults()
	pt := &peerTable{thresholds: thresholds, metrics: m}
	m0 := &immutable.SortedMap[string, peerState]{}
	for _, id := range peerIDs {
		m0 = m0.Set(id, peerState{health: Healthy})
	}
	pt.state.Store(m0)
	return pt
}

func (pt *peerTable) load() *immutable.SortedMap[string, peerState] {
	return pt.state.Load().(*immutable.SortedMap[string, peerState])
}

// Get returns the current state of a single peer.
func (pt *peerTable) Get(peerID string) (PeerState, bool) {
	st, ok := pt.load().Get(peerID)
	if !ok {
		return PeerState{}, false
	}
	return st.export(), true
}

// Snapshot returns every peer's current state, for the health endpoint.
func (pt *peerTable) Snapshot() map[string]PeerState {
	m := pt.load()
	out := make(map[string]PeerState, m.Len())
	it := m.Iterator()
	for !it.Done() {
		id, st, _ := it.Next()
		out[id] = st.export()
	}
	return out
}

// recordSuccess advances a peer's ack offset. A full catch-up (ackOffset >=
// leaderHWM) clears to Healthy immediately; otherwise a peer that was
// Degraded or Unreachable but just made successful contact steps back to
// Lagging rather than snapping straight to Healthy, per spec.md section
// 4.I's "any state -> Healthy on successful full catch-up" (partial
// contact is progress, not full health).
func (pt *peerTable) recordSuccess(peerID string, ackOffset types.Sequence, leaderHWM types.Sequence, now time.Time) {
	m := pt.load()
	st, _ := m.Get(peerID)
	st.lastAckOffset = ackOffset
	st.consecutiveFailures = 0
	st.lastContact = now

	switch {
	case ackOffset >= leaderHWM:
		st.health = Healthy
		st.unhealthySince = time.Time{}
	case leaderHWM-ackOffset > pt.thresholds.LagOffsets:
		st.health = Lagging
	default:
		if st.health != Healthy {
			st.health = Lagging
		}
	}
	pt.store(peerID, st, m)
}

// recordFailure walks a peer down the state machine on a failed fan-out
// attempt, and on to Unreachable once it has been unhealthy for longer than
// UnreachableAfter with no successful contact in between.
func (pt *peerTable) recordFailure(peerID string, now time.Time) {
	m := pt.load()
	st, _ := m.Get(peerID)
	st.consecutiveFailures++
	if st.health == Healthy {
		st.health = Lagging
	}
	if st.unhealthySince.IsZero() {
		st.unhealthySince = now
	}
	if st.consecutiveFailures >= pt.thresholds.DegradeAfterFailures && st.health < Degraded {
		st.health = Degraded
	}
	since := st.unhealthySince
	if st.lastContact.After(since) {
		since = st.lastContact
	}
	if st.health == Degraded && now.Sub(since) >= pt.thresholds.UnreachableAfter {
		st.health = Unreachable
	}
	pt.store(peerID, st, m)
}

func (pt *peerTable) store(peerID string, st peerState, old *immutable.SortedMap[string, peerState]) {
	pt.state.Store(old.Set(peerID, st))
	if pt.metrics != nil {
		pt.metrics.PeerState.WithLabelValues(peerID).Set(float64(st.health))
	}
}
