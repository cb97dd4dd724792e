package replication

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"

	"github.com/dreamsxin/ledger/internal/bulkdedup"
	"github.com/dreamsxin/ledger/internal/eventstore"
	"github.com/dreamsxin/ledger/internal/state"
	"github.com/dreamsxin/ledger/internal/types"
)

// Node is the replication-facing wrapper around an eventstore.Store: it
// knows this process's own node_id and the leader identity it currently
// accepts writes from, and exposes the internal HTTP surface spec.md
// section 6 defines. A node that is itself the leader additionally holds a
// non-nil Coordinator (attached with SetCoordinator); every node, leader or
// follower, answers /internal/replicate* and /internal/log the same way.
type Node[S state.Cloneable[S]] struct {
	store  *eventstore.Store[S]
	dedup  *bulkdedup.Store
	logger log.Logger

	nodeID       string
	leaderNodeID string
	leaderEpoch  uint32

	coordinator *Coordinator[S]
}

// NodeOptions configures a Node.
type NodeOptions struct {
	NodeID       string
	LeaderNodeID string
	LeaderEpoch  uint32
}

// NewNode wraps store for the replication HTTP surface. dedupPath is the
// durable batch-id store's file path (spec.md section 6's
// dedup.bulk.raftids).
func NewNode[S state.Cloneable[S]](store *eventstore.Store[S], dedupPath string, opts NodeOptions, logger log.Logger) (*Node[S], error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	dedup, err := bulkdedup.Open(dedupPath)
	if err != nil {
		return nil, err
	}
	return &Node[S]{
		store:        store,
		dedup:        dedup,
		logger:       logger,
		nodeID:       opts.NodeID,
		leaderNodeID: opts.LeaderNodeID,
		leaderEpoch:  opts.LeaderEpoch,
	}, nil
}

// SetCoordinator attaches the leader-side fan-out coordinator once this
// node has been elected (or configured as) leader. A node with no
// coordinator attached is a pure follower.
func (n *Node[S]) SetCoordinator(c *Coordinator[S]) { n.coordinator = c }

// AdoptLeader updates the epoch this node accepts replication traffic
// under, e.g. after a new leader wins an election (out of scope here, but
// the hook a collaborator would call).
func (n *Node[S]) AdoptLeader(leaderNodeID string, epoch uint32) {
	n.leaderNodeID = leaderNodeID
	n.leaderEpoch = epoch
}

// Close releases the node's owned resources (the bulk-dedup store; the
// underlying eventstore.Store is owned by whoever opened it).
func (n *Node[S]) Close() error { return n.dedup.Close() }

// RegisterRoutes wires the internal replication endpoints onto r, matching
// spec.md section 6 exactly.
func (n *Node[S]) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/internal/replicate", n.handleReplicate).Methods(http.MethodPost)
	r.HandleFunc("/internal/replicate_bulk", n.handleReplicateBulk).Methods(http.MethodPost)
	r.HandleFunc("/internal/log", n.handleLog).Methods(http.MethodGet)
	r.HandleFunc("/internal/health", n.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/internal/digest", n.handleDigest).Methods(http.MethodGet)
}

// validEpoch reports whether req is signed by the leader this node
// currently recognizes (spec.md section 4.I bullet 1).
func (n *Node[S]) validEpoch(leaderNodeID string, leaderEpoch uint32) bool {
	if n.leaderNodeID == "" {
		return true
	}
	return leaderNodeID == n.leaderNodeID && leaderEpoch >= n.leaderEpoch
}

func (n *Node[S]) handleReplicate(w http.ResponseWriter, r *http.Request) {
	var req replicateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !n.validEpoch(req.LeaderNodeID, req.LeaderEpoch) {
		writeJSON(w, http.StatusConflict, replicateResponse{Status: statusNotLeader})
		return
	}

	env := req.Envelope.toEnvelope()
	res, err := n.store.Append(env.EventType, env.EventID, env.Payload, env.Timestamp)
	if err != nil {
		level.Error(n.logger).Log("msg", "replicate apply failed", "event_id", env.EventID, "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if res.Outcome == eventstore.Duplicate {
		writeJSON(w, http.StatusOK, replicateResponse{Status: statusDuplicateIgnored})
		return
	}
	writeJSON(w, http.StatusOK, replicateResponse{Status: statusApplied})
}

func (n *Node[S]) handleReplicateBulk(w http.ResponseWriter, r *http.Request) {
	var req replicateBulkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !n.validEpoch(req.LeaderNodeID, req.LeaderEpoch) {
		writeJSON(w, http.StatusConflict, replicateResponse{Status: statusNotLeader})
		return
	}

	known, err := n.dedup.Accept(req.BatchID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if known {
		writeJSON(w, http.StatusOK, replicateResponse{Status: statusDuplicateIgnored})
		return
	}

	envs := make([]types.Envelope, len(req.Items))
	for i, item := range req.Items {
		envs[i] = item.toEnvelope()
	}
	if _, err := n.store.ApplyFreshBatch(envs); err != nil {
		level.Error(n.logger).Log("msg", "bulk replicate apply failed", "batch_id", req.BatchID, "items", len(envs), "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, replicateResponse{Status: statusApplied})
}

func (n *Node[S]) handleLog(w http.ResponseWriter, r *http.Request) {
	from, err := parseSeqParam(r, "from", 0)
	if err != nil {
		http.Error(w, "invalid from", http.StatusBadRequest)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	entries, err := n.store.ReadRange(from, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]logEntryWire, len(entries))
	for i, e := range entries {
		out[i] = logEntryWire{Seq: uint64(e.Seq), Envelope: toWire(e.Env)}
	}
	writeJSON(w, http.StatusOK, out)
}

func (n *Node[S]) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		NodeID:         n.nodeID,
		LastAppliedSeq: uint64(n.store.LastSeq()),
		LeaderEpoch:    n.leaderEpoch,
	}
	if n.coordinator != nil {
		resp.Peers = make(map[string]peerStatus)
		for id, st := range n.coordinator.Peers() {
			resp.Peers[id] = peerStatus{
				Health:              st.Health.String(),
				LastAckOffset:       uint64(st.LastAckOffset),
				ConsecutiveFailures: st.ConsecutiveFailures,
				LastContactUnix:     st.LastContactUnix,
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (n *Node[S]) handleDigest(w http.ResponseWriter, r *http.Request) {
	from, err := parseSeqParam(r, "from", 0)
	if err != nil {
		http.Error(w, "invalid from", http.StatusBadRequest)
		return
	}
	to, err := parseSeqParam(r, "to", n.store.LastSeq())
	if err != nil {
		http.Error(w, "invalid to", http.StatusBadRequest)
		return
	}
	digest, err := n.store.Digest(from, to)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, digestResponse{Digest: digest})
}

func parseSeqParam(r *http.Request, name string, def types.Sequence) (types.Sequence, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	parsed, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, err
	}
	return types.Sequence(parsed), nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	b, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(b, v); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
