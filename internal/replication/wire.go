// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package replication

import "github.com/dreamsxin/ledger/internal/types"

// wireEnvelope is the JSON shape spec.md section 6 defines for the
// node-to-node replication surface: the same field set as the text-mode
// on-disk record, payload embedded as a string since it is opaque to the
// log.
type wireEnvelope struct {
	EventType   string `json:"event_type"`
	EventID     string `json:"event_id"`
	Timestamp   uint64 `json:"timestamp"`
	LeaderEpoch uint32 `json:"leader_epoch,omitempty"`
	Payload     string `json:"payload"`
}

func toWire(env types.Envelope) wireEnvelope {
	return wireEnvelope{
		EventType:   env.EventType,
		EventID:     env.EventID,
		Timestamp:   env.Timestamp,
		LeaderEpoch: env.LeaderEpoch,
		Payload:     string(env.Payload),
	}
}

func (w wireEnvelope) toEnvelope() types.Envelope {
	return types.Envelope{
		EventType:   w.EventType,
		EventID:     w.EventID,
		Timestamp:   w.Timestamp,
		LeaderEpoch: w.LeaderEpoch,
		Payload:     []byte(w.Payload),
	}
}

// replicateRequest is the body of POST /internal/replicate.
type replicateRequest struct {
	Envelope     wireEnvelope `json:"envelope"`
	LeaderNodeID string       `json:"leader_node_id"`
	LeaderEpoch  uint32       `json:"leader_epoch"`
}

// replicateBulkRequest is the body of POST /internal/replicate_bulk.
type replicateBulkRequest struct {
	Items        []wireEnvelope `json:"items"`
	LeaderNodeID string         `json:"leader_node_id"`
	LeaderEpoch  uint32         `json:"leader_epoch"`
	BatchID      string         `json:"batch_id"`
}

// replicateResponse is the body returned by both /internal/replicate and
// /internal/replicate_bulk.
type replicateResponse struct {
	Status string `json:"status"`
}

const (
	statusApplied          = "applied"
	statusDuplicateIgnored = "duplicate_ignored"
	statusNotLeader        = "not_leader"
)

// logEntryWire is one element of GET /internal/log's response array.
type logEntryWire struct {
	Seq      uint64       `json:"seq"`
	Envelope wireEnvelope `json:"envelope"`
}

// healthResponse is the body of GET /internal/health.
type healthResponse struct {
	NodeID         string                `json:"node_id"`
	LastAppliedSeq uint64                `json:"last_applied_seq"`
	LeaderEpoch    uint32                `json:"leader_epoch"`
	Peers          map[string]peerStatus `json:"peers,omitempty"`
}

// digestResponse is the body of GET /internal/digest.
type digestResponse struct {
	Digest uint64 `json:"digest"`
}

type peerStatus struct {
	Health              string `json:"health"`
	LastAckOffset       uint64 `json:"last_ack_offset"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastContactUnix     int64  `json:"last_contact_unix"`
}
