// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package codec (de)serializes envelopes to and from their on-disk record
// forms. Text mode is one JSON object per line; binary mode is a
// length-prefixed msgpack header followed by raw payload bytes and a
// terminator byte. SplitBinaryRecord checks the terminator to confirm a
// record ends where its length prefix says; nothing in this module scans
// forward for it to realign past a damaged record.
package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dreamsxin/ledger/internal/types"
)

// terminator follows every binary record. SplitBinaryRecord rejects a record
// whose last byte is not this value; no scan searches for it to find a later
// record boundary when total_len is wrong.
const terminator = byte(0x0A)

// headerLenFieldSize + totalLenFieldSize are the two fixed-size integers
// that prefix every binary record.
const (
	totalLenFieldSize  = 4
	headerLenFieldSize = 2
)

// textRecord mirrors the wire shape from spec.md section 6: payload is
// embedded as a JSON string, not nested JSON, since the payload is opaque to
// the log.
type textRecord struct {
	EventType   string `json:"event_type"`
	EventID     string `json:"event_id"`
	Timestamp   uint64 `json:"timestamp"`
	LeaderEpoch uint32 `json:"leader_epoch,omitempty"`
	Payload     string `json:"payload"`
}

// binaryHeader is the compact-encoded field set carried before the raw
// payload bytes in binary mode.
type binaryHeader struct {
	EventType   string `msgpack:"t"`
	EventID     string `msgpack:"i"`
	Timestamp   uint64 `msgpack:"ts"`
	LeaderEpoch uint32 `msgpack:"e"`
}

// EncodeText produces a single line of UTF-8 JSON terminated by '\n'.
func EncodeText(env types.Envelope) ([]byte, error) {
	rec := textRecord{
		EventType:   env.EventType,
		EventID:     env.EventID,
		Timestamp:   env.Timestamp,
		LeaderEpoch: env.LeaderEpoch,
		Payload:     string(env.Payload),
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode text envelope: %w", err)
	}
	b = append(b, '\n')
	return b, nil
}

// EncodeBinary produces a length-prefixed binary record:
// u32 total_len | u16 header_len | header_bytes | payload_bytes | terminator.
func EncodeBinary(env types.Envelope) ([]byte, error) {
	hdr := binaryHeader{
		EventType:   env.EventType,
		EventID:     env.EventID,
		Timestamp:   env.Timestamp,
		LeaderEpoch: env.LeaderEpoch,
	}
	hdrBytes, err := msgpack.Marshal(&hdr)
	if err != nil {
		return nil, fmt.Errorf("encode binary header: %w", err)
	}
	if len(hdrBytes) > 0xFFFF {
		return nil, fmt.Errorf("%w: header too large (%d bytes)", types.ErrCorruption, len(hdrBytes))
	}

	total := headerLenFieldSize + len(hdrBytes) + len(env.Payload) + 1 // +1 terminator
	buf := make([]byte, totalLenFieldSize+total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(len(hdrBytes)))
	off := 6
	off += copy(buf[off:], hdrBytes)
	off += copy(buf[off:], env.Payload)
	buf[off] = terminator
	return buf, nil
}

// Encode dispatches to EncodeText or EncodeBinary by mode.
func Encode(env types.Envelope, enc types.Encoding) ([]byte, error) {
	if enc == types.EncodingBinary {
		return EncodeBinary(env)
	}
	return EncodeText(env)
}

// DecodeText parses one line (without its trailing newline) into an
// envelope.
func DecodeText(line []byte) (types.Envelope, error) {
	var rec textRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return types.Envelope{}, fmt.Errorf("%w: %v", types.ErrCorruption, err)
	}
	return types.Envelope{
		EventType:   rec.EventType,
		EventID:     rec.EventID,
		Timestamp:   rec.Timestamp,
		LeaderEpoch: rec.LeaderEpoch,
		Payload:     []byte(rec.Payload),
	}, nil
}

// DecodeBinary parses one full binary record (the bytes between, but not
// including, the leading total_len and the trailing terminator already
// having been validated by the caller) into an envelope. buf must be exactly
// total_len-1 bytes (header_len field through payload, terminator excluded),
// as SplitBinaryRecord returns it.
func DecodeBinary(buf []byte) (types.Envelope, error) {
	if len(buf) < headerLenFieldSize {
		return types.Envelope{}, fmt.Errorf("%w: binary record too short", types.ErrCorruption)
	}
	hdrLen := int(binary.LittleEndian.Uint16(buf[0:2]))
	rest := buf[2:]
	if hdrLen > len(rest) {
		return types.Envelope{}, fmt.Errorf("%w: header_len exceeds record", types.ErrCorruption)
	}
	var hdr binaryHeader
	if err := msgpack.Unmarshal(rest[:hdrLen], &hdr); err != nil {
		return types.Envelope{}, fmt.Errorf("%w: %v", types.ErrCorruption, err)
	}
	payload := rest[hdrLen:]
	return types.Envelope{
		EventType:   hdr.EventType,
		EventID:     hdr.EventID,
		Timestamp:   hdr.Timestamp,
		LeaderEpoch: hdr.LeaderEpoch,
		Payload:     append([]byte{}, payload...),
	}, nil
}

// SplitBinaryRecord reads the total_len prefix from buf and returns the
// record body (header_len field through payload, terminator stripped) plus
// the number of bytes consumed including the terminator. ok is false if buf
// does not contain a complete record (partial trailing record).
func SplitBinaryRecord(buf []byte) (body []byte, consumed int, ok bool) {
	if len(buf) < totalLenFieldSize {
		return nil, 0, false
	}
	total := int(binary.LittleEndian.Uint32(buf[0:4]))
	need := totalLenFieldSize + total
	if len(buf) < need {
		return nil, 0, false
	}
	recordBody := buf[totalLenFieldSize : need-1]
	term := buf[need-1]
	if term != terminator {
		return nil, 0, false
	}
	return recordBody, need, true
}

// Decode dispatches to DecodeText or DecodeBinary by mode. line is the full
// record body appropriate to the mode (a text line without its newline, or
// a binary record body as returned by SplitBinaryRecord).
func Decode(line []byte, enc types.Encoding) (types.Envelope, error) {
	if enc == types.EncodingBinary {
		return DecodeBinary(line)
	}
	return DecodeText(bytes.TrimSuffix(line, []byte("\n")))
}
